package skills

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeOutput(t *testing.T, workspaceDir, relative string) {
	t.Helper()
	path := filepath.Join(workspaceDir, "outputs", filepath.FromSlash(relative))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("content"), 0o644))
}

func TestGeneralValidateOutputsEmptyDir(t *testing.T) {
	workspaceDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(workspaceDir, "outputs"), 0o755))

	err := GeneralSkill{}.ValidateOutputs(Context{WorkspaceDir: workspaceDir})

	var violation *ContractViolation
	require.ErrorAs(t, err, &violation)
	assert.Contains(t, violation.Reason, "empty")
}

func TestGeneralValidateOutputsContractFiles(t *testing.T) {
	workspaceDir := t.TempDir()
	writeOutput(t, workspaceDir, "summary.md")

	ctx := Context{
		WorkspaceDir:   workspaceDir,
		OutputContract: map[string]any{"required_files": []any{"summary.md", "extra.json"}},
	}
	err := GeneralSkill{}.ValidateOutputs(ctx)
	var violation *ContractViolation
	require.ErrorAs(t, err, &violation)
	assert.Contains(t, violation.Reason, "extra.json")

	writeOutput(t, workspaceDir, "extra.json")
	assert.NoError(t, GeneralSkill{}.ValidateOutputs(ctx))
}

func TestDataAnalysisValidateRequiresReport(t *testing.T) {
	workspaceDir := t.TempDir()
	writeOutput(t, workspaceDir, "charts/overview.png")

	err := DataAnalysisSkill{}.ValidateOutputs(Context{WorkspaceDir: workspaceDir})
	var violation *ContractViolation
	require.ErrorAs(t, err, &violation)

	writeOutput(t, workspaceDir, "report.md")
	assert.NoError(t, DataAnalysisSkill{}.ValidateOutputs(Context{WorkspaceDir: workspaceDir}))
}

func TestPptValidateRequiresSlides(t *testing.T) {
	workspaceDir := t.TempDir()

	err := PptSkill{}.ValidateOutputs(Context{WorkspaceDir: workspaceDir})
	var violation *ContractViolation
	require.ErrorAs(t, err, &violation)
	assert.Contains(t, violation.Reason, "slides.pptx")

	writeOutput(t, workspaceDir, "slides.pptx")
	assert.NoError(t, PptSkill{}.ValidateOutputs(Context{WorkspaceDir: workspaceDir}))
}

func TestBuildExecutionPlanKeepsClientContract(t *testing.T) {
	contract := map[string]any{"required_files": []any{"result.bin"}}

	plan := DataAnalysisSkill{}.BuildExecutionPlan(Context{OutputContract: contract})

	assert.Equal(t, "data-analysis", plan.SelectedSkill)
	assert.Equal(t, contract, plan.OutputContract)
	assert.Equal(t, 900, plan.Timeouts.SoftSeconds)
	assert.Equal(t, 1200, plan.Timeouts.HardSeconds)
}

func TestBuildExecutionPlanDefaultContracts(t *testing.T) {
	analysis := DataAnalysisSkill{}.BuildExecutionPlan(Context{})
	ppt := PptSkill{}.BuildExecutionPlan(Context{})

	assert.Contains(t, analysis.OutputContract["required_files"], "report.md")
	assert.Contains(t, ppt.OutputContract["required_files"], "slides.pptx")
}

func TestBuildPromptEmbedsPlan(t *testing.T) {
	skill := GeneralSkill{}
	ctx := Context{WorkspaceDir: "/data/jobs/j1", SelectedSkill: GeneralDefaultCode}
	plan := skill.BuildExecutionPlan(ctx)

	prompt := skill.BuildPrompt(ctx, plan)

	assert.Contains(t, prompt, "/data/jobs/j1")
	assert.Contains(t, prompt, "execution-plan.json")
	assert.Contains(t, prompt, "inputs/")
	assert.Contains(t, prompt, "outputs/")
}

func TestPlanSchemaReflects(t *testing.T) {
	schema := PlanSchema()
	require.NotNil(t, schema)

	encoded, err := json.Marshal(schema)
	require.NoError(t, err)
	assert.Contains(t, string(encoded), "schema_version")
	assert.Contains(t, string(encoded), "output_contract")
	assert.Contains(t, string(encoded), "packaging_rules")
}
