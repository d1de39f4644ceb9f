package skills

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DataAnalysisSkill targets tabular-data analysis jobs producing a report
// with charts.
type DataAnalysisSkill struct{}

var dataKeywords = []string{
	"data",
	"analysis",
	"statistics",
	"report",
	"trend",
	"csv",
	"excel",
	"dataset",
	"analyze",
}

var dataExtensions = map[string]bool{
	".csv":     true,
	".xlsx":    true,
	".xls":     true,
	".parquet": true,
	".json":    true,
}

func (DataAnalysisSkill) Descriptor() Descriptor {
	return Descriptor{
		Code:          "data-analysis",
		Name:          "Data Analysis",
		Aliases:       []string{"analysis", "csv-analysis"},
		Version:       "1.0.0",
		SchemaVersion: "1.0.0",
		TaskType:      "data_analysis",
		Description:   "Analyze tabular data and output report with charts.",
	}
}

// Score weighs requirement keywords and data-shaped input files.
func (DataAnalysisSkill) Score(requirement string, files []string) float64 {
	text := strings.ToLower(requirement)
	keywordHits := 0
	for _, keyword := range dataKeywords {
		if strings.Contains(text, keyword) {
			keywordHits++
		}
	}
	fileHits := 0
	for _, name := range files {
		if dataExtensions[strings.ToLower(fileExt(name))] {
			fileHits++
		}
	}
	score := 0.15 + float64(keywordHits)*0.12 + float64(fileHits)*0.2
	return min(1.0, score)
}

func (s DataAnalysisSkill) BuildExecutionPlan(ctx Context) Plan {
	contract := ctx.OutputContract
	if contract == nil {
		contract = map[string]any{
			"required_files":  []any{"report.md"},
			"suggested_files": []any{"charts/overview.png"},
		}
	}
	return Plan{
		SchemaVersion:  s.Descriptor().SchemaVersion,
		SelectedSkill:  s.Descriptor().Code,
		OutputContract: contract,
		PackagingRules: PackagingRules{Include: []string{
			"outputs/**",
			"job/request.md",
			"job/execution-plan.json",
		}},
		Timeouts:    defaultTimeouts(),
		RetryPolicy: defaultRetryPolicy(),
		AnalysisRules: map[string]any{
			"language":                     "en-US",
			"chart_engine":                 "matplotlib",
			"write_assumptions_to_readme": true,
		},
	}
}

func (DataAnalysisSkill) BuildPrompt(ctx Context, plan Plan) string {
	planJSON, _ := json.MarshalIndent(plan, "", "  ")
	return fmt.Sprintf(`Run the data-analysis skill to complete this analysis task.
Hard requirements:
- Read the raw data from inputs/ and never modify the original files
- Write the structured findings to outputs/report.md
- Generate reproducible charts under outputs/charts/ (prefer png)
- When column semantics are unclear, make the smallest reasonable assumption and record it in outputs/README.md
- Deliver exactly what the output_contract in execution-plan.json requires

execution-plan.json:
%s
`, planJSON)
}

// ValidateOutputs requires outputs/report.md plus any contract-named files.
func (DataAnalysisSkill) ValidateOutputs(ctx Context) error {
	report := filepath.Join(ctx.WorkspaceDir, "outputs", "report.md")
	if _, err := os.Stat(report); err != nil {
		return &ContractViolation{Reason: "data-analysis requires outputs/report.md"}
	}
	return validateRequiredFiles(ctx)
}

func (DataAnalysisSkill) ArtifactManifest(ctx Context) []ManifestEntry {
	return []ManifestEntry{
		{Kind: "report", Path: "outputs/report.md"},
		{Kind: "chart_dir", Path: "outputs/charts"},
	}
}
