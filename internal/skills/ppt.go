package skills

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// PptSkill produces slide decks from a requirement and media assets.
type PptSkill struct{}

var pptKeywords = []string{
	"ppt",
	"slides",
	"presentation",
	"deck",
}

var strongMediaExtensions = map[string]bool{
	".pptx": true,
}

var weakMediaExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".svg":  true,
	".pdf":  true,
}

func (PptSkill) Descriptor() Descriptor {
	return Descriptor{
		Code:          "ppt",
		Name:          "PPT Generator",
		Aliases:       []string{"slides", "presentation"},
		Version:       "1.0.0",
		SchemaVersion: "1.0.0",
		TaskType:      "presentation",
		Description:   "Generate slide deck from requirement and media assets.",
	}
}

// Score weighs presentation keywords, with a strong boost for an existing
// deck among the inputs and a weak one for image material.
func (PptSkill) Score(requirement string, files []string) float64 {
	text := strings.ToLower(requirement)
	keywordHits := 0
	for _, keyword := range pptKeywords {
		if strings.Contains(text, keyword) {
			keywordHits++
		}
	}
	fileScore := 0.0
	for _, name := range files {
		ext := strings.ToLower(fileExt(name))
		switch {
		case strongMediaExtensions[ext]:
			fileScore += 0.45
		case weakMediaExtensions[ext]:
			fileScore += 0.12
		}
	}
	score := 0.08 + float64(keywordHits)*0.14 + fileScore
	return min(1.0, score)
}

func (s PptSkill) BuildExecutionPlan(ctx Context) Plan {
	contract := ctx.OutputContract
	if contract == nil {
		contract = map[string]any{"required_files": []any{"slides.pptx"}}
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
		SlideRules: map[string]any{
			"theme":                        "professional",
			"language":                     "en-US",
			"write_assumptions_to_readme": true,
		},
	}
}

func (PptSkill) BuildPrompt(ctx Context, plan Plan) string {
	planJSON, _ := json.MarshalIndent(plan, "", "  ")
	return fmt.Sprintf(`Run the ppt skill to complete this presentation task.
Hard requirements:
- Read text and image material from inputs/
- Deliver the deck as outputs/slides.pptx
- Optional previews may go to outputs/preview/*.png
- When information is missing, make the smallest reasonable assumption and record it in outputs/README.md
- Never modify inputs/
- Satisfy the output_contract in execution-plan.json exactly

execution-plan.json:
%s
`, planJSON)
}

// ValidateOutputs requires outputs/slides.pptx plus any contract-named
// files.
func (PptSkill) ValidateOutputs(ctx Context) error {
	slides := filepath.Join(ctx.WorkspaceDir, "outputs", "slides.pptx")
	if _, err := os.Stat(slides); err != nil {
		return &ContractViolation{Reason: "ppt skill requires outputs/slides.pptx"}
	}
	return validateRequiredFiles(ctx)
}

func (PptSkill) ArtifactManifest(ctx Context) []ManifestEntry {
	return []ManifestEntry{{Kind: "slides", Path: "outputs/slides.pptx"}}
}
