// Package skills holds the pluggable task strategies and the router that
// picks one per job. Skills are pure value objects: they score requirements,
// build execution plans and prompts, and validate outputs, without ever
// touching the store or the queue.
package skills

import (
	"fmt"
	"os"
	"path/filepath"
)

// Descriptor identifies a skill for routing and the public skill listing.
type Descriptor struct {
	Code          string   `json:"code"`
	Name          string   `json:"name"`
	Aliases       []string `json:"aliases"`
	Version       string   `json:"version"`
	SchemaVersion string   `json:"schema_version"`
	TaskType      string   `json:"task_type"`
	Description   string   `json:"description"`
}

// Context carries the per-job facts a skill needs. InputFiles are the
// stored filenames under inputs/, already sanitized.
type Context struct {
	JobID          string
	TenantID       string
	Requirement    string
	WorkspaceDir   string
	InputFiles     []string
	SelectedSkill  string
	OutputContract map[string]any
}

// ManifestEntry is one named artifact a skill promises to produce.
type ManifestEntry struct {
	Kind string `json:"kind"`
	Path string `json:"path"`
}

// ContractViolation is returned by ValidateOutputs when the workspace does
// not satisfy the skill's output contract.
type ContractViolation struct {
	Reason string
}

func (v *ContractViolation) Error() string {
	return "output contract violated: " + v.Reason
}

// Skill is a compiled-in task strategy. New skills join the system by
// registering a Skill with the Registry at startup.
type Skill interface {
	Descriptor() Descriptor
	// Score rates how well this skill fits the requirement and input
	// filenames, in [0,1].
	Score(requirement string, files []string) float64
	BuildExecutionPlan(ctx Context) Plan
	BuildPrompt(ctx Context, plan Plan) string
	// ValidateOutputs checks the workspace after the agent finishes. It
	// returns a *ContractViolation when the contract is unmet.
	ValidateOutputs(ctx Context) error
	ArtifactManifest(ctx Context) []ManifestEntry
}

// requiredFilesFromContract extracts the required output file list from a
// contract blob, accepting the key spellings clients use.
func requiredFilesFromContract(contract map[string]any) []string {
	if contract == nil {
		return nil
	}
	for _, key := range []string{"required_files", "files", "required"} {
		raw, ok := contract[key].([]any)
		if !ok {
			continue
		}
		var out []string
		for _, item := range raw {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// validateRequiredFiles checks every contract-required file exists under
// outputs/.
func validateRequiredFiles(ctx Context) error {
	outputsDir := filepath.Join(ctx.WorkspaceDir, "outputs")
	for _, required := range requiredFilesFromContract(ctx.OutputContract) {
		if _, err := os.Stat(filepath.Join(outputsDir, filepath.FromSlash(required))); err != nil {
			return &ContractViolation{Reason: fmt.Sprintf("missing required output file: %s", required)}
		}
	}
	return nil
}

func fileExt(name string) string {
	return filepath.Ext(name)
}
