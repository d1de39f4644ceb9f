package skills

// Plan is the execution plan a skill writes to job/execution-plan.json and
// embeds in the prompt. The agent treats it as the authoritative statement
// of what to produce and how the result is packaged.
type Plan struct {
	SchemaVersion  string         `json:"schema_version"`
	SelectedSkill  string         `json:"selected_skill"`
	OutputContract map[string]any `json:"output_contract"`
	PackagingRules PackagingRules `json:"packaging_rules"`
	Timeouts       Timeouts       `json:"timeouts"`
	RetryPolicy    RetryPolicy    `json:"retry_policy"`

	AnalysisRules map[string]any `json:"analysis_rules,omitempty"`
	SlideRules    map[string]any `json:"ppt_rules,omitempty"`
	Hints         map[string]any `json:"hints,omitempty"`
}

// PackagingRules names the workspace globs included in the result bundle.
type PackagingRules struct {
	Include []string `json:"include"`
}

// Timeouts are the per-job execution budgets, in seconds.
type Timeouts struct {
	SoftSeconds int `json:"soft_seconds"`
	HardSeconds int `json:"hard_seconds"`
}

// RetryPolicy bounds session-creation retries.
type RetryPolicy struct {
	MaxAttempts    int   `json:"max_attempts"`
	BackoffSeconds []int `json:"backoff_seconds"`
}

const (
	planSoftSeconds = 15 * 60
	planHardSeconds = 20 * 60
)

func defaultTimeouts() Timeouts {
	return Timeouts{SoftSeconds: planSoftSeconds, HardSeconds: planHardSeconds}
}

func defaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 2, BackoffSeconds: []int{30, 120}}
}
