package model

import "time"

// ExperimentStatus is the lifecycle state of an experiment.
type ExperimentStatus string

const (
	ExperimentRunning   ExperimentStatus = "running"
	ExperimentCompleted ExperimentStatus = "completed"
	ExperimentFailed    ExperimentStatus = "failed"
)

// Experiment is one classification run over a narrative set with a fixed
// model and prompt version.
type Experiment struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	Model           string           `json:"model"`
	PromptVersionID string           `json:"prompt_version_id"`
	Status          ExperimentStatus `json:"status"`
	NTotal          int              `json:"n_total"`
	NProcessed      int              `json:"n_processed"`
	ErrorMessage    string           `json:"error_message,omitempty"`
	StartedAt       time.Time        `json:"started_at"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
}

// PromptVersion is an immutable, content-addressed prompt.
type PromptVersion struct {
	ID           string    `json:"id"`
	SystemPrompt string    `json:"system_prompt"`
	UserTemplate string    `json:"user_template"`
	ContentHash  string    `json:"content_hash"`
	VersionTag   string    `json:"version_tag,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// RunSummary reports what a pipeline run did.
type RunSummary struct {
	ExperimentID     string           `json:"experiment_id"`
	Status           ExperimentStatus `json:"status"`
	Total            int              `json:"total"`
	Processed        int              `json:"processed"`
	Inserted         int              `json:"inserted"`
	Skipped          int              `json:"skipped"`
	Duplicates       int              `json:"duplicates"`
	Errors           int              `json:"errors"`
	ParseFailures    int              `json:"parse_failures"`
	Tokens           Usage            `json:"tokens"`
	EstimatedCostUSD float64          `json:"estimated_cost_usd"`
	Elapsed          time.Duration    `json:"elapsed"`
}
