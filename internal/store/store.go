// Package store persists prompts, experiments and narrative results.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ipv-detect/internal/config"
	"github.com/sells-group/ipv-detect/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrSchemaTooNew is returned by Migrate when the database was migrated
	// by a newer build.
	ErrSchemaTooNew = eris.New("store: database schema is newer than this build")
)

// ExperimentFilter specifies criteria for listing experiments.
type ExperimentFilter struct {
	Status model.ExperimentStatus `json:"status,omitempty"`
	Limit  int                    `json:"limit,omitempty"`
	Offset int                    `json:"offset,omitempty"`
}

// Store defines the persistence interface for classification runs.
type Store interface {
	// Prompts
	InsertPrompt(ctx context.Context, p *model.PromptVersion) (bool, error)
	GetPrompt(ctx context.Context, id string) (*model.PromptVersion, error)
	FindPromptByHash(ctx context.Context, hash string) (*model.PromptVersion, error)

	// Experiments
	CreateExperiment(ctx context.Context, e *model.Experiment) error
	GetExperiment(ctx context.Context, id string) (*model.Experiment, error)
	ListExperiments(ctx context.Context, filter ExperimentFilter) ([]model.Experiment, error)
	AdvanceProgress(ctx context.Context, id string, processed int) error
	CompleteExperiment(ctx context.Context, id string, processed int, at time.Time) error
	FailExperiment(ctx context.Context, id, msg string, at time.Time) error

	// Results
	InsertResults(ctx context.Context, experimentID string, rows []model.NarrativeResult) ([]model.StoreOutcome, error)
	ExistingKeys(ctx context.Context, experimentID string) (map[model.ResultKey]bool, error)
	ListResults(ctx context.Context, experimentID string) ([]model.NarrativeResult, error)
	CountResults(ctx context.Context, experimentID string) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	SchemaVersion(ctx context.Context) (int, error)
	Close() error
}

// Open connects to the configured backend. It does not migrate.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "sqlite", "":
		return NewSQLite(cfg.DatabaseURL)
	case "postgres":
		return NewPostgres(ctx, cfg.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
}

const (
	promptColumns     = `id, system_prompt, user_template, content_hash, version_tag, created_at`
	experimentColumns = `id, name, model, prompt_version_id, status, n_total, n_processed, error_message, started_at, completed_at`
	resultColumns     = `id, experiment_id, case_id, narrative_type, detected, confidence, indicators, rationale, parse_status,
		prompt_tokens, completion_tokens, total_tokens, latency_ms, raw_response, error_message, created_at`
)

type scannable interface {
	Scan(dest ...any) error
}

func scanPrompt(row scannable) (*model.PromptVersion, error) {
	var p model.PromptVersion
	if err := row.Scan(&p.ID, &p.SystemPrompt, &p.UserTemplate, &p.ContentHash, &p.VersionTag, &p.CreatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanExperiment(row scannable) (*model.Experiment, error) {
	var e model.Experiment
	err := row.Scan(&e.ID, &e.Name, &e.Model, &e.PromptVersionID, &e.Status,
		&e.NTotal, &e.NProcessed, &e.ErrorMessage, &e.StartedAt, &e.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func scanResult(row scannable) (*model.NarrativeResult, error) {
	var (
		r          model.NarrativeResult
		detected   *int64
		indicators []byte
	)
	err := row.Scan(&r.ID, &r.ExperimentID, &r.CaseID, &r.NarrativeType, &detected, &r.Confidence,
		&indicators, &r.Rationale, &r.ParseStatus, &r.PromptTokens, &r.CompletionTokens,
		&r.TotalTokens, &r.LatencyMS, &r.RawResponse, &r.ErrorMessage, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.Detected = model.TristateFromDB(detected)
	if len(indicators) > 0 {
		if err := json.Unmarshal(indicators, &r.Indicators); err != nil {
			return nil, eris.Wrapf(err, "store: decode indicators for %s/%s", r.CaseID, r.NarrativeType)
		}
	}
	return &r, nil
}

func encodeIndicators(in model.Indicators) ([]byte, error) {
	b, err := json.Marshal(in)
	return b, eris.Wrap(err, "store: encode indicators")
}

func listLimit(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}
