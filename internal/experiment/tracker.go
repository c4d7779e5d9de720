// Package experiment manages prompt versions and the lifecycle of
// classification experiments.
package experiment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/ipv-detect/internal/model"
	"github.com/sells-group/ipv-detect/internal/store"
)

var (
	// ErrPromptNotFound is returned by Start when the prompt version does not exist.
	ErrPromptNotFound = eris.New("experiment: prompt version not found")
	// ErrFailed is returned when an operation requires a non-failed experiment.
	ErrFailed = eris.New("experiment: experiment has failed")
)

// Tracker records experiments and prompt versions in a Store.
type Tracker struct {
	st    store.Store
	now   func() time.Time
	newID func() string
}

// NewTracker creates a Tracker backed by st.
func NewTracker(st store.Store) *Tracker {
	return &Tracker{
		st:    st,
		now:   func() time.Time { return time.Now().UTC() },
		newID: func() string { return uuid.New().String() },
	}
}

// ContentHash identifies a prompt by its NFC-normalized system prompt and
// user template.
func ContentHash(system, template string) string {
	sum := sha256.Sum256([]byte(norm.NFC.String(system + "\x00" + template)))
	return hex.EncodeToString(sum[:])
}

// RegisterPrompt stores a prompt version unless one with the same content
// already exists. It returns the stored version and whether it was created.
func (t *Tracker) RegisterPrompt(ctx context.Context, system, template, tag string) (*model.PromptVersion, bool, error) {
	hash := ContentHash(system, template)

	existing, err := t.st.FindPromptByHash(ctx, hash)
	switch {
	case err == nil:
		zap.L().Info("experiment: prompt already registered",
			zap.String("prompt_version_id", existing.ID),
			zap.String("version_tag", existing.VersionTag),
			zap.String("requested_tag", tag),
		)
		return existing, false, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, false, eris.Wrap(err, "experiment: find prompt")
	}

	p := &model.PromptVersion{
		ID:           t.newID(),
		SystemPrompt: system,
		UserTemplate: template,
		ContentHash:  hash,
		VersionTag:   tag,
		CreatedAt:    t.now(),
	}
	inserted, err := t.st.InsertPrompt(ctx, p)
	if err != nil {
		return nil, false, eris.Wrap(err, "experiment: insert prompt")
	}
	if !inserted {
		// Lost a race with a concurrent registration of the same content.
		existing, err := t.st.FindPromptByHash(ctx, hash)
		return existing, false, eris.Wrap(err, "experiment: find prompt")
	}
	return p, true, nil
}

// Prompt returns a registered prompt version.
func (t *Tracker) Prompt(ctx context.Context, id string) (*model.PromptVersion, error) {
	p, err := t.st.GetPrompt(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, eris.Wrapf(ErrPromptNotFound, "prompt version %q", id)
	}
	return p, err
}

// Start creates a running experiment. When the prompt version is unknown the
// experiment is still recorded, as failed, and ErrPromptNotFound is returned
// along with it.
func (t *Tracker) Start(ctx context.Context, name, modelName, promptVersionID string, nTotal int) (*model.Experiment, error) {
	e := &model.Experiment{
		ID:              t.newID(),
		Name:            name,
		Model:           modelName,
		PromptVersionID: promptVersionID,
		Status:          model.ExperimentRunning,
		NTotal:          nTotal,
		StartedAt:       t.now(),
	}

	_, promptErr := t.Prompt(ctx, promptVersionID)
	if promptErr != nil && !errors.Is(promptErr, ErrPromptNotFound) {
		return nil, promptErr
	}
	if promptErr != nil {
		at := t.now()
		e.Status = model.ExperimentFailed
		e.ErrorMessage = promptErr.Error()
		e.CompletedAt = &at
	}

	if err := t.st.CreateExperiment(ctx, e); err != nil {
		return nil, eris.Wrap(err, "experiment: create")
	}

	log := zap.L().With(zap.String("experiment_id", e.ID), zap.String("name", name))
	if promptErr != nil {
		log.Error("experiment: setup failed", zap.Error(promptErr))
		return e, promptErr
	}
	log.Info("experiment: started",
		zap.String("model", modelName),
		zap.String("prompt_version_id", promptVersionID),
		zap.Int("n_total", nTotal),
	)
	return e, nil
}

// Get returns an experiment by id.
func (t *Tracker) Get(ctx context.Context, id string) (*model.Experiment, error) {
	return t.st.GetExperiment(ctx, id)
}

// Progress raises the processed counter to n. It never lowers it.
func (t *Tracker) Progress(ctx context.Context, id string, n int) error {
	return t.st.AdvanceProgress(ctx, id, n)
}

// Complete marks the experiment completed with n_processed set to the number
// of stored rows. Completing twice re-stamps completed_at. Failed experiments
// are refused.
func (t *Tracker) Complete(ctx context.Context, id string) (*model.Experiment, error) {
	e, err := t.st.GetExperiment(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status == model.ExperimentFailed {
		return nil, eris.Wrapf(ErrFailed, "complete %s", id)
	}

	n, err := t.st.CountResults(ctx, id)
	if err != nil {
		return nil, err
	}
	at := t.now()
	if err := t.st.CompleteExperiment(ctx, id, n, at); err != nil {
		return nil, err
	}

	e.Status = model.ExperimentCompleted
	e.NProcessed = n
	e.CompletedAt = &at
	zap.L().Info("experiment: completed", zap.String("experiment_id", id), zap.Int("n_processed", n))
	return e, nil
}

// Fail marks a running experiment failed. Terminal experiments are left
// unchanged.
func (t *Tracker) Fail(ctx context.Context, id, msg string) error {
	if _, err := t.st.GetExperiment(ctx, id); err != nil {
		return err
	}
	if err := t.st.FailExperiment(ctx, id, msg, t.now()); err != nil {
		return err
	}
	zap.L().Error("experiment: failed", zap.String("experiment_id", id), zap.String("error", msg))
	return nil
}

// Resume returns an experiment that may be re-run: running (interrupted) or
// completed. Failed experiments are refused.
func (t *Tracker) Resume(ctx context.Context, id string) (*model.Experiment, error) {
	e, err := t.st.GetExperiment(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status == model.ExperimentFailed {
		return nil, eris.Wrapf(ErrFailed, "resume %s", id)
	}
	zap.L().Info("experiment: resuming",
		zap.String("experiment_id", id),
		zap.String("status", string(e.Status)),
		zap.Int("n_processed", e.NProcessed),
	)
	return e, nil
}
