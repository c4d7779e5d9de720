// Package pipeline runs narratives through the model and persists one result
// row per narrative.
package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/ipv-detect/internal/config"
	"github.com/sells-group/ipv-detect/internal/cost"
	"github.com/sells-group/ipv-detect/internal/experiment"
	"github.com/sells-group/ipv-detect/internal/llm"
	"github.com/sells-group/ipv-detect/internal/model"
	"github.com/sells-group/ipv-detect/internal/parse"
	"github.com/sells-group/ipv-detect/internal/store"
)

// Config controls batching and concurrency of a run.
type Config struct {
	BatchSize     int
	MaxItems      int
	Concurrency   int
	MinTextLength int
}

// ConfigFrom maps the batch section of the application config.
func ConfigFrom(b config.BatchConfig) Config {
	return Config{
		BatchSize:     b.Size,
		MaxItems:      b.MaxItems,
		Concurrency:   b.Concurrency,
		MinTextLength: b.MinTextLength,
	}
}

// RunSpec names the experiment a run writes to. With ResumeID set the
// existing experiment is continued and the other fields are ignored.
type RunSpec struct {
	ExperimentName  string
	PromptVersionID string
	ResumeID        string
}

// Runner executes classification runs.
type Runner struct {
	store   store.Store
	tracker *experiment.Tracker
	invoker llm.Invoker
	model   string
	costs   *cost.Calculator
	cfg     Config
}

// New creates a Runner. modelName is recorded on new experiments.
func New(st store.Store, inv llm.Invoker, modelName string, costs *cost.Calculator, cfg Config) *Runner {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if costs == nil {
		costs = cost.NewCalculator(cost.DefaultRates())
	}
	return &Runner{
		store:   st,
		tracker: experiment.NewTracker(st),
		invoker: inv,
		model:   modelName,
		costs:   costs,
		cfg:     cfg,
	}
}

// job is one narrative to classify, with its input position.
type job struct {
	index int
	n     model.Narrative
	empty bool
}

// Run classifies narratives into the experiment named by spec.
//
// Narratives already stored for the experiment, and repeats within the
// input, are counted as duplicates without calling the model. Empty
// narratives are stored as skipped_empty, also without a call. The returned
// summary is populated even when an error is returned.
func (r *Runner) Run(ctx context.Context, spec RunSpec, narratives []model.Narrative) (*model.RunSummary, error) {
	started := time.Now()
	if r.cfg.MaxItems > 0 && len(narratives) > r.cfg.MaxItems {
		narratives = narratives[:r.cfg.MaxItems]
	}
	sum := &model.RunSummary{Total: len(narratives), Status: model.ExperimentFailed}
	defer func() { sum.Elapsed = time.Since(started) }()

	exp, err := r.experimentFor(ctx, spec, len(narratives))
	if exp != nil {
		sum.ExperimentID = exp.ID
	}
	if err != nil {
		return sum, err
	}
	log := zap.L().With(zap.String("experiment_id", exp.ID))

	pv, err := r.tracker.Prompt(ctx, exp.PromptVersionID)
	if err != nil {
		return sum, r.fail(ctx, exp.ID, err)
	}
	prompt, err := NewPrompt(pv)
	if err != nil {
		return sum, r.fail(ctx, exp.ID, err)
	}

	existing, err := r.store.ExistingKeys(ctx, exp.ID)
	if err != nil {
		return sum, r.fail(ctx, exp.ID, err)
	}

	jobs := make([]job, 0, len(narratives))
	for i, n := range narratives {
		key := n.Key()
		if existing[key] {
			sum.Duplicates++
			continue
		}
		existing[key] = true
		jobs = append(jobs, job{index: i, n: n, empty: n.IsEmpty(r.cfg.MinTextLength)})
	}
	log.Info("pipeline: run starting",
		zap.Int("total", len(narratives)),
		zap.Int("to_process", len(jobs)),
		zap.Int("already_stored", sum.Duplicates),
		zap.Int("concurrency", r.cfg.Concurrency),
	)

	// Rows already classified are written even after cancellation.
	writeCtx := context.WithoutCancel(ctx)
	writer := store.NewBatchWriter(r.store, exp.ID, r.cfg.BatchSize)
	for start := 0; start < len(jobs); start += r.cfg.BatchSize {
		if ctx.Err() != nil {
			return r.interrupted(ctx, sum, writer)
		}

		window := jobs[start:min(start+r.cfg.BatchSize, len(jobs))]
		results := r.classify(ctx, exp.ID, prompt, window)
		for _, res := range results {
			if res.aborted {
				continue
			}
			r.account(sum, res)
			if err := writer.Add(writeCtx, res.row); err != nil {
				r.tally(sum, writer)
				return sum, r.fail(ctx, exp.ID, err)
			}
		}
		log.Info("pipeline: window done",
			zap.Int("done", start+len(window)),
			zap.Int("of", len(jobs)),
		)
	}
	if ctx.Err() != nil {
		return r.interrupted(ctx, sum, writer)
	}
	if err := writer.Flush(writeCtx); err != nil {
		r.tally(sum, writer)
		return sum, r.fail(ctx, exp.ID, err)
	}
	r.tally(sum, writer)

	done, err := r.tracker.Complete(ctx, exp.ID)
	if err != nil {
		return sum, eris.Wrap(err, "pipeline: complete experiment")
	}
	sum.Status = done.Status

	log.Info("pipeline: run complete",
		zap.Int("processed", sum.Processed),
		zap.Int("inserted", sum.Inserted),
		zap.Int("duplicates", sum.Duplicates),
		zap.Int("skipped", sum.Skipped),
		zap.Int("errors", sum.Errors),
		zap.Int("parse_failures", sum.ParseFailures),
		zap.Int("total_tokens", sum.Tokens.TotalTokens),
		zap.Float64("estimated_cost_usd", sum.EstimatedCostUSD),
	)
	return sum, nil
}

func (r *Runner) experimentFor(ctx context.Context, spec RunSpec, n int) (*model.Experiment, error) {
	if spec.ResumeID != "" {
		return r.tracker.Resume(ctx, spec.ResumeID)
	}
	return r.tracker.Start(ctx, spec.ExperimentName, r.model, spec.PromptVersionID, n)
}

// interrupted flushes what was classified and leaves the experiment running
// so it can be resumed.
func (r *Runner) interrupted(ctx context.Context, sum *model.RunSummary, w *store.BatchWriter) (*model.RunSummary, error) {
	if err := w.Flush(context.WithoutCancel(ctx)); err != nil {
		zap.L().Error("pipeline: flush after cancel failed", zap.String("experiment_id", sum.ExperimentID), zap.Error(err))
	}
	r.tally(sum, w)
	sum.Status = model.ExperimentRunning
	return sum, eris.Wrap(ctx.Err(), "pipeline: run interrupted")
}

func (r *Runner) fail(ctx context.Context, experimentID string, cause error) error {
	if err := r.tracker.Fail(context.WithoutCancel(ctx), experimentID, cause.Error()); err != nil {
		zap.L().Error("pipeline: mark experiment failed", zap.String("experiment_id", experimentID), zap.Error(err))
	}
	return cause
}

// outcome is a classified narrative ready to be written.
type outcome struct {
	row     model.NarrativeResult
	inv     model.ModelInvocation
	empty   bool
	aborted bool
}

// classify runs one window. Results keep the window's input order whatever
// the concurrency.
func (r *Runner) classify(ctx context.Context, experimentID string, prompt *Prompt, window []job) []outcome {
	out := make([]outcome, len(window))
	if r.cfg.Concurrency <= 1 {
		for i, j := range window {
			out[i] = r.classifyOne(ctx, experimentID, prompt, j)
		}
		return out
	}

	var g errgroup.Group
	g.SetLimit(r.cfg.Concurrency)
	for i, j := range window {
		g.Go(func() error {
			out[i] = r.classifyOne(ctx, experimentID, prompt, j)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (r *Runner) classifyOne(ctx context.Context, experimentID string, prompt *Prompt, j job) outcome {
	if j.empty {
		return outcome{row: model.NewNarrativeResult(experimentID, j.n, model.ModelInvocation{}, parse.SkippedEmpty()), empty: true}
	}

	user, err := prompt.Render(j.n)
	var inv model.ModelInvocation
	if err != nil {
		inv = model.ModelInvocation{
			Request: model.InvocationRequest{SystemPrompt: prompt.System, Model: r.model},
			Err:     err.Error(),
		}
	} else {
		inv = r.invoker.Invoke(ctx, prompt.System, user)
	}

	if inv.Failed() && ctx.Err() != nil {
		// Cut short by cancellation; left unstored so a resume retries it.
		return outcome{aborted: true}
	}

	parsed := parse.Classify(inv)
	if parsed.Status == model.ParseFailed {
		zap.L().Warn("pipeline: unparseable response",
			zap.String("case_id", j.n.CaseID),
			zap.String("narrative_type", string(j.n.Type)),
			zap.Int("index", j.index),
		)
	}
	return outcome{row: model.NewNarrativeResult(experimentID, j.n, inv, parsed), inv: inv}
}

func (r *Runner) account(sum *model.RunSummary, o outcome) {
	switch o.row.ParseStatus {
	case model.ParseSkippedEmpty:
		sum.Skipped++
	case model.ParseFailed:
		sum.ParseFailures++
	case model.ParseError:
		sum.Errors++
	}
	if o.empty {
		return
	}
	sum.Tokens = sum.Tokens.Add(o.inv.Usage)
	modelName := o.inv.Request.Model
	if modelName == "" {
		modelName = r.model
	}
	sum.EstimatedCostUSD += r.costs.Cost(modelName, o.inv.Usage)
}

// tally copies the writer's store outcomes into the summary.
func (r *Runner) tally(sum *model.RunSummary, w *store.BatchWriter) {
	c := w.Counts()
	sum.Inserted = c.Inserted
	sum.Processed = c.Inserted + c.Duplicates + c.Errors
	sum.Duplicates += c.Duplicates
	sum.Errors += c.Errors
}
