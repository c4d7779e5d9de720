// Package reconcile combines the primary and secondary narrative results of a
// case into one verdict. It is a pure read-path computation: verdicts are
// recomputed from stored rows whenever they are needed, so changing the
// weights changes reported verdicts without re-running the model.
package reconcile

import (
	"context"
	"math"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ipv-detect/internal/config"
	"github.com/sells-group/ipv-detect/internal/model"
)

// Weights are the validated reconciliation constants.
type Weights struct {
	BaseFloor         float64
	SpreadWeight      float64
	ConflictThreshold float64
	Primary           float64
	Secondary         float64
}

// Reconciler applies Weights to pairs of results.
type Reconciler struct {
	w Weights
}

// New validates cfg and returns a Reconciler. There are no defaults.
func New(cfg config.ReconcileConfig) (*Reconciler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, eris.Wrap(err, "reconcile: invalid weights")
	}
	return &Reconciler{w: Weights{
		BaseFloor:         *cfg.BaseFloor,
		SpreadWeight:      *cfg.SpreadWeight,
		ConflictThreshold: *cfg.ConflictThreshold,
		Primary:           cfg.SourceWeights[string(model.Primary)],
		Secondary:         cfg.SourceWeights[string(model.Secondary)],
	}}, nil
}

// Weights returns the constants in use.
func (r *Reconciler) Weights() Weights { return r.w }

// Reconcile derives the verdict for one case. A nil or unusable result
// (Detected unknown) counts as a missing source.
func (r *Reconciler) Reconcile(caseID string, primary, secondary *model.ParsedResult) model.CaseVerdict {
	v := model.CaseVerdict{CaseID: caseID}
	pOK, sOK := primary.Usable(), secondary.Usable()

	switch {
	case !pOK && !sOK:
		v.FinalDetected = model.Unknown
		v.Basis = model.BasisNone
		return v

	case pOK != sOK:
		only := primary
		if sOK {
			only = secondary
		}
		v.Sources = 1
		v.Basis = model.BasisSingle
		v.FinalDetected = only.Detected
		v.FinalConfidence = copyFloat(only.Confidence)
		return v
	}

	v.Sources = 2
	gap := math.Abs(primary.ConfidenceOr(0) - secondary.ConfidenceOr(0))
	gapConflict := primary.Confidence != nil && secondary.Confidence != nil && gap > r.w.ConflictThreshold

	if primary.Detected == secondary.Detected {
		v.Basis = model.BasisAgree
		v.FinalDetected = primary.Detected
		v.FinalConfidence = maxConfidence(primary.Confidence, secondary.Confidence)
		v.Conflict = gapConflict
		return v
	}

	v.Basis = model.BasisDisagree
	v.Conflict = true
	v.FinalDetected = r.favored(primary, secondary).Detected
	higher := math.Max(primary.ConfidenceOr(0), secondary.ConfidenceOr(0))
	v.FinalConfidence = model.Float(clamp01(r.w.BaseFloor + higher*r.w.SpreadWeight))
	return v
}

// favored picks the source to believe when the two disagree: the larger
// configured weight, then the higher confidence, then primary.
func (r *Reconciler) favored(primary, secondary *model.ParsedResult) *model.ParsedResult {
	switch {
	case r.w.Primary > r.w.Secondary:
		return primary
	case r.w.Secondary > r.w.Primary:
		return secondary
	case secondary.ConfidenceOr(0) > primary.ConfidenceOr(0):
		return secondary
	default:
		return primary
	}
}

// ResultLister reads the stored rows of an experiment.
type ResultLister interface {
	ListResults(ctx context.Context, experimentID string) ([]model.NarrativeResult, error)
}

// ReconcileExperiment recomputes the verdict of every case in an experiment,
// ordered by case id.
func (r *Reconciler) ReconcileExperiment(ctx context.Context, lister ResultLister, experimentID string) ([]model.CaseVerdict, error) {
	rows, err := lister.ListResults(ctx, experimentID)
	if err != nil {
		return nil, eris.Wrapf(err, "reconcile: list results for %s", experimentID)
	}
	return r.ReconcileRows(rows), nil
}

// ReconcileRows groups rows by case and reconciles each case.
func (r *Reconciler) ReconcileRows(rows []model.NarrativeResult) []model.CaseVerdict {
	type pair struct{ primary, secondary *model.ParsedResult }
	cases := make(map[string]*pair)
	for _, row := range rows {
		p, ok := cases[row.CaseID]
		if !ok {
			p = &pair{}
			cases[row.CaseID] = p
		}
		switch row.NarrativeType {
		case model.Primary:
			p.primary = row.Parsed()
		case model.Secondary:
			p.secondary = row.Parsed()
		}
	}

	ids := make([]string, 0, len(cases))
	for id := range cases {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]model.CaseVerdict, 0, len(ids))
	for _, id := range ids {
		p := cases[id]
		out = append(out, r.Reconcile(id, p.primary, p.secondary))
	}
	return out
}

// Summary tallies a set of verdicts.
type Summary struct {
	Cases       int                        `json:"cases"`
	Detected    int                        `json:"detected"`
	NotDetected int                        `json:"not_detected"`
	Unknown     int                        `json:"unknown"`
	Conflicts   int                        `json:"conflicts"`
	ByBasis     map[model.VerdictBasis]int `json:"by_basis"`
}

// Summarize counts verdicts by outcome.
func Summarize(verdicts []model.CaseVerdict) Summary {
	s := Summary{Cases: len(verdicts), ByBasis: make(map[model.VerdictBasis]int)}
	for _, v := range verdicts {
		switch v.FinalDetected {
		case model.Yes:
			s.Detected++
		case model.No:
			s.NotDetected++
		default:
			s.Unknown++
		}
		if v.Conflict {
			s.Conflicts++
		}
		s.ByBasis[v.Basis]++
	}
	return s
}

func maxConfidence(a, b *float64) *float64 {
	switch {
	case a == nil:
		return copyFloat(b)
	case b == nil:
		return copyFloat(a)
	}
	return model.Float(math.Max(*a, *b))
}

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	return model.Float(*f)
}

func clamp01(f float64) float64 {
	return math.Max(0, math.Min(1, f))
}
