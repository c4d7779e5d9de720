package store

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ipv-detect/internal/model"
)

// BatchCounts tallies store outcomes across flushes.
type BatchCounts struct {
	Inserted   int `json:"inserted"`
	Duplicates int `json:"duplicates"`
	Errors     int `json:"errors"`
}

// BatchWriter buffers results for one experiment and writes them in
// transactions of at most size rows. After every committed batch the
// experiment's progress counter is advanced to the stored row count.
// A BatchWriter is not safe for concurrent use; it is the single writer of
// its experiment.
type BatchWriter struct {
	st           Store
	experimentID string
	size         int
	buf          []model.NarrativeResult
	counts       BatchCounts
}

// NewBatchWriter returns a writer flushing every size rows (minimum 1).
func NewBatchWriter(st Store, experimentID string, size int) *BatchWriter {
	if size < 1 {
		size = 1
	}
	return &BatchWriter{
		st:           st,
		experimentID: experimentID,
		size:         size,
		buf:          make([]model.NarrativeResult, 0, size),
	}
}

// Add buffers r and flushes when the buffer is full.
func (w *BatchWriter) Add(ctx context.Context, r model.NarrativeResult) error {
	w.buf = append(w.buf, r)
	if len(w.buf) >= w.size {
		return w.Flush(ctx)
	}
	return nil
}

// Flush writes any buffered rows.
func (w *BatchWriter) Flush(ctx context.Context) error {
	if len(w.buf) == 0 {
		return nil
	}
	outcomes, err := w.st.InsertResults(ctx, w.experimentID, w.buf)
	if err != nil {
		return eris.Wrapf(err, "store: flush %d results", len(w.buf))
	}

	var batch BatchCounts
	for _, o := range outcomes {
		switch o {
		case model.OutcomeInserted:
			batch.Inserted++
		case model.OutcomeDuplicate:
			batch.Duplicates++
		default:
			batch.Errors++
		}
	}
	w.counts.Inserted += batch.Inserted
	w.counts.Duplicates += batch.Duplicates
	w.counts.Errors += batch.Errors
	w.buf = w.buf[:0]

	n, err := w.st.CountResults(ctx, w.experimentID)
	if err != nil {
		return err
	}
	if err := w.st.AdvanceProgress(ctx, w.experimentID, n); err != nil {
		return eris.Wrap(err, "store: advance progress")
	}

	zap.L().Debug("store: batch committed",
		zap.String("experiment_id", w.experimentID),
		zap.Int("inserted", batch.Inserted),
		zap.Int("duplicates", batch.Duplicates),
		zap.Int("errors", batch.Errors),
		zap.Int("stored", n),
	)
	return nil
}

// Pending returns the number of buffered rows.
func (w *BatchWriter) Pending() int { return len(w.buf) }

// Counts returns the outcomes of all flushed rows.
func (w *BatchWriter) Counts() BatchCounts { return w.counts }
