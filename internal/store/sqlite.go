package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/sells-group/ipv-detect/internal/db"
	"github.com/sells-group/ipv-detect/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
// The store holds a single connection: SQLite serializes writers anyway and
// connection-scoped pragmas such as foreign_keys must hold for every query.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteSchemaVersionTable = `
CREATE TABLE IF NOT EXISTS schema_version (
	version    INTEGER PRIMARY KEY,
	name       TEXT NOT NULL,
	applied_at DATETIME NOT NULL
)`

// Migrate applies pending migrations in order, one transaction each.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchemaVersionTable); err != nil {
		return eris.Wrap(err, "sqlite: create schema_version")
	}
	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	if current > CurrentSchemaVersion {
		return eris.Wrapf(ErrSchemaTooNew, "sqlite: schema version %d, build supports %d", current, CurrentSchemaVersion)
	}

	for _, m := range pending(current) {
		if err := s.apply(ctx, m); err != nil {
			return err
		}
		zap.L().Info("store: applied migration",
			zap.String("driver", "sqlite"),
			zap.Int("version", m.version),
			zap.String("name", m.name),
		)
	}
	return nil
}

func (s *SQLiteStore) apply(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin migration")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, m.sqlite); err != nil {
		return eris.Wrapf(err, "sqlite: migration %d (%s)", m.version, m.name)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_version (version, name, applied_at) VALUES (?, ?, ?)`,
		m.version, m.name, time.Now().UTC(),
	); err != nil {
		return eris.Wrapf(err, "sqlite: record migration %d", m.version)
	}
	return eris.Wrapf(tx.Commit(), "sqlite: commit migration %d", m.version)
}

// SchemaVersion returns the highest applied migration, or 0 for a fresh
// database.
func (s *SQLiteStore) SchemaVersion(ctx context.Context) (int, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_version'`,
	).Scan(&exists); err != nil {
		return 0, eris.Wrap(err, "sqlite: check schema_version")
	}
	if exists == 0 {
		return 0, nil
	}
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&v)
	return v, eris.Wrap(err, "sqlite: read schema version")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Prompts

func (s *SQLiteStore) InsertPrompt(ctx context.Context, p *model.PromptVersion) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO prompt_versions (`+promptColumns+`) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (content_hash) DO NOTHING`,
		p.ID, p.SystemPrompt, p.UserTemplate, p.ContentHash, p.VersionTag, p.CreatedAt.UTC(),
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: insert prompt")
	}
	n, err := res.RowsAffected()
	return n > 0, eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) GetPrompt(ctx context.Context, id string) (*model.PromptVersion, error) {
	p, err := scanPrompt(s.db.QueryRowContext(ctx,
		`SELECT `+promptColumns+` FROM prompt_versions WHERE id = ?`, id))
	return p, sqliteNotFound(err, "prompt", id)
}

func (s *SQLiteStore) FindPromptByHash(ctx context.Context, hash string) (*model.PromptVersion, error) {
	p, err := scanPrompt(s.db.QueryRowContext(ctx,
		`SELECT `+promptColumns+` FROM prompt_versions WHERE content_hash = ?`, hash))
	return p, sqliteNotFound(err, "prompt hash", hash)
}

// Experiments

func (s *SQLiteStore) CreateExperiment(ctx context.Context, e *model.Experiment) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO experiments (`+experimentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Name, e.Model, e.PromptVersionID, string(e.Status), e.NTotal, e.NProcessed,
		e.ErrorMessage, e.StartedAt.UTC(), nullTime(e.CompletedAt),
	)
	return eris.Wrapf(err, "sqlite: insert experiment %s", e.ID)
}

func (s *SQLiteStore) GetExperiment(ctx context.Context, id string) (*model.Experiment, error) {
	e, err := scanExperiment(s.db.QueryRowContext(ctx,
		`SELECT `+experimentColumns+` FROM experiments WHERE id = ?`, id))
	return e, sqliteNotFound(err, "experiment", id)
}

func (s *SQLiteStore) ListExperiments(ctx context.Context, filter ExperimentFilter) ([]model.Experiment, error) {
	query := `SELECT ` + experimentColumns + ` FROM experiments WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, listLimit(filter.Limit))
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list experiments")
	}
	defer rows.Close()

	var out []model.Experiment
	for rows.Next() {
		e, err := scanExperiment(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan experiment")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list experiments iterate")
}

func (s *SQLiteStore) AdvanceProgress(ctx context.Context, id string, processed int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE experiments SET n_processed = MAX(n_processed, ?) WHERE id = ?`, processed, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: advance progress %s", id)
	}
	return checkRowsAffected(res, "experiment", id)
}

func (s *SQLiteStore) CompleteExperiment(ctx context.Context, id string, processed int, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE experiments SET status = ?, n_processed = ?, completed_at = ?
		 WHERE id = ? AND status IN ('running', 'completed')`,
		string(model.ExperimentCompleted), processed, at.UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete experiment %s", id)
	}
	return checkRowsAffected(res, "open experiment", id)
}

func (s *SQLiteStore) FailExperiment(ctx context.Context, id, msg string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE experiments SET status = ?, error_message = ?, completed_at = ?
		 WHERE id = ? AND status = 'running'`,
		string(model.ExperimentFailed), msg, at.UTC(), id,
	)
	return eris.Wrapf(err, "sqlite: fail experiment %s", id)
}

// Results

const sqliteInsertResult = `INSERT INTO narrative_results (
	experiment_id, case_id, narrative_type, detected, confidence, indicators, rationale, parse_status,
	prompt_tokens, completion_tokens, total_tokens, latency_ms, raw_response, error_message, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (experiment_id, case_id, narrative_type) DO NOTHING`

// InsertResults writes rows in one transaction with a savepoint per row.
// A duplicate row is reported as OutcomeDuplicate; any other per-row failure
// rolls back only that row and is reported as OutcomeError.
func (s *SQLiteStore) InsertResults(ctx context.Context, experimentID string, rows []model.NarrativeResult) ([]model.StoreOutcome, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin insert results")
	}
	defer tx.Rollback() //nolint:errcheck

	outcomes := make([]model.StoreOutcome, len(rows))
	now := time.Now().UTC()
	for i, r := range rows {
		var affected int64
		fatal, err := sqliteSavepoint(ctx, tx, func() error {
			ind, err := encodeIndicators(r.Indicators)
			if err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx, sqliteInsertResult,
				experimentID, r.CaseID, string(r.NarrativeType), nullInt(r.Detected.DBValue()), nullFloat(r.Confidence),
				string(ind), r.Rationale, string(r.ParseStatus), r.PromptTokens, r.CompletionTokens,
				r.TotalTokens, r.LatencyMS, r.RawResponse, r.ErrorMessage, now,
			)
			if err != nil {
				return err
			}
			affected, err = res.RowsAffected()
			return err
		})
		if fatal {
			return nil, err
		}
		outcomes[i] = outcomeOf(affected, err)
		if err != nil {
			if ctx.Err() != nil {
				return nil, eris.Wrap(ctx.Err(), "sqlite: insert results")
			}
			zap.L().Warn("store: result insert failed",
				zap.String("experiment_id", experimentID),
				zap.String("case_id", r.CaseID),
				zap.String("narrative_type", string(r.NarrativeType)),
				zap.Error(err),
			)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit insert results")
	}
	return outcomes, nil
}

func (s *SQLiteStore) ExistingKeys(ctx context.Context, experimentID string) (map[model.ResultKey]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT case_id, narrative_type FROM narrative_results WHERE experiment_id = ?`, experimentID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: existing keys")
	}
	defer rows.Close()

	keys := make(map[model.ResultKey]bool)
	for rows.Next() {
		var k model.ResultKey
		if err := rows.Scan(&k.CaseID, &k.Type); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan key")
		}
		keys[k] = true
	}
	return keys, eris.Wrap(rows.Err(), "sqlite: existing keys iterate")
}

func (s *SQLiteStore) ListResults(ctx context.Context, experimentID string) ([]model.NarrativeResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+resultColumns+` FROM narrative_results WHERE experiment_id = ?
		 ORDER BY case_id, narrative_type`, experimentID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list results")
	}
	defer rows.Close()

	var out []model.NarrativeResult
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan result")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list results iterate")
}

func (s *SQLiteStore) CountResults(ctx context.Context, experimentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM narrative_results WHERE experiment_id = ?`, experimentID).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count results")
}

// helpers

func sqliteSavepoint(ctx context.Context, tx *sql.Tx, fn func() error) (bool, error) {
	return db.SavepointExec("rec", func(stmt string) error {
		_, err := tx.ExecContext(ctx, stmt)
		return err
	}, fn)
}

func outcomeOf(affected int64, err error) model.StoreOutcome {
	switch {
	case err != nil:
		return model.OutcomeError
	case affected == 0:
		return model.OutcomeDuplicate
	default:
		return model.OutcomeInserted
	}
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func sqliteNotFound(err error, entity, id string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	default:
		return eris.Wrapf(err, "sqlite: get %s %s", entity, id)
	}
}

// Nullable column values are passed to the driver as untyped nil or a value.

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
