package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ipv-detect/internal/db"
	"github.com/sells-group/ipv-detect/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// migrationLockID keys the advisory lock that serializes concurrent migrators.
const migrationLockID = 0x1b7d_e7ec

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresSchemaVersionTable = `
CREATE TABLE IF NOT EXISTS schema_version (
	version    INTEGER PRIMARY KEY,
	name       TEXT NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Migrate applies pending migrations in a single transaction holding an
// advisory lock, so concurrent migrators wait for each other.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchemaVersionTable); err != nil {
		return eris.Wrap(err, "postgres: create schema_version")
	}

	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(migrationLockID)); err != nil {
			return eris.Wrap(err, "postgres: migration lock")
		}

		var current int
		if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
			return eris.Wrap(err, "postgres: read schema version")
		}
		if current > CurrentSchemaVersion {
			return eris.Wrapf(ErrSchemaTooNew, "postgres: schema version %d, build supports %d", current, CurrentSchemaVersion)
		}

		for _, m := range pending(current) {
			if _, err := tx.Exec(ctx, m.postgres); err != nil {
				return eris.Wrapf(err, "postgres: migration %d (%s)", m.version, m.name)
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO schema_version (version, name) VALUES ($1, $2)`, m.version, m.name,
			); err != nil {
				return eris.Wrapf(err, "postgres: record migration %d", m.version)
			}
			zap.L().Info("store: applied migration",
				zap.String("driver", "postgres"),
				zap.Int("version", m.version),
				zap.String("name", m.name),
			)
		}
		return nil
	})
}

// SchemaVersion returns the highest applied migration, or 0 for a fresh
// database.
func (s *PostgresStore) SchemaVersion(ctx context.Context) (int, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT to_regclass('schema_version') IS NOT NULL`).Scan(&exists); err != nil {
		return 0, eris.Wrap(err, "postgres: check schema_version")
	}
	if !exists {
		return 0, nil
	}
	var v int
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&v)
	return v, eris.Wrap(err, "postgres: read schema version")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Prompts

func (s *PostgresStore) InsertPrompt(ctx context.Context, p *model.PromptVersion) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO prompt_versions (`+promptColumns+`) VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (content_hash) DO NOTHING`,
		p.ID, p.SystemPrompt, p.UserTemplate, p.ContentHash, p.VersionTag, p.CreatedAt,
	)
	if err != nil {
		return false, eris.Wrap(err, "postgres: insert prompt")
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) GetPrompt(ctx context.Context, id string) (*model.PromptVersion, error) {
	p, err := scanPrompt(s.pool.QueryRow(ctx,
		`SELECT `+promptColumns+` FROM prompt_versions WHERE id = $1`, id))
	return p, pgNotFound(err, "prompt", id)
}

func (s *PostgresStore) FindPromptByHash(ctx context.Context, hash string) (*model.PromptVersion, error) {
	p, err := scanPrompt(s.pool.QueryRow(ctx,
		`SELECT `+promptColumns+` FROM prompt_versions WHERE content_hash = $1`, hash))
	return p, pgNotFound(err, "prompt hash", hash)
}

// Experiments

func (s *PostgresStore) CreateExperiment(ctx context.Context, e *model.Experiment) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO experiments (`+experimentColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.Name, e.Model, e.PromptVersionID, string(e.Status), e.NTotal, e.NProcessed,
		e.ErrorMessage, e.StartedAt, e.CompletedAt,
	)
	return eris.Wrapf(err, "postgres: insert experiment %s", e.ID)
}

func (s *PostgresStore) GetExperiment(ctx context.Context, id string) (*model.Experiment, error) {
	e, err := scanExperiment(s.pool.QueryRow(ctx,
		`SELECT `+experimentColumns+` FROM experiments WHERE id = $1`, id))
	return e, pgNotFound(err, "experiment", id)
}

func (s *PostgresStore) ListExperiments(ctx context.Context, filter ExperimentFilter) ([]model.Experiment, error) {
	query := `SELECT ` + experimentColumns + ` FROM experiments WHERE 1=1`
	var args []any
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += ` AND status = $1`
	}
	args = append(args, listLimit(filter.Limit))
	query += ` ORDER BY started_at DESC LIMIT ` + placeholder(len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += ` OFFSET ` + placeholder(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list experiments")
	}
	defer rows.Close()

	var out []model.Experiment
	for rows.Next() {
		e, err := scanExperiment(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan experiment")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list experiments iterate")
}

func (s *PostgresStore) AdvanceProgress(ctx context.Context, id string, processed int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE experiments SET n_processed = GREATEST(n_processed, $1) WHERE id = $2`, processed, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: advance progress %s", id)
	}
	return pgRowsAffected(tag, "experiment", id)
}

func (s *PostgresStore) CompleteExperiment(ctx context.Context, id string, processed int, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE experiments SET status = $1, n_processed = $2, completed_at = $3
		 WHERE id = $4 AND status IN ('running', 'completed')`,
		string(model.ExperimentCompleted), processed, at, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete experiment %s", id)
	}
	return pgRowsAffected(tag, "open experiment", id)
}

func (s *PostgresStore) FailExperiment(ctx context.Context, id, msg string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE experiments SET status = $1, error_message = $2, completed_at = $3
		 WHERE id = $4 AND status = 'running'`,
		string(model.ExperimentFailed), msg, at, id,
	)
	return eris.Wrapf(err, "postgres: fail experiment %s", id)
}

// Results

const postgresInsertResult = `INSERT INTO narrative_results (
	experiment_id, case_id, narrative_type, detected, confidence, indicators, rationale, parse_status,
	prompt_tokens, completion_tokens, total_tokens, latency_ms, raw_response, error_message, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT (experiment_id, case_id, narrative_type) DO NOTHING`

// InsertResults writes rows in one transaction with a savepoint per row.
// A duplicate row is reported as OutcomeDuplicate; any other per-row failure
// rolls back only that row and is reported as OutcomeError.
func (s *PostgresStore) InsertResults(ctx context.Context, experimentID string, rows []model.NarrativeResult) ([]model.StoreOutcome, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	outcomes := make([]model.StoreOutcome, len(rows))
	now := time.Now().UTC()
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		for i, r := range rows {
			var affected int64
			fatal, err := db.Savepoint(ctx, tx, "rec", func() error {
				ind, err := encodeIndicators(r.Indicators)
				if err != nil {
					return err
				}
				tag, err := tx.Exec(ctx, postgresInsertResult,
					experimentID, r.CaseID, string(r.NarrativeType), r.Detected.DBValue(), r.Confidence,
					ind, r.Rationale, string(r.ParseStatus), r.PromptTokens, r.CompletionTokens,
					r.TotalTokens, r.LatencyMS, r.RawResponse, r.ErrorMessage, now,
				)
				affected = tag.RowsAffected()
				return err
			})
			if fatal {
				return err
			}
			outcomes[i] = outcomeOf(affected, err)
			if err != nil {
				if ctx.Err() != nil {
					return eris.Wrap(ctx.Err(), "postgres: insert results")
				}
				zap.L().Warn("store: result insert failed",
					zap.String("experiment_id", experimentID),
					zap.String("case_id", r.CaseID),
					zap.String("narrative_type", string(r.NarrativeType)),
					zap.Error(err),
				)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcomes, nil
}

func (s *PostgresStore) ExistingKeys(ctx context.Context, experimentID string) (map[model.ResultKey]bool, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT case_id, narrative_type FROM narrative_results WHERE experiment_id = $1`, experimentID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: existing keys")
	}
	defer rows.Close()

	keys := make(map[model.ResultKey]bool)
	for rows.Next() {
		var caseID, typ string
		if err := rows.Scan(&caseID, &typ); err != nil {
			return nil, eris.Wrap(err, "postgres: scan key")
		}
		keys[model.ResultKey{CaseID: caseID, Type: model.NarrativeType(typ)}] = true
	}
	return keys, eris.Wrap(rows.Err(), "postgres: existing keys iterate")
}

func (s *PostgresStore) ListResults(ctx context.Context, experimentID string) ([]model.NarrativeResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+resultColumns+` FROM narrative_results WHERE experiment_id = $1
		 ORDER BY case_id, narrative_type`, experimentID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list results")
	}
	defer rows.Close()

	var out []model.NarrativeResult
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan result")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list results iterate")
}

func (s *PostgresStore) CountResults(ctx context.Context, experimentID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM narrative_results WHERE experiment_id = $1`, experimentID).Scan(&n)
	return n, eris.Wrap(err, "postgres: count results")
}

// helpers

func placeholder(n int) string {
	return "$" + strconv.Itoa(n)
}

func pgRowsAffected(tag pgconn.CommandTag, entity, id string) error {
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func pgNotFound(err error, entity, id string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	default:
		return eris.Wrapf(err, "postgres: get %s %s", entity, id)
	}
}
