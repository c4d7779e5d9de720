package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ipv-detect/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func resultArgs(caseID string, typ model.NarrativeType) []any {
	args := []any{"e1", caseID, string(typ)}
	for range 12 {
		args = append(args, pgxmock.AnyArg())
	}
	return args
}

func TestPostgresStore_Migrate_Fresh(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_version`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectBegin()
	mock.ExpectExec(`pg_advisory_xact_lock`).
		WithArgs(int64(migrationLockID)).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(version\), 0\) FROM schema_version`).
		WillReturnRows(pgxmock.NewRows([]string{"coalesce"}).AddRow(0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS prompt_versions`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`INSERT INTO schema_version`).
		WithArgs(1, "base tables").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`ALTER TABLE narrative_results ADD COLUMN IF NOT EXISTS indicators`).
		WillReturnResult(pgxmock.NewResult("ALTER", 0))
	mock.ExpectExec(`INSERT INTO schema_version`).
		WithArgs(2, "indicators and parse status").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate_UpToDate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_version`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectBegin()
	mock.ExpectExec(`pg_advisory_xact_lock`).
		WithArgs(int64(migrationLockID)).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`FROM schema_version`).
		WillReturnRows(pgxmock.NewRows([]string{"coalesce"}).AddRow(CurrentSchemaVersion))
	mock.ExpectCommit()

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate_SchemaTooNew(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_version`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectBegin()
	mock.ExpectExec(`pg_advisory_xact_lock`).
		WithArgs(int64(migrationLockID)).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`FROM schema_version`).
		WillReturnRows(pgxmock.NewRows([]string{"coalesce"}).AddRow(CurrentSchemaVersion + 1))
	mock.ExpectRollback()

	err := s.Migrate(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSchemaTooNew)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertResults_Outcomes(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	// inserted
	mock.ExpectExec(`^SAVEPOINT "rec"$`).WillReturnResult(pgxmock.NewResult("SAVEPOINT", 0))
	mock.ExpectExec(`INSERT INTO narrative_results`).
		WithArgs(resultArgs("c1", model.Primary)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`^RELEASE SAVEPOINT "rec"$`).WillReturnResult(pgxmock.NewResult("RELEASE", 0))
	// duplicate
	mock.ExpectExec(`^SAVEPOINT "rec"$`).WillReturnResult(pgxmock.NewResult("SAVEPOINT", 0))
	mock.ExpectExec(`ON CONFLICT \(experiment_id, case_id, narrative_type\) DO NOTHING`).
		WithArgs(resultArgs("c1", model.Secondary)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectExec(`^RELEASE SAVEPOINT "rec"$`).WillReturnResult(pgxmock.NewResult("RELEASE", 0))
	// error
	mock.ExpectExec(`^SAVEPOINT "rec"$`).WillReturnResult(pgxmock.NewResult("SAVEPOINT", 0))
	mock.ExpectExec(`INSERT INTO narrative_results`).
		WithArgs(resultArgs("c2", model.Primary)...).
		WillReturnError(errors.New(`new row violates check constraint "narrative_results_confidence_check"`))
	mock.ExpectExec(`^ROLLBACK TO SAVEPOINT "rec"$`).WillReturnResult(pgxmock.NewResult("ROLLBACK", 0))
	mock.ExpectExec(`^RELEASE SAVEPOINT "rec"$`).WillReturnResult(pgxmock.NewResult("RELEASE", 0))
	mock.ExpectCommit()

	outcomes, err := s.InsertResults(context.Background(), "e1", []model.NarrativeResult{
		row("c1", model.Primary, model.Yes, model.Float(0.8)),
		row("c1", model.Secondary, model.No, model.Float(0.3)),
		row("c2", model.Primary, model.Yes, model.Float(0.5)),
	})
	require.NoError(t, err)
	assert.Equal(t, []model.StoreOutcome{
		model.OutcomeInserted, model.OutcomeDuplicate, model.OutcomeError,
	}, outcomes)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertResults_SavepointFailureAborts(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`^SAVEPOINT "rec"$`).WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := s.InsertResults(context.Background(), "e1", []model.NarrativeResult{
		row("c1", model.Primary, model.Yes, nil),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "savepoint")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetExperiment_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, name, model, prompt_version_id, status, .* FROM experiments WHERE id = \$1`).
		WithArgs("nonexistent").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetExperiment(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AdvanceProgress(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE experiments SET n_processed = GREATEST\(n_processed, \$1\) WHERE id = \$2`).
		WithArgs(7, "e1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`GREATEST`).
		WithArgs(7, "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, s.AdvanceProgress(context.Background(), "e1", 7))
	assert.ErrorIs(t, s.AdvanceProgress(context.Background(), "missing", 7), ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertPrompt_Duplicate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO prompt_versions .* ON CONFLICT \(content_hash\) DO NOTHING`).
		WithArgs("p2", "sys", "tmpl", "hash", "", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	inserted, err := s.InsertPrompt(context.Background(), &model.PromptVersion{
		ID: "p2", SystemPrompt: "sys", UserTemplate: "tmpl", ContentHash: "hash", CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListExperiments_Placeholders(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`WHERE 1=1 AND status = \$1 ORDER BY started_at DESC LIMIT \$2 OFFSET \$3`).
		WithArgs("running", 5, 10).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "name", "model", "prompt_version_id", "status", "n_total",
			"n_processed", "error_message", "started_at", "completed_at",
		}).AddRow("e1", "baseline", "gpt-4o-mini", "p1", model.ExperimentRunning, 10, 3, "", time.Now(), (*time.Time)(nil)))

	got, err := s.ListExperiments(context.Background(), ExperimentFilter{
		Status: model.ExperimentRunning, Limit: 5, Offset: 10,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "e1", got[0].ID)
	assert.Equal(t, 3, got[0].NProcessed)
	assert.Nil(t, got[0].CompletedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListResults(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	one := int64(1)
	mock.ExpectQuery(`FROM narrative_results WHERE experiment_id = \$1`).
		WithArgs("e1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "experiment_id", "case_id", "narrative_type", "detected", "confidence", "indicators",
			"rationale", "parse_status", "prompt_tokens", "completion_tokens", "total_tokens",
			"latency_ms", "raw_response", "error_message", "created_at",
		}).AddRow(
			int64(1), "e1", "c1", model.Primary, &one, model.Float(0.8), []byte(`{"threats":"yes"}`),
			"partner threatened victim", model.ParseRecovered, 100, 20, 120,
			int64(350), "```json{}```", "", time.Now(),
		))

	got, err := s.ListResults(context.Background(), "e1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.Yes, got[0].Detected)
	assert.Equal(t, model.Yes, got[0].Indicators.Threats)
	assert.Equal(t, model.ParseRecovered, got[0].ParseStatus)
	assert.Equal(t, 120, got[0].TotalTokens)
	assert.NoError(t, mock.ExpectationsWereMet())
}
