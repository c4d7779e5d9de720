package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ipv-detect/internal/model"
)

func openRawSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	return st
}

func TestSQLite_MigrateFresh(t *testing.T) {
	st := openRawSQLite(t)
	ctx := context.Background()

	v, err := st.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, v)

	require.NoError(t, st.Migrate(ctx))
	v, err = st.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, v)

	// Re-running is a no-op.
	require.NoError(t, st.Migrate(ctx))
	var applied int
	require.NoError(t, st.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_version`).Scan(&applied))
	assert.Equal(t, len(migrations), applied)
}

func TestSQLite_MigrateUpgradesExistingData(t *testing.T) {
	st := openRawSQLite(t)
	ctx := context.Background()

	// Bring the database to version 1 only.
	_, err := st.db.ExecContext(ctx, sqliteSchemaVersionTable)
	require.NoError(t, err)
	require.NoError(t, st.apply(ctx, migrations[0]))

	_, err = st.db.ExecContext(ctx,
		`INSERT INTO experiments (id, name, model, status, started_at) VALUES ('e1', 'old', 'm', 'completed', ?)`,
		time.Now().UTC())
	require.NoError(t, err)
	_, err = st.db.ExecContext(ctx,
		`INSERT INTO narrative_results (experiment_id, case_id, narrative_type, detected, confidence, created_at)
		 VALUES ('e1', 'c1', 'primary', 1, 0.7, ?)`, time.Now().UTC())
	require.NoError(t, err)

	require.NoError(t, st.Migrate(ctx))
	v, err := st.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	rows, err := st.ListResults(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, model.ParseOK, rows[0].ParseStatus)
	assert.Equal(t, model.Yes, rows[0].Detected)
	assert.Equal(t, model.Indicators{}, rows[0].Indicators)
}

func TestSQLite_MigrateRefusesNewerSchema(t *testing.T) {
	st := openRawSQLite(t)
	ctx := context.Background()
	require.NoError(t, st.Migrate(ctx))

	_, err := st.db.ExecContext(ctx,
		`INSERT INTO schema_version (version, name, applied_at) VALUES (?, 'future', ?)`,
		CurrentSchemaVersion+1, time.Now().UTC())
	require.NoError(t, err)

	err = st.Migrate(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSchemaTooNew)
}

func TestSQLite_ConfidenceCheckConstraint(t *testing.T) {
	st := openRawSQLite(t)
	ctx := context.Background()
	require.NoError(t, st.Migrate(ctx))
	seedExperiment(t, st, "e1")

	outcomes, err := st.InsertResults(ctx, "e1", []model.NarrativeResult{
		row("c1", model.Primary, model.Yes, model.Float(1.5)),
	})
	require.NoError(t, err)
	assert.Equal(t, []model.StoreOutcome{model.OutcomeError}, outcomes)
}

func TestSQLite_InsertResultsEmpty(t *testing.T) {
	st := openRawSQLite(t)
	outcomes, err := st.InsertResults(context.Background(), "e1", nil)
	require.NoError(t, err)
	assert.Nil(t, outcomes)
}

func TestSQLite_InsertResultsCanceled(t *testing.T) {
	st := openRawSQLite(t)
	require.NoError(t, st.Migrate(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := st.InsertResults(ctx, "e1", []model.NarrativeResult{row("c1", model.Primary, model.Yes, nil)})
	assert.Error(t, err)
}
