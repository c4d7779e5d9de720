package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })
	return mock
}

func TestWithTx_Commit(t *testing.T) {
	mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE experiments`).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := WithTx(context.Background(), mock, func(tx pgx.Tx) error {
		_, err := tx.Exec(context.Background(), "UPDATE experiments SET status = 'failed'")
		return err
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_RollbackOnError(t *testing.T) {
	mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := WithTx(context.Background(), mock, func(pgx.Tx) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_BeginError(t *testing.T) {
	mock := newMock(t)
	mock.ExpectBegin().WillReturnError(errors.New("no connection"))

	err := WithTx(context.Background(), mock, func(pgx.Tx) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "begin tx")
}

func TestSavepoint(t *testing.T) {
	mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec(`^SAVEPOINT "rec"$`).WillReturnResult(pgxmock.NewResult("SAVEPOINT", 0))
	mock.ExpectExec(`^RELEASE SAVEPOINT "rec"$`).WillReturnResult(pgxmock.NewResult("RELEASE", 0))
	mock.ExpectExec(`^SAVEPOINT "rec"$`).WillReturnResult(pgxmock.NewResult("SAVEPOINT", 0))
	mock.ExpectExec(`^ROLLBACK TO SAVEPOINT "rec"$`).WillReturnResult(pgxmock.NewResult("ROLLBACK", 0))
	mock.ExpectExec(`^RELEASE SAVEPOINT "rec"$`).WillReturnResult(pgxmock.NewResult("RELEASE", 0))
	mock.ExpectCommit()

	ctx := context.Background()
	tx, err := mock.Begin(ctx)
	require.NoError(t, err)

	fatal, err := Savepoint(ctx, tx, "rec", func() error { return nil })
	assert.False(t, fatal)
	assert.NoError(t, err)

	bad := errors.New("check constraint")
	fatal, err = Savepoint(ctx, tx, "rec", func() error { return bad })
	assert.False(t, fatal)
	assert.ErrorIs(t, err, bad)

	require.NoError(t, tx.Commit(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSavepointExec(t *testing.T) {
	var stmts []string
	exec := func(stmt string) error {
		stmts = append(stmts, stmt)
		return nil
	}

	bad := errors.New("unique violation")
	fatal, err := SavepointExec("rec", exec, func() error { return bad })
	assert.False(t, fatal)
	assert.ErrorIs(t, err, bad)
	assert.Equal(t, []string{
		`SAVEPOINT "rec"`,
		`ROLLBACK TO SAVEPOINT "rec"`,
		`RELEASE SAVEPOINT "rec"`,
	}, stmts)

	called := false
	fatal, err = SavepointExec("rec", func(string) error { return errors.New("tx aborted") },
		func() error { called = true; return nil })
	assert.True(t, fatal)
	assert.Contains(t, err.Error(), "db: savepoint rec")
	assert.False(t, called)
}
