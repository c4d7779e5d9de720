package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// WithTx runs fn inside a transaction. The transaction is committed when fn
// returns nil and rolled back otherwise.
func WithTx(ctx context.Context, pool Pool, fn func(tx pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "db: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "db: commit tx")
	}
	return nil
}

// Savepoint runs fn inside a named savepoint of tx. When fn fails the
// transaction is rolled back to the savepoint and remains usable; fn's error
// is returned. A failure to manage the savepoint itself is returned as
// fatal=true.
func Savepoint(ctx context.Context, tx pgx.Tx, name string, fn func() error) (fatal bool, err error) {
	return SavepointExec(name, func(stmt string) error {
		_, err := tx.Exec(ctx, stmt)
		return err
	}, fn)
}

// SavepointExec is Savepoint for any transaction that can execute a
// statement, such as a database/sql transaction.
func SavepointExec(name string, exec func(stmt string) error, fn func() error) (fatal bool, err error) {
	ident := pgx.Identifier{name}.Sanitize()
	if err := exec("SAVEPOINT " + ident); err != nil {
		return true, eris.Wrapf(err, "db: savepoint %s", name)
	}
	if fnErr := fn(); fnErr != nil {
		if err := exec("ROLLBACK TO SAVEPOINT " + ident); err != nil {
			return true, eris.Wrapf(err, "db: rollback to savepoint %s", name)
		}
		if err := exec("RELEASE SAVEPOINT " + ident); err != nil {
			return true, eris.Wrapf(err, "db: release savepoint %s", name)
		}
		return false, fnErr
	}
	if err := exec("RELEASE SAVEPOINT " + ident); err != nil {
		return true, eris.Wrapf(err, "db: release savepoint %s", name)
	}
	return false, nil
}
