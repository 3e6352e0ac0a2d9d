// Package sql is a Postgres implementation of storage.Storage: a *sql.DB
// wrapped in a conn, with composite operations run inside a serializable
// transaction with retry-on-conflict.
package sql

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/mrfriendly-bv/wilford/storage"
)

var _ storage.Storage = (*conn)(nil)

// conn wraps a Postgres connection pool. Every composite operation from
// storage.Storage runs through execTx so concurrent callers observe either
// the pre- or post-state, never a partial one.
type conn struct {
	db     *sql.DB
	logger logrus.FieldLogger
}

func (c *conn) Close() error { return c.db.Close() }

// execTx runs fn inside a SERIALIZABLE transaction, retrying on Postgres
// serialization failures. fn must not wrap sql/pq errors, or retry
// detection breaks.
func (c *conn) execTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	for {
		tx, err := c.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}

		if err := fn(tx); err != nil {
			tx.Rollback()
			if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "serialization_failure" {
				continue
			}
			return err
		}

		if err := tx.Commit(); err != nil {
			if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "serialization_failure" {
				continue
			}
			return fmt.Errorf("commit transaction: %w", err)
		}
		return nil
	}
}

func scanErr(err error) error {
	if err == sql.ErrNoRows {
		return storage.ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	pqErr, ok := err.(*pq.Error)
	return ok && pqErr.Code.Name() == "unique_violation"
}
