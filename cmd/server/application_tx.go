package main

import (
	"context"
	"database/sql"
	"time"

	dErrors "dossier/pkg/domain-errors"
	txcontext "dossier/pkg/platform/tx"
)

const defaultApplicationTxTimeout = 5 * time.Second

// applicationPostgresTx runs a unit of work in one database transaction. Row
// locks taken by the stores replace the in-memory key sharding, so the key is
// only used for tracing the unit of work in logs.
type applicationPostgresTx struct {
	db      *sql.DB
	timeout time.Duration
}

func newApplicationPostgresTx(db *sql.DB) *applicationPostgresTx {
	return &applicationPostgresTx{db: db}
}

func (t *applicationPostgresTx) RunInTx(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	timeout := t.timeout
	if timeout == 0 {
		timeout = defaultApplicationTxTimeout
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(txcontext.WithTx(ctx, tx)); err != nil {
		return err
	}
	return tx.Commit()
}
