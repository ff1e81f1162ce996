package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/upb/prompt-firewall/repositories"
	"go.uber.org/zap"
)

type txKey struct{}

// Executor runs statements on either the pool or an open transaction
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// TransactionManager opens transactions on the primary pool
type TransactionManager struct {
	db     *DB
	logger *zap.Logger
}

// NewTransactionManager creates a TransactionManager
func NewTransactionManager(db *DB, logger *zap.Logger) repositories.TransactionManager {
	return &TransactionManager{db: db, logger: logger}
}

// Begin starts a read-committed transaction. Policy writes rely on the
// guarded version update rather than a stricter isolation level.
func (tm *TransactionManager) Begin(ctx context.Context) (repositories.Transaction, error) {
	sqlTx, err := tm.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Transaction{tx: sqlTx, ctx: ctx, logger: tm.logger}, nil
}

// InTransaction runs fn with the transaction reachable from its context, so
// repositories called inside pick it up through GetExecutor.
func (tm *TransactionManager) InTransaction(ctx context.Context, fn func(ctx context.Context, tx repositories.Transaction) error) (err error) {
	tx, err := tm.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(context.WithValue(ctx, txKey{}, tx), tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			tm.logger.Error("failed to rollback transaction", zap.Error(rbErr), zap.NamedError("cause", err))
		}
		return err
	}
	return tx.Commit()
}

// Transaction wraps a *sql.Tx
type Transaction struct {
	tx     *sql.Tx
	ctx    context.Context
	logger *zap.Logger
}

// Commit commits the transaction
func (t *Transaction) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Rollback rolls back the transaction; rolling back a finished one is a no-op
func (t *Transaction) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("failed to rollback transaction: %w", err)
	}
	return nil
}

// Context returns the context the transaction was started with
func (t *Transaction) Context() context.Context {
	return t.ctx
}

// GetTransactionFromContext returns the transaction InTransaction stored in ctx
func GetTransactionFromContext(ctx context.Context) (repositories.Transaction, bool) {
	tx, ok := ctx.Value(txKey{}).(repositories.Transaction)
	return tx, ok
}

// GetExecutor returns the context's transaction, or the pool when there is none
func GetExecutor(ctx context.Context, db *DB) Executor {
	if tx, ok := GetTransactionFromContext(ctx); ok {
		if pgTx, ok := tx.(*Transaction); ok {
			return pgTx.tx
		}
	}
	return db.DB
}

// boundExecutor prefers a transaction bound with WithTx over the context
func boundExecutor(ctx context.Context, db *DB, bound *Transaction) Executor {
	if bound != nil {
		return bound.tx
	}
	return GetExecutor(ctx, db)
}
