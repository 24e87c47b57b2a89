package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	txMaxRetries  = 3
	txBaseBackoff = 100 * time.Millisecond
	txMaxBackoff  = 3 * time.Second
)

var retryablePgErrorCodes = map[string]struct{}{
	"40001": {}, // serialization_failure
	"40P01": {}, // deadlock_detected
	"55P03": {}, // lock_not_available
}

// TxStarter is satisfied by *pgxpool.Conn, *pgxpool.Pool and pgx.Tx.
type TxStarter interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// RunSerializable executes fn inside a serializable transaction, retrying the whole
// unit when the database reports a transient conflict. fn must be safe to re-run.
func RunSerializable(ctx context.Context, conn TxStarter, name string, fn func(pgx.Tx) error) error {
	var attempt int
	for attempt = 0; attempt < txMaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * txBaseBackoff
			if backoff > txMaxBackoff {
				backoff = txMaxBackoff
			}
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			timer.Stop()
		}

		tx, err := conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
		if err != nil {
			return fmt.Errorf("begin transaction for %s: %w", name, err)
		}

		if err := fn(tx); err != nil {
			_ = tx.Rollback(ctx)
			if ShouldRetry(err) && attempt < txMaxRetries-1 {
				slog.Default().Warn("transient transaction error", "tx", name, "attempt", attempt+1, "maxAttempts", txMaxRetries, "error", err)
				continue
			}
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			_ = tx.Rollback(ctx)
			if ShouldRetry(err) && attempt < txMaxRetries-1 {
				slog.Default().Warn("transient commit error", "tx", name, "attempt", attempt+1, "maxAttempts", txMaxRetries, "error", err)
				continue
			}
			return fmt.Errorf("commit %s: %w", name, err)
		}

		return nil
	}

	return fmt.Errorf("%s: exceeded max retries (%d)", name, attempt)
}

// ShouldRetry reports whether err is a transient transaction failure.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if _, ok := retryablePgErrorCodes[pgErr.Code]; ok {
			return true
		}
	}

	return errors.Is(err, pgx.ErrTxClosed)
}
