package db

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/smallbiznis/billingcore/internal/config"
	"github.com/smallbiznis/billingcore/pkg/billingerr"
	"gorm.io/gorm"
)

const DefaultMaxAttempts = 3

// TxOptions bounds a transaction and its retries.
type TxOptions struct {
	// LockTimeout caps each row-lock wait. Zero leaves the server default.
	LockTimeout time.Duration
	// MaxAttempts counts the first try. Zero means DefaultMaxAttempts.
	MaxAttempts int
	// OnRetry is called before each retry with the attempt that failed.
	OnRetry func(attempt int, err error)
}

// TxOptionsFor derives lock and retry bounds from the billing policy.
func TxOptionsFor(cfg config.BillingConfig, onRetry func(attempt int, err error)) TxOptions {
	return TxOptions{
		LockTimeout: cfg.LockTimeout,
		MaxAttempts: cfg.RetryAttempts,
		OnRetry:     onRetry,
	}
}

// RunInTx runs fn in one transaction and retries it when the store reports
// contention. fn must be safe to run again from scratch. Non-contention
// errors are returned unchanged after the first failure; an exhausted
// budget returns billingerr.Contended wrapping the last store error.
func RunInTx(ctx context.Context, conn *gorm.DB, opts TxOptions, fn func(tx *gorm.DB) error) error {
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}

	attempt := 0
	operation := func() (struct{}, error) {
		attempt++
		err := RunOnce(ctx, conn, opts.LockTimeout, fn)
		if err == nil {
			return struct{}{}, nil
		}
		if billingerr.IsRetryable(err) {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(NewBackOff()),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithNotify(func(err error, _ time.Duration) {
			if opts.OnRetry != nil {
				opts.OnRetry(attempt, err)
			}
		}),
	)
	return err
}

// RunOnce runs fn in a single transaction and classifies contention.
func RunOnce(ctx context.Context, conn *gorm.DB, lockTimeout time.Duration, fn func(tx *gorm.DB) error) error {
	err := conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := SetLockTimeout(tx, lockTimeout); err != nil {
			return err
		}
		return fn(tx)
	})
	if err != nil && !billingerr.IsRetryable(err) && IsContention(err) {
		return billingerr.Contended(err)
	}
	return err
}

// SetLockTimeout bounds lock waits for the rest of tx.
func SetLockTimeout(tx *gorm.DB, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	switch tx.Dialector.Name() {
	case DialectPostgres:
		return tx.Exec(fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", d.Milliseconds())).Error
	case DialectMySQL:
		seconds := int64(d.Round(time.Second) / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		return tx.Exec(fmt.Sprintf("SET SESSION innodb_lock_wait_timeout = %d", seconds)).Error
	default:
		return nil
	}
}

// NewBackOff is the retry schedule for contended transactions.
func NewBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	return b
}
