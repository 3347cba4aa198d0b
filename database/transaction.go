package database

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
)

// writeMutex serializes writes when UseNativeSQLiteQueuing is off.
var writeMutex sync.Mutex

// TransactionConfig controls how PerformWrite handles retries and queuing.
type TransactionConfig struct {
	// UseNativeSQLiteQueuing controls the write strategy:
	// - true (default): Use SQLite-native queuing via busy_timeout and _txlock=immediate
	// - false: Use app-level mutex serialization (more conservative)
	UseNativeSQLiteQueuing bool

	// MaxRetries is the maximum number of attempts on busy errors.
	MaxRetries int

	// BaseDelay is the initial delay before retry.
	BaseDelay time.Duration

	// MaxDelay is the maximum delay between retries.
	MaxDelay time.Duration
}

// DefaultTransactionConfig returns sensible defaults for SQLite transactions.
func DefaultTransactionConfig() TransactionConfig {
	return TransactionConfig{
		UseNativeSQLiteQueuing: true, // Rely on SQLite's busy_timeout
		MaxRetries:             10,
		BaseDelay:              100 * time.Millisecond,
		MaxDelay:               5 * time.Second,
	}
}

// PerformWrite runs f in a transaction, retrying with backoff while the
// database reports it is busy or locked. Any other error rolls back and is
// returned as is.
func PerformWrite(ctx context.Context, logger *slog.Logger, db *gorm.DB, f func(tx *gorm.DB) error) error {
	return PerformWriteWithConfig(ctx, logger, db, f, DefaultTransactionConfig())
}

// PerformWriteWithConfig executes a write transaction with custom retry configuration.
func PerformWriteWithConfig(ctx context.Context, logger *slog.Logger, db *gorm.DB, f func(tx *gorm.DB) error, cfg TransactionConfig) error {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}

	var err error
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			delay := calculateRetryDelay(attempt-1, cfg.BaseDelay, cfg.MaxDelay)
			logger.Info("retrying transaction",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.Any("error", err))

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("database: transaction abandoned: %w", ctx.Err())
			case <-timer.C:
			}
		}

		err = runTransaction(ctx, db, f, !cfg.UseNativeSQLiteQueuing)
		if err == nil {
			return nil
		}
		if !isBusyError(err) {
			return err
		}
		logger.Debug("write hit a busy database", slog.Any("error", err))
	}
	return fmt.Errorf("database: transaction failed after %d attempts: %w", cfg.MaxRetries, err)
}

func runTransaction(ctx context.Context, db *gorm.DB, f func(tx *gorm.DB) error, serialize bool) error {
	if serialize {
		writeMutex.Lock()
		defer writeMutex.Unlock()
	}
	return db.WithContext(ctx).Session(&gorm.Session{SkipDefaultTransaction: true}).Transaction(f)
}

// calculateRetryDelay calculates exponential backoff with jitter.
func calculateRetryDelay(attempt int, baseDelay, maxDelay time.Duration) time.Duration {
	delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt-1)))
	if delay > maxDelay {
		delay = maxDelay
	}
	// Add 20% jitter
	jitter := time.Duration(rand.Float64() * 0.2 * float64(delay))
	return delay + jitter
}

// isBusyError checks if the error is a database busy/locked error.
func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	errMsg := err.Error()
	return strings.Contains(errMsg, "database is locked") ||
		strings.Contains(errMsg, "database is busy") ||
		strings.Contains(errMsg, "SQLITE_BUSY") ||
		strings.Contains(errMsg, "SQL statements in progress")
}
