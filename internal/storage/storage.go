package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/igwedaniel/batchwatch/internal/types"
)

// ErrDuplicate is returned when a write would violate a unique key or the
// analyzed/queued mutual exclusion.
var ErrDuplicate = errors.New("duplicate record")

// Storage is the persistence contract shared by the scanner, the retry
// queue and the snapshot aggregator. Addresses and hashes are normalized
// by the implementation on every read and write.
type Storage interface {
	// Idempotency gates
	IsTracked(ctx context.Context, txHash string) (bool, error)
	IsAnalyzed(ctx context.Context, txHash string) (bool, error)
	IsQueued(ctx context.Context, txHash string) (bool, error)

	// Analyzed transactions. InsertAnalyzed reports false when the hash is already stored.
	InsertAnalyzed(ctx context.Context, tx *types.AnalyzedTransaction) (bool, error)
	GetAnalyzed(ctx context.Context, txHash string) (*types.AnalyzedTransaction, error)

	// Monitoring cursor. SetCursor never moves the cursor backwards.
	GetCursor(ctx context.Context) (uint64, bool, error)
	SetCursor(ctx context.Context, block uint64) error

	// Retry queue
	EnqueueFailed(ctx context.Context, tx *types.FailedTransaction) error
	GetFailed(ctx context.Context, txHash string) (*types.FailedTransaction, error)
	ListFailed(ctx context.Context) ([]types.FailedTransaction, error)
	ListReadyForRetry(ctx context.Context, now time.Time) ([]types.FailedTransaction, error)
	UpdateFailed(ctx context.Context, update types.FailedUpdate) error
	RemoveFailed(ctx context.Context, txHash string) error

	// Aggregation over observed timestamps, both bounds inclusive.
	AggregateWindow(ctx context.Context, address string, start, end time.Time) (types.WindowTotals, error)
	AggregateWindowAll(ctx context.Context, start, end time.Time) ([]types.WindowTotals, error)

	// Daily snapshots. The batch is written atomically, keyed on (address, day).
	UpsertDailySnapshots(ctx context.Context, rows []types.DailyBatcherSnapshot) error
	ListDailySnapshots(ctx context.Context, address string, since time.Time) ([]types.DailyBatcherSnapshot, error)

	// Health check
	Ping(ctx context.Context) error
	Close() error
}

func normalizeAnalyzed(tx *types.AnalyzedTransaction) types.AnalyzedTransaction {
	out := *tx
	out.TxHash = types.NormalizeHash(tx.TxHash)
	out.BatcherAddress = types.NormalizeAddress(tx.BatcherAddress)
	out.ObservedAt = tx.ObservedAt.UTC().Truncate(time.Second)
	return out
}

func normalizeFailed(tx *types.FailedTransaction) types.FailedTransaction {
	out := *tx
	out.TxHash = types.NormalizeHash(tx.TxHash)
	out.BatcherAddress = types.NormalizeAddress(tx.BatcherAddress)
	out.NextRetryAt = tx.NextRetryAt.UTC().Truncate(time.Second)
	out.FirstFailedAt = tx.FirstFailedAt.UTC().Truncate(time.Second)
	out.LastAttemptedAt = tx.LastAttemptedAt.UTC().Truncate(time.Second)
	return out
}

func normalizeSnapshot(row types.DailyBatcherSnapshot) types.DailyBatcherSnapshot {
	row.BatcherAddress = types.NormalizeAddress(row.BatcherAddress)
	row.SnapshotTimestamp = row.SnapshotTimestamp.UTC().Truncate(time.Second)
	return row
}

// storeErr tags a backend failure with types.ErrStore while keeping the cause.
func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, types.ErrStore, err)
}

func serializationErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, types.ErrSerialization, err)
}
