package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/igwedaniel/batchwatch/internal/types"
	"github.com/shopspring/decimal"
)

// InMemoryStorage keeps everything in process memory. Used in tests and
// for local runs without Redis or Postgres.
type InMemoryStorage struct {
	mu        sync.RWMutex
	analyzed  map[string]types.AnalyzedTransaction
	failed    map[string]types.FailedTransaction
	snapshots map[string]map[int64]types.DailyBatcherSnapshot // address -> day -> row
	cursor    uint64
	hasCursor bool
}

func NewInMemoryStorage() *InMemoryStorage {
	return &InMemoryStorage{
		analyzed:  make(map[string]types.AnalyzedTransaction),
		failed:    make(map[string]types.FailedTransaction),
		snapshots: make(map[string]map[int64]types.DailyBatcherSnapshot),
	}
}

func (m *InMemoryStorage) IsTracked(ctx context.Context, txHash string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h := types.NormalizeHash(txHash)
	_, a := m.analyzed[h]
	_, f := m.failed[h]
	return a || f, nil
}

func (m *InMemoryStorage) IsAnalyzed(ctx context.Context, txHash string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.analyzed[types.NormalizeHash(txHash)]
	return ok, nil
}

func (m *InMemoryStorage) IsQueued(ctx context.Context, txHash string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.failed[types.NormalizeHash(txHash)]
	return ok, nil
}

func (m *InMemoryStorage) InsertAnalyzed(ctx context.Context, tx *types.AnalyzedTransaction) (bool, error) {
	rec := normalizeAnalyzed(tx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.analyzed[rec.TxHash]; exists {
		return false, nil
	}
	m.analyzed[rec.TxHash] = rec
	return true, nil
}

func (m *InMemoryStorage) GetAnalyzed(ctx context.Context, txHash string) (*types.AnalyzedTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.analyzed[types.NormalizeHash(txHash)]
	if !ok {
		return nil, fmt.Errorf("analyzed transaction %s: %w", txHash, types.ErrNotFound)
	}
	return &rec, nil
}

func (m *InMemoryStorage) GetCursor(ctx context.Context) (uint64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cursor, m.hasCursor, nil
}

func (m *InMemoryStorage) SetCursor(ctx context.Context, block uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Monotonic: only move forward
	if m.hasCursor && block < m.cursor {
		return nil
	}
	m.cursor = block
	m.hasCursor = true
	return nil
}

func (m *InMemoryStorage) EnqueueFailed(ctx context.Context, tx *types.FailedTransaction) error {
	rec := normalizeFailed(tx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.failed[rec.TxHash]; exists {
		return fmt.Errorf("queued transaction %s: %w", rec.TxHash, ErrDuplicate)
	}
	if _, exists := m.analyzed[rec.TxHash]; exists {
		return fmt.Errorf("analyzed transaction %s: %w", rec.TxHash, ErrDuplicate)
	}
	m.failed[rec.TxHash] = rec
	return nil
}

func (m *InMemoryStorage) GetFailed(ctx context.Context, txHash string) (*types.FailedTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.failed[types.NormalizeHash(txHash)]
	if !ok {
		return nil, fmt.Errorf("queued transaction %s: %w", txHash, types.ErrNotFound)
	}
	return &rec, nil
}

func (m *InMemoryStorage) ListFailed(ctx context.Context) ([]types.FailedTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.FailedTransaction, 0, len(m.failed))
	for _, rec := range m.failed {
		out = append(out, rec)
	}
	sortFailed(out)
	return out, nil
}

func (m *InMemoryStorage) ListReadyForRetry(ctx context.Context, now time.Time) ([]types.FailedTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.FailedTransaction
	for _, rec := range m.failed {
		if !rec.NextRetryAt.After(now) {
			out = append(out, rec)
		}
	}
	sortFailed(out)
	return out, nil
}

func (m *InMemoryStorage) UpdateFailed(ctx context.Context, update types.FailedUpdate) error {
	h := types.NormalizeHash(update.TxHash)

	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.failed[h]
	if !ok {
		return fmt.Errorf("queued transaction %s: %w", h, types.ErrNotFound)
	}
	rec.RetryCount = update.RetryCount
	rec.NextRetryAt = update.NextRetryAt.UTC().Truncate(time.Second)
	rec.ErrorMessage = update.ErrorMessage
	rec.LastAttemptedAt = update.LastAttemptedAt.UTC().Truncate(time.Second)
	m.failed[h] = rec
	return nil
}

func (m *InMemoryStorage) RemoveFailed(ctx context.Context, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failed, types.NormalizeHash(txHash))
	return nil
}

func (m *InMemoryStorage) AggregateWindow(ctx context.Context, address string, start, end time.Time) (types.WindowTotals, error) {
	addr := types.NormalizeAddress(address)
	totals := types.WindowTotals{BatcherAddress: addr, ValueSaved: decimal.Zero}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rec := range m.analyzed {
		if rec.BatcherAddress == addr && inWindow(rec.ObservedAt, start, end) {
			rec := rec
			totals.Add(&rec)
		}
	}
	return totals, nil
}

func (m *InMemoryStorage) AggregateWindowAll(ctx context.Context, start, end time.Time) ([]types.WindowTotals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byAddr := make(map[string]*types.WindowTotals)
	for _, rec := range m.analyzed {
		if !inWindow(rec.ObservedAt, start, end) {
			continue
		}
		t, ok := byAddr[rec.BatcherAddress]
		if !ok {
			t = &types.WindowTotals{BatcherAddress: rec.BatcherAddress, ValueSaved: decimal.Zero}
			byAddr[rec.BatcherAddress] = t
		}
		rec := rec
		t.Add(&rec)
	}

	out := make([]types.WindowTotals, 0, len(byAddr))
	for _, t := range byAddr {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BatcherAddress < out[j].BatcherAddress })
	return out, nil
}

func (m *InMemoryStorage) UpsertDailySnapshots(ctx context.Context, rows []types.DailyBatcherSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range rows {
		row = normalizeSnapshot(row)
		days, ok := m.snapshots[row.BatcherAddress]
		if !ok {
			days = make(map[int64]types.DailyBatcherSnapshot)
			m.snapshots[row.BatcherAddress] = days
		}
		days[row.SnapshotTimestamp.Unix()] = row
	}
	return nil
}

func (m *InMemoryStorage) ListDailySnapshots(ctx context.Context, address string, since time.Time) ([]types.DailyBatcherSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []types.DailyBatcherSnapshot
	collect := func(days map[int64]types.DailyBatcherSnapshot) {
		for ts, row := range days {
			if ts >= since.Unix() {
				out = append(out, row)
			}
		}
	}
	if address != "" {
		collect(m.snapshots[types.NormalizeAddress(address)])
	} else {
		for _, days := range m.snapshots {
			collect(days)
		}
	}
	sortSnapshots(out)
	return out, nil
}

func (m *InMemoryStorage) Ping(ctx context.Context) error {
	return nil
}

func (m *InMemoryStorage) Close() error {
	return nil
}

func inWindow(ts, start, end time.Time) bool {
	u := ts.Unix()
	return u >= start.Unix() && u <= end.Unix()
}

func sortFailed(recs []types.FailedTransaction) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].NextRetryAt.Equal(recs[j].NextRetryAt) {
			return recs[i].NextRetryAt.Before(recs[j].NextRetryAt)
		}
		return recs[i].TxHash < recs[j].TxHash
	})
}

func sortSnapshots(rows []types.DailyBatcherSnapshot) {
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].SnapshotTimestamp.Equal(rows[j].SnapshotTimestamp) {
			return rows[i].SnapshotTimestamp.Before(rows[j].SnapshotTimestamp)
		}
		return rows[i].BatcherAddress < rows[j].BatcherAddress
	})
}
