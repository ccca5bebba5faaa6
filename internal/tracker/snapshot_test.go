package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/igwedaniel/batchwatch/internal/clock"
	"github.com/igwedaniel/batchwatch/internal/storage"
	"github.com/igwedaniel/batchwatch/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var june1 = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func TestSnapshotWindow(t *testing.T) {
	tests := []struct {
		now   time.Time
		start time.Time
	}{
		{time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC), june1},
		{time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC), june1},
		{time.Date(2025, 6, 2, 23, 59, 59, 0, time.UTC), june1},
		{time.Date(2025, 6, 2, 3, 0, 0, 0, time.FixedZone("UTC+5", 5*3600)), time.Date(2025, 5, 31, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		start, end := SnapshotWindow(tt.now)
		require.True(t, start.Equal(tt.start), "now %s", tt.now)
		require.Equal(t, 24*time.Hour-time.Second, end.Sub(start))
	}
}

func seedDay(t *testing.T, s storage.Storage, day time.Time) {
	t.Helper()
	ctx := context.Background()
	recs := []*types.AnalyzedTransaction{
		{TxHash: "0xa1", BatcherAddress: batcherA, Analysis: *analysisFor(10, 100, 1000), ObservedAt: day},
		{TxHash: "0xa2", BatcherAddress: batcherA, Analysis: *analysisFor(20, 200, 2000), ObservedAt: day.Add(6 * time.Hour)},
		{TxHash: "0xa3", BatcherAddress: batcherA, Analysis: *analysisFor(30, 300, 3000), ObservedAt: day.Add(24*time.Hour - time.Second)},
		{TxHash: "0xb1", BatcherAddress: batcherB, Analysis: *analysisFor(1, 10, 100), ObservedAt: day.Add(time.Hour)},
		{TxHash: "0xb2", BatcherAddress: batcherB, Analysis: *analysisFor(2, 20, 200), ObservedAt: day.Add(2 * time.Hour)},
		{TxHash: "0xb3", BatcherAddress: batcherB, Analysis: *analysisFor(3, 30, 300), ObservedAt: day.Add(3 * time.Hour)},
		// next day
		{TxHash: "0xa4", BatcherAddress: batcherA, Analysis: *analysisFor(99, 99, 99), ObservedAt: day.Add(24 * time.Hour)},
	}
	for _, rec := range recs {
		_, err := s.InsertAnalyzed(ctx, rec)
		require.NoError(t, err)
	}
}

func TestCreateSnapshot(t *testing.T) {
	ctx := context.Background()
	store := storage.NewInMemoryStorage()
	seedDay(t, store, june1)
	pub := &recordingPublisher{}
	agg := NewSnapshotAggregator(24*time.Hour, 0, store, pub, clock.NewFake(t0), quietLogger())

	rows, err := agg.CreateSnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	require.Equal(t, batcherA, rows[0].BatcherAddress)
	require.True(t, rows[0].SnapshotTimestamp.Equal(june1))
	require.Equal(t, uint64(3), rows[0].TotalTxCount)
	require.True(t, rows[0].TotalValueSaved.Equal(decimal.NewFromInt(60)))
	require.Equal(t, uint64(600), rows[0].TotalBlobDataGas)
	require.Equal(t, uint64(6000), rows[0].TotalPectraGas)

	require.Equal(t, batcherB, rows[1].BatcherAddress)
	require.Equal(t, uint64(3), rows[1].TotalTxCount)
	require.True(t, rows[1].TotalValueSaved.Equal(decimal.NewFromInt(6)))
	require.Equal(t, uint64(60), rows[1].TotalBlobDataGas)
	require.Equal(t, uint64(600), rows[1].TotalPectraGas)

	require.Equal(t, []string{"snapshot.saved.snapshot"}, pub.keys())
}

func TestCreateSnapshotIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := storage.NewInMemoryStorage()
	seedDay(t, store, june1)
	agg := NewSnapshotAggregator(24*time.Hour, 0, store, nil, clock.NewFake(t0), quietLogger())

	_, err := agg.CreateSnapshot(ctx)
	require.NoError(t, err)
	first, err := store.ListDailySnapshots(ctx, "", june1)
	require.NoError(t, err)

	_, err = agg.CreateSnapshot(ctx)
	require.NoError(t, err)
	second, err := store.ListDailySnapshots(ctx, "", june1)
	require.NoError(t, err)

	require.Len(t, second, 2)
	require.Equal(t, len(first), len(second))
	for i := range first {
		require.Equal(t, first[i].BatcherAddress, second[i].BatcherAddress)
		require.Equal(t, first[i].TotalTxCount, second[i].TotalTxCount)
		require.True(t, first[i].TotalValueSaved.Equal(second[i].TotalValueSaved))
		require.Equal(t, first[i].TotalBlobDataGas, second[i].TotalBlobDataGas)
		require.Equal(t, first[i].TotalPectraGas, second[i].TotalPectraGas)
	}
}

func TestCreateSnapshotEmptyDay(t *testing.T) {
	pub := &recordingPublisher{}
	store := storage.NewInMemoryStorage()
	agg := NewSnapshotAggregator(24*time.Hour, 0, store, pub, clock.NewFake(t0), quietLogger())

	rows, err := agg.CreateSnapshot(context.Background())
	require.NoError(t, err)
	require.Empty(t, rows)
	require.Empty(t, pub.keys())
}

func TestSnapshotRunBackfillsThenRepeats(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := storage.NewInMemoryStorage()

	may30 := june1.AddDate(0, 0, -2)
	_, err := store.InsertAnalyzed(ctx, &types.AnalyzedTransaction{TxHash: "0x30", BatcherAddress: batcherA, Analysis: *analysisFor(1, 1, 1), ObservedAt: may30.Add(time.Hour)})
	require.NoError(t, err)
	seedDay(t, store, june1)

	clk := clock.NewFake(t0)
	clk.OnSleep = func(n int) {
		if n == 2 {
			cancel()
		}
	}
	agg := NewSnapshotAggregator(24*time.Hour, 2, store, nil, clk, quietLogger())
	require.NoError(t, agg.Run(ctx))

	rows, err := store.ListDailySnapshots(context.Background(), batcherA, may30)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.True(t, rows[0].SnapshotTimestamp.Equal(may30))
	require.Equal(t, uint64(1), rows[0].TotalTxCount)
	require.True(t, rows[1].SnapshotTimestamp.Equal(june1))
	require.Equal(t, uint64(3), rows[1].TotalTxCount)
	// second run, a day later, picked up the 0xa4 transaction on June 2
	require.True(t, rows[2].SnapshotTimestamp.Equal(june1.AddDate(0, 0, 1)))
	require.Equal(t, uint64(1), rows[2].TotalTxCount)

	require.Equal(t, []time.Duration{24 * time.Hour, 24 * time.Hour}, clk.Sleeps())
	require.Equal(t, uint64(2), agg.state.snapshot().Cycles)
}
