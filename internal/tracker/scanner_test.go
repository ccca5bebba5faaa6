package tracker

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/igwedaniel/batchwatch/internal/config"
	"github.com/igwedaniel/batchwatch/internal/storage"
	"github.com/igwedaniel/batchwatch/internal/types"
	"github.com/stretchr/testify/require"
)

func cursorOf(t *testing.T, s storage.Storage) uint64 {
	t.Helper()
	c, found, err := s.GetCursor(context.Background())
	require.NoError(t, err)
	require.True(t, found)
	return c
}

func TestScannerAnalyzesAndAdvancesCursor(t *testing.T) {
	ctx := context.Background()
	h := newHarness(storage.NewInMemoryStorage(), ScannerConfig{StartBlock: 90})
	h.lister.add(batcherA, "0xA1", 91)
	h.lister.add(batcherA, "0xa2", 95)
	h.lister.add(batcherB, "0xb1", 99)

	res, err := h.scanner.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(90), res.Start)
	require.Equal(t, uint64(100), res.End)
	require.Equal(t, 3, res.Analyzed)
	require.Zero(t, res.Failed)
	require.Equal(t, uint64(100), cursorOf(t, h.store))

	require.Equal(t, listCall{batcherA, 90, 100, 100}, h.lister.calls[0])
	require.Equal(t, listCall{batcherB, 90, 100, 100}, h.lister.calls[1])

	got, err := h.store.GetAnalyzed(ctx, "0xa1")
	require.NoError(t, err)
	require.Equal(t, batcherA, got.BatcherAddress)
	require.True(t, got.ObservedAt.Equal(t0))

	require.Equal(t, []string{"tx.analyzed.scanner", "tx.analyzed.scanner", "tx.analyzed.scanner"}, h.publisher.keys())
}

func TestScannerSkipsTrackedTransactions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(storage.NewInMemoryStorage(), ScannerConfig{StartBlock: 90})

	_, err := h.store.InsertAnalyzed(ctx, &types.AnalyzedTransaction{
		TxHash: "0xa1", BatcherAddress: batcherA, Analysis: *analysisFor(1, 1, 1), ObservedAt: t0,
	})
	require.NoError(t, err)
	require.NoError(t, h.retry.Enqueue(ctx, "0xa2", batcherA, "earlier failure"))

	h.lister.add(batcherA, "0xa1", 91)
	h.lister.add(batcherA, "0xa2", 92)
	h.lister.add(batcherA, "0xa3", 93)

	res, err := h.scanner.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, res.Skipped)
	require.Equal(t, 1, res.Analyzed)
	require.Zero(t, h.analyzer.callCount("0xa1"))
	require.Zero(t, h.analyzer.callCount("0xa2"))
	require.Equal(t, 1, h.analyzer.callCount("0xa3"))

	// the queued entry is left alone
	entry, err := h.store.GetFailed(ctx, "0xa2")
	require.NoError(t, err)
	require.Zero(t, entry.RetryCount)
}

func TestScannerDoesNotReanalyzeOnRescan(t *testing.T) {
	ctx := context.Background()
	h := newHarness(storage.NewInMemoryStorage(), ScannerConfig{StartBlock: 90})
	h.head.heads = []uint64{100, 110}
	h.lister.add(batcherA, "0xa1", 95)

	_, err := h.scanner.RunCycle(ctx)
	require.NoError(t, err)

	// the provider reports the same hash again in the next window
	h.lister.add(batcherA, "0xa1", 105)
	res, err := h.scanner.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Skipped)
	require.Equal(t, 1, h.analyzer.callCount("0xa1"))
}

func TestScannerRoutesFailuresToRetryQueue(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{Storage: storage.NewInMemoryStorage(), insertFailures: 1}
	h := newHarness(store, ScannerConfig{StartBlock: 90, Addresses: []string{batcherA}})
	h.lister.add(batcherA, "0xa1", 91)
	h.lister.add(batcherA, "0xa2", 92)
	h.analyzer.failures["0xa1"] = []error{errUpstream}

	res, err := h.scanner.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, res.Failed)
	require.Zero(t, res.Analyzed)
	require.Equal(t, uint64(100), cursorOf(t, store))

	entry, err := store.GetFailed(ctx, "0xa1")
	require.NoError(t, err)
	require.Zero(t, entry.RetryCount)
	require.Equal(t, errUpstream.Error(), entry.ErrorMessage)
	require.Equal(t, 60*time.Second, entry.NextRetryAt.Sub(t0))
	require.True(t, entry.FirstFailedAt.Equal(t0))

	// analyzed fine, but the save failed
	entry, err = store.GetFailed(ctx, "0xa2")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(entry.ErrorMessage, "store: "))

	for _, hash := range []string{"0xa1", "0xa2"} {
		analyzed, err := store.IsAnalyzed(ctx, hash)
		require.NoError(t, err)
		require.False(t, analyzed)
	}
}

func TestScannerCursorIsMaxObservedHead(t *testing.T) {
	ctx := context.Background()
	h := newHarness(storage.NewInMemoryStorage(), ScannerConfig{StartBlock: 90})
	h.head.heads = []uint64{100, 105, 103, 120, 119}

	want := []uint64{100, 105, 105, 120, 120}
	for i, w := range want {
		_, err := h.scanner.RunCycle(ctx)
		require.NoError(t, err)
		require.Equal(t, w, cursorOf(t, h.store), "cycle %d", i)
	}
}

func TestScannerHeadFailureSkipsCycle(t *testing.T) {
	h := newHarness(storage.NewInMemoryStorage(), ScannerConfig{StartBlock: 90})
	h.head.err = errUpstream

	_, err := h.scanner.RunCycle(context.Background())
	require.ErrorIs(t, err, errUpstream)
	require.Equal(t, uint64(89), cursorOf(t, h.store))
	require.Empty(t, h.lister.calls)
}

func TestScannerProviderErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("OneAddressFails", func(t *testing.T) {
		h := newHarness(storage.NewInMemoryStorage(), ScannerConfig{StartBlock: 90})
		h.lister.errs[batcherA] = errUpstream
		h.lister.add(batcherB, "0xb1", 95)

		res, err := h.scanner.RunCycle(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, res.Analyzed)
		require.Equal(t, uint64(100), cursorOf(t, h.store))
	})

	t.Run("EveryAddressFails", func(t *testing.T) {
		h := newHarness(storage.NewInMemoryStorage(), ScannerConfig{StartBlock: 90})
		h.lister.errs[batcherA] = errUpstream
		h.lister.errs[batcherB] = errUpstream

		_, err := h.scanner.RunCycle(ctx)
		require.ErrorIs(t, err, types.ErrProvider)
		require.Equal(t, uint64(89), cursorOf(t, h.store))
	})
}

func TestScannerTruncationPolicies(t *testing.T) {
	ctx := context.Background()
	setup := func(policy string) *harness {
		h := newHarness(storage.NewInMemoryStorage(), ScannerConfig{
			StartBlock:       90,
			Addresses:        []string{batcherA},
			PageSize:         2,
			TruncationPolicy: policy,
		})
		h.lister.add(batcherA, "0xa1", 91)
		h.lister.add(batcherA, "0xa2", 92)
		h.lister.add(batcherA, "0xa3", 93)
		return h
	}

	t.Run("Advance", func(t *testing.T) {
		h := setup(config.TruncationAdvance)
		res, err := h.scanner.RunCycle(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{batcherA}, res.Truncated)
		require.Equal(t, 2, res.Analyzed)
		require.Equal(t, uint64(100), cursorOf(t, h.store))

		_, err = h.scanner.RunCycle(ctx)
		require.NoError(t, err)
		require.Zero(t, h.analyzer.callCount("0xa3"))
	})

	t.Run("Clamp", func(t *testing.T) {
		h := setup(config.TruncationClamp)
		res, err := h.scanner.RunCycle(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{batcherA}, res.Truncated)
		require.Equal(t, uint64(91), cursorOf(t, h.store))

		// the re-listed page is full again and holds the cursor once more
		res, err = h.scanner.RunCycle(ctx)
		require.NoError(t, err)
		require.Equal(t, uint64(92), res.Start)
		require.Equal(t, 1, res.Skipped)
		require.Equal(t, 1, res.Analyzed)
		require.Equal(t, uint64(92), cursorOf(t, h.store))

		res, err = h.scanner.RunCycle(ctx)
		require.NoError(t, err)
		require.Empty(t, res.Truncated)
		require.Equal(t, uint64(100), cursorOf(t, h.store))
		require.Equal(t, 1, h.analyzer.callCount("0xa2"))
		require.Equal(t, 1, h.analyzer.callCount("0xa3"))
	})

	t.Run("ClampSingleBlockFallsBackToAdvance", func(t *testing.T) {
		h := newHarness(storage.NewInMemoryStorage(), ScannerConfig{
			StartBlock:       90,
			Addresses:        []string{batcherA},
			PageSize:         2,
			TruncationPolicy: config.TruncationClamp,
		})
		h.lister.add(batcherA, "0xa1", 90)
		h.lister.add(batcherA, "0xa2", 90)
		h.lister.add(batcherA, "0xa3", 90)

		_, err := h.scanner.RunCycle(ctx)
		require.NoError(t, err)
		require.Equal(t, uint64(100), cursorOf(t, h.store))
	})

	t.Run("ClampPageOfIncomingTransfers", func(t *testing.T) {
		h := newHarness(storage.NewInMemoryStorage(), ScannerConfig{
			StartBlock:       90,
			Addresses:        []string{batcherA},
			PageSize:         2,
			TruncationPolicy: config.TruncationClamp,
		})
		h.lister.addIncoming(batcherA, "0xb1", 91)
		h.lister.addIncoming(batcherA, "0xb2", 93)
		h.lister.add(batcherA, "0xa1", 95)

		res, err := h.scanner.RunCycle(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{batcherA}, res.Truncated)
		require.Zero(t, res.Analyzed)
		require.Equal(t, uint64(92), cursorOf(t, h.store))

		res, err = h.scanner.RunCycle(ctx)
		require.NoError(t, err)
		require.Equal(t, uint64(93), res.Start)
		require.Equal(t, 1, res.Analyzed)
		require.Equal(t, uint64(94), cursorOf(t, h.store))

		res, err = h.scanner.RunCycle(ctx)
		require.NoError(t, err)
		require.Empty(t, res.Truncated)
		require.Equal(t, 1, res.Skipped)
		require.Equal(t, uint64(100), cursorOf(t, h.store))
		require.Equal(t, 1, h.analyzer.callCount("0xa1"))
	})
}

func TestScannerBootstrapsCursorFromHead(t *testing.T) {
	h := newHarness(storage.NewInMemoryStorage(), ScannerConfig{})
	h.lister.add(batcherA, "0xa1", 100)

	res, err := h.scanner.RunCycle(context.Background())
	require.NoError(t, err)
	require.True(t, res.Idle)
	require.Equal(t, uint64(100), cursorOf(t, h.store))
	require.Empty(t, h.lister.calls)
}

func TestScannerRunGivesUpAfterConsecutiveFailures(t *testing.T) {
	h := newHarness(storage.NewInMemoryStorage(), ScannerConfig{StartBlock: 90, MaxConsecutiveFailures: 3})
	h.head.err = errUpstream

	err := h.scanner.Run(context.Background())
	require.ErrorIs(t, err, errUpstream)
	require.Equal(t, []time.Duration{5 * time.Minute, 5 * time.Minute}, h.clock.Sleeps())

	stats := h.scanner.state.snapshot()
	require.Equal(t, uint64(3), stats.Cycles)
	require.Equal(t, uint64(3), stats.Failed)
}

func TestScannerRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := newHarness(storage.NewInMemoryStorage(), ScannerConfig{StartBlock: 90})
	h.head.heads = []uint64{100, 110}
	h.lister.add(batcherA, "0xa1", 105)
	h.clock.OnSleep = func(n int) {
		if n == 2 {
			cancel()
		}
	}

	require.NoError(t, h.scanner.Run(ctx))
	require.Equal(t, uint64(110), cursorOf(t, h.store))
	require.Equal(t, 1, h.analyzer.callCount("0xa1"))
}
