package tracker

import (
	"context"
	"fmt"
	"time"

	"github.com/igwedaniel/batchwatch/internal/clock"
	"github.com/igwedaniel/batchwatch/internal/messaging"
	"github.com/igwedaniel/batchwatch/internal/metrics"
	"github.com/igwedaniel/batchwatch/internal/storage"
	"github.com/igwedaniel/batchwatch/internal/types"
	"github.com/sirupsen/logrus"
)

const secondsPerDay = 86400

// SnapshotWindow returns the inclusive bounds of the last completed UTC
// day before now.
func SnapshotWindow(now time.Time) (start, end time.Time) {
	today := now.Unix() / secondsPerDay * secondsPerDay
	return time.Unix(today-secondsPerDay, 0).UTC(), time.Unix(today-1, 0).UTC()
}

// SnapshotAggregator rolls analyzed transactions into one row per
// batcher per UTC day.
type SnapshotAggregator struct {
	interval     time.Duration
	backfillDays int
	store        storage.Storage
	publisher    messaging.Publisher
	clock        clock.Clock
	logger       *logrus.Logger
	state        *loopState
}

// NewSnapshotAggregator creates a new daily snapshot aggregator
func NewSnapshotAggregator(interval time.Duration, backfillDays int, store storage.Storage, publisher messaging.Publisher, clk clock.Clock, logger *logrus.Logger) *SnapshotAggregator {
	return &SnapshotAggregator{
		interval:     interval,
		backfillDays: backfillDays,
		store:        store,
		publisher:    publisher,
		clock:        clk,
		logger:       logger,
		state:        newLoopState("snapshot"),
	}
}

func (a *SnapshotAggregator) Name() string { return "snapshot" }

// CreateSnapshot summarizes the last completed UTC day.
func (a *SnapshotAggregator) CreateSnapshot(ctx context.Context) ([]types.DailyBatcherSnapshot, error) {
	start, _ := SnapshotWindow(a.clock.Now())
	return a.CreateSnapshotFor(ctx, start)
}

// CreateSnapshotFor summarizes the UTC day starting at dayStart and
// replaces any rows already stored for it.
func (a *SnapshotAggregator) CreateSnapshotFor(ctx context.Context, dayStart time.Time) ([]types.DailyBatcherSnapshot, error) {
	start := time.Unix(dayStart.Unix()/secondsPerDay*secondsPerDay, 0).UTC()
	end := start.Add(secondsPerDay*time.Second - time.Second)

	totals, err := a.store.AggregateWindowAll(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate %s: %w", start.Format(time.DateOnly), err)
	}

	rows := make([]types.DailyBatcherSnapshot, 0, len(totals))
	for _, t := range totals {
		rows = append(rows, types.DailyBatcherSnapshot{
			BatcherAddress:    t.BatcherAddress,
			SnapshotTimestamp: start,
			TotalTxCount:      t.TxCount,
			TotalValueSaved:   t.ValueSaved,
			TotalBlobDataGas:  t.BlobDataGas,
			TotalPectraGas:    t.PectraDataGas,
		})
	}

	log := a.logger.WithField("day", start.Format(time.DateOnly))
	if len(rows) == 0 {
		log.Info("No transactions for snapshot day")
		return rows, nil
	}

	if err := a.store.UpsertDailySnapshots(ctx, rows); err != nil {
		return nil, fmt.Errorf("failed to save snapshot for %s: %w", start.Format(time.DateOnly), err)
	}

	metrics.SnapshotRows.Add(float64(len(rows)))
	log.WithField("batchers", len(rows)).Info("Daily snapshot saved")
	publish(ctx, a.publisher, a.logger, types.EventTypeSnapshotSaved, types.SourceSnapshot, rows, a.clock.Now())
	return rows, nil
}

func (a *SnapshotAggregator) backfill(ctx context.Context) {
	if a.backfillDays <= 0 {
		return
	}
	latest, _ := SnapshotWindow(a.clock.Now())
	for i := a.backfillDays; i >= 1; i-- {
		day := latest.AddDate(0, 0, -i)
		if _, err := a.CreateSnapshotFor(ctx, day); err != nil {
			a.logger.WithError(err).WithField("day", day.Format(time.DateOnly)).Error("Snapshot backfill failed")
			a.state.addErrors(1)
		}
	}
}

// Run snapshots the last completed day immediately and then once per
// interval until ctx is done.
func (a *SnapshotAggregator) Run(ctx context.Context) error {
	a.logger.WithField("interval", a.interval).Info("Snapshot aggregator started")
	a.backfill(ctx)

	for {
		_, err := a.CreateSnapshot(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			a.logger.WithError(err).Error("Snapshot failed")
		}
		a.state.record(a.clock.Now(), err)

		if err := a.clock.Sleep(ctx, a.interval); err != nil {
			return nil
		}
	}
}
