package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/igwedaniel/batchwatch/internal/clock"
	"github.com/igwedaniel/batchwatch/internal/messaging"
	"github.com/igwedaniel/batchwatch/internal/metrics"
	"github.com/igwedaniel/batchwatch/internal/storage"
	"github.com/igwedaniel/batchwatch/internal/types"
	"github.com/sirupsen/logrus"
)

// RetryConfig holds the retry schedule and polling settings.
type RetryConfig struct {
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
	PollInterval time.Duration
	ItemDelay    time.Duration
}

// RetryResult summarizes one ProcessReady pass.
type RetryResult struct {
	Ready     int
	Succeeded int
	Resolved  int
	Failed    int
	Abandoned int
	Errors    int
}

// RetryQueue owns the failed-transaction backlog.
type RetryQueue struct {
	cfg       RetryConfig
	analyzer  Analyzer
	store     storage.Storage
	publisher messaging.Publisher
	clock     clock.Clock
	logger    *logrus.Logger
	state     *loopState
}

// NewRetryQueue creates a new retry queue
func NewRetryQueue(cfg RetryConfig, analyzer Analyzer, store storage.Storage, publisher messaging.Publisher, clk clock.Clock, logger *logrus.Logger) *RetryQueue {
	return &RetryQueue{
		cfg:       cfg,
		analyzer:  analyzer,
		store:     store,
		publisher: publisher,
		clock:     clk,
		logger:    logger,
		state:     newLoopState("retry"),
	}
}

func (q *RetryQueue) Name() string { return "retry" }

// Backoff is min(base * 2^retryCount, max).
func (q *RetryQueue) Backoff(retryCount int) time.Duration {
	d := q.cfg.BaseDelay
	for i := 0; i < retryCount; i++ {
		if d >= q.cfg.MaxDelay {
			break
		}
		d *= 2
	}
	if d > q.cfg.MaxDelay {
		return q.cfg.MaxDelay
	}
	return d
}

// Enqueue records an analysis failure. A hash already in the queue is
// rescheduled as after exactly one retry, whatever its count was; a new hash
// starts at retry_count 0. Hashes that are already analyzed are rejected
// with storage.ErrDuplicate.
func (q *RetryQueue) Enqueue(ctx context.Context, txHash, address, errMsg string) error {
	now := q.clock.Now()
	txHash = types.NormalizeHash(txHash)

	existing, err := q.store.GetFailed(ctx, txHash)
	switch {
	case err == nil:
		q.logger.WithFields(logrus.Fields{
			"tx_hash":     txHash,
			"retry_count": existing.RetryCount,
		}).Debug("Transaction already queued, rescheduling")
		return q.store.UpdateFailed(ctx, types.FailedUpdate{
			TxHash:          txHash,
			RetryCount:      1,
			NextRetryAt:     now.Add(q.Backoff(1)),
			ErrorMessage:    errMsg,
			LastAttemptedAt: now,
		})
	case !errors.Is(err, types.ErrNotFound):
		return err
	}

	return q.store.EnqueueFailed(ctx, &types.FailedTransaction{
		TxHash:          txHash,
		BatcherAddress:  types.NormalizeAddress(address),
		ErrorMessage:    errMsg,
		RetryCount:      0,
		NextRetryAt:     now.Add(q.Backoff(0)),
		FirstFailedAt:   now,
		LastAttemptedAt: now,
	})
}

// ProcessReady re-attempts every entry whose next_retry_at has passed, in
// schedule order, pausing ItemDelay between entries.
func (q *RetryQueue) ProcessReady(ctx context.Context) (RetryResult, error) {
	var res RetryResult

	ready, err := q.store.ListReadyForRetry(ctx, q.clock.Now())
	if err != nil {
		return res, fmt.Errorf("failed to list ready entries: %w", err)
	}
	res.Ready = len(ready)

	for i := range ready {
		if i > 0 && q.cfg.ItemDelay > 0 {
			if err := q.clock.Sleep(ctx, q.cfg.ItemDelay); err != nil {
				return res, err
			}
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		q.process(ctx, &ready[i], &res)
	}

	if res.Ready > 0 {
		q.logger.WithFields(logrus.Fields{
			"ready":     res.Ready,
			"succeeded": res.Succeeded,
			"resolved":  res.Resolved,
			"failed":    res.Failed,
			"abandoned": res.Abandoned,
		}).Info("Retry pass completed")
	}
	return res, nil
}

func (q *RetryQueue) process(ctx context.Context, entry *types.FailedTransaction, res *RetryResult) {
	log := q.logger.WithFields(logrus.Fields{
		"tx_hash":         entry.TxHash,
		"batcher_address": entry.BatcherAddress,
		"retry_count":     entry.RetryCount,
	})

	if entry.RetryCount >= q.cfg.MaxAttempts {
		q.abandon(ctx, entry, res)
		return
	}

	// An earlier pass may have stored the result and stopped before removal.
	analyzed, err := q.store.IsAnalyzed(ctx, entry.TxHash)
	if err != nil {
		log.WithError(err).Error("Failed to check analyzed state")
		res.Errors++
		return
	}
	if analyzed {
		if err := q.store.RemoveFailed(ctx, entry.TxHash); err != nil {
			log.WithError(err).Error("Failed to remove resolved entry")
			res.Errors++
			return
		}
		log.Info("Removed retry entry already analyzed")
		res.Resolved++
		return
	}

	analysis, err := q.analyzer.Analyze(ctx, entry.TxHash)
	if err != nil {
		q.fail(ctx, entry, err.Error(), res)
		return
	}

	rec := &types.AnalyzedTransaction{
		TxHash:         entry.TxHash,
		BatcherAddress: entry.BatcherAddress,
		Analysis:       *analysis,
		ObservedAt:     q.clock.Now(),
	}
	inserted, err := q.store.InsertAnalyzed(ctx, rec)
	if err != nil {
		q.fail(ctx, entry, "store: "+err.Error(), res)
		return
	}

	// removal is last: the analyzed row is durable by now
	if err := q.store.RemoveFailed(ctx, entry.TxHash); err != nil {
		log.WithError(err).Error("Failed to remove retried entry")
		res.Errors++
	}

	res.Succeeded++
	metrics.TxAnalyzed.WithLabelValues(types.SourceRetry).Inc()
	log.Info("Retry succeeded")
	if inserted {
		publish(ctx, q.publisher, q.logger, types.EventTypeTxAnalyzed, types.SourceRetry, rec, rec.ObservedAt)
	}
}

func (q *RetryQueue) fail(ctx context.Context, entry *types.FailedTransaction, errMsg string, res *RetryResult) {
	now := q.clock.Now()
	count := entry.RetryCount + 1
	metrics.TxFailed.WithLabelValues(types.SourceRetry).Inc()

	if count >= q.cfg.MaxAttempts {
		entry.RetryCount = count
		entry.ErrorMessage = errMsg
		entry.LastAttemptedAt = now
		q.abandon(ctx, entry, res)
		return
	}

	next := now.Add(q.Backoff(count))
	err := q.store.UpdateFailed(ctx, types.FailedUpdate{
		TxHash:          entry.TxHash,
		RetryCount:      count,
		NextRetryAt:     next,
		ErrorMessage:    errMsg,
		LastAttemptedAt: now,
	})
	if err != nil {
		q.logger.WithError(err).WithField("tx_hash", entry.TxHash).Error("Failed to update retry entry")
		res.Errors++
		return
	}

	res.Failed++
	q.logger.WithFields(logrus.Fields{
		"tx_hash":       entry.TxHash,
		"retry_count":   count,
		"next_retry_at": next,
		"error":         errMsg,
	}).Warn("Retry failed")
}

func (q *RetryQueue) abandon(ctx context.Context, entry *types.FailedTransaction, res *RetryResult) {
	if err := q.store.RemoveFailed(ctx, entry.TxHash); err != nil {
		q.logger.WithError(err).WithField("tx_hash", entry.TxHash).Error("Failed to remove abandoned entry")
		res.Errors++
		return
	}

	res.Abandoned++
	metrics.RetryAbandoned.Inc()
	q.logger.WithFields(logrus.Fields{
		"tx_hash":         entry.TxHash,
		"batcher_address": entry.BatcherAddress,
		"retry_count":     entry.RetryCount,
		"last_error":      entry.ErrorMessage,
	}).WithError(types.ErrRetryLimitExceeded).Error("Abandoning transaction")
	publish(ctx, q.publisher, q.logger, types.EventTypeTxAbandoned, types.SourceRetry, entry, q.clock.Now())
}

// Run processes the queue every PollInterval until ctx is done.
func (q *RetryQueue) Run(ctx context.Context) error {
	q.logger.WithField("poll_interval", q.cfg.PollInterval).Info("Retry queue started")
	for {
		res, err := q.ProcessReady(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			q.logger.WithError(err).Error("Retry pass failed")
		}
		q.state.record(q.clock.Now(), err)
		q.state.addErrors(res.Errors)

		if err := q.clock.Sleep(ctx, q.cfg.PollInterval); err != nil {
			return nil
		}
	}
}
