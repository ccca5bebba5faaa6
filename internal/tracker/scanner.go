package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/igwedaniel/batchwatch/internal/clock"
	"github.com/igwedaniel/batchwatch/internal/config"
	"github.com/igwedaniel/batchwatch/internal/messaging"
	"github.com/igwedaniel/batchwatch/internal/metrics"
	"github.com/igwedaniel/batchwatch/internal/storage"
	"github.com/igwedaniel/batchwatch/internal/types"
	"github.com/sirupsen/logrus"
)

// ScannerConfig holds the scan loop settings.
type ScannerConfig struct {
	Addresses              []string
	StartBlock             uint64
	Interval               time.Duration
	PageSize               int
	TruncationPolicy       string
	MaxConsecutiveFailures int
}

// CycleResult summarizes one scan cycle.
type CycleResult struct {
	Start     uint64
	End       uint64
	Cursor    uint64
	Idle      bool
	Analyzed  int
	Failed    int
	Skipped   int
	Truncated []string
}

// Scanner polls the batcher addresses for new transactions, analyzes
// them, and advances the cursor.
type Scanner struct {
	cfg       ScannerConfig
	head      HeadSource
	lister    TransactionLister
	analyzer  Analyzer
	store     storage.Storage
	retry     *RetryQueue
	publisher messaging.Publisher
	clock     clock.Clock
	logger    *logrus.Logger
	state     *loopState
}

// NewScanner creates a new chain scanner
func NewScanner(
	cfg ScannerConfig,
	head HeadSource,
	lister TransactionLister,
	analyzer Analyzer,
	store storage.Storage,
	retry *RetryQueue,
	publisher messaging.Publisher,
	clk clock.Clock,
	logger *logrus.Logger,
) *Scanner {
	addrs := make([]string, len(cfg.Addresses))
	for i, a := range cfg.Addresses {
		addrs[i] = types.NormalizeAddress(a)
	}
	cfg.Addresses = addrs

	return &Scanner{
		cfg:       cfg,
		head:      head,
		lister:    lister,
		analyzer:  analyzer,
		store:     store,
		retry:     retry,
		publisher: publisher,
		clock:     clk,
		logger:    logger,
		state:     newLoopState("scanner"),
	}
}

func (s *Scanner) Name() string { return "scanner" }

// Run scans every Interval until ctx is done. It returns an error after
// MaxConsecutiveFailures failed cycles in a row.
func (s *Scanner) Run(ctx context.Context) error {
	s.logger.WithFields(logrus.Fields{
		"addresses": s.cfg.Addresses,
		"interval":  s.cfg.Interval,
		"page_size": s.cfg.PageSize,
	}).Info("Scanner started")

	failures := 0
	for {
		_, err := s.RunCycle(ctx)
		if ctx.Err() != nil {
			return nil
		}
		s.state.record(s.clock.Now(), err)

		if err != nil {
			failures++
			metrics.ScanCycles.WithLabelValues("failed").Inc()
			s.logger.WithError(err).WithField("consecutive_failures", failures).Error("Scan cycle failed")
			if s.cfg.MaxConsecutiveFailures > 0 && failures >= s.cfg.MaxConsecutiveFailures {
				return fmt.Errorf("scanner gave up after %d consecutive failures: %w", failures, err)
			}
		} else {
			failures = 0
			metrics.ScanCycles.WithLabelValues("ok").Inc()
		}

		if err := s.clock.Sleep(ctx, s.cfg.Interval); err != nil {
			return nil
		}
	}
}

// RunCycle scans [cursor+1, head] once. The cursor is left unchanged when
// the head is unavailable, when every address query fails, or when a
// store error interrupts the cycle.
func (s *Scanner) RunCycle(ctx context.Context) (*CycleResult, error) {
	cursor, err := s.cursor(ctx)
	if err != nil {
		return nil, err
	}

	head, err := s.head.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain head: %w", err)
	}

	res := &CycleResult{Start: cursor + 1, End: head, Cursor: cursor}
	if head < res.Start {
		res.Idle = true
		s.logger.WithFields(logrus.Fields{"cursor": cursor, "head": head}).Debug("No new blocks")
		return res, nil
	}

	newCursor := head
	providerErrors := 0
	for _, addr := range s.cfg.Addresses {
		log := s.logger.WithFields(logrus.Fields{
			"batcher_address": addr,
			"from_block":      res.Start,
			"to_block":        head,
		})

		page, err := s.lister.ListTransactions(ctx, addr, res.Start, head, s.cfg.PageSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			providerErrors++
			log.WithError(err).Warn("Failed to list transactions")
			continue
		}

		if page.Truncated {
			res.Truncated = append(res.Truncated, addr)
			newCursor = s.applyTruncation(log, addr, page, res.Start, newCursor)
		}

		for _, tx := range page.Transactions {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if err := s.processTx(ctx, addr, tx.Hash, res); err != nil {
				return nil, err
			}
		}
	}

	if len(s.cfg.Addresses) > 0 && providerErrors == len(s.cfg.Addresses) {
		return nil, fmt.Errorf("%w: every address query failed, cursor kept at %d", types.ErrProvider, cursor)
	}

	if err := s.store.SetCursor(ctx, newCursor); err != nil {
		return nil, fmt.Errorf("failed to advance cursor: %w", err)
	}
	res.Cursor = newCursor
	metrics.Cursor.Set(float64(newCursor))

	s.logger.WithFields(logrus.Fields{
		"from_block": res.Start,
		"to_block":   head,
		"cursor":     newCursor,
		"analyzed":   res.Analyzed,
		"failed":     res.Failed,
		"skipped":    res.Skipped,
	}).Info("Scan cycle completed")

	return res, nil
}

// cursor returns the stored cursor, initializing it on first run.
func (s *Scanner) cursor(ctx context.Context) (uint64, error) {
	cursor, found, err := s.store.GetCursor(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get cursor: %w", err)
	}
	if found {
		return cursor, nil
	}

	if s.cfg.StartBlock > 0 {
		cursor = s.cfg.StartBlock - 1
	} else {
		cursor, err = s.head.BlockNumber(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to get chain head for cursor bootstrap: %w", err)
		}
	}

	if err := s.store.SetCursor(ctx, cursor); err != nil {
		return 0, fmt.Errorf("failed to initialize cursor: %w", err)
	}
	s.logger.WithField("cursor", cursor).Info("Initialized monitoring cursor")
	return cursor, nil
}

func (s *Scanner) applyTruncation(log *logrus.Entry, addr string, page *types.TxPage, start, newCursor uint64) uint64 {
	metrics.TruncatedPages.WithLabelValues(addr).Inc()

	if s.cfg.TruncationPolicy != config.TruncationClamp {
		log.WithField("page_size", s.cfg.PageSize).Warn("Transaction page truncated, later transactions in the range may be missed")
		return newCursor
	}

	// clamp on the provider's last row, not the last kept transaction:
	// a full page of incoming transfers keeps nothing but still hides blocks
	last := page.LastBlock
	if n := len(page.Transactions); n > 0 && page.Transactions[n-1].BlockNumber > last {
		last = page.Transactions[n-1].BlockNumber
	}
	if last <= start {
		log.WithField("last_block", last).Error("Truncated page fits in a single block, advancing past it")
		return newCursor
	}
	if last-1 < newCursor {
		newCursor = last - 1
	}
	log.WithField("cursor_limit", newCursor).Warn("Transaction page truncated, holding cursor back")
	return newCursor
}

// processTx is the per-transaction step. Only store errors on the
// idempotency gate are returned; analysis and save failures are routed to
// the retry queue.
func (s *Scanner) processTx(ctx context.Context, addr, txHash string, res *CycleResult) error {
	txHash = types.NormalizeHash(txHash)
	log := s.logger.WithFields(logrus.Fields{"tx_hash": txHash, "batcher_address": addr})

	tracked, err := s.store.IsTracked(ctx, txHash)
	if err != nil {
		return fmt.Errorf("failed to check %s: %w", txHash, err)
	}
	if tracked {
		res.Skipped++
		metrics.TxSkipped.Inc()
		return nil
	}

	analysis, err := s.analyzer.Analyze(ctx, txHash)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.routeToRetry(ctx, log, addr, txHash, err.Error(), res)
		return nil
	}

	rec := &types.AnalyzedTransaction{
		TxHash:         txHash,
		BatcherAddress: addr,
		Analysis:       *analysis,
		ObservedAt:     s.clock.Now(),
	}
	inserted, err := s.store.InsertAnalyzed(ctx, rec)
	if err != nil {
		s.routeToRetry(ctx, log, addr, txHash, "store: "+err.Error(), res)
		return nil
	}
	if !inserted {
		res.Skipped++
		return nil
	}

	res.Analyzed++
	metrics.TxAnalyzed.WithLabelValues(types.SourceScanner).Inc()
	log.WithField("value_saved_wei", analysis.ValueSavedWei().String()).Info("Transaction analyzed")
	publish(ctx, s.publisher, s.logger, types.EventTypeTxAnalyzed, types.SourceScanner, rec, rec.ObservedAt)
	return nil
}

func (s *Scanner) routeToRetry(ctx context.Context, log *logrus.Entry, addr, txHash, errMsg string, res *CycleResult) {
	res.Failed++
	metrics.TxFailed.WithLabelValues(types.SourceScanner).Inc()

	err := s.retry.Enqueue(ctx, txHash, addr, errMsg)
	switch {
	case err == nil:
		log.WithField("error", errMsg).Warn("Analysis failed, queued for retry")
	case errors.Is(err, storage.ErrDuplicate):
		log.Debug("Transaction already stored, not queued")
	default:
		log.WithError(err).Error("Failed to queue transaction for retry")
		s.state.addErrors(1)
	}
}
