// Package tracker runs the loops that discover, analyze and summarize
// batcher transactions: the chain scanner, the retry queue and the daily
// snapshot aggregator, all coordinating through a storage.Storage.
package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/igwedaniel/batchwatch/internal/messaging"
	"github.com/igwedaniel/batchwatch/internal/types"
	"github.com/sirupsen/logrus"
)

// HeadSource reports the current chain head.
type HeadSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// TransactionLister lists the transactions an address sent in an inclusive
// block range, oldest first, at most limit of them.
type TransactionLister interface {
	ListTransactions(ctx context.Context, address string, startBlock, endBlock uint64, limit int) (*types.TxPage, error)
}

// Analyzer computes the metrics of a mined transaction.
type Analyzer interface {
	Analyze(ctx context.Context, txHash string) (*types.TxAnalysis, error)
}

// loopState holds the counters of one loop, read by Manager.Stats.
type loopState struct {
	mu    sync.Mutex
	stats types.LoopStats
}

func newLoopState(name string) *loopState {
	return &loopState{stats: types.LoopStats{Name: name}}
}

func (s *loopState) record(at time.Time, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Cycles++
	s.stats.LastRunAt = at.Unix()
	if err != nil {
		s.stats.Failed++
		s.stats.ErrorCount++
	} else {
		s.stats.Succeeded++
	}
}

func (s *loopState) addErrors(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	s.stats.ErrorCount += uint64(n)
	s.mu.Unlock()
}

func (s *loopState) setRunning(running bool) {
	s.mu.Lock()
	s.stats.IsRunning = running
	s.mu.Unlock()
}

func (s *loopState) restarted() {
	s.mu.Lock()
	s.stats.Restarts++
	s.mu.Unlock()
}

func (s *loopState) snapshot() types.LoopStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// publish is best effort: a broker failure never fails the caller.
func publish(ctx context.Context, p messaging.Publisher, logger *logrus.Logger, eventType, source string, payload interface{}, at time.Time) {
	if p == nil {
		return
	}
	event := &types.Event{
		Type:      eventType,
		Source:    source,
		Payload:   payload,
		Timestamp: at,
	}
	if err := p.Publish(ctx, event); err != nil {
		logger.WithError(err).WithField("event_type", eventType).Warn("Failed to publish event")
	}
}
