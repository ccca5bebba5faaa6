package tracker

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/igwedaniel/batchwatch/internal/clock"
	"github.com/igwedaniel/batchwatch/internal/storage"
	"github.com/igwedaniel/batchwatch/internal/types"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Loop is one indefinitely running task under supervision.
type Loop interface {
	Name() string
	Run(ctx context.Context) error
	stateOf() *loopState
}

func (s *Scanner) stateOf() *loopState            { return s.state }
func (q *RetryQueue) stateOf() *loopState         { return q.state }
func (a *SnapshotAggregator) stateOf() *loopState { return a.state }

// Manager runs the loops concurrently, restarting any loop that fails or
// panics until ctx is done. A failing loop never stops the others.
type Manager struct {
	loops     []Loop
	store     storage.Storage
	clock     clock.Clock
	logger    *logrus.Logger
	startTime time.Time

	// newBackoff builds the restart schedule of one loop.
	newBackoff func() backoff.BackOff
	// a run lasting at least stableRun resets the restart schedule
	stableRun  time.Duration
}

// NewManager creates a supervisor over loops
func NewManager(store storage.Storage, clk clock.Clock, logger *logrus.Logger, loops ...Loop) *Manager {
	return &Manager{
		loops:     loops,
		store:     store,
		clock:     clk,
		logger:    logger,
		startTime: clk.Now(),
		stableRun: 10 * time.Minute,
		newBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 5 * time.Second
			b.MaxInterval = 5 * time.Minute
			b.MaxElapsedTime = 0
			return b
		},
	}
}

// Run blocks until ctx is done and every loop has returned.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.WithField("loops", len(m.loops)).Info("Starting tracker loops")

	var g errgroup.Group
	for _, l := range m.loops {
		l := l
		g.Go(func() error {
			m.supervise(ctx, l)
			return nil
		})
	}
	err := g.Wait()

	m.logger.Info("Tracker loops stopped")
	return err
}

func (m *Manager) supervise(ctx context.Context, l Loop) {
	state := l.stateOf()
	b := m.newBackoff()
	log := m.logger.WithField("loop", l.Name())

	for {
		started := m.clock.Now()
		state.setRunning(true)
		err := m.runSafely(ctx, l)
		state.setRunning(false)

		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = fmt.Errorf("loop returned without error")
		}
		if m.clock.Now().Sub(started) >= m.stableRun {
			b.Reset()
		}

		d := b.NextBackOff()
		if d == backoff.Stop {
			log.WithError(err).Error("Loop failed, not restarting")
			return
		}
		log.WithError(err).WithField("restart_in", d).Error("Loop failed, restarting")
		state.restarted()

		if err := m.clock.Sleep(ctx, d); err != nil {
			return
		}
	}
}

func (m *Manager) runSafely(ctx context.Context, l Loop) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.WithFields(logrus.Fields{
				"loop":  l.Name(),
				"stack": string(debug.Stack()),
			}).Errorf("Loop panicked: %v", r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return l.Run(ctx)
}

// Stats returns the per-loop counters with the cursor and queue size.
func (m *Manager) Stats(ctx context.Context) types.TrackerStats {
	stats := types.TrackerStats{
		Loops:  make([]types.LoopStats, 0, len(m.loops)),
		Uptime: m.clock.Now().Sub(m.startTime).Round(time.Second).String(),
	}
	for _, l := range m.loops {
		stats.Loops = append(stats.Loops, l.stateOf().snapshot())
	}

	if cursor, _, err := m.store.GetCursor(ctx); err == nil {
		stats.LastBlock = cursor
	} else {
		m.logger.WithError(err).Warn("Failed to read cursor for stats")
	}
	if queued, err := m.store.ListFailed(ctx); err == nil {
		stats.RetryQueueSize = len(queued)
	} else {
		m.logger.WithError(err).Warn("Failed to read retry queue for stats")
	}
	return stats
}
