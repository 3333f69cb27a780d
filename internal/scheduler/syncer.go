package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/waiter-project/scheduler-core/pkg/backoff"
	"github.com/waiter-project/scheduler-core/pkg/metrics"
)

// SyncerSnapshot is the syncer output channel's payload (spec §6 "Syncer
// output channel").
type SyncerSnapshot struct {
	Timestamp time.Time
	Services  map[string]ServiceSnapshot
}

// ServiceSnapshot is one entry of a SyncerSnapshot (spec §4.8).
type ServiceSnapshot struct {
	ActiveInstances []ServiceInstance
	FailedInstances []FailedInstance
}

// SyncerState is retrieve-syncer-state()'s return shape (spec §4.8): the
// most recent publish timestamp and the last snapshot's size.
type SyncerState struct {
	LastPublish time.Time
	LastSize    int
}

// Syncer periodically calls get-service->instances on a backend and publishes
// snapshots to a bounded channel (spec §4.8). Failures are caught and logged;
// they never propagate to consumers (spec §7 "Syncer: ... never propagates").
type Syncer struct {
	backend  Scheduler
	interval time.Duration
	out      chan SyncerSnapshot
	logger   *slog.Logger
	inst     *metrics.Instruments

	mu    sync.RWMutex
	state SyncerState

	retryCount atomic.Int32
}

// NewSyncer constructs a Syncer publishing to a channel of the given
// capacity. Use Out() to obtain the read side.
func NewSyncer(backend Scheduler, interval time.Duration, channelCapacity int, logger *slog.Logger, inst *metrics.Instruments) *Syncer {
	if inst == nil {
		inst = metrics.NewNoopInstruments()
	}
	return &Syncer{
		backend:  backend,
		interval: interval,
		out:      make(chan SyncerSnapshot, channelCapacity),
		logger:   logger,
		inst:     inst,
	}
}

// Out returns the syncer's bounded output channel, consumed by the
// router/autoscaler (spec §6).
func (s *Syncer) Out() <-chan SyncerSnapshot { return s.out }

// State returns retrieve-syncer-state()'s current value.
func (s *Syncer) State() SyncerState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Run blocks, publishing a snapshot every interval until ctx is canceled.
// Per spec §7, any error from the backend is logged and the cycle publishes
// an empty snapshot in its place; like any snapshot, it is dropped when the
// channel is full.
func (s *Syncer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.publishOnce(ctx)
		}
	}
}

func (s *Syncer) publishOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("syncer worker panic recovered", slog.Any("panic", r))
		}
	}()

	start := time.Now()
	snapshot := SyncerSnapshot{Timestamp: start, Services: map[string]ServiceSnapshot{}}

	state, err := s.backend.State(ctx)
	if err != nil {
		s.logger.Warn("syncer: backend state() failed, publishing empty snapshot", slog.Any("error", err))
	} else {
		for id, st := range state.Services {
			snapshot.Services[id] = ServiceSnapshot{
				ActiveInstances: st.ActiveInstances,
				FailedInstances: st.FailedInstances,
			}
		}
	}

	s.mu.Lock()
	s.state = SyncerState{LastPublish: start, LastSize: len(snapshot.Services)}
	s.mu.Unlock()

	select {
	case s.out <- snapshot:
		s.retryCount.Store(0)
		s.inst.SyncerPublishTotal.Add(ctx, 1)
	default:
		// Channel full: drop rather than block the periodic tick. Every drop
		// is logged, with a backoff duration computed from the count of
		// consecutive drops.
		s.inst.SyncerPublishDropTotal.Add(ctx, 1)
		n := s.retryCount.Add(1)
		s.logger.Warn("syncer: output channel full, dropping snapshot",
			slog.Duration("backoff", backoff.Calculate(int(n), 30*time.Second)))
	}

	elapsed := time.Since(start)
	s.inst.SyncerPublishDuration.Record(ctx, elapsed.Seconds())
	s.inst.SyncerSnapshotSize.Record(ctx, float64(len(snapshot.Services)))
}
