package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler triggers runs per source on their configured cadence. It
// guarantees at most one in-flight run per source: a trigger firing
// while that source is still running is skipped and logged, never
// queued, so a slow source cannot build an unbounded backlog. Across
// sources, runs execute on a bounded worker pool.
type Scheduler struct {
	cron    *cron.Cron
	sem     chan struct{}
	metrics *Metrics
	logger  *zap.Logger

	mu       sync.Mutex
	inflight map[string]bool
	runners  map[string]*Runner

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler with the given global concurrency
// cap.
func NewScheduler(maxConcurrent int, metrics *Metrics, logger *zap.Logger) *Scheduler {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:     cron.New(),
		sem:      make(chan struct{}, maxConcurrent),
		metrics:  metrics,
		logger:   logger.Named("scheduler"),
		inflight: make(map[string]bool),
		runners:  make(map[string]*Runner),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Register adds a runner under the given cadence. The cadence is
// either a Go duration ("60s", "5m") or a cron spec ("0 * * * *",
// "@hourly").
func (s *Scheduler) Register(runner *Runner, cadence string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runners[runner.SourceID]; exists {
		return fmt.Errorf("source %q already registered", runner.SourceID)
	}

	spec := cadence
	if d, err := time.ParseDuration(cadence); err == nil {
		spec = "@every " + d.String()
	}
	if _, err := s.cron.AddFunc(spec, func() { s.Trigger(runner.SourceID) }); err != nil {
		return fmt.Errorf("source %q: invalid cadence %q: %w", runner.SourceID, cadence, err)
	}

	s.runners[runner.SourceID] = runner
	return nil
}

// Start begins cadence-driven triggering.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", zap.Int("sources", len(s.runners)))
}

// Trigger requests a run for a source right now. Returns false when
// the trigger was skipped because a run is already in flight.
func (s *Scheduler) Trigger(sourceID string) bool {
	s.mu.Lock()
	runner, ok := s.runners[sourceID]
	if !ok {
		s.mu.Unlock()
		s.logger.Error("trigger for unknown source", zap.String("source", sourceID))
		return false
	}
	if s.inflight[sourceID] {
		s.mu.Unlock()
		s.logger.Info("run already in flight, skipping trigger",
			zap.String("source", sourceID))
		s.metrics.TriggerSkipped(sourceID)
		return false
	}
	s.inflight[sourceID] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			s.inflight[sourceID] = false
			s.mu.Unlock()
		}()

		// Wait for a worker slot; shutdown releases waiters.
		select {
		case s.sem <- struct{}{}:
			defer func() { <-s.sem }()
		case <-s.ctx.Done():
			return
		}

		if _, err := runner.Execute(s.ctx); err != nil {
			s.logger.Error("run execution error",
				zap.String("source", sourceID), zap.Error(err))
		}
	}()
	return true
}

// TriggerAll requests a run for every registered source. Used at
// startup so new deployments do not wait a full cadence interval.
func (s *Scheduler) TriggerAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.runners))
	for id := range s.runners {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Trigger(id)
	}
}

// Drain waits for all in-flight runs to finish without cancelling
// them, up to the context deadline. Used by one-shot invocations.
func (s *Scheduler) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain timed out with runs in flight: %w", ctx.Err())
	}
}

// Stop halts triggering and waits for in-flight runs to finish, up to
// the context deadline. Runs observe cancellation between batches; an
// in-flight batch commit always completes.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cron.Stop()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out with runs in flight: %w", ctx.Err())
	}
}
