// Package scheduler periodically ticks the enrollments that are due.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dukex/journeys/pkg/executor"
	"github.com/dukex/journeys/pkg/metrics"
	"github.com/dukex/journeys/pkg/models"
	"github.com/dukex/journeys/pkg/persistence"
	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

// ErrAlreadyStarted is returned by Start on a running scheduler.
var ErrAlreadyStarted = errors.New("scheduler already started")

// Ticker advances one enrollment.
type Ticker interface {
	Tick(ctx context.Context, enrollmentID string) (*executor.TickResult, error)
}

type Config struct {
	// Interval between passes.
	Interval time.Duration
	// Workers bounds the ticks running in parallel within a pass.
	Workers int
	// BatchSize caps the enrollments picked up per pass; zero means no cap.
	BatchSize int
}

func DefaultConfig() Config {
	return Config{
		Interval:  5 * time.Second,
		Workers:   8,
		BatchSize: 500,
	}
}

// PassResult summarizes one scheduler pass.
type PassResult struct {
	Due     int
	Ticked  int
	Skipped int
	Failed  int
}

type Scheduler struct {
	enrollments persistence.EnrollmentRepository
	ticker      Ticker
	config      Config
	clock       clockwork.Clock
	metrics     *metrics.Metrics
	logger      *slog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running atomic.Bool
}

type Option func(*Scheduler)

func WithClock(clock clockwork.Clock) Option {
	return func(s *Scheduler) {
		s.clock = clock
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

func NewScheduler(enrollments persistence.EnrollmentRepository, ticker Ticker, config Config, logger *slog.Logger, opts ...Option) *Scheduler {
	defaults := DefaultConfig()

	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}

	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}

	s := &Scheduler{
		enrollments: enrollments,
		ticker:      ticker,
		config:      config,
		clock:       clockwork.NewRealClock(),
		logger:      logger.With("module", "scheduler"),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start schedules a pass every Interval until Stop is called. A pass still
// running when the next one is due is not overlapped.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return ErrAlreadyStarted
	}

	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.config.Interval), func() {
		_, err := s.RunOnce(ctx)
		if err != nil {
			s.logger.ErrorContext(ctx, "Scheduler pass failed", "error", err)
		}
	})
	if err != nil {
		s.cron = nil

		return fmt.Errorf("failed to schedule passes: %w", err)
	}

	s.cron.Start()
	s.logger.InfoContext(ctx, "Scheduler started", "interval", s.config.Interval, "workers", s.config.Workers)

	return nil
}

// Stop stops scheduling passes and waits for the running one.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		return nil
	}

	stopped := s.cron.Stop()
	s.cron = nil

	select {
	case <-stopped.Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	s.logger.InfoContext(ctx, "Scheduler stopped")

	return nil
}

// RunOnce ticks every enrollment due now on a bounded pool. Tick failures are
// logged and counted; they never abort the rest of the batch.
func (s *Scheduler) RunOnce(ctx context.Context) (*PassResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		return &PassResult{}, nil
	}
	defer s.running.Store(false)

	due, err := s.enrollments.ListDue(ctx, s.clock.Now(), s.config.BatchSize)
	if err != nil {
		s.recordPass("error")

		return nil, fmt.Errorf("failed to list due enrollments: %w", err)
	}

	if s.metrics != nil {
		s.metrics.DueEnrollments.Set(float64(len(due)))
	}

	result := &PassResult{Due: len(due)}
	if len(due) == 0 {
		s.recordPass("idle")

		return result, nil
	}

	var ticked, skipped, failed atomic.Int64

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.config.Workers)

	for _, enrollment := range due {
		group.Go(func() error {
			s.tick(groupCtx, enrollment, &ticked, &skipped, &failed)

			return nil
		})
	}

	_ = group.Wait()

	result.Ticked = int(ticked.Load())
	result.Skipped = int(skipped.Load())
	result.Failed = int(failed.Load())

	s.logger.InfoContext(ctx, "Scheduler pass finished",
		"due", result.Due,
		"ticked", result.Ticked,
		"skipped", result.Skipped,
		"failed", result.Failed)

	s.recordPass("ok")

	return result, nil
}

func (s *Scheduler) tick(ctx context.Context, enrollment *models.Enrollment, ticked, skipped, failed *atomic.Int64) {
	tickResult, err := s.ticker.Tick(ctx, enrollment.ID)

	switch {
	case err != nil:
		failed.Add(1)
		s.logger.ErrorContext(ctx, "Failed to tick enrollment",
			"enrollment_id", enrollment.ID,
			"workflow_id", enrollment.WorkflowID,
			"error", err)
	case tickResult.Skipped || tickResult.Aborted:
		skipped.Add(1)
	default:
		ticked.Add(1)
	}
}

func (s *Scheduler) recordPass(result string) {
	if s.metrics != nil {
		s.metrics.SchedulerPasses.WithLabelValues(result).Inc()
	}
}
