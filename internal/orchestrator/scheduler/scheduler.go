// Package scheduler implements the timeout sweep / reaper of spec.md §4.7:
// a single background activity that fails stuck Working tasks and,
// optionally, re-queues timed-out failures for retry.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/apperrors"
	"github.com/kandev/orchestrator/internal/common/constants"
	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/orchestrator/service"
	"github.com/kandev/orchestrator/internal/task/models"
	"github.com/kandev/orchestrator/internal/task/repository"
)

// Common errors.
var (
	ErrAlreadyRunning = errors.New("scheduler is already running")
	ErrNotRunning     = errors.New("scheduler is not running")
)

// Config holds scheduler tuning knobs.
type Config struct {
	SweepInterval      time.Duration
	AutoRetryOnTimeout bool
}

// Scheduler sweeps the repository for Working tasks past their deadline.
type Scheduler struct {
	repo    repository.Repository
	service *service.Service
	logger  *logger.Logger
	config  Config

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New constructs a Scheduler. repo is used directly for the sweep scan
// (service has no "list Working tasks past deadline" operation of its own);
// transitions still go through service so retry logic stays centralized.
func New(repo repository.Repository, svc *service.Service, log *logger.Logger, cfg Config) *Scheduler {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 15 * time.Second
	}
	return &Scheduler{
		repo:    repo,
		service: svc,
		logger:  log.WithFields(zap.String("component", "scheduler")),
		config:  cfg,
	}
}

// Start begins the sweep loop. It returns immediately; the loop runs on its
// own goroutine until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("scheduler starting", zap.Duration("sweep_interval", s.config.SweepInterval))

	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

// Stop halts the sweep loop and waits for the in-flight sweep to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("scheduler stopped")
	case <-time.After(constants.SchedulerDrainTimeout):
		s.logger.Warn("scheduler stop timed out waiting for sweep to drain")
	}
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep scans Working tasks whose started_at+timeout_seconds has elapsed
// and transitions each to Failed via the same update_if CAS the rest of the
// service uses, so a task that completes mid-sweep is left untouched. The
// sweep is idempotent: a task already moved out of Working by a prior or
// concurrent sweep simply loses its CAS and is skipped.
func (s *Scheduler) sweep(ctx context.Context) {
	working := models.StatusWorking
	page, err := s.repo.Query(ctx, repository.Filter{Status: &working})
	if err != nil {
		s.logger.Error("sweep: failed to list working tasks", zap.Error(err))
		return
	}

	now := time.Now().UTC()
	var timedOut, retried int

	for _, t := range page.Tasks {
		if t.StartedAt == nil {
			continue
		}
		deadline := t.StartedAt.Add(time.Duration(t.TimeoutSeconds) * time.Second)
		if now.Before(deadline) {
			continue
		}

		_, err := s.service.MarkTimedOut(ctx, t.ID)
		if err != nil {
			if !apperrors.Is(err, apperrors.KindStaleStatus) {
				s.logger.Error("sweep: failed to fail timed-out task", zap.String("task_id", t.ID), zap.Error(err))
			}
			continue
		}
		timedOut++
		s.logger.Warn("task timed out", zap.String("task_id", t.ID), zap.Int("timeout_seconds", t.TimeoutSeconds))

		if s.config.AutoRetryOnTimeout && t.RetryCount < t.MaxRetries {
			if _, err := s.service.RetryTask(ctx, t.ID); err != nil {
				s.logger.Error("sweep: auto-retry failed", zap.String("task_id", t.ID), zap.Error(err))
				continue
			}
			retried++
		}
	}

	if timedOut > 0 {
		s.logger.Info("sweep complete", zap.Int("timed_out", timedOut), zap.Int("auto_retried", retried))
	}
}
