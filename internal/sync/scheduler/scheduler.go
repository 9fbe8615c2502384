// Package scheduler decides when the write-queue agent drains: once on
// activation, on every wake signal, on demand, and on a backoff retry timer
// while operations remain queued.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/mdrrmo/fieldsync/internal/bus"
	"github.com/mdrrmo/fieldsync/internal/logging"
	"github.com/mdrrmo/fieldsync/internal/models"
)

// Drainer is the agent surface the scheduler drives.
type Drainer interface {
	Drain(ctx context.Context) (models.DrainResult, error)
	Pending(ctx context.Context) (int, error)
}

// Scheduler coalesces drain triggers into sequential drain passes.
type Scheduler struct {
	drainer       Drainer
	bus           bus.MessageBus
	retryInterval time.Duration
	maxBackoff    time.Duration
	drainTimeout  time.Duration

	// signal holds at most one pending trigger; extra triggers coalesce.
	signal chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
	sub    bus.Subscription

	mu              sync.RWMutex
	isRunning       bool
	isOnline        bool
	drainInProgress bool
	lastDrainTime   time.Time
	lastResult      *models.DrainResult
	failures        int
	nextRetry       time.Time
	passes          int
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	RetryInterval time.Duration // How often to check for a due retry (default: 30 seconds)
	MaxBackoff    time.Duration // Cap on the delay after repeated failed passes (default: 15 minutes)
	DrainTimeout  time.Duration // Upper bound on one pass (default: 5 minutes)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		RetryInterval: 30 * time.Second,
		MaxBackoff:    15 * time.Minute,
		DrainTimeout:  5 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler. b may be nil, in which case only
// direct triggers start a pass.
func NewScheduler(drainer Drainer, b bus.MessageBus, config *SchedulerConfig) *Scheduler {
	defaults := DefaultSchedulerConfig()
	if config == nil {
		config = defaults
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = defaults.RetryInterval
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = defaults.MaxBackoff
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = defaults.DrainTimeout
	}

	return &Scheduler{
		drainer:       drainer,
		bus:           b,
		retryInterval: config.RetryInterval,
		maxBackoff:    config.MaxBackoff,
		drainTimeout:  config.DrainTimeout,
		signal:        make(chan struct{}, 1),
		isOnline:      true, // Assume online initially
	}
}

// Start runs the scheduler until Stop or ctx is done. It triggers one
// activation pass immediately and subscribes to wake signals on the bus.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	if s.bus != nil {
		sub, err := s.bus.Subscribe(ctx, bus.SubjectWake, s.onWake)
		if err != nil {
			logging.Error("Failed to subscribe to wake signals", err,
				map[string]interface{}{"subject": bus.SubjectWake})
		} else {
			s.sub = sub
		}
	}

	s.wg.Add(2)
	go s.drainLoop(ctx)
	go s.retryLoop(ctx)

	s.TriggerDrain()

	logging.Info("Drain scheduler started",
		map[string]interface{}{"retry_interval": s.retryInterval.String()})
}

// Stop stops the scheduler and waits for an in-flight pass to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			logging.Warn("Failed to unsubscribe from wake signals",
				map[string]interface{}{"error": err.Error()})
		}
	}

	close(s.stopCh)
	s.wg.Wait()

	logging.Info("Drain scheduler stopped", nil)
}

func (s *Scheduler) onWake(msg *bus.Message) {
	var sig models.Signal
	if err := msg.Decode(&sig); err != nil || sig.Type != models.MessageFlushQueue {
		logging.Debug("Ignoring wake message",
			map[string]interface{}{"subject": msg.Subject})
		return
	}
	s.TriggerDrain()
}

// SetOnlineStatus records connectivity. While offline the retry timer
// stays idle; wake signals still trigger passes.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wasOnline := s.isOnline
	s.isOnline = isOnline

	if wasOnline != isOnline {
		if isOnline {
			s.nextRetry = time.Time{}
		}
		logging.Info("Online status changed",
			map[string]interface{}{
				"was_online": wasOnline,
				"is_online":  isOnline,
			})
	}
}

// TriggerDrain requests a pass without blocking. It returns false when a
// request is already pending, in which case the pending pass covers this one.
func (s *Scheduler) TriggerDrain() bool {
	select {
	case s.signal <- struct{}{}:
		return true
	default:
		return false
	}
}

// DrainNow runs a pass synchronously and returns its result.
func (s *Scheduler) DrainNow(ctx context.Context) (models.DrainResult, error) {
	return s.runDrain(ctx)
}

func (s *Scheduler) drainLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-s.signal:
			s.runDrain(ctx)
		}
	}
}

// retryLoop re-triggers a pass while operations remain queued, spacing
// attempts with exponential backoff after failed passes.
func (s *Scheduler) retryLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.mu.RLock()
			due := s.isOnline && !s.drainInProgress && !now.Before(s.nextRetry)
			s.mu.RUnlock()
			if !due {
				continue
			}

			pending, err := s.drainer.Pending(ctx)
			if err != nil {
				logging.Warn("Failed to read queue size",
					map[string]interface{}{"error": err.Error()})
				continue
			}
			if pending > 0 {
				logging.Debug("Retrying queued operations",
					map[string]interface{}{"pending": pending})
				s.TriggerDrain()
			}
		}
	}
}

func (s *Scheduler) runDrain(ctx context.Context) (models.DrainResult, error) {
	s.mu.Lock()
	s.drainInProgress = true
	s.mu.Unlock()

	drainCtx, cancel := context.WithTimeout(ctx, s.drainTimeout)
	defer cancel()

	result, err := s.drainer.Drain(drainCtx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.drainInProgress = false
	s.passes++
	s.lastDrainTime = time.Now()
	s.lastResult = &result

	if err != nil || result.Halted {
		s.failures++
		delay := calculateBackoff(s.failures, s.retryInterval, s.maxBackoff)
		s.nextRetry = s.lastDrainTime.Add(delay)
		if err != nil {
			logging.Error("Drain pass failed", err,
				map[string]interface{}{"failures": s.failures, "retry_in": delay.String()})
		} else {
			logging.Debug("Drain pass halted",
				map[string]interface{}{"reason": result.Reason, "failures": s.failures, "retry_in": delay.String()})
		}
	} else {
		s.failures = 0
		s.nextRetry = time.Time{}
	}

	return result, err
}

// calculateBackoff returns base * 2^(failures-1), capped at max.
func calculateBackoff(failures int, base, max time.Duration) time.Duration {
	if failures <= 0 {
		return 0
	}
	if failures > 30 {
		return max
	}
	backoff := base << uint(failures-1)
	if backoff <= 0 || backoff > max {
		backoff = max
	}
	return backoff
}

// SchedulerStatus is a snapshot of the scheduler.
type SchedulerStatus struct {
	IsRunning       bool                `json:"isRunning"`
	IsOnline        bool                `json:"isOnline"`
	DrainInProgress bool                `json:"drainInProgress"`
	LastDrainTime   *time.Time          `json:"lastDrainTime,omitempty"`
	LastResult      *models.DrainResult `json:"lastResult,omitempty"`
	Passes          int                 `json:"passes"`
	Failures        int                 `json:"failures"`
	NextRetry       *time.Time          `json:"nextRetry,omitempty"`
	PendingItems    int                 `json:"pendingItems"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus(ctx context.Context) SchedulerStatus {
	s.mu.RLock()
	status := SchedulerStatus{
		IsRunning:       s.isRunning,
		IsOnline:        s.isOnline,
		DrainInProgress: s.drainInProgress,
		Passes:          s.passes,
		Failures:        s.failures,
		LastResult:      s.lastResult,
	}
	if !s.lastDrainTime.IsZero() {
		t := s.lastDrainTime
		status.LastDrainTime = &t
	}
	if !s.nextRetry.IsZero() {
		t := s.nextRetry
		status.NextRetry = &t
	}
	s.mu.RUnlock()

	if n, err := s.drainer.Pending(ctx); err == nil {
		status.PendingItems = n
	}
	return status
}

// IsOnline returns whether the scheduler is in online mode.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
