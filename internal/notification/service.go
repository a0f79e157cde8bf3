// Package notification delivers provider alerts without blocking the
// patient-facing path. Send enqueues; a worker pool delivers with retries.
package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/careline/triage/internal/shared/metrics"
)

var (
	ErrBufferFull     = errors.New("notification buffer full")
	ErrNotStarted     = errors.New("notification service not started")
	ErrAlreadyStarted = errors.New("notification service already started")
)

// Provider delivers one notification.
type Provider interface {
	Send(ctx context.Context, n *Notification) error
}

// ServiceConfig holds service configuration
type ServiceConfig struct {
	Workers       int
	BufferSize    int
	RetryAttempts int
	RetryDelay    time.Duration
}

// DefaultServiceConfig returns default configuration
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Workers:       4,
		BufferSize:    1000,
		RetryAttempts: 3,
		RetryDelay:    2 * time.Second,
	}
}

// Service is the notification service
type Service struct {
	provider Provider
	logger   *slog.Logger
	config   ServiceConfig

	mu    sync.RWMutex
	byID  map[string]*Notification
	stats Stats

	notifCh chan *Notification

	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewService creates a new notification service
func NewService(provider Provider, config ServiceConfig, logger *slog.Logger) *Service {
	return &Service{
		provider: provider,
		logger:   logger,
		config:   config,
		byID:     make(map[string]*Notification),
		notifCh:  make(chan *Notification, config.BufferSize),
		stopCh:   make(chan struct{}),
	}
}

// Start starts the workers. They run until ctx is done or Stop is called.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	for i := 0; i < s.config.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	return nil
}

// Stop stops the workers and waits for in-flight deliveries.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.started = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	return nil
}

// Send enqueues n and returns immediately. A notification whose ID was
// already accepted is dropped, so retried callers alert once.
func (s *Service) Send(ctx context.Context, n *Notification) error {
	now := time.Now()

	s.mu.Lock()
	if _, dup := s.byID[n.ID]; dup {
		s.stats.Duplicates++
		s.mu.Unlock()
		return nil
	}
	n.Status = StatusPending
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	n.UpdatedAt = now
	s.byID[n.ID] = n
	s.stats.Enqueued++
	s.mu.Unlock()

	select {
	case s.notifCh <- n:
		return nil
	default:
		s.mu.Lock()
		delete(s.byID, n.ID)
		s.stats.Enqueued--
		s.mu.Unlock()
		return ErrBufferFull
	}
}

func (s *Service) worker(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case n := <-s.notifCh:
			s.process(ctx, n)
		}
	}
}

func (s *Service) process(ctx context.Context, n *Notification) {
	err := s.provider.Send(ctx, n)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	n.UpdatedAt = now
	if err == nil {
		n.Status = StatusSent
		n.SentAt = &now
		n.ErrorMessage = ""
		s.stats.Delivered++
		if n.Kind == KindProviderAlert {
			metrics.RecordProviderAlert(true)
		}
		return
	}

	n.ErrorMessage = err.Error()
	n.RetryCount++
	if n.RetryCount >= s.config.RetryAttempts {
		n.Status = StatusFailed
		s.stats.Failed++
		if n.Kind == KindProviderAlert {
			metrics.RecordProviderAlert(false)
		}
		s.logger.ErrorContext(ctx, "notification delivery failed",
			"notification_id", n.ID,
			"kind", n.Kind,
			"case_id", n.CaseID,
			"attempts", n.RetryCount,
			"error", err,
		)
		return
	}

	s.stats.Retried++
	s.logger.WarnContext(ctx, "notification delivery failed, retrying",
		"notification_id", n.ID,
		"attempt", n.RetryCount,
		"error", err,
	)
	time.AfterFunc(s.config.RetryDelay, func() {
		select {
		case s.notifCh <- n:
		case <-s.stopCh:
		}
	})
}

// Get returns a copy of a notification by ID.
func (s *Service) Get(id string) (Notification, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.byID[id]
	if !ok {
		return Notification{}, false
	}
	return *n, true
}

// GetStats returns notification statistics
func (s *Service) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// String formats a short description for logs.
func (n *Notification) String() string {
	return fmt.Sprintf("%s %s to %s (%s)", n.Priority, n.Kind, n.RecipientID, n.ID)
}
