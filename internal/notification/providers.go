package notification

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// LogProvider writes notifications to the structured log (for development)
type LogProvider struct {
	logger *slog.Logger
}

// NewLogProvider creates a log provider.
func NewLogProvider(logger *slog.Logger) *LogProvider {
	return &LogProvider{logger: logger}
}

// Send logs the notification.
func (p *LogProvider) Send(ctx context.Context, n *Notification) error {
	p.logger.InfoContext(ctx, "notification",
		"notification_id", n.ID,
		"kind", n.Kind,
		"priority", n.Priority,
		"recipient_id", n.RecipientID,
		"case_id", n.CaseID,
		"subject", n.Subject,
	)
	return nil
}

// EventPublisher appends an event to a stream.
type EventPublisher interface {
	Publish(ctx context.Context, stream, eventType, eventID string, data any) error
}

// EventBusProvider publishes notifications to the event store, where the
// provider dashboard and paging integrations subscribe. The notification ID
// doubles as the event ID so redelivery is idempotent.
type EventBusProvider struct {
	publisher EventPublisher
}

// NewEventBusProvider creates a provider over the publisher.
func NewEventBusProvider(publisher EventPublisher) *EventBusProvider {
	return &EventBusProvider{publisher: publisher}
}

// Stream returns the stream a recipient's notifications go to.
func Stream(recipientID string) string {
	return "provider-alerts-" + recipientID
}

// Send implements Provider.
func (p *EventBusProvider) Send(ctx context.Context, n *Notification) error {
	eventType := "ProviderAlertRaised"
	if n.Kind == KindPatientNotice {
		eventType = "PatientNoticeIssued"
	}
	if err := p.publisher.Publish(ctx, Stream(n.RecipientID), eventType, n.ID, n); err != nil {
		return fmt.Errorf("failed to publish notification %s: %w", n.ID, err)
	}
	return nil
}

// MultiProvider delivers through every provider and fails if any fails.
type MultiProvider []Provider

// Send implements Provider.
func (m MultiProvider) Send(ctx context.Context, n *Notification) error {
	for _, p := range m {
		if err := p.Send(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

// MockProvider records notifications for testing
type MockProvider struct {
	mu        sync.Mutex
	sent      []Notification
	failTimes int
}

// NewMockProvider creates a new mock provider
func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

// FailNext makes the next n sends fail.
func (p *MockProvider) FailNext(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failTimes = n
}

// Send implements Provider.
func (p *MockProvider) Send(ctx context.Context, n *Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failTimes > 0 {
		p.failTimes--
		return fmt.Errorf("mock send failure")
	}
	p.sent = append(p.sent, *n)
	return nil
}

// Sent returns copies of delivered notifications.
func (p *MockProvider) Sent() []Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Notification(nil), p.sent...)
}
