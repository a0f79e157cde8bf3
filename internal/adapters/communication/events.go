package communication

import (
	"context"
	"fmt"
	"time"

	"github.com/careline/triage/internal/shared/types"
)

// EventPublisher appends an event to a stream.
type EventPublisher interface {
	Publish(ctx context.Context, stream, eventType, eventID string, data any) error
}

// HandoffRequested is the event the chat and telephony gateways consume.
type HandoffRequested struct {
	Handle  Handle         `json:"handle"`
	Context HandoffContext `json:"context"`
}

// EventBridge starts hand-offs by publishing a request to the provider's
// hand-off stream. The handle ID is derived from the case so a repeated
// start for the same case lands on the same event.
type EventBridge struct {
	publisher EventPublisher
	now       func() time.Time
}

// NewEventBridge creates a bridge over the publisher.
func NewEventBridge(publisher EventPublisher) *EventBridge {
	return &EventBridge{publisher: publisher, now: time.Now}
}

// HandoffStream returns the stream a provider's hand-off requests go to.
func HandoffStream(providerID string) string {
	return "handoffs-" + providerID
}

// StartChat implements Provider.
func (b *EventBridge) StartChat(ctx context.Context, patientID, providerID string, hc HandoffContext) (Handle, error) {
	return b.start(ctx, ChannelChat, patientID, providerID, hc)
}

// StartVoice implements Provider.
func (b *EventBridge) StartVoice(ctx context.Context, patientID, providerID string, hc HandoffContext) (Handle, error) {
	return b.start(ctx, ChannelVoice, patientID, providerID, hc)
}

func (b *EventBridge) start(ctx context.Context, ch Channel, patientID, providerID string, hc HandoffContext) (Handle, error) {
	h := Handle{
		ID:         types.NewDeterministicID("handoff", hc.CaseID+":"+string(ch)).String(),
		Channel:    ch,
		PatientID:  patientID,
		ProviderID: providerID,
		StartedAt:  b.now(),
	}
	err := b.publisher.Publish(ctx, HandoffStream(providerID), "HandoffRequested", h.ID, HandoffRequested{Handle: h, Context: hc})
	if err != nil {
		return Handle{}, fmt.Errorf("failed to start %s: %w", ch, err)
	}
	return h, nil
}

var (
	_ Provider = (*EventBridge)(nil)
	_ Provider = (*Recorder)(nil)
)
