package communication

import (
	"context"
	"errors"
	"testing"
)

func TestStartDispatchesOnChannel(t *testing.T) {
	tests := []struct {
		channel Channel
	}{
		{ChannelChat},
		{ChannelVoice},
	}

	for _, tt := range tests {
		t.Run(string(tt.channel), func(t *testing.T) {
			r := NewRecorder()
			hc := HandoffContext{CaseID: "case-1", SessionID: "s-1", Summary: "chest pain"}

			h, err := Start(context.Background(), r, tt.channel, "patient-1", "dr-1", hc)
			if err != nil {
				t.Fatalf("Expected hand-off, got %v", err)
			}
			if h.Channel != tt.channel || h.ID == "" {
				t.Errorf("Expected %s handle, got %+v", tt.channel, h)
			}
			started := r.Handoffs()
			if len(started) != 1 || started[0].Context.CaseID != "case-1" {
				t.Errorf("Expected recorded hand-off, got %+v", started)
			}
		})
	}
}

func TestRecorderFailure(t *testing.T) {
	r := NewRecorder()
	boom := errors.New("switchboard down")
	r.Fail(boom)

	if _, err := r.StartChat(context.Background(), "patient-1", "dr-1", HandoffContext{}); !errors.Is(err, boom) {
		t.Errorf("Expected wrapped failure, got %v", err)
	}

	r.Fail(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.StartVoice(ctx, "patient-1", "dr-1", HandoffContext{}); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context error, got %v", err)
	}
	if len(r.Handoffs()) != 0 {
		t.Error("Expected nothing recorded")
	}
}

type publishedEvent struct {
	stream, eventType, eventID string
	data                       any
}

type capturePublisher struct {
	events []publishedEvent
	err    error
}

func (c *capturePublisher) Publish(_ context.Context, stream, eventType, eventID string, data any) error {
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, publishedEvent{stream, eventType, eventID, data})
	return nil
}

func TestEventBridgePublishesHandoff(t *testing.T) {
	pub := &capturePublisher{}
	b := NewEventBridge(pub)
	hc := HandoffContext{CaseID: "case-1", SessionID: "s-1"}

	first, err := Start(context.Background(), b, ChannelVoice, "patient-1", "dr-1", hc)
	if err != nil {
		t.Fatalf("Expected hand-off, got %v", err)
	}
	second, _ := Start(context.Background(), b, ChannelVoice, "patient-1", "dr-1", hc)

	if first.ID != second.ID {
		t.Errorf("Expected stable handle ID per case, got %s and %s", first.ID, second.ID)
	}
	if len(pub.events) != 2 {
		t.Fatalf("Expected 2 published events, got %d", len(pub.events))
	}
	ev := pub.events[0]
	if ev.stream != "handoffs-dr-1" || ev.eventType != "HandoffRequested" || ev.eventID != first.ID {
		t.Errorf("Expected hand-off event on provider stream, got %+v", ev)
	}

	pub.err = errors.New("kurrentdb down")
	if _, err := b.StartChat(context.Background(), "patient-1", "dr-1", hc); !errors.Is(err, pub.err) {
		t.Errorf("Expected publish failure, got %v", err)
	}
}
