// Package communication starts patient to provider chat or voice sessions.
// The engine only initiates a hand-off; the transport is owned elsewhere.
package communication

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/careline/triage/internal/shared/types"
)

// Channel is the hand-off medium.
type Channel string

const (
	ChannelChat  Channel = "chat"
	ChannelVoice Channel = "voice"
)

// HandoffContext is what the provider sees when joining.
type HandoffContext struct {
	CaseID    string   `json:"case_id"`
	SessionID string   `json:"session_id"`
	Language  string   `json:"language,omitempty"`
	Summary   string   `json:"summary"`
	RedFlags  []string `json:"red_flags,omitempty"`
}

// Handle identifies a started hand-off.
type Handle struct {
	ID         string    `json:"id"`
	Channel    Channel   `json:"channel"`
	PatientID  string    `json:"patient_id"`
	ProviderID string    `json:"provider_id"`
	StartedAt  time.Time `json:"started_at"`
}

// Provider starts hand-offs.
type Provider interface {
	StartChat(ctx context.Context, patientID, providerID string, hc HandoffContext) (Handle, error)
	StartVoice(ctx context.Context, patientID, providerID string, hc HandoffContext) (Handle, error)
}

// Start dispatches on the channel.
func Start(ctx context.Context, p Provider, ch Channel, patientID, providerID string, hc HandoffContext) (Handle, error) {
	if ch == ChannelVoice {
		return p.StartVoice(ctx, patientID, providerID, hc)
	}
	return p.StartChat(ctx, patientID, providerID, hc)
}

// Recorder is an in-memory Provider that records every hand-off. It backs
// development mode and tests.
type Recorder struct {
	mu       sync.Mutex
	handoffs []Started
	failWith error
}

// Started is one recorded hand-off.
type Started struct {
	Handle  Handle
	Context HandoffContext
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Fail makes every following hand-off return err; nil clears it.
func (r *Recorder) Fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failWith = err
}

// StartChat implements Provider.
func (r *Recorder) StartChat(ctx context.Context, patientID, providerID string, hc HandoffContext) (Handle, error) {
	return r.start(ctx, ChannelChat, patientID, providerID, hc)
}

// StartVoice implements Provider.
func (r *Recorder) StartVoice(ctx context.Context, patientID, providerID string, hc HandoffContext) (Handle, error) {
	return r.start(ctx, ChannelVoice, patientID, providerID, hc)
}

func (r *Recorder) start(ctx context.Context, ch Channel, patientID, providerID string, hc HandoffContext) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failWith != nil {
		return Handle{}, fmt.Errorf("failed to start %s: %w", ch, r.failWith)
	}
	h := Handle{
		ID:         types.NewID().String(),
		Channel:    ch,
		PatientID:  patientID,
		ProviderID: providerID,
		StartedAt:  time.Now(),
	}
	r.handoffs = append(r.handoffs, Started{Handle: h, Context: hc})
	return h, nil
}

// Handoffs returns the recorded hand-offs.
func (r *Recorder) Handoffs() []Started {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Started(nil), r.handoffs...)
}
