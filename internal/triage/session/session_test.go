package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/careline/triage/internal/triage/evidence"
	"github.com/careline/triage/internal/triage/redflag"
	"github.com/careline/triage/internal/triage/router"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newSession() *Session {
	return New(context.Background(), "s-1", "p-1", 5, t0)
}

func TestTransitions(t *testing.T) {
	tests := []struct {
		name    string
		path    []State
		wantErr bool
	}{
		{"classify then follow-up", []State{StateClassifying, StateAwaitingFollowUp, StateClassifying, StateTierResolved}, false},
		{"escalate", []State{StateClassifying, StateEscalating}, false},
		{"resolved session continues", []State{StateClassifying, StateTierResolved, StateClassifying}, false},
		{"skip classification", []State{StateTierResolved}, true},
		{"leave escalation", []State{StateClassifying, StateEscalating, StateClassifying}, true},
		{"terminal via transition", []State{StateTerminal}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSession()
			var err error
			for _, to := range tt.path {
				if err = s.Transition(to); err != nil {
					break
				}
			}
			if tt.wantErr != (err != nil) {
				t.Fatalf("Expected error=%v, got %v", tt.wantErr, err)
			}
			if err != nil && !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("Expected ErrInvalidTransition, got %v", err)
			}
		})
	}
}

func TestTerminateCancelsContext(t *testing.T) {
	s := newSession()
	_ = s.Transition(StateClassifying)
	_ = s.Transition(StateEscalating)

	if err := s.Terminate(ReasonEscalated, t0.Add(time.Second)); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if s.Context().Err() == nil {
		t.Error("Expected session context to be cancelled")
	}
	if err := s.Terminate(ReasonResolved, t0); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected second terminate to fail, got %v", err)
	}
	if s.Abandon(t0) {
		t.Error("Expected abandon of terminal session to be a no-op")
	}

	v := s.Snapshot()
	if !v.Escalated || v.TerminalReason != ReasonEscalated || v.State != StateTerminal {
		t.Errorf("Unexpected view %+v", v)
	}
}

func TestFollowUpCounterNeverExceedsCap(t *testing.T) {
	s := newSession()
	asked := 0
	for i := 0; i < 10; i++ {
		if s.AskFollowUp() {
			asked++
		}
	}
	if asked != 5 || s.FollowUps() != 5 {
		t.Errorf("Expected 5 follow-ups, got asked=%d counter=%d", asked, s.FollowUps())
	}
}

func TestSequence(t *testing.T) {
	s := newSession()

	for _, seq := range []int{1, 2, 0, 3} {
		if err := s.CheckSequence(seq); err != nil {
			t.Fatalf("Expected sequence %d to be accepted, got %v", seq, err)
		}
		s.CommitSequence(seq)
	}
	for _, seq := range []int{3, 5, 1} {
		if err := s.CheckSequence(seq); !errors.Is(err, ErrOutOfOrder) {
			t.Errorf("Expected ErrOutOfOrder for %d, got %v", seq, err)
		}
	}
	if err := s.CheckSequence(4); err != nil {
		t.Errorf("Expected rejected sequences to leave the cursor, got %v", err)
	}
	// Checked but never committed: the same number stays next.
	if err := s.CheckSequence(4); err != nil {
		t.Errorf("Expected uncommitted sequence to be accepted again, got %v", err)
	}
}

func TestAppendTurnIsOrdered(t *testing.T) {
	s := newSession()
	s.AppendTurn(RolePatient, "hello", "en", ModeText, t0.Add(time.Second))
	last := s.AppendTurn(RoleAssistant, "hi", "en", ModeText, t0.Add(2*time.Second))

	if last.Index != 2 {
		t.Errorf("Expected index 2, got %d", last.Index)
	}
	if !s.LastActivity().Equal(t0.Add(2 * time.Second)) {
		t.Errorf("Expected last activity to advance, got %v", s.LastActivity())
	}
	if !s.Idle(t0.Add(32*time.Minute), 30*time.Minute) || s.Idle(t0.Add(10*time.Minute), 30*time.Minute) {
		t.Error("Unexpected idle evaluation")
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	s := newSession()
	s.AppendTurn(RolePatient, "nosebleed on warfarin", "en", ModeText, t0)
	s.MergeEvidence([]evidence.Symptom{{Name: "Nosebleed", Severity: 3, Medications: []string{"warfarin"}}})
	s.AddFindings([]redflag.Finding{{RuleID: "a", Severity: redflag.SeverityCritical}, {RuleID: "a"}})
	s.SetTier(router.Tier3)

	v := s.Snapshot()
	v.Turns[0].Text = "changed"
	v.Symptoms[0].Medications[0] = "changed"
	*v.Tier = router.Tier1
	v.Findings[0].RuleID = "changed"

	again := s.Snapshot()
	if again.Turns[0].Text != "nosebleed on warfarin" {
		t.Error("Expected turns to be copied")
	}
	if again.Symptoms[0].Medications[0] != "warfarin" {
		t.Error("Expected symptoms to be copied")
	}
	if *again.Tier != router.Tier3 {
		t.Error("Expected tier to be copied")
	}
	if len(again.Findings) != 1 || again.Findings[0].RuleID != "a" {
		t.Errorf("Expected one deduplicated finding, got %+v", again.Findings)
	}
}

func TestAcknowledge(t *testing.T) {
	s := newSession()
	if err := s.Acknowledge(t0); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected fresh session acknowledgement to fail, got %v", err)
	}

	_ = s.Transition(StateClassifying)
	_ = s.Transition(StateTierResolved)
	if err := s.Acknowledge(t0); err != nil {
		t.Fatalf("Expected acknowledgement, got %v", err)
	}
	if !s.Acknowledged() || !s.Snapshot().Resolved {
		t.Error("Expected resolved and acknowledged")
	}

	abandoned := newSession()
	abandoned.Abandon(t0)
	if err := abandoned.Acknowledge(t0); err == nil {
		t.Error("Expected abandoned session acknowledgement to fail")
	}
}

func TestParseMode(t *testing.T) {
	if ParseMode("voice") != ModeVoice || ParseMode("sms") != ModeText {
		t.Error("Unexpected mode parsing")
	}
}
