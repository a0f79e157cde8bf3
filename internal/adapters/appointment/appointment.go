// Package appointment requests and books provider slots. Slot persistence is
// owned by the scheduling system; Calendar is an in-memory stand-in.
package appointment

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/careline/triage/internal/shared/types"
)

var ErrSlotUnavailable = errors.New("slot unavailable")

// Kind is the appointment format.
type Kind string

const (
	KindInPerson Kind = "in_person"
	KindVideo    Kind = "video"
)

// Slot is a bookable time window.
type Slot struct {
	ID         string    `json:"id"`
	ProviderID string    `json:"provider_id"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Kind       Kind      `json:"kind"`
}

// SlotQuery selects open slots.
type SlotQuery struct {
	ProviderID string
	PatientID  string
	From       time.Time
	To         time.Time
	Kinds      []Kind
	Urgent     bool
	Limit      int
}

// BookingRequest books one slot.
type BookingRequest struct {
	SlotID     string
	PatientID  string
	ProviderID string
	CaseID     string
	Urgent     bool
	Reason     string
}

// Appointment is a confirmed booking.
type Appointment struct {
	ID        string    `json:"id"`
	Slot      Slot      `json:"slot"`
	PatientID string    `json:"patient_id"`
	CaseID    string    `json:"case_id,omitempty"`
	Urgent    bool      `json:"urgent"`
	Reason    string    `json:"reason,omitempty"`
	BookedAt  time.Time `json:"booked_at"`
}

// Provider is the scheduling collaborator.
type Provider interface {
	GetSlots(ctx context.Context, q SlotQuery) ([]Slot, error)
	Book(ctx context.Context, req BookingRequest) (*Appointment, error)
}

// Calendar is an in-memory Provider.
type Calendar struct {
	mu     sync.Mutex
	slots  map[string]Slot
	booked map[string]*Appointment
}

// NewCalendar creates an empty calendar.
func NewCalendar() *Calendar {
	return &Calendar{
		slots:  make(map[string]Slot),
		booked: make(map[string]*Appointment),
	}
}

// AddSlot publishes an open slot. A missing ID is generated.
func (c *Calendar) AddSlot(s Slot) Slot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.ID == "" {
		s.ID = types.NewID().String()
	}
	c.slots[s.ID] = s
	return s
}

// GetSlots returns open slots of the provider in [From, To), earliest
// first. Urgent queries fall back to any provider when the requested one
// has nothing open.
func (c *Calendar) GetSlots(ctx context.Context, q SlotQuery) ([]Slot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	out := c.open(q, q.ProviderID)
	if len(out) == 0 && q.Urgent {
		out = c.open(q, "")
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].ID < out[j].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (c *Calendar) open(q SlotQuery, providerID string) []Slot {
	var out []Slot
	for id, s := range c.slots {
		if _, taken := c.booked[id]; taken {
			continue
		}
		if providerID != "" && s.ProviderID != providerID {
			continue
		}
		if s.Start.Before(q.From) || (!q.To.IsZero() && !s.Start.Before(q.To)) {
			continue
		}
		if len(q.Kinds) > 0 && !slices.Contains(q.Kinds, s.Kind) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Book implements Provider.
func (c *Calendar) Book(ctx context.Context, req BookingRequest) (*Appointment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.slots[req.SlotID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", req.SlotID, ErrSlotUnavailable)
	}
	if _, taken := c.booked[req.SlotID]; taken {
		return nil, fmt.Errorf("%s already booked: %w", req.SlotID, ErrSlotUnavailable)
	}

	a := &Appointment{
		ID:        types.NewID().String(),
		Slot:      s,
		PatientID: req.PatientID,
		CaseID:    req.CaseID,
		Urgent:    req.Urgent,
		Reason:    req.Reason,
		BookedAt:  time.Now(),
	}
	c.booked[req.SlotID] = a
	return a, nil
}
