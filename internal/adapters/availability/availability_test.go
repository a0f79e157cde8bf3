package availability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/careline/triage/internal/shared/config"
)

func TestHTTPClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/providers/dr-1/availability":
			w.Write([]byte(`{"status":"available"}`))
		case "/providers/dr-2/availability":
			w.Write([]byte(`{"status":"busy","next_available_at":"2026-03-01T10:00:00Z"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(config.AvailabilityConfig{URL: srv.URL})
	ctx := context.Background()

	a, err := c.CheckAvailability(ctx, "dr-1")
	if err != nil || !a.Available || a.Status != StatusAvailable {
		t.Errorf("Expected dr-1 available, got %+v %v", a, err)
	}

	a, err = c.CheckAvailability(ctx, "dr-2")
	if err != nil || a.Available || a.NextAvailableAt == nil {
		t.Errorf("Expected dr-2 busy with next slot, got %+v %v", a, err)
	}

	if _, err := c.CheckAvailability(ctx, "dr-x"); !errors.Is(err, ErrProviderNotFound) {
		t.Errorf("Expected ErrProviderNotFound, got %v", err)
	}
}

func TestRoster(t *testing.T) {
	r := NewRoster()
	r.Set("dr-1", StatusOnLeave, nil)

	a, err := r.CheckAvailability(context.Background(), "dr-1")
	if err != nil || a.Available || a.Status != StatusOnLeave {
		t.Errorf("Expected on leave, got %+v %v", a, err)
	}
	if _, err := r.CheckAvailability(context.Background(), "dr-2"); !errors.Is(err, ErrProviderNotFound) {
		t.Errorf("Expected ErrProviderNotFound, got %v", err)
	}
}
