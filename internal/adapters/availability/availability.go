// Package availability reports whether a care provider can take an
// immediate hand-off.
package availability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/careline/triage/internal/shared/config"
	"github.com/careline/triage/internal/shared/metrics"
)

var ErrProviderNotFound = errors.New("provider not found")

// Status is the provider's roster status.
type Status string

const (
	StatusAvailable Status = "available"
	StatusBusy      Status = "busy"
	StatusOffline   Status = "offline"
	StatusOnLeave   Status = "on_leave"
	// StatusUnknown is recorded when the lookup failed or timed out.
	StatusUnknown Status = "unknown"
)

// Availability is one roster lookup.
type Availability struct {
	ProviderID      string     `json:"provider_id"`
	Available       bool       `json:"available"`
	Status          Status     `json:"status"`
	NextAvailableAt *time.Time `json:"next_available_at,omitempty"`
	CheckedAt       time.Time  `json:"checked_at"`
}

// Unavailable is the snapshot recorded when a lookup fails.
func Unavailable(providerID string, at time.Time) Availability {
	return Availability{ProviderID: providerID, Status: StatusUnknown, CheckedAt: at}
}

// Provider checks provider availability.
type Provider interface {
	CheckAvailability(ctx context.Context, providerID string) (Availability, error)
}

// HTTPClient queries the roster service.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPClient creates a roster client.
func NewHTTPClient(cfg config.AvailabilityConfig) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

type availabilityResponse struct {
	Status          string     `json:"status"`
	NextAvailableAt *time.Time `json:"next_available_at,omitempty"`
}

// CheckAvailability implements Provider.
func (c *HTTPClient) CheckAvailability(ctx context.Context, providerID string) (a Availability, err error) {
	start := time.Now()
	defer func() { metrics.RecordCollaboratorCall("availability", err, time.Since(start)) }()

	u := fmt.Sprintf("%s/providers/%s/availability", c.baseURL, url.PathEscape(providerID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Availability{}, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Availability{}, fmt.Errorf("failed to check availability: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Availability{}, fmt.Errorf("%s: %w", providerID, ErrProviderNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return Availability{}, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var body availabilityResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Availability{}, fmt.Errorf("failed to decode response: %w", err)
	}

	status := Status(body.Status)
	return Availability{
		ProviderID:      providerID,
		Available:       status == StatusAvailable,
		Status:          status,
		NextAvailableAt: body.NextAvailableAt,
		CheckedAt:       time.Now(),
	}, nil
}

// Roster is an in-memory Provider used in development mode.
type Roster struct {
	mu      sync.RWMutex
	entries map[string]Availability
}

// NewRoster creates an empty roster.
func NewRoster() *Roster {
	return &Roster{entries: make(map[string]Availability)}
}

// Set stores the provider's status.
func (r *Roster) Set(providerID string, status Status, next *time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[providerID] = Availability{
		ProviderID:      providerID,
		Available:       status == StatusAvailable,
		Status:          status,
		NextAvailableAt: next,
	}
}

// CheckAvailability implements Provider.
func (r *Roster) CheckAvailability(ctx context.Context, providerID string) (Availability, error) {
	if err := ctx.Err(); err != nil {
		return Availability{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.entries[providerID]
	if !ok {
		return Availability{}, fmt.Errorf("%s: %w", providerID, ErrProviderNotFound)
	}
	a.CheckedAt = time.Now()
	return a, nil
}
