package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/EventStore/EventStore-Client-Go/v4/esdb"
	"github.com/google/uuid"

	"github.com/careline/triage/internal/kurrentdb"
)

const (
	// StreamName is the stream holding every triage audit entry
	StreamName = "triage-audit"
	// EventType is the event type for audit entries
	EventType = "AuditEntry"
)

// KurrentDBSink appends audit entries to a KurrentDB stream. The stream is
// append-only; events cannot be modified or deleted.
type KurrentDBSink struct {
	chain
	client *kurrentdb.Client
}

// NewKurrentDBSink creates a new KurrentDB-based audit sink
func NewKurrentDBSink(client *kurrentdb.Client) *KurrentDBSink {
	return &KurrentDBSink{client: client}
}

// Initialize loads the chain tail from the stream
func (r *KurrentDBSink) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	event, err := r.client.LastEvent(ctx, StreamName)
	if err != nil {
		return fmt.Errorf("read audit stream: %w", err)
	}
	if event == nil || event.EventType != EventType {
		return nil
	}

	var entry Entry
	if err := json.Unmarshal(event.Data, &entry); err != nil {
		return fmt.Errorf("decode last audit entry: %w", err)
	}
	r.lastHash = entry.Hash
	r.sequence = entry.Sequence
	return nil
}

// Record appends a new audit entry (thread-safe)
func (r *KurrentDBSink) Record(ctx context.Context, entry *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.link(entry)

	data, err := json.Marshal(entry)
	if err != nil {
		r.rollback()
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	eventData := esdb.EventData{
		EventID:     uuid.MustParse(entry.ID.String()),
		EventType:   EventType,
		ContentType: esdb.ContentTypeJson,
		Data:        data,
		Metadata:    fmt.Appendf(nil, `{"sequence":%d,"hash":%q}`, entry.Sequence, entry.Hash),
	}

	// The stream revision must match our sequence, so a second writer
	// appending concurrently fails instead of forking the chain.
	var expected esdb.ExpectedRevision = esdb.NoStream{}
	if entry.Sequence > 1 {
		expected = esdb.Revision(uint64(entry.Sequence - 2))
	}

	_, err = r.client.DB().AppendToStream(ctx, StreamName, esdb.AppendToStreamOptions{
		ExpectedRevision: expected,
	}, eventData)
	if err != nil {
		r.rollback()
		return fmt.Errorf("append audit entry: %w", err)
	}

	r.commit(entry)
	return nil
}

// Entries reads the whole chain in sequence order.
func (r *KurrentDBSink) Entries(ctx context.Context, max uint64) ([]*Entry, error) {
	events, err := r.client.ReadAll(ctx, StreamName, max)
	if err != nil {
		return nil, fmt.Errorf("read audit stream: %w", err)
	}

	entries := make([]*Entry, 0, len(events))
	for _, ev := range events {
		if ev.EventType != EventType {
			continue
		}
		var e Entry
		if err := json.Unmarshal(ev.Data, &e); err != nil {
			return nil, fmt.Errorf("decode audit entry %d: %w", ev.EventNumber, err)
		}
		entries = append(entries, &e)
	}
	return entries, nil
}

// ListBySession implements Reader by scanning the stream.
func (r *KurrentDBSink) ListBySession(ctx context.Context, sessionID string) ([]*Entry, error) {
	entries, err := r.Entries(ctx, ^uint64(0))
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(entries, func(e *Entry) bool { return e.SessionID != sessionID }), nil
}

// ListAll implements Reader.
func (r *KurrentDBSink) ListAll(ctx context.Context, limit int) ([]*Entry, error) {
	return r.Entries(ctx, uint64(limit))
}
