package audit

import (
	"context"
	"slices"
)

// MemorySink keeps the chain in process. Used in development and tests.
type MemorySink struct {
	chain
	entries []*Entry
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) Record(ctx context.Context, entry *Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.link(entry)
	cp := *entry
	m.entries = append(m.entries, &cp)
	m.commit(entry)
	return nil
}

// Entries returns a copy of every recorded entry in sequence order.
func (m *MemorySink) Entries() []*Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Entry, len(m.entries))
	for i, e := range m.entries {
		cp := *e
		out[i] = &cp
	}
	return out
}

// ByAction returns entries with the given action.
func (m *MemorySink) ByAction(action string) []*Entry {
	return slices.DeleteFunc(m.Entries(), func(e *Entry) bool { return e.Action != action })
}

// ByCase returns entries for the given escalation case.
func (m *MemorySink) ByCase(caseID string) []*Entry {
	return slices.DeleteFunc(m.Entries(), func(e *Entry) bool { return e.CaseID != caseID })
}

// ListBySession implements Reader.
func (m *MemorySink) ListBySession(ctx context.Context, sessionID string) ([]*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return slices.DeleteFunc(m.Entries(), func(e *Entry) bool { return e.SessionID != sessionID }), nil
}

// ListAll implements Reader.
func (m *MemorySink) ListAll(ctx context.Context, limit int) ([]*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries := m.Entries()
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}
