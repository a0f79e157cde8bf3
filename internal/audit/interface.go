package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/careline/triage/internal/shared/metrics"
)

// Sink is the append-only audit store. Implementations link each entry to
// the previous one through PrevHash before persisting it.
type Sink interface {
	Record(ctx context.Context, entry *Entry) error
}

// Ensure implementations satisfy the interface
var (
	_ Sink = (*PostgresSink)(nil)
	_ Sink = (*KurrentDBSink)(nil)
	_ Sink = (*MemorySink)(nil)
	_ Sink = (*Recorder)(nil)
)

// chain tracks the tail of the hash chain. Callers hold mu across
// link and persist so concurrent appends cannot fork the chain.
type chain struct {
	mu       sync.Mutex
	lastHash string
	sequence int64
}

func (c *chain) link(e *Entry) {
	c.sequence++
	e.Sequence = c.sequence
	e.PrevHash = c.lastHash
	e.Hash = e.calculateHash()
}

func (c *chain) commit(e *Entry) {
	c.lastHash = e.Hash
}

func (c *chain) rollback() {
	c.sequence--
}

// VerifyChain checks hashes and links of entries ordered by sequence.
func VerifyChain(entries []*Entry) error {
	for i, e := range entries {
		if !e.VerifyHash() {
			return fmt.Errorf("entry %d (%s): hash mismatch", e.Sequence, e.ID)
		}
		if i > 0 && e.PrevHash != entries[i-1].Hash {
			return fmt.Errorf("entry %d (%s): broken link", e.Sequence, e.ID)
		}
	}
	return nil
}

// Recorder wraps a sink with logging and metrics. Audit failures are logged
// at error level but never block the caller's workflow.
type Recorder struct {
	sink   Sink
	logger *slog.Logger
}

// NewRecorder creates a recorder over the sink.
func NewRecorder(sink Sink, logger *slog.Logger) *Recorder {
	return &Recorder{sink: sink, logger: logger}
}

// Record appends the entry and returns the sink's error for callers that
// care. Most call sites ignore it.
func (r *Recorder) Record(ctx context.Context, entry *Entry) error {
	if err := r.sink.Record(ctx, entry); err != nil {
		r.logger.ErrorContext(ctx, "audit append failed",
			"action", entry.Action,
			"session_id", entry.SessionID,
			"case_id", entry.CaseID,
			"error", err,
		)
		return err
	}
	metrics.RecordAuditEntry(entry.Action)
	return nil
}
