package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSink appends audit entries to the audit.entries table.
type PostgresSink struct {
	chain
	pool *pgxpool.Pool
}

// NewPostgresSink creates a new Postgres audit sink
func NewPostgresSink(pool *pgxpool.Pool) *PostgresSink {
	return &PostgresSink{pool: pool}
}

// Initialize loads the chain tail from the database
func (r *PostgresSink) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		hash string
		seq  int64
	)
	err := r.pool.QueryRow(ctx, `
		SELECT hash, sequence FROM audit.entries
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&hash, &seq)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("load audit chain tail: %w", err)
	}

	r.lastHash = hash
	r.sequence = seq
	return nil
}

// Record appends a new audit entry (thread-safe)
func (r *PostgresSink) Record(ctx context.Context, entry *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.link(entry)

	details, err := json.Marshal(entry.Details)
	if err != nil {
		r.rollback()
		return fmt.Errorf("marshal audit details: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO audit.entries (
			id, sequence, timestamp, hash, prev_hash,
			actor_type, actor_id, action,
			session_id, case_id, patient_id, details
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		entry.ID, entry.Sequence, entry.Timestamp, entry.Hash, entry.PrevHash,
		entry.ActorType, entry.ActorID, entry.Action,
		entry.SessionID, entry.CaseID, entry.PatientID, details,
	)
	if err != nil {
		r.rollback()
		return fmt.Errorf("append audit entry: %w", err)
	}

	r.commit(entry)
	return nil
}

// ListBySession returns a session's entries in sequence order.
func (r *PostgresSink) ListBySession(ctx context.Context, sessionID string) ([]*Entry, error) {
	return r.query(ctx, `
		SELECT `+entryColumns+`
		FROM audit.entries
		WHERE session_id = $1
		ORDER BY sequence`, sessionID)
}

// ListAll returns the first limit entries of the chain.
func (r *PostgresSink) ListAll(ctx context.Context, limit int) ([]*Entry, error) {
	return r.query(ctx, `
		SELECT `+entryColumns+`
		FROM audit.entries
		ORDER BY sequence
		LIMIT $1`, limit)
}

const entryColumns = `id, sequence, timestamp, hash, prev_hash,
			actor_type, actor_id, action,
			session_id, case_id, patient_id, details`

func (r *PostgresSink) query(ctx context.Context, sql string, args ...any) ([]*Entry, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var (
			e       Entry
			details []byte
		)
		if err := rows.Scan(
			&e.ID, &e.Sequence, &e.Timestamp, &e.Hash, &e.PrevHash,
			&e.ActorType, &e.ActorID, &e.Action,
			&e.SessionID, &e.CaseID, &e.PatientID, &details,
		); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				e.Details = nil
			}
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
