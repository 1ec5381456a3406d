package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Store is the persistence abstraction for the audit log.
type Store interface {
	// AppendEvent computes the hash/prevHash for the event and persists it.
	AppendEvent(ctx context.Context, ev *Event) error

	// GetEvent retrieves an event by id.
	GetEvent(ctx context.Context, id string) (*Event, error)

	// Ping validates the store is reachable.
	Ping(ctx context.Context) error
}

// PGStore persists audit events into Postgres.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (p *PGStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// lastHash returns the latest hash from audit_events or empty string if none.
func (p *PGStore) lastHash(ctx context.Context) (string, error) {
	var h sql.NullString
	const q = `SELECT hash FROM audit_events ORDER BY ts DESC LIMIT 1`
	if err := p.db.QueryRowContext(ctx, q).Scan(&h); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	if !h.Valid {
		return "", nil
	}
	return h.String, nil
}

// AppendEvent marshals the payload, chains the hash onto the current head,
// and inserts the event.
func (p *PGStore) AppendEvent(ctx context.Context, ev *Event) error {
	payloadJSON, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	prev, err := p.lastHash(ctx)
	if err != nil {
		return fmt.Errorf("fetch last hash: %w", err)
	}
	hash, err := ChainHash(payloadJSON, prev)
	if err != nil {
		return fmt.Errorf("chain hash: %w", err)
	}

	if ev.ID == "" {
		ev.ID = NewUUID()
	}
	ev.PrevHash = prev
	ev.Hash = hash
	if ev.Ts.IsZero() {
		ev.Ts = time.Now().UTC()
	}

	const q = `
		INSERT INTO audit_events (id, event_type, payload, prev_hash, hash, ts)
		VALUES ($1,$2,$3,$4,$5,$6)
	`
	if _, err := p.db.ExecContext(ctx, q, ev.ID, ev.EventType, payloadJSON, ev.PrevHash, ev.Hash, ev.Ts); err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (p *PGStore) GetEvent(ctx context.Context, id string) (*Event, error) {
	const q = `SELECT id, event_type, payload, prev_hash, hash, ts FROM audit_events WHERE id=$1`
	row := p.db.QueryRowContext(ctx, q, id)

	var (
		ev           Event
		payloadBytes []byte
	)
	if err := row.Scan(&ev.ID, &ev.EventType, &payloadBytes, &ev.PrevHash, &ev.Hash, &ev.Ts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query audit event: %w", err)
	}
	if len(payloadBytes) > 0 {
		var payload interface{}
		if err := json.Unmarshal(payloadBytes, &payload); err != nil {
			// Keep raw bytes as string rather than losing data.
			payload = string(payloadBytes)
		}
		ev.Payload = payload
	}
	return &ev, nil
}
