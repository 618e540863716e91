// Package ledger persists deliveries and session transitions to Postgres.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"reportd/pkg/db"
	"reportd/services/summarizer/internal/model"
)

// Ledger writes with pgx and reads with scany.
type Ledger struct {
	db *db.DB
}

func New(conn *db.DB) (*Ledger, error) {
	if conn == nil {
		return nil, errors.New("database is required")
	}
	return &Ledger{db: conn}, nil
}

func (l *Ledger) RecordDelivery(ctx context.Context, d model.Delivery) error {
	files, err := jsonArray(d.Files)
	if err != nil {
		return err
	}
	degraded, err := jsonArray(d.Degraded)
	if err != nil {
		return err
	}
	meta := []byte("{}")
	if len(d.Metadata) > 0 {
		if meta, err = json.Marshal(d.Metadata); err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
	}
	var expiresAt *time.Time
	if !d.ExpiresAt.IsZero() {
		expiresAt = &d.ExpiresAt
	}

	_, err = l.db.Exec(ctx, `
		INSERT INTO deliveries
			(id, session_id, delivery_id, email, link, uploaded, emailed, notified, files,
			 duplicates_dropped, degraded, metadata, delivered_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10, $11::jsonb, $12::jsonb, $13, $14)`,
		uuid.New(), d.SessionID, d.DeliveryID, d.Email, d.Link, d.Uploaded, d.Emailed, d.Notified, string(files),
		d.DuplicatesDropped, string(degraded), string(meta), d.DeliveredAt, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}
	return nil
}

func (l *Ledger) RecordEvent(ctx context.Context, e model.Event) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	_, err := l.db.Exec(ctx, `
		INSERT INTO session_events (id, session_id, from_status, to_status, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New(), e.SessionID, string(e.From), string(e.To), e.Detail, e.At,
	)
	if err != nil {
		return fmt.Errorf("insert session event: %w", err)
	}
	return nil
}

// History returns the transitions of a session, oldest first.
func (l *Ledger) History(ctx context.Context, sessionID string) ([]model.Event, error) {
	var events []model.Event
	err := l.db.Select(ctx, &events, `
		SELECT id::text AS id, session_id, from_status, to_status, COALESCE(detail, '') AS detail, created_at
		FROM session_events
		WHERE session_id = $1
		ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("select session events: %w", err)
	}
	return events, nil
}

// Ping reports whether the database is reachable.
func (l *Ledger) Ping(ctx context.Context) error {
	return l.db.Ping(ctx)
}

func jsonArray(items []string) ([]byte, error) {
	if items == nil {
		items = []string{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("marshal array: %w", err)
	}
	return data, nil
}
