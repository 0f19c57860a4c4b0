package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mihaimyh/gobillsync/pkg/billsync"
)

const eventColumns = `id, event_id, event_type, status, COALESCE(error, ''), received_at, processed_at`

func scanEvent(row pgx.Row) (*billsync.EventLogEntry, error) {
	var (
		e           billsync.EventLogEntry
		status      string
		processedAt *time.Time
	)
	if err := row.Scan(&e.ID, &e.EventID, &e.EventType, &status, &e.Error, &e.ReceivedAt, &processedAt); err != nil {
		return nil, err
	}
	e.Status = billsync.EventStatus(status)
	e.ReceivedAt = e.ReceivedAt.UTC()
	if processedAt != nil {
		t := processedAt.UTC()
		e.ProcessedAt = &t
	}
	return &e, nil
}

// RecordEvent implements billsync.EventLog. The unique index on event_id
// arbitrates concurrent deliveries of one event.
func (s *Storage) RecordEvent(ctx context.Context, eventID, eventType string, receivedAt time.Time) (*billsync.EventLogEntry, bool, error) {
	if eventID == "" {
		return nil, false, billsync.ErrInvalidEvent
	}

	entry, err := scanEvent(s.pool.QueryRow(ctx,
		`INSERT INTO provider_event_log (id, event_id, event_type, status, received_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (event_id) DO NOTHING
			RETURNING `+eventColumns,
		uuid.NewString(), eventID, eventType, string(billsync.EventReceived), receivedAt.UTC()))
	if err == nil {
		return entry, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to record event: %w", err)
	}

	existing, err := s.GetEvent(ctx, eventID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// MarkEvent implements billsync.EventLog
func (s *Storage) MarkEvent(ctx context.Context, entryID string, status billsync.EventStatus, detail string, at time.Time) error {
	return markEvent(ctx, s.pool, entryID, status, detail, at)
}

func markEvent(ctx context.Context, q querier, entryID string, status billsync.EventStatus, detail string, at time.Time) error {
	if !billsync.CanTransition(billsync.EventReceived, status) {
		return fmt.Errorf("%w: -> %s", billsync.ErrInvalidTransition, status)
	}
	tag, err := q.Exec(ctx,
		`UPDATE provider_event_log
			SET status = $2, error = NULLIF($3, ''), processed_at = $4
			WHERE id = $1 AND status = $5`,
		entryID, string(status), detail, at.UTC(), string(billsync.EventReceived))
	if err != nil {
		return fmt.Errorf("failed to mark event: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current string
	err = q.QueryRow(ctx, `SELECT status FROM provider_event_log WHERE id = $1`, entryID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return billsync.ErrEventNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to mark event: %w", err)
	}
	return fmt.Errorf("%w: %s -> %s", billsync.ErrInvalidTransition, current, status)
}

// GetEvent implements billsync.EventLog
func (s *Storage) GetEvent(ctx context.Context, eventID string) (*billsync.EventLogEntry, error) {
	entry, err := scanEvent(s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM provider_event_log WHERE event_id = $1`, eventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billsync.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return entry, nil
}
