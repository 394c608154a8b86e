package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/redresshq/redress/model"
)

func (d Datasource) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return d.Conn.BeginTx(ctx, nil)
}

// RecordOutboxEvent inserts a PENDING outbox row in its own transaction.
// Business actions that must commit the fact and its publication intent
// together use RecordOutboxEventTx instead.
func (d Datasource) RecordOutboxEvent(ctx context.Context, event *model.OutboxEvent) (*model.OutboxEvent, error) {
	prepareOutboxEvent(event)
	_, err := d.Conn.ExecContext(ctx,
		`INSERT INTO outbox_events (event_id, event_type, payload, status, process_after, created_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		event.EventID, event.EventType, []byte(event.Payload), event.Status, event.ProcessAfter, event.CreatedAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to record outbox event")
	}
	return event, nil
}

// RecordOutboxEventTx inserts a PENDING outbox row inside an open
// transaction, so the row commits or rolls back with the fact it records.
func (d Datasource) RecordOutboxEventTx(ctx context.Context, tx *sql.Tx, event *model.OutboxEvent) (*model.OutboxEvent, error) {
	prepareOutboxEvent(event)
	_, err := tx.ExecContext(ctx,
		`INSERT INTO outbox_events (event_id, event_type, payload, status, process_after, created_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		event.EventID, event.EventType, []byte(event.Payload), event.Status, event.ProcessAfter, event.CreatedAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to record outbox event")
	}
	return event, nil
}

func prepareOutboxEvent(event *model.OutboxEvent) {
	if event.EventID == "" {
		event.EventID = GenerateUUIDWithSuffix("evt")
	}
	if event.Status == "" {
		event.Status = model.StatusPending
	}
	now := time.Now()
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now
	}
	if event.ProcessAfter.IsZero() {
		event.ProcessAfter = now
	}
}

// PollOutboxEvents reads up to limit PENDING rows. Rows are ordered by
// process_after then insertion order to reduce staleness; no ordering is
// guaranteed to consumers.
func (d Datasource) PollOutboxEvents(ctx context.Context, limit int) ([]*model.OutboxEvent, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT event_id, event_type, payload, status, process_after, created_at
		FROM outbox_events
		WHERE status = 'PENDING'
		ORDER BY process_after ASC, id ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to poll outbox events")
	}
	defer rows.Close()

	var events []*model.OutboxEvent
	for rows.Next() {
		event := &model.OutboxEvent{}
		var payload []byte
		err = rows.Scan(&event.EventID, &event.EventType, &payload, &event.Status, &event.ProcessAfter, &event.CreatedAt)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan outbox event")
		}
		event.Payload = payload
		events = append(events, event)
	}
	return events, rows.Err()
}

func (d Datasource) GetOutboxEvent(ctx context.Context, eventID string) (*model.OutboxEvent, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT event_id, event_type, payload, status, process_after, created_at
		FROM outbox_events
		WHERE event_id = $1
	`, eventID)

	event := &model.OutboxEvent{}
	var payload []byte
	err := row.Scan(&event.EventID, &event.EventType, &payload, &event.Status, &event.ProcessAfter, &event.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to retrieve outbox event")
	}
	event.Payload = payload
	return event, nil
}

// MarkOutboxEventProcessed transitions a row PENDING -> PROCESSED. The
// update is conditional on the row still being PENDING, so two actors racing
// on the same row claim it at most once; the return value reports whether
// this caller won the claim.
func (d Datasource) MarkOutboxEventProcessed(ctx context.Context, eventID string) (bool, error) {
	res, err := d.Conn.ExecContext(ctx,
		`UPDATE outbox_events SET status = 'PROCESSED' WHERE event_id = $1 AND status = 'PENDING'`,
		eventID,
	)
	if err != nil {
		return false, errors.Wrap(err, "failed to mark outbox event processed")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read rows affected")
	}
	return affected == 1, nil
}

func (d Datasource) MarkOutboxEventProcessedTx(ctx context.Context, tx *sql.Tx, eventID string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE outbox_events SET status = 'PROCESSED' WHERE event_id = $1 AND status = 'PENDING'`,
		eventID,
	)
	if err != nil {
		return false, errors.Wrap(err, "failed to mark outbox event processed")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read rows affected")
	}
	return affected == 1, nil
}

// MarkOutboxEventPending redrives a row whose in-process retries were
// exhausted. The row becomes eligible for the next poll cycle.
func (d Datasource) MarkOutboxEventPending(ctx context.Context, eventID string) error {
	_, err := d.Conn.ExecContext(ctx,
		`UPDATE outbox_events SET status = 'PENDING' WHERE event_id = $1`,
		eventID,
	)
	return errors.Wrap(err, "failed to redrive outbox event")
}

// MarkDueEventsProcessed cancels a complaint's outstanding due rows of the
// given types. A human-triggered resolution calls this inside its own
// transaction so the scheduler never fires a stale promotion.
func (d Datasource) MarkDueEventsProcessed(ctx context.Context, tx *sql.Tx, complaintID string, types []model.EventType) error {
	typeNames := make([]string, len(types))
	for i, t := range types {
		typeNames[i] = string(t)
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE outbox_events SET status = 'PROCESSED'
		WHERE status = 'PENDING'
		AND event_type = ANY($1)
		AND payload->>'complaintId' = $2
	`, pq.Array(typeNames), complaintID)
	return errors.Wrap(err, "failed to cancel due events")
}

// InsertProcessedEvent creates the dedup ledger entry for idempotencyKey.
// The unique constraint is the race-safe guard; a violation is surfaced as
// ErrDuplicateEvent so the dispatcher can skip the publish.
func (d Datasource) InsertProcessedEvent(ctx context.Context, tx *sql.Tx, idempotencyKey string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO processed_events (idempotency_key, processed_at) VALUES ($1, NOW())`,
		idempotencyKey,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEvent
		}
		return errors.Wrap(err, "failed to insert processed event")
	}
	return nil
}

func (d Datasource) HasProcessedEvent(ctx context.Context, idempotencyKey string) (bool, error) {
	var exists bool
	err := d.Conn.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM processed_events WHERE idempotency_key = $1)
	`, idempotencyKey).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "failed to check processed event")
	}
	return exists, nil
}
