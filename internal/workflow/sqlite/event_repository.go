package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/zjrosen/overseer/internal/log"
	"github.com/zjrosen/overseer/internal/workflow"
)

// eventColumns is the list of columns to select for event queries.
const eventColumns = `id, workflow_id, sequence, timestamp, agent, event_type,
	level, message, data, is_error, correlation_id`

// SaveEvent appends a persisted event to the workflow log. Events whose
// type is broadcast-only are dropped without error so callers can route
// every event through the same path.
func (s *Store) SaveEvent(ctx context.Context, e *workflow.Event) error {
	if !e.Type.IsPersisted() {
		log.Debug(log.CatDB, "dropping stream-only event", "type", e.Type, "workflow", e.WorkflowID)
		return nil
	}

	m := toEventModel(e)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_log (
			id, workflow_id, sequence, timestamp, agent, event_type,
			level, message, data, is_error, correlation_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.WorkflowID, m.Sequence, m.Timestamp, m.Agent, m.EventType,
		m.Level, m.Message, m.Data, m.IsError, m.CorrelationID,
	)
	if isUniqueViolation(err, "workflow_log.workflow_id") {
		return fmt.Errorf("duplicate event sequence %d for workflow %s: %w",
			e.Sequence, e.WorkflowID, err)
	}
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// MaxEventSequence returns the highest sequence recorded for a workflow,
// or 0 when the workflow has no events.
func (s *Store) MaxEventSequence(ctx context.Context, id workflow.ID) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM workflow_log WHERE workflow_id = ?`,
		string(id)).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to query max sequence: %w", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// EventSequence returns the sequence of the workflow's event with the
// given id, or ErrNotFound. Backfill uses it to turn a client's event-id
// cursor into a sequence position.
func (s *Store) EventSequence(ctx context.Context, id workflow.ID, eventID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT sequence FROM workflow_log WHERE id = ? AND workflow_id = ?`,
		eventID, string(id)).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("%w: event %s", workflow.ErrNotFound, eventID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to look up event sequence: %w", err)
	}
	return seq, nil
}

// EventExists reports whether the workflow already has an event of the
// given type.
func (s *Store) EventExists(ctx context.Context, id workflow.ID, eventType workflow.EventType) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workflow_log WHERE workflow_id = ? AND event_type = ?`,
		string(id), string(eventType)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check event existence: %w", err)
	}
	return n > 0, nil
}

// EventsAfter returns up to limit events with sequence greater than after,
// ascending. Used for reconnect backfill; a limit <= 0 means no cap.
func (s *Store) EventsAfter(ctx context.Context, id workflow.ID, after int64, limit int) ([]*workflow.Event, error) {
	if limit <= 0 {
		limit = -1 // sqlite: LIMIT -1 is unlimited
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM workflow_log
		 WHERE workflow_id = ? AND sequence > ?
		 ORDER BY sequence ASC LIMIT ?`,
		string(id), after, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// RecentEvents returns the most recent limit events for a workflow in
// ascending sequence order.
func (s *Store) RecentEvents(ctx context.Context, id workflow.ID, limit int) ([]*workflow.Event, error) {
	if limit <= 0 {
		return nil, nil
	}
	// Take the newest rows, then flip back to ascending for display.
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM (
			SELECT `+eventColumns+` FROM workflow_log
			WHERE workflow_id = ?
			ORDER BY sequence DESC LIMIT ?
		) ORDER BY sequence ASC`,
		string(id), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*workflow.Event, error) {
	var events []*workflow.Event
	for rows.Next() {
		var m EventModel
		err := rows.Scan(
			&m.ID, &m.WorkflowID, &m.Sequence, &m.Timestamp, &m.Agent, &m.EventType,
			&m.Level, &m.Message, &m.Data, &m.IsError, &m.CorrelationID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, m.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return events, nil
}
