// Package audit keeps an append-only trail of changes to schedules and
// recurring finances.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/wolfman30/odonto-platform/internal/tenancy"
)

// EventType names an audited action.
type EventType string

const (
	EventTemplateReplaced   EventType = "availability.template_replaced"
	EventRecurrenceCreated  EventType = "recurrence.created"
	EventRecurrenceUpdated  EventType = "recurrence.updated"
	EventRecurrencePaused   EventType = "recurrence.paused"
	EventRecurrenceResumed  EventType = "recurrence.resumed"
	EventRecurrenceDeleted  EventType = "recurrence.deleted"
	EventRecurrenceExpanded EventType = "recurrence.expanded"
)

// Event is an immutable audit record.
type Event struct {
	ID           string          `json:"id"`
	ClinicID     string          `json:"clinic_id"`
	EventType    EventType       `json:"event_type"`
	ActorID      string          `json:"actor_id,omitempty"`
	Impersonated bool            `json:"impersonated"`
	EntityID     string          `json:"entity_id,omitempty"`
	Details      json.RawMessage `json:"details,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Recorder is what domain handlers depend on.
type Recorder interface {
	Record(ctx context.Context, eventType EventType, entityID string, details any) error
}

// Service writes and reads audit events through database/sql.
type Service struct {
	db *sql.DB
}

// NewService creates a new audit service.
func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// LogEvent inserts a fully formed event.
func (s *Service) LogEvent(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO audit_events (
			id, clinic_id, event_type, actor_id, impersonated, entity_id, details, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.ClinicID,
		string(event.EventType),
		nullString(event.ActorID),
		event.Impersonated,
		nullString(event.EntityID),
		nullJSON(event.Details),
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: failed to log event: %w", err)
	}
	return nil
}

// Record builds an event from the clinic and actor carried in ctx.
func (s *Service) Record(ctx context.Context, eventType EventType, entityID string, details any) error {
	clinicID, ok := tenancy.ClinicIDFromContext(ctx)
	if !ok {
		return fmt.Errorf("audit: clinic id missing from context")
	}
	actor := tenancy.ActorFromContext(ctx)

	var raw json.RawMessage
	if details != nil {
		payload, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("audit: marshal details: %w", err)
		}
		raw = payload
	}

	return s.LogEvent(ctx, Event{
		ClinicID:     clinicID,
		EventType:    eventType,
		ActorID:      actor.UserID,
		Impersonated: actor.Impersonating(),
		EntityID:     entityID,
		Details:      raw,
	})
}

// Filter specifies criteria for querying audit events.
type Filter struct {
	ClinicID  string
	Types     []EventType
	EntityID  string
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

// QueryEvents retrieves audit events, newest first.
func (s *Service) QueryEvents(ctx context.Context, filter Filter) ([]Event, error) {
	query := `
		SELECT id, clinic_id, event_type, actor_id, impersonated, entity_id, details, created_at
		FROM audit_events
		WHERE clinic_id = $1
	`
	args := []any{filter.ClinicID}
	argIdx := 2

	if len(filter.Types) > 0 {
		types := make([]string, 0, len(filter.Types))
		for _, t := range filter.Types {
			types = append(types, string(t))
		}
		query += fmt.Sprintf(" AND event_type = ANY($%d)", argIdx)
		args = append(args, pq.Array(types))
		argIdx++
	}
	if filter.EntityID != "" {
		query += fmt.Sprintf(" AND entity_id = $%d", argIdx)
		args = append(args, filter.EntityID)
		argIdx++
	}
	if !filter.StartTime.IsZero() {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, filter.StartTime)
		argIdx++
	}
	if !filter.EndTime.IsZero() {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, filter.EndTime)
	}

	query += " ORDER BY created_at DESC"

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT %d", limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e                 Event
			eventType         string
			actorID, entityID sql.NullString
			details           []byte
		)
		if err := rows.Scan(&e.ID, &e.ClinicID, &eventType, &actorID, &e.Impersonated, &entityID, &details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: failed to scan event: %w", err)
		}
		e.EventType = EventType(eventType)
		e.ActorID = actorID.String
		e.EntityID = entityID.String
		if len(details) > 0 {
			e.Details = json.RawMessage(details)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: failed to read events: %w", err)
	}
	return events, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
