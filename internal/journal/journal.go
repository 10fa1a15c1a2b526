package journal

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event types written by the broker.
const (
	TypeOrder  = "order"
	TypeTrade  = "trade"
	TypeReject = "reject"
	TypeError  = "error"
)

// Event represents a journaled event.
type Event struct {
	ID          uuid.UUID
	Time        time.Time
	Type        string // e.g., "order", "trade", "error", etc.
	Description string
	Data        map[string]any
}

// NewEvent stamps a fresh event with an id and the current time.
func NewEvent(eventType, description string, data map[string]any) Event {
	return Event{
		ID:          uuid.New(),
		Time:        time.Now().UTC(),
		Type:        eventType,
		Description: description,
		Data:        data,
	}
}

// Journaler interface for journaling events.
type Journaler interface {
	LogEvent(ctx context.Context, event Event) error
	GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]Event, error)
}
