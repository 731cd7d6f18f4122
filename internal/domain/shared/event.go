package shared

import (
	"time"

	"github.com/google/uuid"
)

// DomainEvent represents an event that occurred in the domain
type DomainEvent interface {
	EventID() uuid.UUID
	EventType() string
	OccurredAt() time.Time
	AggregateID() string
}

// BaseDomainEvent provides common fields for all domain events.
// Every event in this service is scoped to a billing account, so the
// aggregate identifier is serialized as account_id.
type BaseDomainEvent struct {
	ID        uuid.UUID `json:"event_id"`
	Type      string    `json:"type_tag"`
	AccountID string    `json:"account_id"`
	Timestamp time.Time `json:"created_at"`

	// Position is the stream version the event was stored at. Zero until the
	// event has been appended or loaded.
	Position int64 `json:"-"`
}

// EventID returns the unique event identifier
func (e *BaseDomainEvent) EventID() uuid.UUID {
	return e.ID
}

// EventType returns the type tag of the event
func (e *BaseDomainEvent) EventType() string {
	return e.Type
}

// OccurredAt returns when the event occurred
func (e *BaseDomainEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// AggregateID returns the account that produced this event
func (e *BaseDomainEvent) AggregateID() string {
	return e.AccountID
}

// StreamVersion returns the stored stream version, 0 for unsaved events
func (e *BaseDomainEvent) StreamVersion() int64 {
	return e.Position
}

// SetStreamVersion records the stream version the event was stored at
func (e *BaseDomainEvent) SetStreamVersion(v int64) {
	e.Position = v
}

// NewBaseDomainEvent creates a new base domain event stamped with occurredAt
func NewBaseDomainEvent(eventType, accountID string, occurredAt time.Time) BaseDomainEvent {
	return BaseDomainEvent{
		ID:        uuid.New(),
		Type:      eventType,
		AccountID: accountID,
		Timestamp: occurredAt.UTC(),
	}
}
