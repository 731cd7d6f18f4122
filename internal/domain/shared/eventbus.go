package shared

import "context"

// EventHandler handles committed domain events
type EventHandler interface {
	// EventTypes returns the type tags this handler wants; empty means all
	EventTypes() []string

	// Handle processes a single event. Errors are logged by the publisher.
	Handle(ctx context.Context, event DomainEvent) error
}

// EventPublisher delivers events to subscribers after they are durably stored
type EventPublisher interface {
	Publish(ctx context.Context, events ...DomainEvent) error
}
