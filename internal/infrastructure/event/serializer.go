package event

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/meterline/backend/internal/domain/billing"
)

// EventSerializer converts billing events to and from their stored JSON form.
// The payload is flat: the type tag, event id, account id and creation time sit
// next to the variant's own fields.
type EventSerializer struct {
	mu       sync.RWMutex
	registry map[string]reflect.Type // type tag -> Go type
}

// NewEventSerializer creates an empty serializer
func NewEventSerializer() *EventSerializer {
	return &EventSerializer{
		registry: make(map[string]reflect.Type),
	}
}

// NewBillingEventSerializer creates a serializer with every billing event registered
func NewBillingEventSerializer() *EventSerializer {
	s := NewEventSerializer()
	RegisterBillingEvents(s)
	return s
}

// Register registers an event type for deserialization.
// The typeTag should match what EventType() returns on the event.
func (s *EventSerializer) Register(typeTag string, eventInstance billing.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := reflect.TypeOf(eventInstance)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	s.registry[typeTag] = t
}

// Serialize serializes an event to JSON bytes
func (s *EventSerializer) Serialize(event billing.Event) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event %s: %w", event.EventType(), err)
	}
	return data, nil
}

// Deserialize decodes JSON bytes stored under typeTag. Unregistered tags fail
// with billing.ErrUnknownEventType.
func (s *EventSerializer) Deserialize(typeTag string, data []byte) (billing.Event, error) {
	s.mu.RLock()
	t, ok := s.registry[typeTag]
	s.mu.RUnlock()

	if !ok {
		return nil, billing.NewUnknownEventType(typeTag)
	}

	eventPtr := reflect.New(t).Interface()
	if err := json.Unmarshal(data, eventPtr); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event %s: %w", typeTag, err)
	}

	event, ok := eventPtr.(billing.Event)
	if !ok {
		return nil, fmt.Errorf("deserialized %s does not implement billing.Event", typeTag)
	}
	if event.EventType() != typeTag {
		return nil, fmt.Errorf("payload type tag %q does not match record type %q", event.EventType(), typeTag)
	}

	return event, nil
}

// IsRegistered checks if a type tag is registered
func (s *EventSerializer) IsRegistered(typeTag string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.registry[typeTag]
	return ok
}

// RegisteredTypes returns all registered type tags in sorted order
func (s *EventSerializer) RegisteredTypes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	types := make([]string, 0, len(s.registry))
	for t := range s.registry {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
