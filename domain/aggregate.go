package domain

import (
	"fmt"
	"time"
)

// AggregateBase provides common aggregate functionality
type AggregateBase struct {
	id            string
	aggregateType string
	revision      int
	events        []Event
	applier       func(event interface{}) error
}

// Aggregate is the interface for all aggregates
type Aggregate interface {
	GetID() string
	GetType() string
	GetRevision() int
	GetEvents() []Event
	ClearEvents()
	Apply(event interface{}) error
	Replay(event Event) error
}

// NewAggregateBase creates a new aggregate base
func NewAggregateBase(id, aggregateType string, applier func(interface{}) error) *AggregateBase {
	return &AggregateBase{
		id:            id,
		aggregateType: aggregateType,
		revision:      0,
		events:        []Event{},
		applier:       applier,
	}
}

// GetID returns the aggregate ID
func (a *AggregateBase) GetID() string {
	return a.id
}

// GetType returns the aggregate type
func (a *AggregateBase) GetType() string {
	return a.aggregateType
}

// GetRevision returns the number of the last event applied to the aggregate.
// The event store uses it as the optimistic concurrency token.
func (a *AggregateBase) GetRevision() int {
	return a.revision
}

// GetEvents returns the uncommitted events
func (a *AggregateBase) GetEvents() []Event {
	return a.events
}

// ClearEvents clears the uncommitted events
func (a *AggregateBase) ClearEvents() {
	a.events = []Event{}
}

// Apply applies a new event to the aggregate and records it as uncommitted
func (a *AggregateBase) Apply(event interface{}) error {
	if a.applier == nil {
		return fmt.Errorf("applier is not set")
	}

	eventType, err := EventTypeOf(event)
	if err != nil {
		return err
	}

	if err := a.applier(event); err != nil {
		return fmt.Errorf("failed to apply event: %w", err)
	}

	a.revision++
	a.events = append(a.events, Event{
		AggregateID:   a.id,
		AggregateType: a.aggregateType,
		Type:          eventType,
		Version:       a.revision,
		Timestamp:     time.Now().UTC(),
		Data:          event,
	})

	return nil
}

// Replay applies a stored event without recording it
func (a *AggregateBase) Replay(event Event) error {
	if a.applier == nil {
		return fmt.Errorf("applier is not set")
	}

	if err := a.applier(event.Data); err != nil {
		return fmt.Errorf("failed to replay event %s: %w", event.Type, err)
	}

	if event.Version > a.revision {
		a.revision = event.Version
	}
	return nil
}
