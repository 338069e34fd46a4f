package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType constants
const (
	EntityRegistered = "V1_ENTITY_REGISTERED"
	EntityUpdated    = "V1_ENTITY_UPDATED"
	EntityDeleted    = "V1_ENTITY_DELETED"

	VersionPublished = "V1_VERSION_PUBLISHED"
	VersionDrafted   = "V1_VERSION_DRAFTED"
	VersionBlocked   = "V1_VERSION_BLOCKED"
	VersionUnblocked = "V1_VERSION_UNBLOCKED"
	VersionRestored  = "V1_VERSION_RESTORED"
)

// Event represents a domain event
type Event struct {
	ID            string      `json:"id"`
	AggregateID   string      `json:"aggregate_id"`
	AggregateType string      `json:"aggregate_type"`
	Type          string      `json:"type"`
	Version       int         `json:"version"`
	Timestamp     time.Time   `json:"timestamp"`
	Data          interface{} `json:"data"`
}

// EntityRegisteredEvent is emitted when an Item or BOM enters lifecycle control
type EntityRegisteredEvent struct {
	Kind      Kind      `json:"kind"`
	Identity  string    `json:"identity"`
	Data      Payload   `json:"data"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// EntityUpdatedEvent replaces the working (unversioned) data of an entity
type EntityUpdatedEvent struct {
	Identity  string    `json:"identity"`
	Data      Payload   `json:"data"`
	UpdatedBy string    `json:"updated_by"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EntityDeletedEvent is the tombstone left behind after a hard delete
type EntityDeletedEvent struct {
	Kind      Kind      `json:"kind"`
	Identity  string    `json:"identity"`
	DeletedBy string    `json:"deleted_by"`
	DeletedAt time.Time `json:"deleted_at"`
}

// VersionPublishedEvent captures a Published snapshot.
// Overwrite is set when an existing Draft snapshot of the same version is replaced.
type VersionPublishedEvent struct {
	Identity    string    `json:"identity"`
	Version     int       `json:"version"`
	ECN         string    `json:"ecn"`
	Notes       string    `json:"notes"`
	PublishedBy string    `json:"published_by"`
	PublishedAt time.Time `json:"published_at"`
	Overwrite   bool      `json:"overwrite"`
	Data        Payload   `json:"data"`
}

// VersionDraftedEvent captures a Draft snapshot
type VersionDraftedEvent struct {
	Identity    string    `json:"identity"`
	Version     int       `json:"version"`
	ECN         string    `json:"ecn"`
	Notes       string    `json:"notes"`
	PublishedBy string    `json:"published_by"`
	PublishedAt time.Time `json:"published_at"`
	Overwrite   bool      `json:"overwrite"`
	Data        Payload   `json:"data"`
}

// VersionBlockedEvent marks the current snapshot Blocked.
// Data is only present when blocking an unversioned entity creates version 1.
type VersionBlockedEvent struct {
	Identity       string    `json:"identity"`
	Version        int       `json:"version"`
	PreviousStatus Status    `json:"previous_status"`
	ECN            string    `json:"ecn"`
	Notes          string    `json:"notes"`
	BlockedBy      string    `json:"blocked_by"`
	BlockedAt      time.Time `json:"blocked_at"`
	Data           *Payload  `json:"data,omitempty"`
}

// VersionUnblockedEvent returns the current snapshot to its pre-block status
type VersionUnblockedEvent struct {
	Identity    string    `json:"identity"`
	Version     int       `json:"version"`
	Status      Status    `json:"status"`
	UnblockedBy string    `json:"unblocked_by"`
	UnblockedAt time.Time `json:"unblocked_at"`
}

// VersionRestoredEvent creates a new Draft version from a historical snapshot
type VersionRestoredEvent struct {
	Identity     string    `json:"identity"`
	Version      int       `json:"version"`
	RestoredFrom int       `json:"restored_from"`
	ECN          string    `json:"ecn"`
	Notes        string    `json:"notes"`
	RestoredBy   string    `json:"restored_by"`
	RestoredAt   time.Time `json:"restored_at"`
	Data         Payload   `json:"data"`
}

// EventTypeOf returns the stored type name of an event payload
func EventTypeOf(event interface{}) (string, error) {
	switch event.(type) {
	case EntityRegisteredEvent:
		return EntityRegistered, nil
	case EntityUpdatedEvent:
		return EntityUpdated, nil
	case EntityDeletedEvent:
		return EntityDeleted, nil
	case VersionPublishedEvent:
		return VersionPublished, nil
	case VersionDraftedEvent:
		return VersionDrafted, nil
	case VersionBlockedEvent:
		return VersionBlocked, nil
	case VersionUnblockedEvent:
		return VersionUnblocked, nil
	case VersionRestoredEvent:
		return VersionRestored, nil
	default:
		return "", fmt.Errorf("unknown event type: %T", event)
	}
}

// DecodeEventData unmarshals stored event data into its typed event struct
func DecodeEventData(eventType string, data []byte) (interface{}, error) {
	var (
		event interface{}
		err   error
	)

	switch eventType {
	case EntityRegistered:
		var e EntityRegisteredEvent
		err = json.Unmarshal(data, &e)
		event = e
	case EntityUpdated:
		var e EntityUpdatedEvent
		err = json.Unmarshal(data, &e)
		event = e
	case EntityDeleted:
		var e EntityDeletedEvent
		err = json.Unmarshal(data, &e)
		event = e
	case VersionPublished:
		var e VersionPublishedEvent
		err = json.Unmarshal(data, &e)
		event = e
	case VersionDrafted:
		var e VersionDraftedEvent
		err = json.Unmarshal(data, &e)
		event = e
	case VersionBlocked:
		var e VersionBlockedEvent
		err = json.Unmarshal(data, &e)
		event = e
	case VersionUnblocked:
		var e VersionUnblockedEvent
		err = json.Unmarshal(data, &e)
		event = e
	case VersionRestored:
		var e VersionRestoredEvent
		err = json.Unmarshal(data, &e)
		event = e
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", eventType, err)
	}
	return event, nil
}
