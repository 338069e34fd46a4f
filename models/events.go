package models

import (
	"time"

	"gorm.io/datatypes"
)

// Event represents a domain event in the database. The table doubles as the
// outbox drained by the worker.
type Event struct {
	ID            uint           `gorm:"primaryKey" json:"id"`
	EventID       string         `gorm:"uniqueIndex" json:"event_id"`
	AggregateID   string         `gorm:"uniqueIndex:idx_events_aggregate_version;not null" json:"aggregate_id"`
	AggregateType string         `json:"aggregate_type"`
	EventType     string         `gorm:"index" json:"event_type"`
	Data          datatypes.JSON `json:"data"`
	Metadata      datatypes.JSON `json:"metadata"`
	Version       int            `gorm:"uniqueIndex:idx_events_aggregate_version;not null" json:"version"`
	Timestamp     time.Time      `gorm:"index" json:"timestamp"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	Error         *string        `json:"error"`
	Attempts      int            `json:"attempts"`
	Processed     bool           `gorm:"index" json:"processed"`
}
