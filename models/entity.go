package models

import (
	"time"

	"gorm.io/datatypes"
)

// Entity is the read model row of a versioned Item or BOM
type Entity struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	AggregateID    string         `gorm:"uniqueIndex" json:"aggregate_id"`
	Kind           string         `gorm:"uniqueIndex:idx_entities_kind_identity;size:16" json:"kind"`
	Identity       string         `gorm:"uniqueIndex:idx_entities_kind_identity" json:"identity"`
	Status         string         `gorm:"index" json:"plm_status"`
	CurrentVersion int            `json:"current_version"`
	CurrentECN     string         `json:"current_ecn"`
	Revision       int            `json:"revision"`
	Data           datatypes.JSON `json:"data"`
	CreatedBy      string         `json:"created_by"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// EntityVersion is the read model row of one snapshot
type EntityVersion struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	Name           string         `gorm:"uniqueIndex:idx_entity_versions_kind_name" json:"name"`
	Kind           string         `gorm:"uniqueIndex:idx_entity_versions_kind_name;size:16" json:"kind"`
	AggregateID    string         `gorm:"uniqueIndex:idx_entity_versions_aggregate_version" json:"aggregate_id"`
	Identity       string         `gorm:"index" json:"identity"`
	Version        int            `gorm:"uniqueIndex:idx_entity_versions_aggregate_version" json:"version"`
	Status         string         `json:"status"`
	PreviousStatus string         `json:"previous_status"`
	ECN            string         `gorm:"index" json:"ecn"`
	Notes          string         `json:"notes"`
	PublishedBy    string         `json:"published_by"`
	PublishedAt    time.Time      `json:"published_date"`
	BlockedECN     string         `json:"blocked_ecn"`
	BlockNotes     string         `json:"block_notes"`
	RestoredFrom   int            `json:"restored_from"`
	Data           datatypes.JSON `json:"data"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}
