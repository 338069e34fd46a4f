package models

import "time"

// ECN is an Engineering Change Notice. The primary key drives the name sequence.
type ECN struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Name         string    `gorm:"uniqueIndex;size:32" json:"name"`
	Title        string    `json:"title"`
	ChangeReason string    `json:"change_reason"`
	Description  string    `json:"description"`
	Author       string    `json:"author"`
	CreationDate time.Time `json:"creation_date"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// All returns every model managed by migrations
func All() []interface{} {
	return []interface{}{&Event{}, &Entity{}, &EntityVersion{}, &WorkOrder{}, &ECN{}}
}
