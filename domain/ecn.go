package domain

import (
	"fmt"
	"strings"
	"time"
)

// ECNPrefix starts every generated ECN name
const ECNPrefix = "ECN"

// ECN is an Engineering Change Notice authorizing version transitions
type ECN struct {
	Name         string    `json:"name"`
	Title        string    `json:"title"`
	ChangeReason string    `json:"change_reason"`
	Description  string    `json:"description,omitempty"`
	Author       string    `json:"author"`
	CreationDate time.Time `json:"creation_date"`
}

// FormatECNName renders a sequence number as ECN000001
func FormatECNName(seq int64) string {
	return fmt.Sprintf("%s%06d", ECNPrefix, seq)
}

// ApplyDefaults fills author and creation date when missing
func (e *ECN) ApplyDefaults(actor string, now time.Time) {
	if strings.TrimSpace(e.Author) == "" {
		e.Author = actor
	}
	if e.CreationDate.IsZero() {
		e.CreationDate = now
	}
}

// Validate checks the mandatory ECN fields
func (e *ECN) Validate() error {
	if strings.TrimSpace(e.Title) == "" {
		return NewValidationError("ECN title is required")
	}
	if strings.TrimSpace(e.ChangeReason) == "" {
		return NewValidationError("ECN change_reason is required")
	}
	return nil
}

// LinkedVersion is a snapshot produced under an ECN
type LinkedVersion struct {
	Name        string    `json:"name"`
	Kind        Kind      `json:"kind"`
	Identity    string    `json:"identity"`
	Version     int       `json:"version"`
	Status      Status    `json:"status"`
	PublishedAt time.Time `json:"published_date"`
}

// LinkedVersions groups snapshots of an ECN by kind
type LinkedVersions struct {
	ItemVersions []LinkedVersion `json:"item_versions"`
	BOMVersions  []LinkedVersion `json:"bom_versions"`
}
