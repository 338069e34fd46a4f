package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// WorkOrder is a manufacturing order pinned to one BOM version
type WorkOrder struct {
	ID                  string          `json:"id"`
	BOM                 string          `json:"bom"`
	BOMVersion          int             `json:"bom_version"`
	BOMSnapshot         Payload         `json:"bom_snapshot_data"`
	BOMStatusAtCreation Status          `json:"bom_plm_status_at_creation"`
	Qty                 decimal.Decimal `json:"qty"`
	CreatedBy           string          `json:"created_by"`
	CreatedAt           time.Time       `json:"created_at"`
}

// Manufacturing operations guarded by the pinned BOM's status
const (
	OperationSubmit     = "submit"
	OperationJobCard    = "job_card"
	OperationStockEntry = "stock_entry"
)

// Stock entry purposes that consume the BOM
var manufacturingPurposes = map[string]bool{
	"Manufacture":                       true,
	"Material Transfer for Manufacture": true,
}

// Pin conditions reported on every Work Order read
const (
	PinCurrent        = "current"
	PinNewerAvailable = "newer_version_available"
	PinBOMBlocked     = "bom_blocked"
)

// PinStatus compares a Work Order pin with the live BOM. It is informational:
// the pin is never moved.
type PinStatus struct {
	WorkOrder         string `json:"work_order"`
	BOM               string `json:"bom"`
	Condition         string `json:"condition"`
	CanProceed        bool   `json:"can_proceed"`
	BOMBlocked        bool   `json:"bom_blocked"`
	NewerAvailable    bool   `json:"newer_version_available"`
	PinnedVersion     int    `json:"bom_version"`
	CurrentBOMVersion int    `json:"current_bom_version"`
	CurrentBOMStatus  Status `json:"current_bom_status"`
	Message           string `json:"message,omitempty"`
}

// ValidatePinnable rejects a BOM that cannot back a new Work Order
func ValidatePinnable(bom string, version int, status Status) error {
	switch {
	case version > 0 && status == StatusBlocked:
		return NewValidationError(fmt.Sprintf("cannot create Work Order for blocked BOM: BOM %s is currently blocked", bom))
	case version == 0:
		return NewValidationError(fmt.Sprintf("BOM %s has no published version: publish it first", bom))
	case status != StatusPublished:
		return NewValidationError(fmt.Sprintf("cannot create Work Order for draft BOM: publish BOM %s first", bom))
	}
	return nil
}

// EvaluatePin classifies a Work Order pin against the live BOM state
func EvaluatePin(wo *WorkOrder, currentVersion int, status Status) PinStatus {
	ps := PinStatus{
		WorkOrder:         wo.ID,
		BOM:               wo.BOM,
		PinnedVersion:     wo.BOMVersion,
		CurrentBOMVersion: currentVersion,
		CurrentBOMStatus:  ReportedStatus(currentVersion, status),
		CanProceed:        true,
		Condition:         PinCurrent,
	}

	if currentVersion > 0 && status == StatusBlocked {
		ps.Condition = PinBOMBlocked
		ps.BOMBlocked = true
		ps.CanProceed = false
		ps.Message = fmt.Sprintf("BOM %s is blocked: manufacturing operations are not allowed", wo.BOM)
		return ps
	}

	if currentVersion > wo.BOMVersion {
		ps.Condition = PinNewerAvailable
		ps.NewerAvailable = true
		ps.Message = fmt.Sprintf("BOM %s has a newer version (v%d); this Work Order uses v%d", wo.BOM, currentVersion, wo.BOMVersion)
	}
	return ps
}

// GuardOperation refuses a manufacturing operation while the BOM is blocked.
// Stock entries only count when their purpose consumes the BOM.
func GuardOperation(ps PinStatus, operation, purpose string) error {
	switch operation {
	case OperationSubmit, OperationJobCard:
	case OperationStockEntry:
		if !manufacturingPurposes[purpose] {
			return nil
		}
	default:
		return NewValidationError(fmt.Sprintf("unknown manufacturing operation %q", operation))
	}

	if ps.BOMBlocked {
		return NewValidationError(ps.Message)
	}
	return nil
}
