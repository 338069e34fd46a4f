package models

import (
	"time"

	"gorm.io/datatypes"
)

// WorkOrder stores the immutable BOM pin of a manufacturing order
type WorkOrder struct {
	ID                  uint           `gorm:"primaryKey" json:"id"`
	WorkOrderID         string         `gorm:"uniqueIndex" json:"work_order_id"`
	BOM                 string         `gorm:"index" json:"bom"`
	BOMVersion          int            `json:"bom_version"`
	BOMSnapshot         datatypes.JSON `json:"bom_snapshot_data"`
	BOMStatusAtCreation string         `json:"bom_plm_status_at_creation"`
	Qty                 string         `json:"qty"`
	CreatedBy           string         `json:"created_by"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}
