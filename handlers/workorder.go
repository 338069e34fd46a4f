package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"example.com/backstage/plm/domain"
	"example.com/backstage/plm/eventstore"
	"example.com/backstage/plm/internal/cache"
	"example.com/backstage/plm/internal/lock"
	"example.com/backstage/plm/internal/metrics"
	"example.com/backstage/plm/utils"
)

type CreateWorkOrderCommand struct {
	ID    string          `json:"id"`
	BOM   string          `json:"bom" validate:"required,identity"`
	Qty   decimal.Decimal `json:"qty"`
	Actor domain.Actor    `json:"-"`
}

type ValidateOperationCommand struct {
	WorkOrder string `json:"work_order" validate:"required"`
	Operation string `json:"operation" validate:"required"`
	Purpose   string `json:"purpose"`
}

// WorkOrderHandler pins Work Orders to BOM versions and reports on the pin
type WorkOrderHandler struct {
	store   eventstore.Store
	locker  lock.Locker
	cache   cache.CacheClient
	metrics *metrics.Metrics
	timeout time.Duration
	now     func() time.Time
}

// NewWorkOrderHandler creates a Work Order handler. The cache and metrics may be nil.
func NewWorkOrderHandler(store eventstore.Store, locker lock.Locker, c cache.CacheClient, m *metrics.Metrics) *WorkOrderHandler {
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	return &WorkOrderHandler{
		store:   store,
		locker:  locker,
		cache:   c,
		metrics: m,
		timeout: DefaultOperationTimeout,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// HandleCreate creates a Work Order pinned to the BOM's current Published
// version together with a copy of that version's data.
func (h *WorkOrderHandler) HandleCreate(ctx context.Context, cmd CreateWorkOrderCommand) (*domain.WorkOrder, error) {
	log.Info().Str("bom", cmd.BOM).Msg("Handling CreateWorkOrder command")

	if err := utils.ValidateCommand(cmd); err != nil {
		return nil, err
	}
	if cmd.Qty.IsZero() {
		cmd.Qty = decimal.NewFromInt(1)
	}
	if cmd.Qty.IsNegative() {
		return nil, domain.NewValidationError("qty must be positive")
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	// holding the BOM lock keeps a concurrent block or draft out until the pin is stored
	release, err := h.locker.Acquire(ctx, domain.EntityAggregateID(domain.KindBOM, cmd.BOM))
	if err != nil {
		return nil, err
	}
	defer release()

	bom, err := h.store.GetEntity(ctx, domain.KindBOM, cmd.BOM)
	if err != nil {
		return nil, err
	}
	if err := domain.ValidatePinnable(cmd.BOM, bom.CurrentVersion, bom.Status); err != nil {
		return nil, err
	}

	snap, err := h.store.GetVersion(ctx, domain.KindBOM, cmd.BOM, bom.CurrentVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to read pinned BOM version: %w", err)
	}

	id := cmd.ID
	if id == "" {
		id = uuid.New().String()
	}
	wo := &domain.WorkOrder{
		ID:                  id,
		BOM:                 cmd.BOM,
		BOMVersion:          bom.CurrentVersion,
		BOMSnapshot:         snap.Data.Clone(),
		BOMStatusAtCreation: bom.Status,
		Qty:                 cmd.Qty,
		CreatedBy:           cmd.Actor.ID,
		CreatedAt:           h.now(),
	}
	if err := h.store.CreateWorkOrder(ctx, wo); err != nil {
		return nil, err
	}

	log.Info().Str("workOrder", wo.ID).Str("bom", wo.BOM).Int("bomVersion", wo.BOMVersion).Msg("Work Order pinned")
	return wo, nil
}

// Get returns a Work Order with its pin
func (h *WorkOrderHandler) Get(ctx context.Context, id string) (*domain.WorkOrder, error) {
	return h.store.GetWorkOrder(ctx, id)
}

// CheckBOMStatusForOperation compares the pin with the live BOM. The pin is
// reported, never moved.
func (h *WorkOrderHandler) CheckBOMStatusForOperation(ctx context.Context, id string) (*domain.PinStatus, error) {
	return h.pinStatus(ctx, id, true)
}

func (h *WorkOrderHandler) pinStatus(ctx context.Context, id string, cached bool) (*domain.PinStatus, error) {
	wo, err := h.store.GetWorkOrder(ctx, id)
	if err != nil {
		return nil, err
	}

	var status *cache.EntityStatus
	if cached {
		status, err = h.bomStatus(ctx, wo.BOM)
	} else {
		status, err = h.storedBOMStatus(ctx, wo.BOM)
	}
	if err != nil {
		return nil, err
	}

	ps := domain.EvaluatePin(wo, status.CurrentVersion, status.Status)
	if h.metrics != nil {
		h.metrics.RecordPinCheck(ps.Condition)
	}
	return &ps, nil
}

// bomStatus reads the live BOM position, cache first
func (h *WorkOrderHandler) bomStatus(ctx context.Context, bom string) (*cache.EntityStatus, error) {
	if h.cache != nil {
		cached, err := h.cache.GetEntityStatus(ctx, domain.KindBOM, bom)
		if err == nil {
			return cached, nil
		}
		if err != redis.Nil {
			log.Warn().Err(err).Str("bom", bom).Msg("Entity status cache read failed")
		}
	}

	status, err := h.storedBOMStatus(ctx, bom)
	if err != nil {
		return nil, err
	}
	if h.cache != nil {
		// a commit racing this read owns the entry
		if err := h.cache.AddEntityStatus(ctx, status); err != nil {
			log.Warn().Err(err).Str("bom", bom).Msg("Entity status cache write failed")
		}
	}
	return status, nil
}

// storedBOMStatus reads the live BOM position from the read model
func (h *WorkOrderHandler) storedBOMStatus(ctx context.Context, bom string) (*cache.EntityStatus, error) {
	rec, err := h.store.GetEntity(ctx, domain.KindBOM, bom)
	if err != nil {
		return nil, err
	}
	return &cache.EntityStatus{
		Kind:           domain.KindBOM,
		Identity:       bom,
		Status:         rec.ReportedStatus(),
		CurrentVersion: rec.CurrentVersion,
		CurrentECN:     rec.CurrentECN,
	}, nil
}

// Items returns the BOM lines of the pinned version, not the live BOM
func (h *WorkOrderHandler) Items(ctx context.Context, id string) ([]domain.BOMLine, error) {
	wo, err := h.store.GetWorkOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if wo.BOMSnapshot.BOM == nil {
		return []domain.BOMLine{}, nil
	}
	return wo.BOMSnapshot.BOM.Items, nil
}

// ValidateOperation refuses job cards, submissions and manufacturing stock
// entries while the pinned BOM is Blocked. The guard reads the read model,
// never the cache.
func (h *WorkOrderHandler) ValidateOperation(ctx context.Context, cmd ValidateOperationCommand) (*domain.PinStatus, error) {
	if err := utils.ValidateCommand(cmd); err != nil {
		return nil, err
	}
	ps, err := h.pinStatus(ctx, cmd.WorkOrder, false)
	if err != nil {
		return nil, err
	}
	if err := domain.GuardOperation(*ps, cmd.Operation, cmd.Purpose); err != nil {
		return ps, err
	}
	return ps, nil
}
