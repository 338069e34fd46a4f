package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"example.com/backstage/plm/domain"
	"example.com/backstage/plm/eventstore"
	"example.com/backstage/plm/internal/cache"
	"example.com/backstage/plm/internal/lock"
	"example.com/backstage/plm/internal/metrics"
	"example.com/backstage/plm/utils"
)

// DefaultOperationTimeout bounds every mutating call
const DefaultOperationTimeout = 10 * time.Second

// Command structs
type RegisterCommand struct {
	Kind     domain.Kind    `json:"kind" validate:"required,plm_kind"`
	Identity string         `json:"identity" validate:"required,identity"`
	Data     domain.Payload `json:"data"`
	Actor    domain.Actor   `json:"-"`
}

type UpdateCommand struct {
	Kind            domain.Kind    `json:"kind" validate:"required,plm_kind"`
	Identity        string         `json:"identity" validate:"required,identity"`
	Data            domain.Payload `json:"data"`
	ExpectedVersion *int           `json:"expected_version,omitempty"`
	Actor           domain.Actor   `json:"-"`
}

// TransitionCommand drives publish, draft, block, unblock and restore
type TransitionCommand struct {
	Kind            domain.Kind      `json:"kind" validate:"required,plm_kind"`
	Identity        string           `json:"identity" validate:"required,identity"`
	Operation       domain.Operation `json:"operation" validate:"required"`
	ECN             string           `json:"ecn"`
	Notes           string           `json:"notes"`
	TargetVersion   int              `json:"target_version,omitempty" validate:"omitempty,min=1"`
	ExpectedVersion *int             `json:"expected_version,omitempty"`
	Actor           domain.Actor     `json:"-"`
}

type DeleteCommand struct {
	Kind            domain.Kind  `json:"kind" validate:"required,plm_kind"`
	Identity        string       `json:"identity" validate:"required,identity"`
	ExpectedVersion *int         `json:"expected_version,omitempty"`
	Actor           domain.Actor `json:"-"`
}

type BulkDeleteCommand struct {
	Kind       domain.Kind  `json:"kind" validate:"required,plm_kind"`
	Identities []string     `json:"identities" validate:"required,min=1,dive,required"`
	Actor      domain.Actor `json:"-"`
}

// BulkDeleteOutcome is the result of deleting one entity of a bulk request
type BulkDeleteOutcome struct {
	Identity string           `json:"identity"`
	Success  bool             `json:"success"`
	Error    string           `json:"error,omitempty"`
	Code     domain.ErrorCode `json:"code,omitempty"`
}

// LifecycleHandler handles lifecycle commands for Items and BOMs
type LifecycleHandler struct {
	store   eventstore.Store
	locker  lock.Locker
	cache   cache.CacheClient
	caps    *domain.Capabilities
	metrics *metrics.Metrics
	timeout time.Duration
	now     func() time.Time
}

// Option configures a LifecycleHandler
type Option func(*LifecycleHandler)

// WithCache writes entity status through to the cache after every commit
func WithCache(c cache.CacheClient) Option {
	return func(h *LifecycleHandler) { h.cache = c }
}

// WithMetrics records transition metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *LifecycleHandler) { h.metrics = m }
}

// WithCapabilities overrides the default role lists
func WithCapabilities(c *domain.Capabilities) Option {
	return func(h *LifecycleHandler) { h.caps = c }
}

// WithTimeout bounds every mutating call
func WithTimeout(d time.Duration) Option {
	return func(h *LifecycleHandler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(h *LifecycleHandler) { h.now = now }
}

// NewLifecycleHandler creates a new lifecycle handler
func NewLifecycleHandler(store eventstore.Store, locker lock.Locker, opts ...Option) *LifecycleHandler {
	h := &LifecycleHandler{
		store:   store,
		locker:  locker,
		caps:    domain.DefaultCapabilities(),
		timeout: DefaultOperationTimeout,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.locker == nil {
		h.locker = lock.NewLocalLocker()
	}
	return h
}

// Capabilities returns the role capabilities the handler enforces
func (h *LifecycleHandler) Capabilities() *domain.Capabilities {
	return h.caps
}

// mutation runs fn on a loaded aggregate under the entity lock and saves the
// events it produced. fn returns the success message.
type mutation func(ctx context.Context, a *domain.EntityAggregate, now time.Time) (string, error)

func (h *LifecycleHandler) mutate(ctx context.Context, kind domain.Kind, identity, op string, actor domain.Actor, expected *int, fn mutation) (result *domain.Result, err error) {
	start := time.Now()
	defer func() {
		outcome := "OK"
		if err != nil {
			outcome = string(domain.CodeOf(err))
			log.Warn().Err(err).Str("kind", string(kind)).Str("identity", identity).Str("operation", op).Msg("Lifecycle command rejected")
		}
		if h.metrics != nil {
			h.metrics.RecordTransition(string(kind), op, outcome, time.Since(start))
		}
	}()

	if err := h.caps.RequirePublish(actor, kind); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	aggregateID := domain.EntityAggregateID(kind, identity)
	release, err := h.locker.Acquire(ctx, aggregateID)
	if err != nil {
		return nil, err
	}
	defer release()

	aggregate := domain.NewEntityAggregate(kind, identity)
	if err := h.store.Load(ctx, aggregate); err != nil {
		return nil, fmt.Errorf("failed to load aggregate: %w", err)
	}
	if err := aggregate.CheckExpectedVersion(expected); err != nil {
		return nil, err
	}

	message, err := fn(ctx, aggregate, h.now())
	if err != nil {
		return nil, err
	}

	// the cached status must never outlive the commit that changes it
	if err := h.invalidateCache(ctx, kind, identity); err != nil {
		return nil, err
	}

	if err := h.store.Save(ctx, aggregate); err != nil {
		if domain.CodeOf(err) != domain.CodeInternal {
			return nil, err
		}
		return nil, fmt.Errorf("failed to save aggregate: %w", err)
	}

	h.refreshCache(ctx, aggregate)

	return domain.Succeeded(message, aggregate.State.CurrentVersion, aggregate.ReportedStatus()), nil
}

func (h *LifecycleHandler) invalidateCache(ctx context.Context, kind domain.Kind, identity string) error {
	if h.cache == nil {
		return nil
	}
	if err := h.cache.DeleteEntityStatus(ctx, kind, identity); err != nil {
		return fmt.Errorf("failed to invalidate entity status cache: %w", err)
	}
	return nil
}

func (h *LifecycleHandler) refreshCache(ctx context.Context, a *domain.EntityAggregate) {
	if h.cache == nil || !a.Exists() {
		return
	}
	err := h.cache.SetEntityStatus(ctx, &cache.EntityStatus{
		Kind:           a.State.Kind,
		Identity:       a.State.Identity,
		Status:         a.ReportedStatus(),
		CurrentVersion: a.State.CurrentVersion,
		CurrentECN:     a.State.CurrentECN,
	})
	if err == nil {
		return
	}
	log.Warn().Err(err).Str("aggregateID", a.GetID()).Msg("Failed to refresh entity status cache")
	if err := h.cache.DeleteEntityStatus(ctx, a.State.Kind, a.State.Identity); err != nil {
		log.Error().Err(err).Str("aggregateID", a.GetID()).Msg("Failed to drop entity status cache entry")
	}
}

// checkTransitionECN verifies the ECN a capturing transition will record.
// Restore falls back to the current ECN.
func (h *LifecycleHandler) checkTransitionECN(ctx context.Context, a *domain.EntityAggregate, op domain.Operation, ecn string) error {
	if !a.Exists() {
		return nil
	}
	switch op {
	case domain.OpPublish, domain.OpSaveAsDraft, domain.OpBlock:
		return h.requireRegisteredECN(ctx, ecn)
	case domain.OpRestore:
		if ecn == "" {
			ecn = a.State.CurrentECN
		}
		return h.requireRegisteredECN(ctx, ecn)
	}
	return nil
}

// requireRegisteredECN rejects a change notice that is not in the registry.
// A blank number is left to the aggregate, which reports it as missing.
func (h *LifecycleHandler) requireRegisteredECN(ctx context.Context, ecn string) error {
	if ecn == "" {
		return nil
	}
	if _, err := h.store.GetECN(ctx, ecn); err != nil {
		if domain.IsNotFoundError(err) {
			return domain.NewValidationError(fmt.Sprintf("ECN %s not found", ecn))
		}
		return fmt.Errorf("failed to look up ECN: %w", err)
	}
	return nil
}

func normalizeKind(kind domain.Kind) (domain.Kind, error) {
	return domain.ParseKind(string(kind))
}

// HandleRegister puts an Item or BOM under lifecycle control at version 0
func (h *LifecycleHandler) HandleRegister(ctx context.Context, cmd RegisterCommand) (*domain.Result, error) {
	log.Info().Str("kind", string(cmd.Kind)).Str("identity", cmd.Identity).Msg("Handling Register command")

	if err := utils.ValidateCommand(cmd); err != nil {
		return nil, err
	}
	kind, _ := normalizeKind(cmd.Kind)

	return h.mutate(ctx, kind, cmd.Identity, "register", cmd.Actor, nil, func(ctx context.Context, a *domain.EntityAggregate, now time.Time) (string, error) {
		if err := a.Register(cmd.Data, cmd.Actor.ID, now); err != nil {
			return "", err
		}
		return fmt.Sprintf("%s %s registered", kind.Label(), cmd.Identity), nil
	})
}

// HandleUpdate replaces the working data of an entity
func (h *LifecycleHandler) HandleUpdate(ctx context.Context, cmd UpdateCommand) (*domain.Result, error) {
	log.Info().Str("kind", string(cmd.Kind)).Str("identity", cmd.Identity).Msg("Handling Update command")

	if err := utils.ValidateCommand(cmd); err != nil {
		return nil, err
	}
	kind, _ := normalizeKind(cmd.Kind)

	return h.mutate(ctx, kind, cmd.Identity, "update", cmd.Actor, cmd.ExpectedVersion, func(ctx context.Context, a *domain.EntityAggregate, now time.Time) (string, error) {
		if err := a.UpdateData(cmd.Data, cmd.Actor.ID, now); err != nil {
			return "", err
		}
		return fmt.Sprintf("%s %s updated", kind.Label(), cmd.Identity), nil
	})
}

// HandleTransition dispatches a lifecycle transition on cmd.Operation
func (h *LifecycleHandler) HandleTransition(ctx context.Context, cmd TransitionCommand) (*domain.Result, error) {
	log.Info().
		Str("kind", string(cmd.Kind)).
		Str("identity", cmd.Identity).
		Str("operation", string(cmd.Operation)).
		Msg("Handling Transition command")

	if err := utils.ValidateCommand(cmd); err != nil {
		return nil, err
	}
	kind, _ := normalizeKind(cmd.Kind)
	op, err := domain.ParseOperation(string(cmd.Operation))
	if err != nil {
		return nil, err
	}

	return h.mutate(ctx, kind, cmd.Identity, string(op), cmd.Actor, cmd.ExpectedVersion, func(ctx context.Context, a *domain.EntityAggregate, now time.Time) (string, error) {
		label := kind.Label()
		if err := h.checkTransitionECN(ctx, a, op, cmd.ECN); err != nil {
			return "", err
		}

		switch op {
		case domain.OpPublish:
			v, err := a.Publish(cmd.ECN, cmd.Notes, cmd.Actor.ID, now)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%s published as version %d", label, v), nil

		case domain.OpSaveAsDraft:
			v, err := a.SaveAsDraft(cmd.ECN, cmd.Notes, cmd.Actor.ID, now)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%s saved as draft version %d", label, v), nil

		case domain.OpBlock:
			v, err := a.Block(cmd.ECN, cmd.Notes, cmd.Actor.ID, now)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%s version %d blocked", label, v), nil

		case domain.OpUnblock:
			v, status, err := a.Unblock(cmd.Actor.ID, now)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%s version %d unblocked and returned to %s", label, v, status), nil

		case domain.OpRestore:
			if cmd.TargetVersion < 1 {
				return "", domain.NewValidationError("target_version is required to restore")
			}
			v, err := a.Restore(cmd.TargetVersion, cmd.ECN, cmd.Notes, cmd.Actor.ID, now)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Restored from version %d as draft version %d. Review and publish when ready.", cmd.TargetVersion, v), nil
		}
		return "", domain.NewValidationError(fmt.Sprintf("unsupported operation %q", op))
	})
}

// Publish captures the working data as a Published version
func (h *LifecycleHandler) Publish(ctx context.Context, cmd TransitionCommand) (*domain.Result, error) {
	cmd.Operation = domain.OpPublish
	return h.HandleTransition(ctx, cmd)
}

// SaveAsDraft captures the working data as a Draft version
func (h *LifecycleHandler) SaveAsDraft(ctx context.Context, cmd TransitionCommand) (*domain.Result, error) {
	cmd.Operation = domain.OpSaveAsDraft
	return h.HandleTransition(ctx, cmd)
}

// Block marks the current version Blocked
func (h *LifecycleHandler) Block(ctx context.Context, cmd TransitionCommand) (*domain.Result, error) {
	cmd.Operation = domain.OpBlock
	return h.HandleTransition(ctx, cmd)
}

// Unblock returns a Blocked version to its previous status
func (h *LifecycleHandler) Unblock(ctx context.Context, cmd TransitionCommand) (*domain.Result, error) {
	cmd.Operation = domain.OpUnblock
	return h.HandleTransition(ctx, cmd)
}

// Restore copies a historical version into a new Draft version
func (h *LifecycleHandler) Restore(ctx context.Context, cmd TransitionCommand) (*domain.Result, error) {
	cmd.Operation = domain.OpRestore
	return h.HandleTransition(ctx, cmd)
}

// HandleDelete removes an entity with its history. A BOM pinned by a Work
// Order cannot be deleted.
func (h *LifecycleHandler) HandleDelete(ctx context.Context, cmd DeleteCommand) (*domain.Result, error) {
	log.Info().Str("kind", string(cmd.Kind)).Str("identity", cmd.Identity).Msg("Handling Delete command")

	if err := utils.ValidateCommand(cmd); err != nil {
		return nil, err
	}
	kind, _ := normalizeKind(cmd.Kind)

	return h.mutate(ctx, kind, cmd.Identity, "delete", cmd.Actor, cmd.ExpectedVersion, func(ctx context.Context, a *domain.EntityAggregate, now time.Time) (string, error) {
		if kind == domain.KindBOM {
			pins, err := h.store.CountWorkOrderPins(ctx, cmd.Identity)
			if err != nil {
				return "", fmt.Errorf("failed to count work order pins: %w", err)
			}
			if pins > 0 {
				return "", domain.NewConflictError(fmt.Sprintf("cannot delete BOM %s: %d Work Order(s) are pinned to it", cmd.Identity, pins))
			}
		}
		if err := a.Delete(cmd.Actor.ID, now); err != nil {
			return "", err
		}
		return fmt.Sprintf("%s %s deleted", kind.Label(), cmd.Identity), nil
	})
}

// HandleBulkDelete deletes entities one by one and reports each outcome
func (h *LifecycleHandler) HandleBulkDelete(ctx context.Context, cmd BulkDeleteCommand) ([]BulkDeleteOutcome, error) {
	log.Info().Str("kind", string(cmd.Kind)).Int("count", len(cmd.Identities)).Msg("Handling BulkDelete command")

	if err := utils.ValidateCommand(cmd); err != nil {
		return nil, err
	}

	outcomes := make([]BulkDeleteOutcome, 0, len(cmd.Identities))
	for _, identity := range cmd.Identities {
		_, err := h.HandleDelete(ctx, DeleteCommand{Kind: cmd.Kind, Identity: identity, Actor: cmd.Actor})
		outcome := BulkDeleteOutcome{Identity: identity, Success: err == nil}
		if err != nil {
			r := domain.ResultFromError(err)
			outcome.Error = r.Error
			outcome.Code = r.Code
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}
