package domain

import (
	"fmt"
	"strings"
	"time"
)

// EntityAggregateType is the aggregate type stored with lifecycle events
const EntityAggregateType = "entity"

// Snapshot is one captured version of an entity
type Snapshot struct {
	Version        int       `json:"version"`
	Status         Status    `json:"status"`
	PreviousStatus Status    `json:"previous_status,omitempty"`
	ECN            string    `json:"ecn"`
	Notes          string    `json:"notes"`
	PublishedBy    string    `json:"published_by"`
	PublishedAt    time.Time `json:"published_date"`
	BlockedECN     string    `json:"blocked_ecn,omitempty"`
	BlockNotes     string    `json:"block_notes,omitempty"`
	RestoredFrom   int       `json:"restored_from,omitempty"`
	Data           Payload   `json:"data"`
}

// EntityState represents the state of an Item or BOM under version control
type EntityState struct {
	Kind           Kind
	Identity       string
	Status         Status
	CurrentVersion int
	CurrentECN     string
	Working        Payload
	Snapshots      []*Snapshot
	Registered     bool
	Deleted        bool
	CreatedBy      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// EntityAggregate is the aggregate root for a versioned Item or BOM
type EntityAggregate struct {
	*AggregateBase
	State EntityState
}

// EntityAggregateID builds the aggregate id of an entity
func EntityAggregateID(kind Kind, identity string) string {
	return string(kind) + ":" + identity
}

// SplitEntityAggregateID is the inverse of EntityAggregateID
func SplitEntityAggregateID(id string) (Kind, string, error) {
	kind, identity, ok := strings.Cut(id, ":")
	if !ok || identity == "" {
		return "", "", NewValidationError(fmt.Sprintf("malformed entity aggregate id %q", id))
	}
	k, err := ParseKind(kind)
	if err != nil {
		return "", "", err
	}
	return k, identity, nil
}

// VersionName is the external id of a snapshot, e.g. BOM-0001-v3
func VersionName(identity string, version int) string {
	return fmt.Sprintf("%s-v%d", identity, version)
}

// NewEntityAggregate creates an empty entity aggregate
func NewEntityAggregate(kind Kind, identity string) *EntityAggregate {
	a := &EntityAggregate{
		State: EntityState{
			Kind:     kind,
			Identity: identity,
			Status:   StatusDraft,
		},
	}
	a.AggregateBase = NewAggregateBase(EntityAggregateID(kind, identity), EntityAggregateType, a.applyEvent)
	return a
}

// Exists reports whether the entity is registered and not deleted
func (a *EntityAggregate) Exists() bool {
	return a.State.Registered && !a.State.Deleted
}

// ReportedStatus is the entity status as shown to callers
func (a *EntityAggregate) ReportedStatus() Status {
	return ReportedStatus(a.State.CurrentVersion, a.State.Status)
}

// Snapshot returns the snapshot of a version
func (a *EntityAggregate) Snapshot(version int) (*Snapshot, error) {
	if version < 1 || version > len(a.State.Snapshots) {
		return nil, NewNotFoundError(fmt.Sprintf("version %d of %s %s not found", version, a.State.Kind.Label(), a.State.Identity))
	}
	return a.State.Snapshots[version-1], nil
}

// CurrentSnapshot returns the snapshot of the current version, nil at version 0
func (a *EntityAggregate) CurrentSnapshot() *Snapshot {
	if a.State.CurrentVersion == 0 {
		return nil
	}
	return a.State.Snapshots[a.State.CurrentVersion-1]
}

// History returns snapshots newest first
func (a *EntityAggregate) History() []*Snapshot {
	out := make([]*Snapshot, 0, len(a.State.Snapshots))
	for i := len(a.State.Snapshots) - 1; i >= 0; i-- {
		out = append(out, a.State.Snapshots[i])
	}
	return out
}

// CheckExpectedVersion rejects a command observed against a stale version
func (a *EntityAggregate) CheckExpectedVersion(expected *int) error {
	if expected == nil || *expected == a.State.CurrentVersion {
		return nil
	}
	return NewConflictError(fmt.Sprintf("%s %s was modified concurrently: expected version %d, current version is %d",
		a.State.Kind.Label(), a.State.Identity, *expected, a.State.CurrentVersion))
}

func (a *EntityAggregate) requireExists() error {
	if !a.Exists() {
		return NewNotFoundError(fmt.Sprintf("%s %s not found", a.State.Kind.Label(), a.State.Identity))
	}
	return nil
}

func requireECN(ecn string) error {
	if strings.TrimSpace(ecn) == "" {
		return NewValidationError("ECN is required for this operation")
	}
	return nil
}

// Register puts an entity under lifecycle control at version 0
func (a *EntityAggregate) Register(data Payload, actor string, at time.Time) error {
	if a.Exists() {
		return NewConflictError(fmt.Sprintf("%s %s already exists", a.State.Kind.Label(), a.State.Identity))
	}
	if err := data.Validate(a.State.Kind, a.State.Identity); err != nil {
		return err
	}

	return a.Apply(EntityRegisteredEvent{
		Kind:      a.State.Kind,
		Identity:  a.State.Identity,
		Data:      data.Clone(),
		CreatedBy: actor,
		CreatedAt: at,
	})
}

// UpdateData replaces the working data. Snapshots are not touched.
func (a *EntityAggregate) UpdateData(data Payload, actor string, at time.Time) error {
	if err := a.requireExists(); err != nil {
		return err
	}
	if err := data.Validate(a.State.Kind, a.State.Identity); err != nil {
		return err
	}

	return a.Apply(EntityUpdatedEvent{
		Identity:  a.State.Identity,
		Data:      data.Clone(),
		UpdatedBy: actor,
		UpdatedAt: at,
	})
}

// Publish captures the working data as a Published snapshot
func (a *EntityAggregate) Publish(ecn, notes, actor string, at time.Time) (int, error) {
	version, overwrite, err := a.prepareCapture(OpPublish, ecn)
	if err != nil {
		return 0, err
	}

	err = a.Apply(VersionPublishedEvent{
		Identity:    a.State.Identity,
		Version:     version,
		ECN:         ecn,
		Notes:       notes,
		PublishedBy: actor,
		PublishedAt: at,
		Overwrite:   overwrite,
		Data:        a.State.Working.Clone(),
	})
	return version, err
}

// SaveAsDraft captures the working data as a Draft snapshot
func (a *EntityAggregate) SaveAsDraft(ecn, notes, actor string, at time.Time) (int, error) {
	version, overwrite, err := a.prepareCapture(OpSaveAsDraft, ecn)
	if err != nil {
		return 0, err
	}

	err = a.Apply(VersionDraftedEvent{
		Identity:    a.State.Identity,
		Version:     version,
		ECN:         ecn,
		Notes:       notes,
		PublishedBy: actor,
		PublishedAt: at,
		Overwrite:   overwrite,
		Data:        a.State.Working.Clone(),
	})
	return version, err
}

func (a *EntityAggregate) prepareCapture(op Operation, ecn string) (int, bool, error) {
	if err := a.requireExists(); err != nil {
		return 0, false, err
	}
	if err := requireECN(ecn); err != nil {
		return 0, false, err
	}
	if a.State.Working.IsZero() {
		return 0, false, NewValidationError("nothing to capture: entity has no data")
	}

	current := a.State.CurrentVersion
	next := NextVersion(op, current, a.State.Status)
	return next, current > 0 && next == current, nil
}

// Block marks the current version Blocked without consuming a version.
// An unversioned entity is captured as version 1 in Blocked state.
func (a *EntityAggregate) Block(ecn, notes, actor string, at time.Time) (int, error) {
	if err := a.requireExists(); err != nil {
		return 0, err
	}
	if err := requireECN(ecn); err != nil {
		return 0, err
	}

	current := a.State.CurrentVersion
	event := VersionBlockedEvent{
		Identity:  a.State.Identity,
		Version:   NextVersion(OpBlock, current, a.State.Status),
		ECN:       ecn,
		Notes:     notes,
		BlockedBy: actor,
		BlockedAt: at,
	}

	if current == 0 {
		if a.State.Working.IsZero() {
			return 0, NewValidationError("nothing to capture: entity has no data")
		}
		data := a.State.Working.Clone()
		event.Data = &data
	} else {
		if a.State.Status == StatusBlocked {
			return 0, NewValidationError(fmt.Sprintf("%s %s is already blocked", a.State.Kind.Label(), a.State.Identity))
		}
		event.PreviousStatus = a.State.Status
	}

	if err := a.Apply(event); err != nil {
		return 0, err
	}
	return event.Version, nil
}

// Unblock returns the current version to the status it had before blocking.
// A version that was captured Blocked from an unversioned entity has no
// earlier status and comes back Published.
func (a *EntityAggregate) Unblock(actor string, at time.Time) (int, Status, error) {
	if err := a.requireExists(); err != nil {
		return 0, "", err
	}
	if a.State.CurrentVersion == 0 || a.State.Status != StatusBlocked {
		return 0, "", NewValidationError(fmt.Sprintf("%s %s is not blocked", a.State.Kind.Label(), a.State.Identity))
	}

	status := a.CurrentSnapshot().PreviousStatus
	if status == "" {
		status = StatusPublished
	}

	err := a.Apply(VersionUnblockedEvent{
		Identity:    a.State.Identity,
		Version:     a.State.CurrentVersion,
		Status:      status,
		UnblockedBy: actor,
		UnblockedAt: at,
	})
	return a.State.CurrentVersion, status, err
}

// Restore creates a new Draft version carrying the data of target.
// An empty ecn falls back to the current ECN.
func (a *EntityAggregate) Restore(target int, ecn, notes, actor string, at time.Time) (int, error) {
	if err := a.requireExists(); err != nil {
		return 0, err
	}
	snap, err := a.Snapshot(target)
	if err != nil {
		return 0, err
	}
	if strings.TrimSpace(ecn) == "" {
		ecn = a.State.CurrentECN
	}
	if err := requireECN(ecn); err != nil {
		return 0, err
	}
	if notes == "" {
		notes = fmt.Sprintf("Restored from version %d", target)
	}

	version := NextVersion(OpRestore, a.State.CurrentVersion, a.State.Status)
	err = a.Apply(VersionRestoredEvent{
		Identity:     a.State.Identity,
		Version:      version,
		RestoredFrom: target,
		ECN:          ecn,
		Notes:        notes,
		RestoredBy:   actor,
		RestoredAt:   at,
		Data:         snap.Data.Clone(),
	})
	return version, err
}

// Delete removes the entity and its history. Callers check Work Order pins first.
func (a *EntityAggregate) Delete(actor string, at time.Time) error {
	if err := a.requireExists(); err != nil {
		return err
	}
	return a.Apply(EntityDeletedEvent{
		Kind:      a.State.Kind,
		Identity:  a.State.Identity,
		DeletedBy: actor,
		DeletedAt: at,
	})
}

// applyEvent applies an event to the entity state
func (a *EntityAggregate) applyEvent(event interface{}) error {
	switch e := event.(type) {
	case EntityRegisteredEvent:
		a.State = EntityState{
			Kind:       e.Kind,
			Identity:   e.Identity,
			Status:     StatusDraft,
			Working:    e.Data.Clone(),
			Registered: true,
			CreatedBy:  e.CreatedBy,
			CreatedAt:  e.CreatedAt,
			UpdatedAt:  e.CreatedAt,
		}

	case EntityUpdatedEvent:
		a.State.Working = e.Data.Clone()
		a.State.UpdatedAt = e.UpdatedAt

	case VersionPublishedEvent:
		if err := a.putSnapshot(&Snapshot{
			Version:     e.Version,
			Status:      StatusPublished,
			ECN:         e.ECN,
			Notes:       e.Notes,
			PublishedBy: e.PublishedBy,
			PublishedAt: e.PublishedAt,
			Data:        e.Data.Clone(),
		}); err != nil {
			return err
		}
		a.moveTo(e.Version, StatusPublished, e.ECN, e.PublishedAt)

	case VersionDraftedEvent:
		if err := a.putSnapshot(&Snapshot{
			Version:     e.Version,
			Status:      StatusDraft,
			ECN:         e.ECN,
			Notes:       e.Notes,
			PublishedBy: e.PublishedBy,
			PublishedAt: e.PublishedAt,
			Data:        e.Data.Clone(),
		}); err != nil {
			return err
		}
		a.moveTo(e.Version, StatusDraft, e.ECN, e.PublishedAt)

	case VersionBlockedEvent:
		if e.Data != nil {
			if err := a.putSnapshot(&Snapshot{
				Version:     e.Version,
				Status:      StatusBlocked,
				ECN:         e.ECN,
				Notes:       e.Notes,
				PublishedBy: e.BlockedBy,
				PublishedAt: e.BlockedAt,
				BlockedECN:  e.ECN,
				BlockNotes:  e.Notes,
				Data:        e.Data.Clone(),
			}); err != nil {
				return err
			}
			a.moveTo(e.Version, StatusBlocked, e.ECN, e.BlockedAt)
			return nil
		}
		snap, err := a.Snapshot(e.Version)
		if err != nil {
			return err
		}
		snap.Status = StatusBlocked
		snap.PreviousStatus = e.PreviousStatus
		snap.BlockedECN = e.ECN
		snap.BlockNotes = e.Notes
		a.State.Status = StatusBlocked
		a.State.UpdatedAt = e.BlockedAt

	case VersionUnblockedEvent:
		snap, err := a.Snapshot(e.Version)
		if err != nil {
			return err
		}
		snap.Status = e.Status
		snap.PreviousStatus = ""
		a.State.Status = e.Status
		a.State.UpdatedAt = e.UnblockedAt

	case VersionRestoredEvent:
		if err := a.putSnapshot(&Snapshot{
			Version:      e.Version,
			Status:       StatusDraft,
			ECN:          e.ECN,
			Notes:        e.Notes,
			PublishedBy:  e.RestoredBy,
			PublishedAt:  e.RestoredAt,
			RestoredFrom: e.RestoredFrom,
			Data:         e.Data.Clone(),
		}); err != nil {
			return err
		}
		a.State.Working = e.Data.Clone()
		a.moveTo(e.Version, StatusDraft, e.ECN, e.RestoredAt)

	case EntityDeletedEvent:
		a.State = EntityState{
			Kind:     e.Kind,
			Identity: e.Identity,
			Status:   StatusDraft,
			Deleted:  true,
		}

	default:
		return fmt.Errorf("unknown event type: %T", event)
	}
	return nil
}

// putSnapshot appends the next version or overwrites the current Draft
func (a *EntityAggregate) putSnapshot(s *Snapshot) error {
	n := len(a.State.Snapshots)
	switch {
	case s.Version == n+1:
		a.State.Snapshots = append(a.State.Snapshots, s)
	case s.Version == n && n > 0:
		if a.State.Snapshots[n-1].Status == StatusPublished {
			return fmt.Errorf("version %d is %s and cannot be overwritten", n, a.State.Snapshots[n-1].Status)
		}
		a.State.Snapshots[n-1] = s
	default:
		return fmt.Errorf("version %d does not follow version %d", s.Version, n)
	}
	return nil
}

func (a *EntityAggregate) moveTo(version int, status Status, ecn string, at time.Time) {
	a.State.CurrentVersion = version
	a.State.Status = status
	a.State.CurrentECN = ecn
	a.State.UpdatedAt = at
}
