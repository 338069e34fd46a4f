package eventstore

import (
	"context"
	"time"

	"example.com/backstage/plm/domain"
)

// EventStore is the interface for event storage
type EventStore interface {
	// Save saves an aggregate's events to the store. A concurrent save of the
	// same aggregate revision fails with a domain ConflictError.
	Save(ctx context.Context, aggregate domain.Aggregate) error

	// Load loads an aggregate from the store
	Load(ctx context.Context, aggregate domain.Aggregate) error

	// Exists checks if an aggregate exists
	Exists(ctx context.Context, aggregateID string) (bool, error)

	// GetEvents gets all events for an aggregate
	GetEvents(ctx context.Context, aggregateID string) ([]domain.Event, error)

	// GetUnprocessedEvents gets all unprocessed events
	GetUnprocessedEvents(ctx context.Context, limit int) ([]domain.Event, error)

	// MarkEventAsProcessed marks an event as processed
	MarkEventAsProcessed(ctx context.Context, eventID string) error

	// MarkEventAsFailed records a processing error; the event is retried
	MarkEventAsFailed(ctx context.Context, eventID string, cause error) error
}

// ReadModel serves queries from the entity and version tables that Save
// keeps in step with the events.
type ReadModel interface {
	GetEntity(ctx context.Context, kind domain.Kind, identity string) (*EntityRecord, error)
	ListEntities(ctx context.Context, kind domain.Kind, status domain.Status, limit, offset int) ([]EntityRecord, error)
	ListVersions(ctx context.Context, kind domain.Kind, identity string) ([]VersionRecord, error)
	GetVersion(ctx context.Context, kind domain.Kind, identity string, version int) (*VersionRecord, error)
	GetVersionByName(ctx context.Context, kind domain.Kind, name string) (*VersionRecord, error)
	ListVersionsByECN(ctx context.Context, ecn string) ([]VersionRecord, error)
}

// WorkOrderStore persists Work Order pins
type WorkOrderStore interface {
	// CreateWorkOrder inserts a pin if the BOM is still at the pinned
	// Published version, otherwise it fails with a ConflictError.
	CreateWorkOrder(ctx context.Context, wo *domain.WorkOrder) error
	GetWorkOrder(ctx context.Context, id string) (*domain.WorkOrder, error)
	CountWorkOrderPins(ctx context.Context, bom string) (int64, error)
}

// ECNStore persists Engineering Change Notices
type ECNStore interface {
	// CreateECN assigns the next ECN name and inserts the record
	CreateECN(ctx context.Context, ecn *domain.ECN) error
	GetECN(ctx context.Context, name string) (*domain.ECN, error)
	ListECNs(ctx context.Context, limit, offset int) ([]domain.ECN, error)
}

// Store is everything the handlers persist through
type Store interface {
	EventStore
	ReadModel
	WorkOrderStore
	ECNStore
}

// EntityRecord is the read model of a versioned entity
type EntityRecord struct {
	Kind           domain.Kind    `json:"kind"`
	Identity       string         `json:"identity"`
	Status         domain.Status  `json:"plm_status"`
	CurrentVersion int            `json:"current_version"`
	CurrentECN     string         `json:"current_ecn"`
	Revision       int            `json:"revision"`
	Data           domain.Payload `json:"data"`
	CreatedBy      string         `json:"created_by"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// ReportedStatus is Unversioned at version 0
func (r EntityRecord) ReportedStatus() domain.Status {
	return domain.ReportedStatus(r.CurrentVersion, r.Status)
}

// VersionRecord is the read model of one snapshot
type VersionRecord struct {
	Name     string      `json:"name"`
	Kind     domain.Kind `json:"kind"`
	Identity string      `json:"identity"`
	domain.Snapshot
}

func entityRecordOf(a *domain.EntityAggregate) EntityRecord {
	return EntityRecord{
		Kind:           a.State.Kind,
		Identity:       a.State.Identity,
		Status:         a.State.Status,
		CurrentVersion: a.State.CurrentVersion,
		CurrentECN:     a.State.CurrentECN,
		Revision:       a.GetRevision(),
		Data:           a.State.Working.Clone(),
		CreatedBy:      a.State.CreatedBy,
		CreatedAt:      a.State.CreatedAt,
		UpdatedAt:      a.State.UpdatedAt,
	}
}

func versionRecordOf(a *domain.EntityAggregate, s *domain.Snapshot) VersionRecord {
	snap := *s
	snap.Data = s.Data.Clone()
	return VersionRecord{
		Name:     domain.VersionName(a.State.Identity, s.Version),
		Kind:     a.State.Kind,
		Identity: a.State.Identity,
		Snapshot: snap,
	}
}

// touchedVersions lists the snapshot versions written by a batch of events
func touchedVersions(events []domain.Event) []int {
	seen := map[int]bool{}
	var out []int
	for _, e := range events {
		var v int
		switch d := e.Data.(type) {
		case domain.VersionPublishedEvent:
			v = d.Version
		case domain.VersionDraftedEvent:
			v = d.Version
		case domain.VersionBlockedEvent:
			v = d.Version
		case domain.VersionUnblockedEvent:
			v = d.Version
		case domain.VersionRestoredEvent:
			v = d.Version
		default:
			continue
		}
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// deletedIn returns the tombstone of a batch, if any
func deletedIn(events []domain.Event) (domain.Event, bool) {
	for _, e := range events {
		if e.Type == domain.EntityDeleted {
			return e, true
		}
	}
	return domain.Event{}, false
}
