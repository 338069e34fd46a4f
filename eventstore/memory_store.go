package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"example.com/backstage/plm/domain"
)

type storedEvent struct {
	event     domain.Event
	data      []byte
	processed bool
	lastError string
}

// MemoryStore implements Store in memory. Event data is kept serialized so
// loads go through the same codec as the database store.
type MemoryStore struct {
	mu         sync.RWMutex
	events     map[string][]*storedEvent
	outbox     []*storedEvent
	entities   map[string]EntityRecord
	versions   map[string]map[int]VersionRecord
	workOrders map[string]domain.WorkOrder
	ecns       []domain.ECN
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:     map[string][]*storedEvent{},
		entities:   map[string]EntityRecord{},
		versions:   map[string]map[int]VersionRecord{},
		workOrders: map[string]domain.WorkOrder{},
	}
}

func (s *MemoryStore) lastVersion(aggregateID string) int {
	stored := s.events[aggregateID]
	if len(stored) == 0 {
		return 0
	}
	return stored[len(stored)-1].event.Version
}

// Save saves an aggregate's events and updates the read model atomically
func (s *MemoryStore) Save(ctx context.Context, aggregate domain.Aggregate) error {
	events := aggregate.GetEvents()
	if len(events) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	aggregateID := aggregate.GetID()
	if events[0].Version != s.lastVersion(aggregateID)+1 {
		return domain.NewConflictError(fmt.Sprintf("%s was modified concurrently, reload and retry", aggregateID))
	}

	batch := make([]*storedEvent, 0, len(events))
	for i := range events {
		if events[i].ID == "" {
			events[i].ID = uuid.New().String()
		}
		data, err := json.Marshal(events[i].Data)
		if err != nil {
			return fmt.Errorf("failed to marshal event data: %w", err)
		}
		stored := &storedEvent{event: events[i], data: data}
		stored.event.Data = nil
		batch = append(batch, stored)
	}

	if entity, ok := aggregate.(*domain.EntityAggregate); ok {
		if err := s.project(entity, events); err != nil {
			return err
		}
	}

	if tombstone, ok := deletedIn(events); ok {
		kept := s.events[aggregateID][:0]
		for _, e := range s.events[aggregateID] {
			if e.event.Version >= tombstone.Version {
				kept = append(kept, e)
			}
		}
		s.events[aggregateID] = kept
	}

	s.events[aggregateID] = append(s.events[aggregateID], batch...)
	s.outbox = append(s.outbox, batch...)
	aggregate.ClearEvents()
	return nil
}

func (s *MemoryStore) project(entity *domain.EntityAggregate, events []domain.Event) error {
	aggregateID := entity.GetID()

	if _, ok := deletedIn(events); ok {
		if entity.State.Kind == domain.KindBOM {
			if pins := s.countPins(entity.State.Identity); pins > 0 {
				return domain.NewConflictError(fmt.Sprintf("BOM %s is pinned by %d work order(s) and cannot be deleted", entity.State.Identity, pins))
			}
		}
		delete(s.entities, aggregateID)
		delete(s.versions, aggregateID)
		return nil
	}

	s.entities[aggregateID] = entityRecordOf(entity)

	touched := touchedVersions(events)
	if len(touched) > 0 && s.versions[aggregateID] == nil {
		s.versions[aggregateID] = map[int]VersionRecord{}
	}
	for _, version := range touched {
		snap, err := entity.Snapshot(version)
		if err != nil {
			return err
		}
		s.versions[aggregateID][version] = versionRecordOf(entity, snap)
	}
	return nil
}

// Load loads an aggregate from the store
func (s *MemoryStore) Load(ctx context.Context, aggregate domain.Aggregate) error {
	events, err := s.GetEvents(ctx, aggregate.GetID())
	if err != nil {
		return err
	}
	for _, event := range events {
		if err := aggregate.Replay(event); err != nil {
			return err
		}
	}
	aggregate.ClearEvents()
	return nil
}

// Exists checks if an aggregate exists and was not deleted
func (s *MemoryStore) Exists(ctx context.Context, aggregateID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.events[aggregateID]
	return len(stored) > 0 && stored[len(stored)-1].event.Type != domain.EntityDeleted, nil
}

// GetEvents gets all events for an aggregate
func (s *MemoryStore) GetEvents(ctx context.Context, aggregateID string) ([]domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Event, 0, len(s.events[aggregateID]))
	for _, stored := range s.events[aggregateID] {
		event, err := stored.decode()
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	return out, nil
}

func (e *storedEvent) decode() (domain.Event, error) {
	data, err := domain.DecodeEventData(e.event.Type, e.data)
	if err != nil {
		return domain.Event{}, err
	}
	event := e.event
	event.Data = data
	return event, nil
}

// GetUnprocessedEvents gets unprocessed events in commit order
func (s *MemoryStore) GetUnprocessedEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Event
	for _, stored := range s.outbox {
		if stored.processed {
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		event, err := stored.decode()
		if err != nil {
			event = stored.event
		}
		out = append(out, event)
	}
	return out, nil
}

// MarkEventAsProcessed marks an event as processed
func (s *MemoryStore) MarkEventAsProcessed(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, stored := range s.outbox {
		if stored.event.ID == eventID {
			stored.processed = true
			stored.lastError = ""
			return nil
		}
	}
	return domain.NewNotFoundError(fmt.Sprintf("event %s not found", eventID))
}

// MarkEventAsFailed records the last processing error of an event
func (s *MemoryStore) MarkEventAsFailed(ctx context.Context, eventID string, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, stored := range s.outbox {
		if stored.event.ID == eventID {
			stored.lastError = cause.Error()
			return nil
		}
	}
	return domain.NewNotFoundError(fmt.Sprintf("event %s not found", eventID))
}

// GetEntity returns the read model of an entity
func (s *MemoryStore) GetEntity(ctx context.Context, kind domain.Kind, identity string) (*EntityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.entities[domain.EntityAggregateID(kind, identity)]
	if !ok {
		return nil, domain.NewNotFoundError(fmt.Sprintf("%s %s not found", kind.Label(), identity))
	}
	rec.Data = rec.Data.Clone()
	return &rec, nil
}

// ListEntities lists entities of a kind, optionally filtered by status
func (s *MemoryStore) ListEntities(ctx context.Context, kind domain.Kind, status domain.Status, limit, offset int) ([]EntityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = defaultPageSize
	}

	var all []EntityRecord
	for _, rec := range s.entities {
		if rec.Kind != kind {
			continue
		}
		if status != "" && rec.ReportedStatus() != status {
			continue
		}
		rec.Data = rec.Data.Clone()
		all = append(all, rec)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Identity < all[j].Identity })

	if offset >= len(all) {
		return []EntityRecord{}, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// ListVersions returns the snapshots of an entity, newest first
func (s *MemoryStore) ListVersions(ctx context.Context, kind domain.Kind, identity string) ([]VersionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.versions[domain.EntityAggregateID(kind, identity)]
	out := make([]VersionRecord, 0, len(versions))
	for _, vr := range versions {
		out = append(out, cloneVersion(vr))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

// GetVersion returns one snapshot of an entity
func (s *MemoryStore) GetVersion(ctx context.Context, kind domain.Kind, identity string, version int) (*VersionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vr, ok := s.versions[domain.EntityAggregateID(kind, identity)][version]
	if !ok {
		return nil, domain.NewNotFoundError(fmt.Sprintf("version %d of %s %s not found", version, kind.Label(), identity))
	}
	vr = cloneVersion(vr)
	return &vr, nil
}

// GetVersionByName returns a snapshot by its external name
func (s *MemoryStore) GetVersionByName(ctx context.Context, kind domain.Kind, name string) (*VersionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, versions := range s.versions {
		for _, vr := range versions {
			if vr.Kind == kind && vr.Name == name {
				vr = cloneVersion(vr)
				return &vr, nil
			}
		}
	}
	return nil, domain.NewNotFoundError(fmt.Sprintf("%s version %s not found", kind.Label(), name))
}

// ListVersionsByECN returns the snapshots produced under an ECN
func (s *MemoryStore) ListVersionsByECN(ctx context.Context, ecn string) ([]VersionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []VersionRecord{}
	for _, versions := range s.versions {
		for _, vr := range versions {
			if vr.ECN == ecn {
				out = append(out, cloneVersion(vr))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		if out[i].Identity != out[j].Identity {
			return out[i].Identity < out[j].Identity
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

func cloneVersion(vr VersionRecord) VersionRecord {
	vr.Data = vr.Data.Clone()
	return vr
}

// CreateWorkOrder inserts a Work Order pin
func (s *MemoryStore) CreateWorkOrder(ctx context.Context, wo *domain.WorkOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bom, ok := s.entities[domain.EntityAggregateID(domain.KindBOM, wo.BOM)]
	if !ok {
		return domain.NewNotFoundError(fmt.Sprintf("BOM %s not found", wo.BOM))
	}
	if bom.Status != domain.StatusPublished || bom.CurrentVersion != wo.BOMVersion {
		return domain.NewConflictError(fmt.Sprintf("BOM %s changed while the work order was being created", wo.BOM))
	}
	if _, exists := s.workOrders[wo.ID]; exists {
		return domain.NewConflictError(fmt.Sprintf("work order %s already exists", wo.ID))
	}

	stored := *wo
	stored.BOMSnapshot = wo.BOMSnapshot.Clone()
	s.workOrders[wo.ID] = stored
	return nil
}

// GetWorkOrder returns a Work Order with its pin
func (s *MemoryStore) GetWorkOrder(ctx context.Context, id string) (*domain.WorkOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wo, ok := s.workOrders[id]
	if !ok {
		return nil, domain.NewNotFoundError(fmt.Sprintf("work order %s not found", id))
	}
	wo.BOMSnapshot = wo.BOMSnapshot.Clone()
	return &wo, nil
}

// CountWorkOrderPins counts the Work Orders pinned to a BOM
func (s *MemoryStore) CountWorkOrderPins(ctx context.Context, bom string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.countPins(bom), nil
}

func (s *MemoryStore) countPins(bom string) int64 {
	var n int64
	for _, wo := range s.workOrders {
		if wo.BOM == bom {
			n++
		}
	}
	return n
}

// CreateECN assigns the next ECN name and inserts the record
func (s *MemoryStore) CreateECN(ctx context.Context, ecn *domain.ECN) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ecn.Name = domain.FormatECNName(int64(len(s.ecns) + 1))
	s.ecns = append(s.ecns, *ecn)
	return nil
}

// GetECN returns an ECN by name
func (s *MemoryStore) GetECN(ctx context.Context, name string) (*domain.ECN, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, ecn := range s.ecns {
		if ecn.Name == name {
			out := ecn
			return &out, nil
		}
	}
	return nil, domain.NewNotFoundError(fmt.Sprintf("ECN %s not found", name))
}

// ListECNs lists ECNs, newest first
func (s *MemoryStore) ListECNs(ctx context.Context, limit, offset int) ([]domain.ECN, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = defaultPageSize
	}
	out := []domain.ECN{}
	for i := len(s.ecns) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.ecns[i])
	}
	return out, nil
}
