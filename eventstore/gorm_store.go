package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"example.com/backstage/plm/domain"
	"example.com/backstage/plm/models"
)

const defaultPageSize = 100

// GormEventStore implements Store using GORM
type GormEventStore struct {
	db *gorm.DB
}

// NewGormEventStore creates a new GORM event store. The connection should be
// opened with TranslateError so duplicate keys surface as conflicts.
func NewGormEventStore(db *gorm.DB) *GormEventStore {
	return &GormEventStore{db: db}
}

// Save saves an aggregate's events and updates the read model in one transaction
func (s *GormEventStore) Save(ctx context.Context, aggregate domain.Aggregate) error {
	events := aggregate.GetEvents()
	if len(events) == 0 {
		return nil
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range events {
			event := &events[i]
			if event.ID == "" {
				event.ID = uuid.New().String()
			}

			data, err := json.Marshal(event.Data)
			if err != nil {
				return errors.Wrap(err, "failed to marshal event data")
			}

			dbEvent := models.Event{
				EventID:       event.ID,
				AggregateID:   event.AggregateID,
				AggregateType: event.AggregateType,
				EventType:     event.Type,
				Data:          data,
				Version:       event.Version,
				Timestamp:     event.Timestamp,
				Processed:     false,
			}

			if err := tx.Create(&dbEvent).Error; err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return domain.WrapConflict(fmt.Sprintf("%s was modified concurrently, reload and retry", event.AggregateID), err)
				}
				return errors.Wrap(err, "failed to save event")
			}
		}

		if entity, ok := aggregate.(*domain.EntityAggregate); ok {
			return s.project(tx, entity, events)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, event := range events {
		log.Info().
			Str("aggregateID", event.AggregateID).
			Str("eventType", event.Type).
			Int("version", event.Version).
			Msg("Event saved")
	}

	aggregate.ClearEvents()
	return nil
}

// project writes the entity and snapshot rows touched by a batch of events
func (s *GormEventStore) project(tx *gorm.DB, entity *domain.EntityAggregate, events []domain.Event) error {
	aggregateID := entity.GetID()

	if tombstone, ok := deletedIn(events); ok {
		if entity.State.Kind == domain.KindBOM {
			var pins int64
			if err := tx.Model(&models.WorkOrder{}).Where("bom = ?", entity.State.Identity).Count(&pins).Error; err != nil {
				return errors.Wrap(err, "failed to count work order pins")
			}
			if pins > 0 {
				return domain.NewConflictError(fmt.Sprintf("BOM %s is pinned by %d work order(s) and cannot be deleted", entity.State.Identity, pins))
			}
		}
		if err := tx.Where("aggregate_id = ? AND version < ?", aggregateID, tombstone.Version).Delete(&models.Event{}).Error; err != nil {
			return errors.Wrap(err, "failed to purge events")
		}
		if err := tx.Where("aggregate_id = ?", aggregateID).Delete(&models.EntityVersion{}).Error; err != nil {
			return errors.Wrap(err, "failed to delete versions")
		}
		if err := tx.Where("aggregate_id = ?", aggregateID).Delete(&models.Entity{}).Error; err != nil {
			return errors.Wrap(err, "failed to delete entity")
		}
		return nil
	}

	rec := entityRecordOf(entity)
	data, err := domain.EncodePayload(rec.Data)
	if err != nil {
		return errors.Wrap(err, "failed to encode entity data")
	}

	row := models.Entity{
		AggregateID:    aggregateID,
		Kind:           string(rec.Kind),
		Identity:       rec.Identity,
		Status:         string(rec.Status),
		CurrentVersion: rec.CurrentVersion,
		CurrentECN:     rec.CurrentECN,
		Revision:       rec.Revision,
		Data:           data,
		CreatedBy:      rec.CreatedBy,
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
	}
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "aggregate_id"}},
		UpdateAll: true,
	}).Create(&row).Error; err != nil {
		return errors.Wrap(err, "failed to upsert entity")
	}

	for _, version := range touchedVersions(events) {
		snap, err := entity.Snapshot(version)
		if err != nil {
			return err
		}
		vr := versionRecordOf(entity, snap)
		data, err := domain.EncodePayload(vr.Data)
		if err != nil {
			return errors.Wrap(err, "failed to encode snapshot data")
		}

		row := models.EntityVersion{
			Name:           vr.Name,
			Kind:           string(vr.Kind),
			AggregateID:    aggregateID,
			Identity:       vr.Identity,
			Version:        vr.Version,
			Status:         string(vr.Status),
			PreviousStatus: string(vr.PreviousStatus),
			ECN:            vr.ECN,
			Notes:          vr.Notes,
			PublishedBy:    vr.PublishedBy,
			PublishedAt:    vr.PublishedAt,
			BlockedECN:     vr.BlockedECN,
			BlockNotes:     vr.BlockNotes,
			RestoredFrom:   vr.RestoredFrom,
			Data:           data,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "aggregate_id"}, {Name: "version"}},
			UpdateAll: true,
		}).Create(&row).Error; err != nil {
			return errors.Wrap(err, "failed to upsert version")
		}
	}
	return nil
}

// Load loads an aggregate from the store
func (s *GormEventStore) Load(ctx context.Context, aggregate domain.Aggregate) error {
	aggregateID := aggregate.GetID()
	if aggregateID == "" {
		return fmt.Errorf("aggregate ID is empty")
	}

	var dbEvents []models.Event
	if err := s.db.WithContext(ctx).
		Where("aggregate_id = ?", aggregateID).
		Order("version ASC").
		Find(&dbEvents).Error; err != nil {
		return errors.Wrap(err, "failed to load events")
	}

	for _, dbEvent := range dbEvents {
		event, err := toDomainEvent(dbEvent)
		if err != nil {
			return err
		}
		if err := aggregate.Replay(event); err != nil {
			return err
		}
	}

	aggregate.ClearEvents()
	return nil
}

// Exists checks if an aggregate exists and was not deleted
func (s *GormEventStore) Exists(ctx context.Context, aggregateID string) (bool, error) {
	var last models.Event
	err := s.db.WithContext(ctx).
		Where("aggregate_id = ?", aggregateID).
		Order("version DESC").
		Limit(1).
		Find(&last).Error
	if err != nil {
		return false, errors.Wrap(err, "failed to check if aggregate exists")
	}
	return last.ID != 0 && last.EventType != domain.EntityDeleted, nil
}

// GetEvents gets all events for an aggregate
func (s *GormEventStore) GetEvents(ctx context.Context, aggregateID string) ([]domain.Event, error) {
	var dbEvents []models.Event
	if err := s.db.WithContext(ctx).
		Where("aggregate_id = ?", aggregateID).
		Order("version ASC").
		Find(&dbEvents).Error; err != nil {
		return nil, errors.Wrap(err, "failed to get events")
	}

	events := make([]domain.Event, 0, len(dbEvents))
	for _, dbEvent := range dbEvents {
		event, err := toDomainEvent(dbEvent)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}

// GetUnprocessedEvents gets unprocessed events in commit order
func (s *GormEventStore) GetUnprocessedEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	var dbEvents []models.Event
	if err := s.db.WithContext(ctx).
		Where("processed = ?", false).
		Order("id ASC").
		Limit(limit).
		Find(&dbEvents).Error; err != nil {
		return nil, errors.Wrap(err, "failed to get unprocessed events")
	}

	events := make([]domain.Event, 0, len(dbEvents))
	for _, dbEvent := range dbEvents {
		event, err := toDomainEvent(dbEvent)
		if err != nil {
			// Delivered without data; the processor records the failure.
			log.Warn().Err(err).Str("eventID", dbEvent.EventID).Msg("Undecodable event in outbox")
			event = domain.Event{
				ID:            dbEvent.EventID,
				AggregateID:   dbEvent.AggregateID,
				AggregateType: dbEvent.AggregateType,
				Type:          dbEvent.EventType,
				Version:       dbEvent.Version,
				Timestamp:     dbEvent.Timestamp,
			}
		}
		events = append(events, event)
	}
	return events, nil
}

// MarkEventAsProcessed marks an event as processed
func (s *GormEventStore) MarkEventAsProcessed(ctx context.Context, eventID string) error {
	if err := s.db.WithContext(ctx).
		Model(&models.Event{}).
		Where("event_id = ?", eventID).
		Updates(map[string]interface{}{"processed": true, "error": nil, "updated_at": time.Now()}).
		Error; err != nil {
		return errors.Wrap(err, "failed to mark event as processed")
	}
	return nil
}

// MarkEventAsFailed records the last processing error of an event
func (s *GormEventStore) MarkEventAsFailed(ctx context.Context, eventID string, cause error) error {
	msg := cause.Error()
	if err := s.db.WithContext(ctx).
		Model(&models.Event{}).
		Where("event_id = ?", eventID).
		Updates(map[string]interface{}{
			"error":      msg,
			"attempts":   gorm.Expr("attempts + 1"),
			"updated_at": time.Now(),
		}).Error; err != nil {
		return errors.Wrap(err, "failed to mark event as failed")
	}
	return nil
}

// GetEntity returns the read model of an entity
func (s *GormEventStore) GetEntity(ctx context.Context, kind domain.Kind, identity string) (*EntityRecord, error) {
	var row models.Entity
	err := s.db.WithContext(ctx).
		Where("kind = ? AND identity = ?", string(kind), identity).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.NewNotFoundError(fmt.Sprintf("%s %s not found", kind.Label(), identity))
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get entity")
	}
	return toEntityRecord(row)
}

// ListEntities lists entities of a kind, optionally filtered by status
func (s *GormEventStore) ListEntities(ctx context.Context, kind domain.Kind, status domain.Status, limit, offset int) ([]EntityRecord, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}

	q := s.db.WithContext(ctx).Where("kind = ?", string(kind))
	switch status {
	case "":
	case domain.StatusUnversioned:
		q = q.Where("current_version = 0")
	default:
		q = q.Where("status = ? AND current_version > 0", string(status))
	}

	var rows []models.Entity
	if err := q.Order("identity ASC").Limit(limit).Offset(offset).Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list entities")
	}

	out := make([]EntityRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := toEntityRecord(row)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}

// ListVersions returns the snapshots of an entity, newest first
func (s *GormEventStore) ListVersions(ctx context.Context, kind domain.Kind, identity string) ([]VersionRecord, error) {
	var rows []models.EntityVersion
	if err := s.db.WithContext(ctx).
		Where("kind = ? AND identity = ?", string(kind), identity).
		Order("version DESC").
		Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list versions")
	}
	return toVersionRecords(rows)
}

// GetVersion returns one snapshot of an entity
func (s *GormEventStore) GetVersion(ctx context.Context, kind domain.Kind, identity string, version int) (*VersionRecord, error) {
	return s.findVersion(ctx, fmt.Sprintf("version %d of %s %s", version, kind.Label(), identity),
		"kind = ? AND identity = ? AND version = ?", string(kind), identity, version)
}

// GetVersionByName returns a snapshot by its external name
func (s *GormEventStore) GetVersionByName(ctx context.Context, kind domain.Kind, name string) (*VersionRecord, error) {
	return s.findVersion(ctx, fmt.Sprintf("%s version %s", kind.Label(), name),
		"kind = ? AND name = ?", string(kind), name)
}

func (s *GormEventStore) findVersion(ctx context.Context, what string, query string, args ...interface{}) (*VersionRecord, error) {
	var row models.EntityVersion
	err := s.db.WithContext(ctx).Where(query, args...).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.NewNotFoundError(what + " not found")
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get version")
	}
	return toVersionRecord(row)
}

// ListVersionsByECN returns the snapshots produced under an ECN
func (s *GormEventStore) ListVersionsByECN(ctx context.Context, ecn string) ([]VersionRecord, error) {
	var rows []models.EntityVersion
	if err := s.db.WithContext(ctx).
		Where("ecn = ?", ecn).
		Order("kind ASC, identity ASC, version ASC").
		Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list versions by ECN")
	}
	return toVersionRecords(rows)
}

// CreateWorkOrder inserts a Work Order pin
func (s *GormEventStore) CreateWorkOrder(ctx context.Context, wo *domain.WorkOrder) error {
	snapshot, err := domain.EncodePayload(wo.BOMSnapshot)
	if err != nil {
		return errors.Wrap(err, "failed to encode bom snapshot")
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var bom models.Entity
		err := tx.Where("kind = ? AND identity = ?", string(domain.KindBOM), wo.BOM).First(&bom).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.NewNotFoundError(fmt.Sprintf("BOM %s not found", wo.BOM))
		}
		if err != nil {
			return errors.Wrap(err, "failed to get bom")
		}
		if bom.Status != string(domain.StatusPublished) || bom.CurrentVersion != wo.BOMVersion {
			return domain.NewConflictError(fmt.Sprintf("BOM %s changed while the work order was being created", wo.BOM))
		}

		row := models.WorkOrder{
			WorkOrderID:         wo.ID,
			BOM:                 wo.BOM,
			BOMVersion:          wo.BOMVersion,
			BOMSnapshot:         snapshot,
			BOMStatusAtCreation: string(wo.BOMStatusAtCreation),
			Qty:                 wo.Qty.String(),
			CreatedBy:           wo.CreatedBy,
			CreatedAt:           wo.CreatedAt,
		}
		if err := tx.Create(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return domain.WrapConflict(fmt.Sprintf("work order %s already exists", wo.ID), err)
			}
			return errors.Wrap(err, "failed to create work order")
		}
		return nil
	})
}

// GetWorkOrder returns a Work Order with its pin
func (s *GormEventStore) GetWorkOrder(ctx context.Context, id string) (*domain.WorkOrder, error) {
	var row models.WorkOrder
	err := s.db.WithContext(ctx).Where("work_order_id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.NewNotFoundError(fmt.Sprintf("work order %s not found", id))
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get work order")
	}
	return toWorkOrder(row)
}

// CountWorkOrderPins counts the Work Orders pinned to a BOM
func (s *GormEventStore) CountWorkOrderPins(ctx context.Context, bom string) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.WorkOrder{}).Where("bom = ?", bom).Count(&count).Error; err != nil {
		return 0, errors.Wrap(err, "failed to count work order pins")
	}
	return count, nil
}

// CreateECN inserts an ECN and names it after its sequence number
func (s *GormEventStore) CreateECN(ctx context.Context, ecn *domain.ECN) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := models.ECN{
			Name:         "pending-" + uuid.New().String(),
			Title:        ecn.Title,
			ChangeReason: ecn.ChangeReason,
			Description:  ecn.Description,
			Author:       ecn.Author,
			CreationDate: ecn.CreationDate,
		}
		if err := tx.Create(&row).Error; err != nil {
			return errors.Wrap(err, "failed to create ECN")
		}

		row.Name = domain.FormatECNName(int64(row.ID))
		if err := tx.Model(&row).Update("name", row.Name).Error; err != nil {
			return errors.Wrap(err, "failed to name ECN")
		}
		ecn.Name = row.Name
		return nil
	})
}

// GetECN returns an ECN by name
func (s *GormEventStore) GetECN(ctx context.Context, name string) (*domain.ECN, error) {
	var row models.ECN
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.NewNotFoundError(fmt.Sprintf("ECN %s not found", name))
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get ECN")
	}
	ecn := toECN(row)
	return &ecn, nil
}

// ListECNs lists ECNs, newest first
func (s *GormEventStore) ListECNs(ctx context.Context, limit, offset int) ([]domain.ECN, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	var rows []models.ECN
	if err := s.db.WithContext(ctx).Order("id DESC").Limit(limit).Offset(offset).Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list ECNs")
	}
	out := make([]domain.ECN, 0, len(rows))
	for _, row := range rows {
		out = append(out, toECN(row))
	}
	return out, nil
}

func toDomainEvent(dbEvent models.Event) (domain.Event, error) {
	data, err := domain.DecodeEventData(dbEvent.EventType, dbEvent.Data)
	if err != nil {
		return domain.Event{}, err
	}
	return domain.Event{
		ID:            dbEvent.EventID,
		AggregateID:   dbEvent.AggregateID,
		AggregateType: dbEvent.AggregateType,
		Type:          dbEvent.EventType,
		Version:       dbEvent.Version,
		Timestamp:     dbEvent.Timestamp,
		Data:          data,
	}, nil
}

func toEntityRecord(row models.Entity) (*EntityRecord, error) {
	data, err := domain.DecodePayload(row.Data)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode data of %s", row.AggregateID)
	}
	return &EntityRecord{
		Kind:           domain.Kind(row.Kind),
		Identity:       row.Identity,
		Status:         domain.Status(row.Status),
		CurrentVersion: row.CurrentVersion,
		CurrentECN:     row.CurrentECN,
		Revision:       row.Revision,
		Data:           data,
		CreatedBy:      row.CreatedBy,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
	}, nil
}

func toVersionRecord(row models.EntityVersion) (*VersionRecord, error) {
	data, err := domain.DecodePayload(row.Data)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode snapshot %s", row.Name)
	}
	return &VersionRecord{
		Name:     row.Name,
		Kind:     domain.Kind(row.Kind),
		Identity: row.Identity,
		Snapshot: domain.Snapshot{
			Version:        row.Version,
			Status:         domain.Status(row.Status),
			PreviousStatus: domain.Status(row.PreviousStatus),
			ECN:            row.ECN,
			Notes:          row.Notes,
			PublishedBy:    row.PublishedBy,
			PublishedAt:    row.PublishedAt,
			BlockedECN:     row.BlockedECN,
			BlockNotes:     row.BlockNotes,
			RestoredFrom:   row.RestoredFrom,
			Data:           data,
		},
	}, nil
}

func toVersionRecords(rows []models.EntityVersion) ([]VersionRecord, error) {
	out := make([]VersionRecord, 0, len(rows))
	for _, row := range rows {
		vr, err := toVersionRecord(row)
		if err != nil {
			return nil, err
		}
		out = append(out, *vr)
	}
	return out, nil
}

func toWorkOrder(row models.WorkOrder) (*domain.WorkOrder, error) {
	snapshot, err := domain.DecodePayload(row.BOMSnapshot)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode pin of work order %s", row.WorkOrderID)
	}
	wo := &domain.WorkOrder{
		ID:                  row.WorkOrderID,
		BOM:                 row.BOM,
		BOMVersion:          row.BOMVersion,
		BOMSnapshot:         snapshot,
		BOMStatusAtCreation: domain.Status(row.BOMStatusAtCreation),
		CreatedBy:           row.CreatedBy,
		CreatedAt:           row.CreatedAt,
	}
	if row.Qty != "" {
		if err := wo.Qty.UnmarshalText([]byte(row.Qty)); err != nil {
			return nil, errors.Wrapf(err, "invalid qty on work order %s", row.WorkOrderID)
		}
	}
	return wo, nil
}

func toECN(row models.ECN) domain.ECN {
	return domain.ECN{
		Name:         row.Name,
		Title:        row.Title,
		ChangeReason: row.ChangeReason,
		Description:  row.Description,
		Author:       row.Author,
		CreationDate: row.CreationDate,
	}
}
