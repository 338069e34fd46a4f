package eventstore

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/backstage/plm/config"
	"example.com/backstage/plm/domain"
	"example.com/backstage/plm/internal/database"
)

var now = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func sqliteStore(t *testing.T) Store {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.Open(config.DatabaseConfig{
		Driver: "sqlite",
		Source: fmt.Sprintf("file:%s?mode=memory&cache=shared", name),
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() { _ = database.Close(db) })
	return NewGormEventStore(db)
}

func forEachStore(t *testing.T, fn func(t *testing.T, store Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
	t.Run("gorm", func(t *testing.T) { fn(t, sqliteStore(t)) })
}

func bom(lines ...string) domain.Payload {
	data := domain.BOMData{Item: "FG-1", Quantity: decimal.NewFromInt(1)}
	for _, code := range lines {
		data.Items = append(data.Items, domain.BOMLine{ItemCode: code, Qty: decimal.NewFromInt(1)})
	}
	return domain.NewBOMPayload(data)
}

func registerBOM(t *testing.T, ctx context.Context, store Store, identity string) *domain.EntityAggregate {
	t.Helper()
	a := domain.NewEntityAggregate(domain.KindBOM, identity)
	require.NoError(t, a.Register(bom("RM-1"), "eng", now))
	require.NoError(t, store.Save(ctx, a))
	return a
}

func load(t *testing.T, ctx context.Context, store Store, identity string) *domain.EntityAggregate {
	t.Helper()
	a := domain.NewEntityAggregate(domain.KindBOM, identity)
	require.NoError(t, store.Load(ctx, a))
	return a
}

func TestStore_SaveLoadAndReadModel(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		a := registerBOM(t, ctx, store, "BOM-1")
		_, err := a.Publish("ECN000001", "first", "eng", now)
		require.NoError(t, err)
		_, err = a.SaveAsDraft("ECN000002", "", "eng", now)
		require.NoError(t, err)
		require.NoError(t, store.Save(ctx, a))
		assert.Empty(t, a.GetEvents())

		b := load(t, ctx, store, "BOM-1")
		assert.Equal(t, 2, b.State.CurrentVersion)
		assert.Equal(t, domain.StatusDraft, b.State.Status)
		assert.Equal(t, 3, b.GetRevision())

		rec, err := store.GetEntity(ctx, domain.KindBOM, "BOM-1")
		require.NoError(t, err)
		assert.Equal(t, 2, rec.CurrentVersion)
		assert.Equal(t, "ECN000002", rec.CurrentECN)
		assert.Equal(t, "FG-1", rec.Data.BOM.Item)

		versions, err := store.ListVersions(ctx, domain.KindBOM, "BOM-1")
		require.NoError(t, err)
		require.Len(t, versions, 2)
		assert.Equal(t, 2, versions[0].Version)
		assert.Equal(t, "BOM-1-v1", versions[1].Name)

		vr, err := store.GetVersionByName(ctx, domain.KindBOM, "BOM-1-v1")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPublished, vr.Status)
		assert.Equal(t, "RM-1", vr.Data.BOM.Items[0].ItemCode)

		_, err = store.GetVersion(ctx, domain.KindBOM, "BOM-1", 7)
		assert.True(t, domain.IsNotFoundError(err))

		linked, err := store.ListVersionsByECN(ctx, "ECN000001")
		require.NoError(t, err)
		require.Len(t, linked, 1)
		assert.Equal(t, 1, linked[0].Version)

		exists, err := store.Exists(ctx, a.GetID())
		require.NoError(t, err)
		assert.True(t, exists)
	})
}

func TestStore_DraftOverwriteUpdatesVersionRow(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		a := registerBOM(t, ctx, store, "BOM-1")
		_, err := a.SaveAsDraft("ECN000001", "", "eng", now)
		require.NoError(t, err)
		require.NoError(t, store.Save(ctx, a))

		require.NoError(t, a.UpdateData(bom("RM-1", "RM-2"), "eng", now))
		_, err = a.Publish("ECN000002", "", "eng", now)
		require.NoError(t, err)
		require.NoError(t, store.Save(ctx, a))

		versions, err := store.ListVersions(ctx, domain.KindBOM, "BOM-1")
		require.NoError(t, err)
		require.Len(t, versions, 1)
		assert.Equal(t, domain.StatusPublished, versions[0].Status)
		assert.Len(t, versions[0].Data.BOM.Items, 2)
	})
}

func TestStore_ConcurrentSaveConflicts(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		registerBOM(t, ctx, store, "BOM-1")

		first := load(t, ctx, store, "BOM-1")
		second := load(t, ctx, store, "BOM-1")

		_, err := first.Publish("ECN000001", "", "eng", now)
		require.NoError(t, err)
		_, err = second.Publish("ECN000002", "", "eng", now)
		require.NoError(t, err)

		require.NoError(t, store.Save(ctx, first))
		err = store.Save(ctx, second)
		assert.True(t, domain.IsConflictError(err), "got %v", err)

		versions, err := store.ListVersions(ctx, domain.KindBOM, "BOM-1")
		require.NoError(t, err)
		require.Len(t, versions, 1)
		assert.Equal(t, "ECN000001", versions[0].ECN)
	})
}

func TestStore_DeletePurgesHistory(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		a := registerBOM(t, ctx, store, "BOM-1")
		_, err := a.Publish("ECN000001", "", "eng", now)
		require.NoError(t, err)
		require.NoError(t, store.Save(ctx, a))

		require.NoError(t, a.Delete("eng", now))
		require.NoError(t, store.Save(ctx, a))

		_, err = store.GetEntity(ctx, domain.KindBOM, "BOM-1")
		assert.True(t, domain.IsNotFoundError(err))

		versions, err := store.ListVersions(ctx, domain.KindBOM, "BOM-1")
		require.NoError(t, err)
		assert.Empty(t, versions)

		events, err := store.GetEvents(ctx, a.GetID())
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, domain.EntityDeleted, events[0].Type)

		exists, err := store.Exists(ctx, a.GetID())
		require.NoError(t, err)
		assert.False(t, exists)

		again := load(t, ctx, store, "BOM-1")
		assert.False(t, again.Exists())
		require.NoError(t, again.Register(bom("RM-9"), "eng", now))
		require.NoError(t, store.Save(ctx, again))

		rec, err := store.GetEntity(ctx, domain.KindBOM, "BOM-1")
		require.NoError(t, err)
		assert.Equal(t, 0, rec.CurrentVersion)
	})
}

func TestStore_WorkOrderPins(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		a := registerBOM(t, ctx, store, "BOM-1")
		_, err := a.Publish("ECN000001", "", "eng", now)
		require.NoError(t, err)
		require.NoError(t, store.Save(ctx, a))

		snap, err := a.Snapshot(1)
		require.NoError(t, err)

		wo := &domain.WorkOrder{
			ID:                  "WO-0001",
			BOM:                 "BOM-1",
			BOMVersion:          1,
			BOMSnapshot:         snap.Data,
			BOMStatusAtCreation: domain.StatusPublished,
			Qty:                 decimal.NewFromInt(5),
			CreatedBy:           "planner",
			CreatedAt:           now,
		}
		require.NoError(t, store.CreateWorkOrder(ctx, wo))
		assert.True(t, domain.IsConflictError(store.CreateWorkOrder(ctx, wo)))

		stale := *wo
		stale.ID = "WO-0002"
		stale.BOMVersion = 2
		assert.True(t, domain.IsConflictError(store.CreateWorkOrder(ctx, &stale)))

		got, err := store.GetWorkOrder(ctx, "WO-0001")
		require.NoError(t, err)
		assert.Equal(t, 1, got.BOMVersion)
		assert.True(t, got.Qty.Equal(decimal.NewFromInt(5)))
		assert.Equal(t, "RM-1", got.BOMSnapshot.BOM.Items[0].ItemCode)

		pins, err := store.CountWorkOrderPins(ctx, "BOM-1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), pins)

		require.NoError(t, a.Delete("eng", now))
		err = store.Save(ctx, a)
		assert.True(t, domain.IsConflictError(err))

		_, err = store.GetEntity(ctx, domain.KindBOM, "BOM-1")
		assert.NoError(t, err, "a refused delete leaves the entity in place")

		_, err = store.GetWorkOrder(ctx, "WO-9999")
		assert.True(t, domain.IsNotFoundError(err))
	})
}

func TestStore_ECNSequence(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		first := &domain.ECN{Title: "Change 1", ChangeReason: "cost", Author: "eng", CreationDate: now}
		second := &domain.ECN{Title: "Change 2", ChangeReason: "quality", Author: "eng", CreationDate: now}

		require.NoError(t, store.CreateECN(ctx, first))
		require.NoError(t, store.CreateECN(ctx, second))
		assert.Equal(t, "ECN000001", first.Name)
		assert.Equal(t, "ECN000002", second.Name)

		got, err := store.GetECN(ctx, "ECN000002")
		require.NoError(t, err)
		assert.Equal(t, "quality", got.ChangeReason)

		list, err := store.ListECNs(ctx, 10, 0)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "ECN000002", list[0].Name)
	})
}

func TestStore_Outbox(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		a := registerBOM(t, ctx, store, "BOM-1")
		_, err := a.Publish("ECN000001", "", "eng", now)
		require.NoError(t, err)
		require.NoError(t, store.Save(ctx, a))

		pending, err := store.GetUnprocessedEvents(ctx, 10)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, domain.EntityRegistered, pending[0].Type)
		published, ok := pending[1].Data.(domain.VersionPublishedEvent)
		require.True(t, ok)
		assert.Equal(t, 1, published.Version)

		require.NoError(t, store.MarkEventAsFailed(ctx, pending[0].ID, assert.AnError))
		require.NoError(t, store.MarkEventAsProcessed(ctx, pending[1].ID))

		pending, err = store.GetUnprocessedEvents(ctx, 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, domain.EntityRegistered, pending[0].Type)
	})
}

func TestStore_ListEntities(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		a := registerBOM(t, ctx, store, "BOM-A")
		registerBOM(t, ctx, store, "BOM-B")
		_, err := a.Publish("ECN000001", "", "eng", now)
		require.NoError(t, err)
		require.NoError(t, store.Save(ctx, a))

		all, err := store.ListEntities(ctx, domain.KindBOM, "", 0, 0)
		require.NoError(t, err)
		assert.Len(t, all, 2)

		published, err := store.ListEntities(ctx, domain.KindBOM, domain.StatusPublished, 0, 0)
		require.NoError(t, err)
		require.Len(t, published, 1)
		assert.Equal(t, "BOM-A", published[0].Identity)

		unversioned, err := store.ListEntities(ctx, domain.KindBOM, domain.StatusUnversioned, 0, 0)
		require.NoError(t, err)
		require.Len(t, unversioned, 1)
		assert.Equal(t, "BOM-B", unversioned[0].Identity)
	})
}
