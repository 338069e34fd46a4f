package handlers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/backstage/plm/domain"
	"example.com/backstage/plm/eventstore"
	"example.com/backstage/plm/internal/lock"
	"example.com/backstage/plm/internal/metrics"
)

var (
	engineer = domain.Actor{ID: "eng@example.com", Roles: []string{"Mechanical Engineer"}}
	viewer   = domain.Actor{ID: "viewer@example.com", Roles: []string{"Employee"}}
	clock    = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
)

// seededECNs are registered by every fixture, ECN000001 upward
const seededECNs = 9

type fixture struct {
	store     *eventstore.MemoryStore
	locker    *lock.LocalLocker
	lifecycle *LifecycleHandler
	queries   *QueryHandler
	orders    *WorkOrderHandler
	ecns      *ECNHandler
	metrics   *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := eventstore.NewMemoryStore()
	locker := lock.NewLocalLocker()
	m := metrics.NewMetrics()
	for i := 0; i < seededECNs; i++ {
		require.NoError(t, store.CreateECN(context.Background(), &domain.ECN{
			Title: "Seeded change", ChangeReason: "Test", Author: engineer.ID, CreationDate: clock,
		}))
	}
	lifecycle := NewLifecycleHandler(store, locker,
		WithMetrics(m),
		WithTimeout(2*time.Second),
		WithClock(func() time.Time { return clock }),
	)
	return &fixture{
		store:     store,
		locker:    locker,
		lifecycle: lifecycle,
		queries:   NewQueryHandler(store, lifecycle.Capabilities()),
		orders:    NewWorkOrderHandler(store, locker, nil, m),
		ecns:      NewECNHandler(store),
		metrics:   m,
	}
}

func bomData(lines ...domain.BOMLine) domain.Payload {
	return domain.NewBOMPayload(domain.BOMData{
		Item:     "FG-100",
		Quantity: decimal.NewFromInt(1),
		UOM:      "Nos",
		Items:    lines,
	})
}

func bomLine(code string, qty int64) domain.BOMLine {
	return domain.BOMLine{ItemCode: code, Qty: decimal.NewFromInt(qty), UOM: "Nos", Rate: decimal.NewFromInt(5)}
}

func itemData(code string, docs ...string) domain.Payload {
	item := domain.ItemData{ItemCode: code, ItemName: "Bracket", StockUOM: "Nos"}
	for _, d := range docs {
		item.Documents = append(item.Documents, domain.DocumentLink{Link: d, Version: "A"})
	}
	return domain.NewItemPayload(item)
}

func (f *fixture) registerBOM(t *testing.T, name string) {
	t.Helper()
	_, err := f.lifecycle.HandleRegister(context.Background(), RegisterCommand{
		Kind: domain.KindBOM, Identity: name, Data: bomData(bomLine("RM-1", 2)), Actor: engineer,
	})
	require.NoError(t, err)
}

func (f *fixture) transition(t *testing.T, kind domain.Kind, identity string, op domain.Operation, ecn string) *domain.Result {
	t.Helper()
	res, err := f.lifecycle.HandleTransition(context.Background(), TransitionCommand{
		Kind: kind, Identity: identity, Operation: op, ECN: ecn, Actor: engineer,
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) updateBOM(t *testing.T, name string, lines ...domain.BOMLine) {
	t.Helper()
	_, err := f.lifecycle.HandleUpdate(context.Background(), UpdateCommand{
		Kind: domain.KindBOM, Identity: name, Data: bomData(lines...), Actor: engineer,
	})
	require.NoError(t, err)
}

func TestLifecycle_PublishDraftSequence(t *testing.T) {
	f := newFixture(t)
	f.registerBOM(t, "BOM-1")

	res := f.transition(t, domain.KindBOM, "BOM-1", domain.OpPublish, "ECN000001")
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Version)
	assert.Equal(t, domain.StatusPublished, res.Status)

	// a draft after a publish opens the next version
	res = f.transition(t, domain.KindBOM, "BOM-1", domain.OpSaveAsDraft, "ECN000002")
	assert.Equal(t, 2, res.Version)
	assert.Equal(t, domain.StatusDraft, res.Status)

	// publishing a draft keeps its version
	res = f.transition(t, domain.KindBOM, "BOM-1", domain.OpPublish, "ECN000003")
	assert.Equal(t, 2, res.Version)
	assert.Equal(t, domain.StatusPublished, res.Status)

	res = f.transition(t, domain.KindBOM, "BOM-1", domain.OpPublish, "ECN000004")
	assert.Equal(t, 3, res.Version)
	assert.Equal(t, domain.StatusPublished, res.Status)

	rec, err := f.store.GetEntity(context.Background(), domain.KindBOM, "BOM-1")
	require.NoError(t, err)
	assert.Equal(t, 3, rec.CurrentVersion)
	assert.Equal(t, "ECN000004", rec.CurrentECN)

	history, err := f.queries.History(context.Background(), domain.KindBOM, "BOM-1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, 3, history[0].Version)
	assert.Equal(t, "ECN000003", history[1].ECN)
}

func TestLifecycle_DraftOverwriteKeepsVersion(t *testing.T) {
	f := newFixture(t)
	f.registerBOM(t, "BOM-1")

	res := f.transition(t, domain.KindBOM, "BOM-1", domain.OpSaveAsDraft, "ECN000001")
	assert.Equal(t, 1, res.Version)

	f.updateBOM(t, "BOM-1", bomLine("RM-1", 5))
	res = f.transition(t, domain.KindBOM, "BOM-1", domain.OpSaveAsDraft, "ECN000002")
	assert.Equal(t, 1, res.Version)

	v, err := f.queries.VersionData(context.Background(), domain.KindBOM, "BOM-1", 1)
	require.NoError(t, err)
	assert.Equal(t, "ECN000002", v.ECN)
	assert.True(t, v.Data.BOM.Items[0].Qty.Equal(decimal.NewFromInt(5)))
}

func TestLifecycle_CurrentVersionMatchesLatestSnapshot(t *testing.T) {
	f := newFixture(t)
	f.registerBOM(t, "BOM-1")
	ctx := context.Background()

	steps := []struct {
		op  domain.Operation
		ecn string
	}{
		{domain.OpSaveAsDraft, "ECN000001"},
		{domain.OpPublish, "ECN000002"},
		{domain.OpBlock, "ECN000003"},
		{domain.OpUnblock, ""},
		{domain.OpPublish, "ECN000004"},
		{domain.OpSaveAsDraft, "ECN000005"},
	}
	for _, step := range steps {
		res := f.transition(t, domain.KindBOM, "BOM-1", step.op, step.ecn)
		history, err := f.queries.History(ctx, domain.KindBOM, "BOM-1")
		require.NoError(t, err)
		require.NotEmpty(t, history)
		assert.Equal(t, history[0].Version, res.Version, "after %s", step.op)
	}
}

func TestLifecycle_BlockAndUnblock(t *testing.T) {
	f := newFixture(t)
	f.registerBOM(t, "BOM-1")
	f.transition(t, domain.KindBOM, "BOM-1", domain.OpPublish, "ECN000001")

	res := f.transition(t, domain.KindBOM, "BOM-1", domain.OpBlock, "ECN000002")
	assert.Equal(t, 1, res.Version)
	assert.Equal(t, domain.StatusBlocked, res.Status)

	_, err := f.lifecycle.Block(context.Background(), TransitionCommand{Kind: domain.KindBOM, Identity: "BOM-1", ECN: "ECN000003", Actor: engineer})
	assert.True(t, domain.IsValidationError(err))

	res = f.transition(t, domain.KindBOM, "BOM-1", domain.OpUnblock, "")
	assert.Equal(t, 1, res.Version)
	assert.Equal(t, domain.StatusPublished, res.Status)

	_, err = f.lifecycle.Unblock(context.Background(), TransitionCommand{Kind: domain.KindBOM, Identity: "BOM-1", Actor: engineer})
	assert.True(t, domain.IsValidationError(err))
}

func TestLifecycle_RestoreCreatesDraft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerBOM(t, "BOM-1")
	f.transition(t, domain.KindBOM, "BOM-1", domain.OpPublish, "ECN000001")
	f.updateBOM(t, "BOM-1", bomLine("RM-9", 7))
	f.transition(t, domain.KindBOM, "BOM-1", domain.OpPublish, "ECN000002")

	res, err := f.lifecycle.Restore(ctx, TransitionCommand{Kind: domain.KindBOM, Identity: "BOM-1", TargetVersion: 1, Actor: engineer})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Version)
	assert.Equal(t, domain.StatusDraft, res.Status)

	v1, err := f.queries.VersionData(ctx, domain.KindBOM, "BOM-1", 1)
	require.NoError(t, err)
	v3, err := f.queries.VersionData(ctx, domain.KindBOM, "BOM-1", 3)
	require.NoError(t, err)
	assert.Equal(t, v1.Data, v3.Data)
	assert.Equal(t, "ECN000002", v3.ECN)
	assert.Equal(t, "Restored from version 1", v3.Notes)

	_, err = f.lifecycle.Restore(ctx, TransitionCommand{Kind: domain.KindBOM, Identity: "BOM-1", TargetVersion: 9, ECN: "ECN000003", Actor: engineer})
	assert.True(t, domain.IsNotFoundError(err))

	_, err = f.lifecycle.Restore(ctx, TransitionCommand{Kind: domain.KindBOM, Identity: "BOM-1", Actor: engineer})
	assert.True(t, domain.IsValidationError(err))
}

func TestLifecycle_ECNRequired(t *testing.T) {
	f := newFixture(t)
	f.registerBOM(t, "BOM-1")

	for _, op := range []domain.Operation{domain.OpPublish, domain.OpSaveAsDraft, domain.OpBlock} {
		_, err := f.lifecycle.HandleTransition(context.Background(), TransitionCommand{
			Kind: domain.KindBOM, Identity: "BOM-1", Operation: op, Actor: engineer,
		})
		assert.True(t, domain.IsValidationError(err), string(op))
	}
}

func TestLifecycle_UnknownECNRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerBOM(t, "BOM-1")

	for _, op := range []domain.Operation{domain.OpPublish, domain.OpSaveAsDraft, domain.OpBlock} {
		_, err := f.lifecycle.HandleTransition(ctx, TransitionCommand{
			Kind: domain.KindBOM, Identity: "BOM-1", Operation: op, ECN: "ECN999999", Actor: engineer,
		})
		require.True(t, domain.IsValidationError(err), string(op))
		assert.Contains(t, err.Error(), "ECN ECN999999 not found")
	}

	rec, err := f.store.GetEntity(ctx, domain.KindBOM, "BOM-1")
	require.NoError(t, err)
	assert.Equal(t, 0, rec.CurrentVersion)

	f.transition(t, domain.KindBOM, "BOM-1", domain.OpPublish, "ECN000001")
	_, err = f.lifecycle.Restore(ctx, TransitionCommand{
		Kind: domain.KindBOM, Identity: "BOM-1", TargetVersion: 1, ECN: "ECN999999", Actor: engineer,
	})
	assert.True(t, domain.IsValidationError(err))

	history, err := f.queries.History(ctx, domain.KindBOM, "BOM-1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestLifecycle_PublishOverBlockedKeepsVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerBOM(t, "BOM-1")
	f.transition(t, domain.KindBOM, "BOM-1", domain.OpPublish, "ECN000001")
	f.transition(t, domain.KindBOM, "BOM-1", domain.OpBlock, "ECN000002")

	res := f.transition(t, domain.KindBOM, "BOM-1", domain.OpPublish, "ECN000003")
	assert.Equal(t, 1, res.Version)
	assert.Equal(t, domain.StatusPublished, res.Status)

	history, err := f.queries.History(ctx, domain.KindBOM, "BOM-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.StatusPublished, history[0].Status)
	assert.Equal(t, "ECN000003", history[0].ECN)

	// the next capture after a publish opens a new version
	res = f.transition(t, domain.KindBOM, "BOM-1", domain.OpSaveAsDraft, "ECN000004")
	assert.Equal(t, 2, res.Version)
}

func TestLifecycle_PermissionDenied(t *testing.T) {
	f := newFixture(t)
	f.registerBOM(t, "BOM-1")

	_, err := f.lifecycle.Publish(context.Background(), TransitionCommand{
		Kind: domain.KindBOM, Identity: "BOM-1", ECN: "ECN000001", Actor: viewer,
	})
	assert.True(t, domain.IsPermissionError(err))

	// item roles do not grant BOM publishing
	stock := domain.Actor{ID: "stock", Roles: []string{"Stock Manager"}}
	_, err = f.lifecycle.Publish(context.Background(), TransitionCommand{
		Kind: domain.KindBOM, Identity: "BOM-1", ECN: "ECN000001", Actor: stock,
	})
	assert.True(t, domain.IsPermissionError(err))

	result := domain.ResultFromError(err)
	assert.False(t, result.Success)
	assert.Equal(t, domain.CodePermission, result.Code)
}

func TestLifecycle_ExpectedVersionConflict(t *testing.T) {
	f := newFixture(t)
	f.registerBOM(t, "BOM-1")
	f.transition(t, domain.KindBOM, "BOM-1", domain.OpPublish, "ECN000001")

	stale := 0
	_, err := f.lifecycle.Publish(context.Background(), TransitionCommand{
		Kind: domain.KindBOM, Identity: "BOM-1", ECN: "ECN000002", ExpectedVersion: &stale, Actor: engineer,
	})
	assert.True(t, domain.IsConflictError(err))

	current := 1
	res, err := f.lifecycle.Publish(context.Background(), TransitionCommand{
		Kind: domain.KindBOM, Identity: "BOM-1", ECN: "ECN000002", ExpectedVersion: &current, Actor: engineer,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Version)
}

func TestLifecycle_ConcurrentPublishesSerialize(t *testing.T) {
	f := newFixture(t)
	f.registerBOM(t, "BOM-1")
	f.transition(t, domain.KindBOM, "BOM-1", domain.OpPublish, "ECN000009")

	const n = 8
	var wg sync.WaitGroup
	versions := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.lifecycle.Publish(context.Background(), TransitionCommand{
				Kind: domain.KindBOM, Identity: "BOM-1", ECN: "ECN000009", Actor: engineer,
			})
			if assert.NoError(t, err) {
				versions <- res.Version
			}
		}()
	}
	wg.Wait()
	close(versions)

	seen := map[int]bool{}
	for v := range versions {
		assert.False(t, seen[v], "version %d assigned twice", v)
		seen[v] = true
	}
	assert.Len(t, seen, n)

	rec, err := f.store.GetEntity(context.Background(), domain.KindBOM, "BOM-1")
	require.NoError(t, err)
	assert.Equal(t, n+1, rec.CurrentVersion)
}

func TestLifecycle_LockTimeoutIsConflict(t *testing.T) {
	f := newFixture(t)
	f.registerBOM(t, "BOM-1")
	f.lifecycle.timeout = 50 * time.Millisecond

	release, err := f.locker.Acquire(context.Background(), domain.EntityAggregateID(domain.KindBOM, "BOM-1"))
	require.NoError(t, err)
	defer release()

	_, err = f.lifecycle.Publish(context.Background(), TransitionCommand{
		Kind: domain.KindBOM, Identity: "BOM-1", ECN: "ECN000001", Actor: engineer,
	})
	assert.True(t, domain.IsConflictError(err))
}

func TestLifecycle_RegisterValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.lifecycle.HandleRegister(ctx, RegisterCommand{Kind: "part", Identity: "X", Data: bomData(), Actor: engineer})
	assert.True(t, domain.IsValidationError(err))

	_, err = f.lifecycle.HandleRegister(ctx, RegisterCommand{Kind: domain.KindItem, Identity: "ITEM-1", Data: itemData("ITEM-2"), Actor: engineer})
	assert.True(t, domain.IsValidationError(err))

	_, err = f.lifecycle.HandleRegister(ctx, RegisterCommand{Kind: "ITEM", Identity: "ITEM-1", Data: itemData("ITEM-1"), Actor: engineer})
	require.NoError(t, err)

	_, err = f.lifecycle.HandleRegister(ctx, RegisterCommand{Kind: domain.KindItem, Identity: "ITEM-1", Data: itemData("ITEM-1"), Actor: engineer})
	assert.True(t, domain.IsConflictError(err))

	rec, err := f.queries.Entity(ctx, domain.KindItem, "ITEM-1", engineer)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusUnversioned, rec.Status)
}

func TestLifecycle_DeleteAndBulkDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerBOM(t, "BOM-1")
	f.registerBOM(t, "BOM-2")
	f.transition(t, domain.KindBOM, "BOM-2", domain.OpPublish, "ECN000001")

	_, err := f.orders.HandleCreate(ctx, CreateWorkOrderCommand{ID: "WO-1", BOM: "BOM-2", Actor: engineer})
	require.NoError(t, err)

	outcomes, err := f.lifecycle.HandleBulkDelete(ctx, BulkDeleteCommand{
		Kind: domain.KindBOM, Identities: []string{"BOM-1", "BOM-2", "BOM-3"}, Actor: engineer,
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 3)
	assert.True(t, outcomes[0].Success)
	assert.False(t, outcomes[1].Success)
	assert.Equal(t, domain.CodeConflict, outcomes[1].Code)
	assert.Equal(t, domain.CodeNotFound, outcomes[2].Code)

	_, err = f.store.GetEntity(ctx, domain.KindBOM, "BOM-1")
	assert.True(t, domain.IsNotFoundError(err))

	history, err := f.queries.History(ctx, domain.KindBOM, "BOM-1")
	require.NoError(t, err)
	assert.Empty(t, history)

	// a deleted identity can be registered again from scratch
	f.registerBOM(t, "BOM-1")
	res := f.transition(t, domain.KindBOM, "BOM-1", domain.OpPublish, "ECN000009")
	assert.Equal(t, 1, res.Version)
}

func TestLifecycle_RecordsMetrics(t *testing.T) {
	f := newFixture(t)
	f.registerBOM(t, "BOM-1")
	f.transition(t, domain.KindBOM, "BOM-1", domain.OpPublish, "ECN000001")

	_, _ = f.lifecycle.Publish(context.Background(), TransitionCommand{Kind: domain.KindBOM, Identity: "BOM-1", Actor: engineer})

	families, err := f.metrics.Registry().Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["plm_lifecycle_transitions_total"])
}
