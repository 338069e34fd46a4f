package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/backstage/plm/domain"
	"example.com/backstage/plm/eventstore"
	"example.com/backstage/plm/handlers"
	"example.com/backstage/plm/internal/lock"
)

var engineer = domain.Actor{ID: "eng", Roles: []string{"Manufacturing Manager"}}

func newProcessor(t *testing.T) (*Processor, *eventstore.MemoryStore) {
	t.Helper()
	store := eventstore.NewMemoryStore()
	locker := lock.NewLocalLocker()
	lifecycle := handlers.NewLifecycleHandler(store, locker)
	return NewProcessor(lifecycle, handlers.NewWorkOrderHandler(store, locker, nil, nil), handlers.NewECNHandler(store)), store
}

func message(t *testing.T, eventType string, actor domain.Actor, data interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	body, err := json.Marshal(AzureBusMessage{EventType: eventType, Actor: actor, Data: raw})
	require.NoError(t, err)
	return body
}

func TestProcessor_LifecycleCommands(t *testing.T) {
	p, store := newProcessor(t)
	ctx := context.Background()

	register := map[string]interface{}{
		"kind":     "bom",
		"identity": "BOM-1",
		"data": map[string]interface{}{
			"schema": domain.SchemaBOMV1,
			"bom":    map[string]interface{}{"item": "FG-1", "quantity": 1, "items": []map[string]interface{}{{"item_code": "RM-1", "qty": 1}}},
		},
	}
	require.NoError(t, p.Process(ctx, message(t, RegisterEntity, engineer, register)))
	for i := 0; i < 2; i++ {
		require.NoError(t, p.Process(ctx, message(t, CreateECN, engineer, map[string]string{"title": "Bracket change", "change_reason": "Cost"})))
	}

	// an ECN must be registered before a version can cite it
	err := p.Process(ctx, message(t, PublishVersion, engineer, map[string]string{"kind": "bom", "identity": "BOM-1", "ecn": "ECN000404"}))
	assert.True(t, domain.IsValidationError(err))
	assert.False(t, Retryable(err))

	require.NoError(t, p.Process(ctx, message(t, PublishVersion, engineer, map[string]string{"kind": "bom", "identity": "BOM-1", "ecn": "ECN000001"})))
	require.NoError(t, p.Process(ctx, message(t, BlockVersion, engineer, map[string]string{"kind": "bom", "identity": "BOM-1", "ecn": "ECN000002"})))

	rec, err := store.GetEntity(ctx, domain.KindBOM, "BOM-1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.CurrentVersion)
	assert.Equal(t, domain.StatusBlocked, rec.Status)

	require.NoError(t, p.Process(ctx, message(t, UnblockVersion, engineer, map[string]string{"kind": "bom", "identity": "BOM-1"})))
	require.NoError(t, p.Process(ctx, message(t, CreateWorkOrder, engineer, map[string]string{"id": "WO-1", "bom": "BOM-1"})))

	err = p.Process(ctx, message(t, DeleteEntity, engineer, map[string]string{"kind": "bom", "identity": "BOM-1"}))
	assert.True(t, domain.IsConflictError(err))
	assert.True(t, Retryable(err))
}

func TestProcessor_RejectsWithoutRetry(t *testing.T) {
	p, _ := newProcessor(t)
	ctx := context.Background()

	err := p.Process(ctx, []byte("{not json"))
	assert.Error(t, err)
	assert.False(t, Retryable(err))

	err = p.Process(ctx, message(t, "Teleport", engineer, map[string]string{}))
	assert.Error(t, err)
	assert.False(t, Retryable(err))

	viewer := domain.Actor{ID: "viewer"}
	err = p.Process(ctx, message(t, PublishVersion, viewer, map[string]string{"kind": "bom", "identity": "BOM-1", "ecn": "E"}))
	assert.True(t, domain.IsPermissionError(err))
	assert.False(t, Retryable(err))

	assert.True(t, Retryable(errors.New("connection reset")))
}

func TestNewNotification(t *testing.T) {
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	n, ok := NewNotification(domain.Event{
		ID:          "evt-1",
		AggregateID: domain.EntityAggregateID(domain.KindBOM, "BOM-1"),
		Type:        domain.VersionBlocked,
		Timestamp:   at,
		Data:        domain.VersionBlockedEvent{Identity: "BOM-1", Version: 2, ECN: "ECN-9", BlockedBy: "eng"},
	})
	require.True(t, ok)
	assert.Equal(t, domain.KindBOM, n.Kind)
	assert.Equal(t, "BOM-1", n.Identity)
	assert.Equal(t, 2, n.Version)
	assert.Equal(t, domain.StatusBlocked, n.Status)
	assert.Equal(t, "eng", n.Actor)

	_, ok = NewNotification(domain.Event{
		AggregateID: domain.EntityAggregateID(domain.KindItem, "ITEM-1"),
		Type:        domain.EntityUpdated,
		Data:        domain.EntityUpdatedEvent{Identity: "ITEM-1"},
	})
	assert.False(t, ok)
}
