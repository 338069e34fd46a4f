package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/backstage/plm/config"
	"example.com/backstage/plm/domain"
	"example.com/backstage/plm/internal/cache"
	"example.com/backstage/plm/internal/lock"
)

func TestCapabilities_FromConfig(t *testing.T) {
	caps, err := capabilities(config.AuthConfig{PublishRoles: map[string][]string{"bom": {"Planner"}}})
	require.NoError(t, err)

	planner := domain.Actor{ID: "p", Roles: []string{"Planner"}}
	assert.True(t, caps.CanPublish(planner, domain.KindBOM))
	assert.False(t, caps.CanPublish(planner, domain.KindItem))

	_, err = capabilities(config.AuthConfig{PublishRoles: map[string][]string{"widget": {"Planner"}}})
	assert.Error(t, err)
}

func TestNewLocker(t *testing.T) {
	disabled, err := cache.NewRedisClient(config.RedisConfig{})
	require.NoError(t, err)

	l, err := newLocker(config.Config{}, disabled)
	require.NoError(t, err)
	assert.IsType(t, &lock.LocalLocker{}, l)

	_, err = newLocker(config.Config{Lifecycle: config.LifecycleConfig{LockBackend: "redis"}}, disabled)
	assert.Error(t, err)

	_, err = newLocker(config.Config{Lifecycle: config.LifecycleConfig{LockBackend: "zookeeper"}}, disabled)
	assert.Error(t, err)
}
