package cmd

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"example.com/backstage/plm/config"
	"example.com/backstage/plm/domain"
	"example.com/backstage/plm/eventstore"
	"example.com/backstage/plm/handlers"
	"example.com/backstage/plm/internal/cache"
	"example.com/backstage/plm/internal/database"
	"example.com/backstage/plm/internal/lock"
	"example.com/backstage/plm/internal/metrics"
)

// services is everything a process needs to run lifecycle commands
type services struct {
	db         *gorm.DB
	store      eventstore.Store
	cache      *cache.RedisClient
	metrics    *metrics.Metrics
	lifecycle  *handlers.LifecycleHandler
	queries    *handlers.QueryHandler
	workOrders *handlers.WorkOrderHandler
	ecns       *handlers.ECNHandler
}

// newServices wires the handlers. With inMemory set nothing is persisted.
func newServices(cfg config.Config, inMemory bool) (*services, error) {
	s := &services{metrics: metrics.NewMetrics()}

	if inMemory {
		log.Warn().Msg("Using the in-memory store, nothing will be persisted")
		s.store = eventstore.NewMemoryStore()
	} else {
		db, err := database.Open(cfg.Database)
		if err != nil {
			return nil, errors.Wrap(err, "failed to connect to database")
		}
		if cfg.Database.EnableMigrations {
			if err := database.Migrate(db); err != nil {
				return nil, err
			}
		}
		s.db = db
		s.store = eventstore.NewGormEventStore(db)
	}

	redisCache, err := cache.NewRedisClient(cfg.Redis)
	if err != nil {
		if cfg.Lifecycle.LockBackend == "redis" {
			return nil, errors.Wrap(err, "redis lock backend needs a reachable Redis")
		}
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without caching")
		redisCache, _ = cache.NewRedisClient(config.RedisConfig{})
	}

	locker, err := newLocker(cfg, redisCache)
	if err != nil {
		return nil, err
	}

	caps, err := capabilities(cfg.Auth)
	if err != nil {
		return nil, err
	}

	s.cache = redisCache

	// one locker for both handlers so pins and lifecycle mutations serialize per BOM
	s.lifecycle = handlers.NewLifecycleHandler(s.store, locker,
		handlers.WithCache(redisCache),
		handlers.WithMetrics(s.metrics),
		handlers.WithCapabilities(caps),
		handlers.WithTimeout(cfg.Lifecycle.OperationTimeout),
	)
	s.queries = handlers.NewQueryHandler(s.store, caps)
	s.workOrders = handlers.NewWorkOrderHandler(s.store, locker, redisCache, s.metrics)
	s.ecns = handlers.NewECNHandler(s.store)
	return s, nil
}

func (s *services) Close() {
	if err := s.cache.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close Redis")
	}
	if s.db == nil {
		return
	}
	if err := database.Close(s.db); err != nil {
		log.Warn().Err(err).Msg("Failed to close database")
	}
}

func newLocker(cfg config.Config, c *cache.RedisClient) (lock.Locker, error) {
	switch cfg.Lifecycle.LockBackend {
	case "", "local":
		return lock.NewLocalLocker(), nil
	case "redis":
		if !c.Enabled() {
			return nil, fmt.Errorf("lifecycle.lock_backend is redis but redis.enabled is false")
		}
		return lock.NewRedisLocker(c.Redis(), cfg.Lifecycle.LockTTL), nil
	default:
		return nil, fmt.Errorf("unknown lock backend %q", cfg.Lifecycle.LockBackend)
	}
}

// capabilities reads the publish role lists per kind
func capabilities(cfg config.AuthConfig) (*domain.Capabilities, error) {
	roles := make(map[domain.Kind][]string, len(cfg.PublishRoles))
	for name, list := range cfg.PublishRoles {
		kind, err := domain.ParseKind(name)
		if err != nil {
			return nil, errors.Wrapf(err, "auth.publish_roles.%s", name)
		}
		roles[kind] = list
	}
	return domain.NewCapabilities(roles), nil
}
