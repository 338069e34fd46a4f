package projections

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog/log"

	"example.com/backstage/plm/config"
	"example.com/backstage/plm/domain"
	"example.com/backstage/plm/eventstore"
	"example.com/backstage/plm/internal/metrics"
	"example.com/backstage/plm/messaging"
)

// Outbox event outcomes reported to metrics
const (
	outcomeProcessed = "processed"
	outcomeFailed    = "failed"
	outcomeSkipped   = "skipped"
	outcomeAbandoned = "abandoned"
)

// Projector consumes committed events
type Projector interface {
	Project(ctx context.Context, event domain.Event) error
}

// Notifier announces lifecycle changes to other systems
type Notifier interface {
	Notify(ctx context.Context, n *messaging.LifecycleNotification) error
}

// NotificationProjector turns events into lifecycle notifications
type NotificationProjector struct {
	notifier Notifier
}

func NewNotificationProjector(notifier Notifier) *NotificationProjector {
	return &NotificationProjector{notifier: notifier}
}

func (p *NotificationProjector) Project(ctx context.Context, event domain.Event) error {
	n, ok := messaging.NewNotification(event)
	if !ok {
		return nil
	}
	return p.notifier.Notify(ctx, n)
}

// EventProcessor drains the outbox: every unprocessed event is handed to the
// projectors in commit order and marked processed once all of them succeed.
type EventProcessor struct {
	store       eventstore.EventStore
	projectors  []Projector
	metrics     *metrics.Metrics
	batchSize   int
	maxAttempts int
	interval    time.Duration

	mutex    sync.Mutex
	attempts map[string]int
}

// NewEventProcessor creates a new event processor. Metrics may be nil.
func NewEventProcessor(store eventstore.EventStore, cfg config.WorkerConfig, m *metrics.Metrics, projectors ...Projector) *EventProcessor {
	p := &EventProcessor{
		store:       store,
		projectors:  projectors,
		metrics:     m,
		batchSize:   cfg.BatchSize,
		maxAttempts: cfg.MaxAttempts,
		interval:    cfg.Interval,
		attempts:    make(map[string]int),
	}
	if p.batchSize <= 0 {
		p.batchSize = 100
	}
	if p.interval <= 0 {
		p.interval = 5 * time.Second
	}
	return p
}

// Schedule registers the batch job on a scheduler. Runs never overlap.
func (p *EventProcessor) Schedule(ctx context.Context, scheduler gocron.Scheduler) error {
	_, err := scheduler.NewJob(
		gocron.DurationJob(p.interval),
		gocron.NewTask(func() {
			if _, err := p.ProcessBatch(ctx); err != nil {
				log.Error().Err(err).Msg("Failed to process event batch")
			}
		}),
		gocron.WithName("outbox"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule outbox job: %w", err)
	}
	return nil
}

// ProcessBatch processes one batch of events and returns how many were
// marked processed. After a failure the later events of the same aggregate
// wait for the next batch so projections never see them out of order.
func (p *EventProcessor) ProcessBatch(ctx context.Context) (int, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	events, err := p.store.GetUnprocessedEvents(ctx, p.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to read outbox: %w", err)
	}
	if p.metrics != nil {
		p.metrics.OutboxBacklog.Set(float64(len(events)))
	}
	if len(events) == 0 {
		return 0, nil
	}

	log.Debug().Int("count", len(events)).Msg("Processing events")

	processed := 0
	stalled := make(map[string]bool)
	for _, event := range events {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		if stalled[event.AggregateID] {
			p.record(event.Type, outcomeSkipped)
			continue
		}

		if err := p.processEvent(ctx, event); err != nil {
			if p.giveUp(event, err) {
				processed++
				continue
			}
			stalled[event.AggregateID] = true
			continue
		}

		if err := p.store.MarkEventAsProcessed(ctx, event.ID); err != nil {
			log.Error().Err(err).Str("event_id", event.ID).Msg("Failed to mark event as processed")
			stalled[event.AggregateID] = true
			continue
		}
		delete(p.attempts, event.ID)
		p.record(event.Type, outcomeProcessed)
		processed++
	}

	return processed, nil
}

func (p *EventProcessor) processEvent(ctx context.Context, event domain.Event) error {
	for _, projector := range p.projectors {
		if err := projector.Project(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// giveUp records a failed attempt. It reports true once the event has used
// up its attempts and was marked processed so the aggregate moves on.
func (p *EventProcessor) giveUp(event domain.Event, cause error) bool {
	ctx := context.Background()
	p.attempts[event.ID]++
	attempts := p.attempts[event.ID]

	if err := p.store.MarkEventAsFailed(ctx, event.ID, cause); err != nil {
		log.Error().Err(err).Str("event_id", event.ID).Msg("Failed to record event error")
	}

	if p.maxAttempts <= 0 || attempts < p.maxAttempts {
		log.Warn().Err(cause).
			Str("event_id", event.ID).
			Str("event_type", event.Type).
			Int("attempt", attempts).
			Msg("Failed to process event")
		p.record(event.Type, outcomeFailed)
		return false
	}

	log.Error().Err(cause).
		Str("event_id", event.ID).
		Str("aggregate_id", event.AggregateID).
		Str("event_type", event.Type).
		Int("attempts", attempts).
		Msg("Giving up on event")
	if err := p.store.MarkEventAsProcessed(ctx, event.ID); err != nil {
		log.Error().Err(err).Str("event_id", event.ID).Msg("Failed to mark event as processed")
		return false
	}
	delete(p.attempts, event.ID)
	p.record(event.Type, outcomeAbandoned)
	return true
}

func (p *EventProcessor) record(eventType, outcome string) {
	if p.metrics != nil {
		p.metrics.RecordOutboxEvent(eventType, outcome)
	}
}
