package messaging

import (
	"time"

	"example.com/backstage/plm/domain"
)

// LifecycleNotification announces a committed lifecycle change to downstream
// consumers (ERP sync, mail digests).
type LifecycleNotification struct {
	EventID    string        `json:"event_id"`
	EventType  string        `json:"event_type"`
	Kind       domain.Kind   `json:"kind"`
	Identity   string        `json:"identity"`
	Version    int           `json:"version,omitempty"`
	Status     domain.Status `json:"status,omitempty"`
	ECN        string        `json:"ecn,omitempty"`
	Actor      string        `json:"actor,omitempty"`
	OccurredAt time.Time     `json:"occurred_at"`
}

// NewNotification builds the notification of a stored event. Working-data
// updates are not announced.
func NewNotification(event domain.Event) (*LifecycleNotification, bool) {
	kind, identity, err := domain.SplitEntityAggregateID(event.AggregateID)
	if err != nil {
		return nil, false
	}

	n := &LifecycleNotification{
		EventID:    event.ID,
		EventType:  event.Type,
		Kind:       kind,
		Identity:   identity,
		OccurredAt: event.Timestamp,
	}

	switch d := event.Data.(type) {
	case domain.EntityRegisteredEvent:
		n.Actor = d.CreatedBy
	case domain.EntityDeletedEvent:
		n.Actor = d.DeletedBy
	case domain.VersionPublishedEvent:
		n.Version, n.Status, n.ECN, n.Actor = d.Version, domain.StatusPublished, d.ECN, d.PublishedBy
	case domain.VersionDraftedEvent:
		n.Version, n.Status, n.ECN, n.Actor = d.Version, domain.StatusDraft, d.ECN, d.PublishedBy
	case domain.VersionBlockedEvent:
		n.Version, n.Status, n.ECN, n.Actor = d.Version, domain.StatusBlocked, d.ECN, d.BlockedBy
	case domain.VersionUnblockedEvent:
		n.Version, n.Status, n.Actor = d.Version, d.Status, d.UnblockedBy
	case domain.VersionRestoredEvent:
		n.Version, n.Status, n.ECN, n.Actor = d.Version, domain.StatusDraft, d.ECN, d.RestoredBy
	default:
		return nil, false
	}
	return n, true
}
