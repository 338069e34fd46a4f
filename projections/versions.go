package projections

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"

	"example.com/backstage/plm/domain"
)

// VersionDocument is the search document of one snapshot
type VersionDocument struct {
	Name         string         `json:"name"`
	Kind         domain.Kind    `json:"kind"`
	Identity     string         `json:"identity"`
	Version      int            `json:"version"`
	Status       domain.Status  `json:"status"`
	ECN          string         `json:"ecn"`
	Notes        string         `json:"notes,omitempty"`
	PublishedBy  string         `json:"published_by"`
	PublishedAt  time.Time      `json:"published_at"`
	BlockedECN   string         `json:"blocked_ecn,omitempty"`
	BlockNotes   string         `json:"block_notes,omitempty"`
	RestoredFrom int            `json:"restored_from,omitempty"`
	ItemCodes    []string       `json:"item_codes,omitempty"`
	Data         domain.Payload `json:"data"`
}

// VersionProjector keeps the entity version index in step with the events
type VersionProjector struct {
	client *elasticsearch.Client
	index  string
}

// NewVersionProjector creates a projector writing to index
func NewVersionProjector(client *elasticsearch.Client, index string) *VersionProjector {
	return &VersionProjector{client: client, index: index}
}

// Project projects an event
func (p *VersionProjector) Project(ctx context.Context, event domain.Event) error {
	kind, identity, err := domain.SplitEntityAggregateID(event.AggregateID)
	if err != nil {
		return err
	}

	switch d := event.Data.(type) {
	case domain.VersionPublishedEvent:
		return p.indexDocument(ctx, newDocument(kind, identity, d.Version, domain.StatusPublished, d.ECN, d.Notes, d.PublishedBy, d.PublishedAt, d.Data))

	case domain.VersionDraftedEvent:
		return p.indexDocument(ctx, newDocument(kind, identity, d.Version, domain.StatusDraft, d.ECN, d.Notes, d.PublishedBy, d.PublishedAt, d.Data))

	case domain.VersionRestoredEvent:
		doc := newDocument(kind, identity, d.Version, domain.StatusDraft, d.ECN, d.Notes, d.RestoredBy, d.RestoredAt, d.Data)
		doc.RestoredFrom = d.RestoredFrom
		return p.indexDocument(ctx, doc)

	case domain.VersionBlockedEvent:
		if d.Data != nil {
			doc := newDocument(kind, identity, d.Version, domain.StatusBlocked, d.ECN, d.Notes, d.BlockedBy, d.BlockedAt, *d.Data)
			doc.BlockedECN, doc.BlockNotes = d.ECN, d.Notes
			return p.indexDocument(ctx, doc)
		}
		return p.update(ctx, domain.VersionName(identity, d.Version), map[string]interface{}{
			"status":      domain.StatusBlocked,
			"blocked_ecn": d.ECN,
			"block_notes": d.Notes,
		})

	case domain.VersionUnblockedEvent:
		return p.update(ctx, domain.VersionName(identity, d.Version), map[string]interface{}{
			"status": d.Status,
		})

	case domain.EntityDeletedEvent:
		return p.deleteEntity(ctx, kind, identity)
	}
	return nil
}

func newDocument(kind domain.Kind, identity string, version int, status domain.Status, ecn, notes, by string, at time.Time, data domain.Payload) VersionDocument {
	doc := VersionDocument{
		Name:        domain.VersionName(identity, version),
		Kind:        kind,
		Identity:    identity,
		Version:     version,
		Status:      status,
		ECN:         ecn,
		Notes:       notes,
		PublishedBy: by,
		PublishedAt: at,
		Data:        data,
	}
	if data.BOM != nil {
		for _, line := range data.BOM.Items {
			doc.ItemCodes = append(doc.ItemCodes, line.ItemCode)
		}
	}
	return doc
}

// indexDocument writes a full document; the version name is the document id
func (p *VersionProjector) indexDocument(ctx context.Context, doc VersionDocument) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal version document: %w", err)
	}

	res, err := p.client.Index(
		p.index,
		bytes.NewReader(body),
		p.client.Index.WithDocumentID(doc.Name),
		p.client.Index.WithContext(ctx),
	)
	return checkResponse(res, err, "index version "+doc.Name)
}

func (p *VersionProjector) update(ctx context.Context, id string, fields map[string]interface{}) error {
	body, err := json.Marshal(map[string]interface{}{"doc": fields})
	if err != nil {
		return fmt.Errorf("failed to marshal version update: %w", err)
	}

	res, err := p.client.Update(
		p.index,
		id,
		bytes.NewReader(body),
		p.client.Update.WithContext(ctx),
	)
	return checkResponse(res, err, "update version "+id)
}

func (p *VersionProjector) deleteEntity(ctx context.Context, kind domain.Kind, identity string) error {
	query := map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"filter": []interface{}{
					map[string]interface{}{"term": map[string]interface{}{"kind": kind}},
					map[string]interface{}{"term": map[string]interface{}{"identity": identity}},
				},
			},
		},
	}
	body, err := json.Marshal(query)
	if err != nil {
		return fmt.Errorf("failed to marshal delete query: %w", err)
	}

	res, err := p.client.DeleteByQuery(
		[]string{p.index},
		bytes.NewReader(body),
		p.client.DeleteByQuery.WithContext(ctx),
	)
	return checkResponse(res, err, "delete versions of "+identity)
}

func checkResponse(res *esapi.Response, err error, what string) error {
	if err != nil {
		return fmt.Errorf("failed to %s in Elasticsearch: %w", what, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("failed to %s in Elasticsearch: %s", what, res.String())
	}
	return nil
}
