package handlers

import (
	"context"
	"fmt"
	"time"

	"example.com/backstage/plm/domain"
	"example.com/backstage/plm/eventstore"
)

// HistoryEntry is one row of an entity's version history
type HistoryEntry struct {
	Name         string        `json:"name"`
	Version      int           `json:"version"`
	Status       domain.Status `json:"status"`
	ECN          string        `json:"ecn"`
	PublishedAt  time.Time     `json:"published_date"`
	PublishedBy  string        `json:"published_by"`
	Notes        string        `json:"notes"`
	BlockedECN   string        `json:"blocked_ecn,omitempty"`
	RestoredFrom int           `json:"restored_from,omitempty"`
}

// Comparison is the diff of two versions of one entity
type Comparison struct {
	Kind     domain.Kind `json:"kind"`
	Identity string      `json:"identity"`
	Version1 int         `json:"version1"`
	Version2 int         `json:"version2"`
	domain.Diff
}

// DownloadDecision tells whether documents of an entity can be downloaded
type DownloadDecision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// DownloadableVersion is a version whose documents can be fetched
type DownloadableVersion struct {
	Version       int           `json:"version"`
	Name          string        `json:"version_name"`
	Label         string        `json:"label"`
	Status        domain.Status `json:"status"`
	IsCurrent     bool          `json:"is_current"`
	DocumentCount int           `json:"document_count"`
	PublishedAt   *time.Time    `json:"published_date,omitempty"`
}

// QueryHandler serves reads from the read model
type QueryHandler struct {
	store eventstore.ReadModel
	caps  *domain.Capabilities
}

// NewQueryHandler creates a new query handler
func NewQueryHandler(store eventstore.ReadModel, caps *domain.Capabilities) *QueryHandler {
	if caps == nil {
		caps = domain.DefaultCapabilities()
	}
	return &QueryHandler{store: store, caps: caps}
}

// Entity returns the current state of an entity the actor may view
func (q *QueryHandler) Entity(ctx context.Context, kind domain.Kind, identity string, actor domain.Actor) (*eventstore.EntityRecord, error) {
	rec, err := q.store.GetEntity(ctx, kind, identity)
	if err != nil {
		return nil, err
	}
	if !q.caps.CanView(actor, kind, rec.CurrentVersion, rec.Status) {
		return nil, domain.NewPermissionError(fmt.Sprintf("%s %s is not published", kind.Label(), identity))
	}
	rec.Status = rec.ReportedStatus()
	return rec, nil
}

// List returns entities of a kind. Viewers only see Published ones.
func (q *QueryHandler) List(ctx context.Context, kind domain.Kind, status domain.Status, limit, offset int, actor domain.Actor) ([]eventstore.EntityRecord, error) {
	if !q.caps.CanPublish(actor, kind) {
		if status != "" && status != domain.StatusPublished {
			return []eventstore.EntityRecord{}, nil
		}
		status = domain.StatusPublished
	}
	recs, err := q.store.ListEntities(ctx, kind, status, limit, offset)
	if err != nil {
		return nil, err
	}
	for i := range recs {
		recs[i].Status = recs[i].ReportedStatus()
	}
	return recs, nil
}

// History lists the versions of an entity, newest first. An unknown
// entity has an empty history.
func (q *QueryHandler) History(ctx context.Context, kind domain.Kind, identity string) ([]HistoryEntry, error) {
	versions, err := q.store.ListVersions(ctx, kind, identity)
	if err != nil {
		return nil, err
	}
	out := make([]HistoryEntry, 0, len(versions))
	for _, v := range versions {
		out = append(out, HistoryEntry{
			Name:         v.Name,
			Version:      v.Version,
			Status:       v.Status,
			ECN:          v.ECN,
			PublishedAt:  v.PublishedAt,
			PublishedBy:  v.PublishedBy,
			Notes:        v.Notes,
			BlockedECN:   v.BlockedECN,
			RestoredFrom: v.RestoredFrom,
		})
	}
	return out, nil
}

// VersionData returns the snapshot of one version, or nil when there is none
func (q *QueryHandler) VersionData(ctx context.Context, kind domain.Kind, identity string, version int) (*eventstore.VersionRecord, error) {
	return emptyOnMiss(q.store.GetVersion(ctx, kind, identity, version))
}

// VersionDataByName returns a snapshot by its external name, e.g. BOM-1-v3
func (q *QueryHandler) VersionDataByName(ctx context.Context, kind domain.Kind, name string) (*eventstore.VersionRecord, error) {
	return emptyOnMiss(q.store.GetVersionByName(ctx, kind, name))
}

func emptyOnMiss(v *eventstore.VersionRecord, err error) (*eventstore.VersionRecord, error) {
	if domain.IsNotFoundError(err) {
		return nil, nil
	}
	return v, err
}

// Compare diffs two versions of an entity
func (q *QueryHandler) Compare(ctx context.Context, kind domain.Kind, identity string, v1, v2 int) (*Comparison, error) {
	a, err := q.store.GetVersion(ctx, kind, identity, v1)
	if err != nil {
		return nil, err
	}
	b, err := q.store.GetVersion(ctx, kind, identity, v2)
	if err != nil {
		return nil, err
	}

	diff, err := domain.Compare(a.Data, b.Data)
	if err != nil {
		return nil, err
	}
	return &Comparison{Kind: kind, Identity: identity, Version1: v1, Version2: v2, Diff: diff}, nil
}

// CurrentVersionECN returns the ECN of the current version while it is a
// Draft, so the next draft can reuse it. Otherwise it is empty.
func (q *QueryHandler) CurrentVersionECN(ctx context.Context, kind domain.Kind, identity string) (string, error) {
	rec, err := q.store.GetEntity(ctx, kind, identity)
	if domain.IsNotFoundError(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if rec.CurrentVersion > 0 && rec.Status == domain.StatusDraft {
		return rec.CurrentECN, nil
	}
	return "", nil
}

// CanView reports whether the actor may see the entity
func (q *QueryHandler) CanView(ctx context.Context, kind domain.Kind, identity string, actor domain.Actor) (bool, error) {
	rec, err := q.store.GetEntity(ctx, kind, identity)
	if err != nil {
		return false, err
	}
	return q.caps.CanView(actor, kind, rec.CurrentVersion, rec.Status), nil
}

// CanDownload reports whether the actor may download the entity's documents
func (q *QueryHandler) CanDownload(ctx context.Context, kind domain.Kind, identity string, actor domain.Actor) (*DownloadDecision, error) {
	rec, err := q.store.GetEntity(ctx, kind, identity)
	if err != nil {
		return nil, err
	}
	ok, reason := q.caps.CanDownload(actor, kind, rec.CurrentVersion, rec.Status)
	return &DownloadDecision{Allowed: ok, Reason: reason}, nil
}

// DownloadableVersions lists the current version plus every historical
// version carrying document snapshots. Only Items carry documents.
func (q *QueryHandler) DownloadableVersions(ctx context.Context, identity string) ([]DownloadableVersion, error) {
	rec, err := q.store.GetEntity(ctx, domain.KindItem, identity)
	if domain.IsNotFoundError(err) {
		return []DownloadableVersion{}, nil
	}
	if err != nil {
		return nil, err
	}

	status := rec.ReportedStatus()
	out := []DownloadableVersion{{
		Version:       rec.CurrentVersion,
		Name:          domain.VersionName(identity, rec.CurrentVersion),
		Label:         fmt.Sprintf("v%d - Current (%s)", rec.CurrentVersion, status),
		Status:        status,
		IsCurrent:     true,
		DocumentCount: documentCount(rec.Data),
	}}

	versions, err := q.store.ListVersions(ctx, domain.KindItem, identity)
	if err != nil {
		return nil, err
	}
	for _, v := range versions {
		if v.Version == rec.CurrentVersion {
			continue
		}
		n := documentCount(v.Data)
		if n == 0 {
			continue
		}
		published := v.PublishedAt
		out = append(out, DownloadableVersion{
			Version:       v.Version,
			Name:          v.Name,
			Label:         fmt.Sprintf("v%d - %s", v.Version, v.Status),
			Status:        v.Status,
			DocumentCount: n,
			PublishedAt:   &published,
		})
	}
	return out, nil
}

// VersionDocuments returns the documents of an Item version; version 0 means
// the current working data.
func (q *QueryHandler) VersionDocuments(ctx context.Context, identity string, version int) ([]domain.DocumentLink, error) {
	var data domain.Payload
	if version == 0 {
		rec, err := q.store.GetEntity(ctx, domain.KindItem, identity)
		if err != nil {
			return nil, err
		}
		data = rec.Data
	} else {
		v, err := q.store.GetVersion(ctx, domain.KindItem, identity, version)
		if err != nil {
			return nil, err
		}
		data = v.Data
	}
	if data.Item == nil || len(data.Item.Documents) == 0 {
		return []domain.DocumentLink{}, nil
	}
	return data.Item.Documents, nil
}

func documentCount(p domain.Payload) int {
	if p.Item == nil {
		return 0
	}
	return len(p.Item.Documents)
}
