package handlers

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"example.com/backstage/plm/domain"
	"example.com/backstage/plm/eventstore"
	"example.com/backstage/plm/utils"
)

type CreateECNCommand struct {
	Title        string       `json:"title" validate:"required"`
	ChangeReason string       `json:"change_reason" validate:"required"`
	Description  string       `json:"description"`
	Author       string       `json:"author"`
	Actor        domain.Actor `json:"-"`
}

// ECNHandler manages Engineering Change Notices
type ECNHandler struct {
	store eventstore.Store
	now   func() time.Time
}

// NewECNHandler creates a new ECN handler
func NewECNHandler(store eventstore.Store) *ECNHandler {
	return &ECNHandler{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// HandleCreate registers an ECN under the next ECN000001-style name
func (h *ECNHandler) HandleCreate(ctx context.Context, cmd CreateECNCommand) (*domain.ECN, error) {
	if err := utils.ValidateCommand(cmd); err != nil {
		return nil, err
	}

	ecn := &domain.ECN{
		Title:        cmd.Title,
		ChangeReason: cmd.ChangeReason,
		Description:  cmd.Description,
		Author:       cmd.Author,
	}
	ecn.ApplyDefaults(cmd.Actor.ID, h.now())
	if err := ecn.Validate(); err != nil {
		return nil, err
	}
	if err := h.store.CreateECN(ctx, ecn); err != nil {
		return nil, err
	}

	log.Info().Str("ecn", ecn.Name).Str("author", ecn.Author).Msg("ECN created")
	return ecn, nil
}

func (h *ECNHandler) Get(ctx context.Context, name string) (*domain.ECN, error) {
	return h.store.GetECN(ctx, name)
}

func (h *ECNHandler) List(ctx context.Context, limit, offset int) ([]domain.ECN, error) {
	return h.store.ListECNs(ctx, limit, offset)
}

// LinkedVersions lists the Item and BOM versions produced under an ECN
func (h *ECNHandler) LinkedVersions(ctx context.Context, name string) (*domain.LinkedVersions, error) {
	versions, err := h.store.ListVersionsByECN(ctx, name)
	if err != nil {
		return nil, err
	}

	out := &domain.LinkedVersions{
		ItemVersions: []domain.LinkedVersion{},
		BOMVersions:  []domain.LinkedVersion{},
	}
	for _, v := range versions {
		lv := domain.LinkedVersion{
			Name:        v.Name,
			Kind:        v.Kind,
			Identity:    v.Identity,
			Version:     v.Version,
			Status:      v.Status,
			PublishedAt: v.PublishedAt,
		}
		if v.Kind == domain.KindBOM {
			out.BOMVersions = append(out.BOMVersions, lv)
		} else {
			out.ItemVersions = append(out.ItemVersions, lv)
		}
	}
	return out, nil
}
