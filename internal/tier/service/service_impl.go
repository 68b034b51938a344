package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/licensepool/internal/clock"
	"github.com/smallbiznis/licensepool/internal/tier/domain"
	"github.com/smallbiznis/licensepool/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository
}

func NewService(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("tier.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateRequest) (*domain.Tier, error) {
	applicationID := strings.TrimSpace(req.ApplicationID)
	if applicationID == "" {
		return nil, domain.ErrInvalidApplication
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, domain.ErrInvalidName
	}
	tierSlug := slug.Make(strings.TrimSpace(req.Slug))
	if tierSlug == "" {
		tierSlug = slug.Make(name)
	}
	if tierSlug == "" {
		return nil, domain.ErrInvalidName
	}
	if req.MaxMembers != nil && *req.MaxMembers < 0 {
		return nil, domain.ErrInvalidMaxMembers
	}

	existing, err := s.repo.FindBySlug(ctx, s.db, applicationID, tierSlug)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, domain.ErrSlugTaken
	}

	now := s.clock.Now()
	tier := &domain.Tier{
		ID:            s.genID.Generate(),
		ApplicationID: applicationID,
		Slug:          tierSlug,
		Name:          name,
		Description:   normalizePointer(req.Description),
		Features:      toJSONMap(req.Features),
		MaxMembers:    req.MaxMembers,
		Status:        domain.StatusDraft,
		DisplayOrder:  req.DisplayOrder,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.repo.Insert(ctx, s.db, tier); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, domain.ErrSlugTaken
		}
		return nil, err
	}

	s.log.Info("tier created",
		zap.String("tier_id", tier.ID.String()),
		zap.String("application_id", applicationID),
		zap.String("slug", tierSlug),
	)
	return tier, nil
}

func (s *Service) Update(ctx context.Context, req domain.UpdateRequest) (*domain.Tier, error) {
	tier, err := s.ResolveTier(ctx, req.TierID)
	if err != nil {
		return nil, err
	}
	if tier.Status == domain.StatusArchived {
		return nil, domain.ErrTierArchived
	}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, domain.ErrInvalidName
		}
		tier.Name = name
	}
	if req.Description != nil {
		tier.Description = normalizePointer(req.Description)
	}
	if req.Features != nil {
		tier.Features = toJSONMap(req.Features)
	}
	if req.ClearMaxMembers {
		tier.MaxMembers = nil
	} else if req.MaxMembers != nil {
		if *req.MaxMembers < 0 {
			return nil, domain.ErrInvalidMaxMembers
		}
		tier.MaxMembers = req.MaxMembers
	}
	if req.DisplayOrder != nil {
		tier.DisplayOrder = *req.DisplayOrder
	}
	tier.UpdatedAt = s.clock.Now()

	if err := s.repo.Save(ctx, s.db, tier); err != nil {
		return nil, err
	}
	return tier, nil
}

func (s *Service) Activate(ctx context.Context, tierID string) (*domain.Tier, error) {
	return s.transition(ctx, tierID, domain.StatusActive)
}

func (s *Service) Hide(ctx context.Context, tierID string) (*domain.Tier, error) {
	return s.transition(ctx, tierID, domain.StatusHidden)
}

func (s *Service) Archive(ctx context.Context, tierID string) (*domain.Tier, error) {
	return s.transition(ctx, tierID, domain.StatusArchived)
}

func (s *Service) transition(ctx context.Context, tierID string, to domain.Status) (*domain.Tier, error) {
	tier, err := s.ResolveTier(ctx, tierID)
	if err != nil {
		return nil, err
	}
	if tier.Status == to {
		return tier, nil
	}
	if tier.Status == domain.StatusArchived {
		return nil, domain.ErrTierArchived
	}
	if !domain.CanTransition(tier.Status, to) {
		return nil, domain.ErrInvalidTierTransition
	}

	from := tier.Status
	tier.Status = to
	tier.UpdatedAt = s.clock.Now()
	if err := s.repo.Save(ctx, s.db, tier); err != nil {
		return nil, err
	}

	s.log.Info("tier status changed",
		zap.String("tier_id", tier.ID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return tier, nil
}

// Delete removes a tier that nothing references. Referenced tiers must be archived.
func (s *Service) Delete(ctx context.Context, tierID string) error {
	id, err := parseID(tierID)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tier, err := s.repo.FindByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if tier == nil {
			return domain.ErrTierNotFound
		}
		refs, err := s.repo.CountReferences(ctx, tx, id)
		if err != nil {
			return err
		}
		if refs > 0 {
			return domain.ErrTierInUse
		}
		return s.repo.Delete(ctx, tx, id)
	})
}

func (s *Service) ResolveTier(ctx context.Context, tierID string) (*domain.Tier, error) {
	id, err := parseID(tierID)
	if err != nil {
		return nil, err
	}
	tier, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if tier == nil {
		return nil, domain.ErrTierNotFound
	}
	return tier, nil
}

func (s *Service) List(ctx context.Context, req domain.ListRequest) ([]domain.Tier, error) {
	applicationID := strings.TrimSpace(req.ApplicationID)
	if applicationID == "" {
		return nil, domain.ErrInvalidApplication
	}
	return s.repo.List(ctx, s.db, applicationID, req.Statuses)
}

func parseID(value string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, domain.ErrInvalidTier
	}
	return id, nil
}

func toJSONMap(features map[string]bool) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	for key, enabled := range features {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = enabled
	}
	return out
}

func normalizePointer(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
