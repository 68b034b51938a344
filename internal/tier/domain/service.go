package domain

import (
	"context"

	"github.com/smallbiznis/licensepool/pkg/apperror"
)

type CreateRequest struct {
	ApplicationID string          `json:"application_id"`
	Name          string          `json:"name"`
	Slug          string          `json:"slug,omitempty"`
	Description   *string         `json:"description,omitempty"`
	Features      map[string]bool `json:"features,omitempty"`
	MaxMembers    *int            `json:"max_members,omitempty"`
	DisplayOrder  int             `json:"display_order"`
}

// UpdateRequest only touches non-nil fields.
type UpdateRequest struct {
	TierID          string          `json:"tier_id"`
	Name            *string         `json:"name,omitempty"`
	Description     *string         `json:"description,omitempty"`
	Features        map[string]bool `json:"features,omitempty"`
	MaxMembers      *int            `json:"max_members,omitempty"`
	ClearMaxMembers bool            `json:"clear_max_members,omitempty"`
	DisplayOrder    *int            `json:"display_order,omitempty"`
}

type ListRequest struct {
	ApplicationID string
	Statuses      []Status
}

type Service interface {
	Create(ctx context.Context, req CreateRequest) (*Tier, error)
	Update(ctx context.Context, req UpdateRequest) (*Tier, error)
	Activate(ctx context.Context, tierID string) (*Tier, error)
	Hide(ctx context.Context, tierID string) (*Tier, error)
	Archive(ctx context.Context, tierID string) (*Tier, error)
	Delete(ctx context.Context, tierID string) error
	ResolveTier(ctx context.Context, tierID string) (*Tier, error)
	List(ctx context.Context, req ListRequest) ([]Tier, error)
}

var (
	ErrInvalidTier           = apperror.New(apperror.KindInvalidArgument, "invalid_tier")
	ErrInvalidApplication    = apperror.New(apperror.KindInvalidArgument, "invalid_application")
	ErrInvalidName           = apperror.New(apperror.KindInvalidArgument, "invalid_name")
	ErrInvalidMaxMembers     = apperror.New(apperror.KindInvalidArgument, "invalid_max_members")
	ErrTierNotFound          = apperror.New(apperror.KindNotFound, "tier_not_found")
	ErrSlugTaken             = apperror.New(apperror.KindConflict, "tier_slug_taken")
	ErrTierInUse             = apperror.New(apperror.KindConflict, "tier_in_use")
	ErrTierArchived          = apperror.New(apperror.KindInvalidState, "tier_archived")
	ErrInvalidTierTransition = apperror.New(apperror.KindInvalidState, "invalid_tier_transition")
)
