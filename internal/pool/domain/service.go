package domain

import (
	"context"
	"time"

	"github.com/smallbiznis/licensepool/pkg/apperror"
)

type ProvisionRequest struct {
	TenantID          string         `json:"tenant_id"`
	ApplicationID     string         `json:"application_id"`
	TierID            string         `json:"tier_id"`
	QuantityPurchased int64          `json:"quantity_purchased"`
	Status            Status         `json:"status,omitempty"`
	CurrentPeriodEnd  *time.Time     `json:"current_period_end,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

type QuantityUpdateResult struct {
	Pool *Pool `json:"pool"`
	// Overage is set when the new purchased quantity is below the seats already
	// assigned. No assignment is revoked; the caller decides what to do.
	Overage      bool  `json:"overage"`
	OverageSeats int64 `json:"overage_seats"`
}

type ReconcileResult struct {
	PoolID   string `json:"pool_id"`
	Previous int64  `json:"previous"`
	Current  int64  `json:"current"`
	Drift    int64  `json:"drift"`
}

type ReconcileReport struct {
	Scanned   int `json:"scanned"`
	Corrected int `json:"corrected"`
	Failed    int `json:"failed"`
}

type Service interface {
	Provision(ctx context.Context, req ProvisionRequest) (*Pool, error)
	Get(ctx context.Context, poolID string) (*Pool, error)
	FindActivePool(ctx context.Context, tenantID, applicationID, tierID string) (*Pool, error)
	ListByTenant(ctx context.Context, tenantID string, statuses ...Status) ([]Pool, error)
	UpdateQuantity(ctx context.Context, poolID string, quantityPurchased int64) (*QuantityUpdateResult, error)
	Transition(ctx context.Context, poolID string, status Status) (*Pool, error)
	Cancel(ctx context.Context, poolID string) (*Pool, error)
	Expire(ctx context.Context, poolID string) (*Pool, error)
	Reconcile(ctx context.Context, poolID string) (*ReconcileResult, error)
	ReconcileAll(ctx context.Context) (ReconcileReport, error)
}

var (
	ErrInvalidPool           = apperror.New(apperror.KindInvalidArgument, "invalid_pool")
	ErrInvalidTenant         = apperror.New(apperror.KindInvalidArgument, "invalid_tenant")
	ErrInvalidApplication    = apperror.New(apperror.KindInvalidArgument, "invalid_application")
	ErrInvalidQuantity       = apperror.New(apperror.KindInvalidArgument, "invalid_quantity")
	ErrInvalidStatus         = apperror.New(apperror.KindInvalidArgument, "invalid_status")
	ErrPoolNotFound          = apperror.New(apperror.KindNotFound, "pool_not_found")
	ErrPoolNotActive         = apperror.New(apperror.KindInvalidState, "pool_not_active")
	ErrNoActiveSubscription  = apperror.New(apperror.KindInvalidState, "no_active_subscription")
	ErrInvalidPoolTransition = apperror.New(apperror.KindInvalidState, "invalid_pool_transition")
	ErrTierNotPurchasable    = apperror.New(apperror.KindInvalidState, "tier_not_purchasable")
	ErrCapacityExceeded      = apperror.New(apperror.KindCapacityExceeded, "capacity_exceeded")
)
