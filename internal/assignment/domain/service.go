package domain

import (
	"context"

	"github.com/smallbiznis/licensepool/pkg/apperror"
)

type GrantRequest struct {
	UserID        string `json:"user_id"`
	TenantID      string `json:"tenant_id"`
	ApplicationID string `json:"application_id"`
	TierID        string `json:"tier_id"`
}

type RevokeRequest struct {
	UserID        string `json:"user_id"`
	TenantID      string `json:"tenant_id"`
	ApplicationID string `json:"application_id"`
}

type ChangeTierRequest struct {
	UserID        string `json:"user_id"`
	TenantID      string `json:"tenant_id"`
	ApplicationID string `json:"application_id"`
	NewTierID     string `json:"new_tier_id"`
}

type BulkGrantRequest struct {
	TenantID      string   `json:"tenant_id"`
	ApplicationID string   `json:"application_id"`
	TierID        string   `json:"tier_id"`
	UserIDs       []string `json:"user_ids"`
}

type BulkRevokeRequest struct {
	TenantID      string   `json:"tenant_id"`
	ApplicationID string   `json:"application_id"`
	UserIDs       []string `json:"user_ids"`
}

type BulkFailure struct {
	UserID  string `json:"user_id"`
	Kind    string `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// BulkResult lists per-user outcomes. Succeeded and Failed together cover every
// submitted user id, in submission order.
type BulkResult struct {
	BatchID   string        `json:"batch_id"`
	Succeeded []string      `json:"succeeded"`
	Failed    []BulkFailure `json:"failed"`
}

type Service interface {
	Grant(ctx context.Context, req GrantRequest) (*Assignment, error)
	Revoke(ctx context.Context, req RevokeRequest) error
	ChangeTier(ctx context.Context, req ChangeTierRequest) (*Assignment, error)
	BulkGrant(ctx context.Context, req BulkGrantRequest) (*BulkResult, error)
	BulkRevoke(ctx context.Context, req BulkRevokeRequest) (*BulkResult, error)

	Get(ctx context.Context, assignmentID string) (*Assignment, error)
	// Find returns nil when the user holds no license for the application.
	Find(ctx context.Context, userID, tenantID, applicationID string) (*Assignment, error)
	HasEntitlement(ctx context.Context, userID, tenantID, applicationID string) (bool, *Assignment, error)
	ListByUser(ctx context.Context, userID, tenantID string) ([]Assignment, error)
	ListByPool(ctx context.Context, poolID string) ([]Assignment, error)
}

var (
	ErrInvalidAssignment  = apperror.New(apperror.KindInvalidArgument, "invalid_assignment")
	ErrInvalidUser        = apperror.New(apperror.KindInvalidArgument, "invalid_user")
	ErrInvalidTenant      = apperror.New(apperror.KindInvalidArgument, "invalid_tenant")
	ErrInvalidApplication = apperror.New(apperror.KindInvalidArgument, "invalid_application")
	ErrEmptyBatch         = apperror.New(apperror.KindInvalidArgument, "empty_batch")
	ErrBatchTooLarge      = apperror.New(apperror.KindInvalidArgument, "batch_too_large")
	ErrDuplicateUser      = apperror.New(apperror.KindInvalidArgument, "duplicate_user")
	ErrAlreadyLicensed    = apperror.New(apperror.KindConflict, "already_licensed")
	ErrAssignmentNotFound = apperror.New(apperror.KindNotFound, "assignment_not_found")
	ErrTierNotGrantable   = apperror.New(apperror.KindInvalidState, "tier_not_grantable")
	ErrAlreadyOnTier      = apperror.New(apperror.KindInvalidState, "already_on_tier")
)
