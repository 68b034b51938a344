// Package domain describes the identity platform collaborators the license engine
// consults before mutating entitlements.
package domain

import (
	"context"

	"github.com/smallbiznis/licensepool/pkg/apperror"
)

// Application is the registry view of an application. LicensingMode is empty when
// the registry does not pin a capacity mode.
type Application struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	LicensingMode string `json:"licensing_mode,omitempty"`
}

//go:generate mockgen -source=directory.go -destination=../mocks/mock_directory.go -package=mocks

// Directory answers existence and membership questions owned by the identity platform.
type Directory interface {
	TenantExists(ctx context.Context, tenantID string) (bool, error)
	UserExists(ctx context.Context, userID string) (bool, error)
	IsActiveMember(ctx context.Context, userID, tenantID string) (bool, error)
	// GetApplication returns nil when the application is not registered.
	GetApplication(ctx context.Context, applicationID string) (*Application, error)
}

var (
	ErrTenantNotFound      = apperror.New(apperror.KindNotFound, "tenant_not_found")
	ErrUserNotFound        = apperror.New(apperror.KindNotFound, "user_not_found")
	ErrApplicationNotFound = apperror.New(apperror.KindNotFound, "application_not_found")
	ErrNotAMember          = apperror.New(apperror.KindInvalidState, "not_a_member")
)
