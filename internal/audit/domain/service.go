package domain

import (
	"context"
	"time"

	"github.com/smallbiznis/licensepool/pkg/apperror"
	"github.com/smallbiznis/licensepool/pkg/db/pagination"
)

type ListAuditLogRequest struct {
	pagination.Pagination
	TenantID      string
	UserID        string
	ApplicationID string
	Action        Action
	StartAt       *time.Time
	EndAt         *time.Time
}

type ListAuditLogResponse struct {
	pagination.PageInfo
	AuditLogs []AuditLog `json:"audit_logs"`
}

type Service interface {
	// Record queues entry for persistence and never fails the caller. Entries
	// are dropped, logged and counted when the queue is full.
	Record(ctx context.Context, entry Entry)
	// Flush blocks until every queued entry has been written or ctx ends.
	Flush(ctx context.Context) error
	Close(ctx context.Context) error
	List(ctx context.Context, req ListAuditLogRequest) (ListAuditLogResponse, error)
}

var (
	ErrInvalidTenant    = apperror.New(apperror.KindInvalidArgument, "invalid_tenant")
	ErrInvalidPageToken = apperror.New(apperror.KindInvalidArgument, "invalid_page_token")
	ErrInvalidTimeRange = apperror.New(apperror.KindInvalidArgument, "invalid_time_range")
	ErrInvalidAction    = apperror.New(apperror.KindInvalidArgument, "invalid_action")
)
