package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/licensepool/internal/assignment/domain"
	"github.com/smallbiznis/licensepool/internal/auditcontext"
	"github.com/smallbiznis/licensepool/internal/observability/logger"
	"github.com/smallbiznis/licensepool/pkg/apperror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// BulkGrant grants tier to every listed user. Items are independent: one user
// that is already licensed does not stop the rest of the batch.
func (s *Service) BulkGrant(ctx context.Context, req domain.BulkGrantRequest) (*domain.BulkResult, error) {
	if err := s.checkBatch(req.UserIDs); err != nil {
		return nil, err
	}
	return s.runBatch(ctx, "grant", req.UserIDs, func(ctx context.Context, userID string) error {
		_, err := s.Grant(ctx, domain.GrantRequest{
			UserID:        userID,
			TenantID:      req.TenantID,
			ApplicationID: req.ApplicationID,
			TierID:        req.TierID,
		})
		return err
	})
}

func (s *Service) BulkRevoke(ctx context.Context, req domain.BulkRevokeRequest) (*domain.BulkResult, error) {
	if err := s.checkBatch(req.UserIDs); err != nil {
		return nil, err
	}
	return s.runBatch(ctx, "revoke", req.UserIDs, func(ctx context.Context, userID string) error {
		return s.Revoke(ctx, domain.RevokeRequest{
			UserID:        userID,
			TenantID:      req.TenantID,
			ApplicationID: req.ApplicationID,
		})
	})
}

func (s *Service) checkBatch(userIDs []string) error {
	if len(userIDs) == 0 {
		return domain.ErrEmptyBatch
	}
	if len(userIDs) > s.bulkMaxItems {
		return apperror.WithDetails(domain.ErrBatchTooLarge,
			fmt.Sprintf("at most %d users per batch", s.bulkMaxItems),
			map[string]any{"max_items": s.bulkMaxItems, "submitted": len(userIDs)})
	}
	return nil
}

func (s *Service) runBatch(ctx context.Context, operation string, userIDs []string, op func(context.Context, string) error) (*domain.BulkResult, error) {
	batchID := ulid.Make().String()
	ctx = auditcontext.WithBatchID(ctx, batchID)

	outcomes := make([]error, len(userIDs))
	seen := make(map[string]struct{}, len(userIDs))

	var g errgroup.Group
	g.SetLimit(s.bulkConcurrency)
	for i, raw := range userIDs {
		userID := strings.TrimSpace(raw)
		if userID == "" {
			outcomes[i] = domain.ErrInvalidUser
			continue
		}
		if _, dup := seen[userID]; dup {
			outcomes[i] = domain.ErrDuplicateUser
			continue
		}
		seen[userID] = struct{}{}

		g.Go(func() error {
			outcomes[i] = op(ctx, userID)
			return nil
		})
	}
	_ = g.Wait()

	result := &domain.BulkResult{
		BatchID:   batchID,
		Succeeded: make([]string, 0, len(userIDs)),
		Failed:    []domain.BulkFailure{},
	}
	for i, err := range outcomes {
		userID := strings.TrimSpace(userIDs[i])
		if err == nil {
			result.Succeeded = append(result.Succeeded, userID)
			continue
		}
		result.Failed = append(result.Failed, domain.BulkFailure{
			UserID:  userID,
			Kind:    string(apperror.KindOf(err)),
			Code:    apperror.CodeOf(err),
			Message: err.Error(),
		})
	}

	logger.WithContext(ctx, s.log).Info("bulk "+operation+" finished",
		zap.Int("submitted", len(userIDs)),
		zap.Int("succeeded", len(result.Succeeded)),
		zap.Int("failed", len(result.Failed)),
	)
	return result, nil
}

func actorOf(ctx context.Context) *string {
	_, actorID := auditcontext.ActorFromContext(ctx)
	if actorID == "" {
		return nil
	}
	return &actorID
}
