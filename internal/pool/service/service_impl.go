package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/licensepool/internal/clock"
	"github.com/smallbiznis/licensepool/internal/observability/metrics"
	"github.com/smallbiznis/licensepool/internal/observability/tracing"
	"github.com/smallbiznis/licensepool/internal/pool/domain"
	tierdomain "github.com/smallbiznis/licensepool/internal/tier/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const defaultReconcileBatchSize = 200

var tracer = otel.Tracer("licensepool/pool")

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Repo     domain.Repository
	TierRepo tierdomain.Repository
	Metrics  *metrics.Metrics `optional:"true"`

	// BatchSize bounds how many pool ids ReconcileAll loads per query.
	BatchSize int `name:"reconcile_batch_size" optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	repo      domain.Repository
	tierRepo  tierdomain.Repository
	metrics   *metrics.Metrics
	batchSize int
}

func NewService(p Params) domain.Service {
	batchSize := p.BatchSize
	if batchSize <= 0 {
		batchSize = defaultReconcileBatchSize
	}
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("pool.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		repo:      p.Repo,
		tierRepo:  p.TierRepo,
		metrics:   p.Metrics,
		batchSize: batchSize,
	}
}

func (s *Service) Provision(ctx context.Context, req domain.ProvisionRequest) (*domain.Pool, error) {
	tenantID := strings.TrimSpace(req.TenantID)
	if tenantID == "" {
		return nil, domain.ErrInvalidTenant
	}
	applicationID := strings.TrimSpace(req.ApplicationID)
	if applicationID == "" {
		return nil, domain.ErrInvalidApplication
	}
	tierID, err := snowflake.ParseString(strings.TrimSpace(req.TierID))
	if err != nil || tierID == 0 {
		return nil, tierdomain.ErrInvalidTier
	}
	if req.QuantityPurchased < 0 {
		return nil, domain.ErrInvalidQuantity
	}

	status := req.Status
	if status == "" {
		status = domain.StatusActive
	}
	if status != domain.StatusActive && status != domain.StatusTrialing {
		return nil, domain.ErrInvalidStatus
	}

	tier, err := s.tierRepo.FindByID(ctx, s.db, tierID)
	if err != nil {
		return nil, err
	}
	if tier == nil || tier.ApplicationID != applicationID {
		return nil, tierdomain.ErrTierNotFound
	}
	if tier.Status == tierdomain.StatusArchived {
		return nil, domain.ErrTierNotPurchasable
	}

	metadata := datatypes.JSONMap{}
	for key, value := range req.Metadata {
		metadata[key] = value
	}

	now := s.clock.Now()
	pool := &domain.Pool{
		ID:                s.genID.Generate(),
		TenantID:          tenantID,
		ApplicationID:     applicationID,
		TierID:            tierID,
		QuantityPurchased: req.QuantityPurchased,
		Status:            status,
		CurrentPeriodEnd:  req.CurrentPeriodEnd,
		Metadata:          metadata,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.repo.Insert(ctx, s.db, pool); err != nil {
		return nil, fmt.Errorf("insert pool: %w", err)
	}

	s.log.Info("pool provisioned",
		zap.String("pool_id", pool.ID.String()),
		zap.String("tenant_id", tenantID),
		zap.String("application_id", applicationID),
		zap.String("tier_id", tierID.String()),
		zap.Int64("quantity_purchased", pool.QuantityPurchased),
		zap.String("status", string(status)),
	)
	return pool, nil
}

func (s *Service) Get(ctx context.Context, poolID string) (*domain.Pool, error) {
	id, err := parseID(poolID)
	if err != nil {
		return nil, err
	}
	pool, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if pool == nil {
		return nil, domain.ErrPoolNotFound
	}
	return pool, nil
}

// FindActivePool returns nil without error when the tenant has no ACTIVE pool
// for the tier.
func (s *Service) FindActivePool(ctx context.Context, tenantID, applicationID, tierID string) (*domain.Pool, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, domain.ErrInvalidTenant
	}
	applicationID = strings.TrimSpace(applicationID)
	if applicationID == "" {
		return nil, domain.ErrInvalidApplication
	}
	id, err := snowflake.ParseString(strings.TrimSpace(tierID))
	if err != nil || id == 0 {
		return nil, tierdomain.ErrInvalidTier
	}
	return s.repo.FindActive(ctx, s.db, tenantID, applicationID, id)
}

func (s *Service) ListByTenant(ctx context.Context, tenantID string, statuses ...domain.Status) ([]domain.Pool, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, domain.ErrInvalidTenant
	}
	return s.repo.ListByTenant(ctx, s.db, tenantID, statuses)
}

// UpdateQuantity resizes a pool. Shrinking below the assigned count is allowed
// and reported as overage; assignments are never revoked here.
func (s *Service) UpdateQuantity(ctx context.Context, poolID string, quantityPurchased int64) (*domain.QuantityUpdateResult, error) {
	id, err := parseID(poolID)
	if err != nil {
		return nil, err
	}
	if quantityPurchased < 0 {
		return nil, domain.ErrInvalidQuantity
	}

	var updated *domain.Pool
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pool, err := s.repo.FindByIDForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if pool == nil {
			return domain.ErrPoolNotFound
		}
		now := s.clock.Now()
		if err := s.repo.UpdateQuantity(ctx, tx, id, quantityPurchased, now); err != nil {
			return fmt.Errorf("update quantity: %w", err)
		}
		pool.QuantityPurchased = quantityPurchased
		pool.UpdatedAt = now
		updated = pool
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := &domain.QuantityUpdateResult{Pool: updated}
	if updated.IsOverage() {
		result.Overage = true
		result.OverageSeats = updated.QuantityAssigned - updated.QuantityPurchased
		s.log.Warn("pool in overage after resize",
			zap.String("pool_id", updated.ID.String()),
			zap.String("tenant_id", updated.TenantID),
			zap.Int64("quantity_purchased", updated.QuantityPurchased),
			zap.Int64("quantity_assigned", updated.QuantityAssigned),
		)
	}
	return result, nil
}

func (s *Service) Cancel(ctx context.Context, poolID string) (*domain.Pool, error) {
	return s.Transition(ctx, poolID, domain.StatusCanceled)
}

func (s *Service) Expire(ctx context.Context, poolID string) (*domain.Pool, error) {
	return s.Transition(ctx, poolID, domain.StatusExpired)
}

// Transition moves a pool through its lifecycle. Existing assignments stay in
// place; a pool that is not ACTIVE simply stops granting.
func (s *Service) Transition(ctx context.Context, poolID string, status domain.Status) (*domain.Pool, error) {
	id, err := parseID(poolID)
	if err != nil {
		return nil, err
	}
	switch status {
	case domain.StatusActive, domain.StatusTrialing, domain.StatusPastDue, domain.StatusCanceled, domain.StatusExpired:
	default:
		return nil, domain.ErrInvalidStatus
	}

	var (
		pool *domain.Pool
		from domain.Status
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.repo.FindByIDForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if current == nil {
			return domain.ErrPoolNotFound
		}
		pool = current
		from = current.Status
		if current.Status == status {
			return nil
		}
		if !domain.CanTransition(current.Status, status) {
			return domain.ErrInvalidPoolTransition
		}

		now := s.clock.Now()
		current.Status = status
		current.UpdatedAt = now
		switch status {
		case domain.StatusCanceled:
			current.CanceledAt = &now
		case domain.StatusExpired:
			current.ExpiredAt = &now
		}
		return s.repo.UpdateStatus(ctx, tx, current)
	})
	if err != nil {
		return nil, err
	}

	if from != status {
		s.log.Info("pool status changed",
			zap.String("pool_id", pool.ID.String()),
			zap.String("tenant_id", pool.TenantID),
			zap.String("from", string(from)),
			zap.String("to", string(status)),
		)
	}
	return pool, nil
}

// Reconcile recounts the assignments that point at the pool and overwrites the
// stored counter. Running it twice in a row yields zero drift the second time.
func (s *Service) Reconcile(ctx context.Context, poolID string) (*domain.ReconcileResult, error) {
	id, err := parseID(poolID)
	if err != nil {
		return nil, err
	}
	return s.reconcile(ctx, id)
}

func (s *Service) reconcile(ctx context.Context, id snowflake.ID) (*domain.ReconcileResult, error) {
	ctx, span := tracer.Start(ctx, "pool.reconcile")
	defer span.End()
	span.SetAttributes(attribute.String("pool_id", id.String()))

	var result *domain.ReconcileResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pool, err := s.repo.FindByIDForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if pool == nil {
			return domain.ErrPoolNotFound
		}
		actual, err := s.repo.CountAssignments(ctx, tx, id)
		if err != nil {
			return fmt.Errorf("count assignments: %w", err)
		}

		result = &domain.ReconcileResult{
			PoolID:   id.String(),
			Previous: pool.QuantityAssigned,
			Current:  actual,
			Drift:    actual - pool.QuantityAssigned,
		}
		if result.Drift == 0 {
			return nil
		}
		return s.repo.SetAssigned(ctx, tx, id, actual, s.clock.Now())
	})
	if err != nil {
		tracing.RecordError(span, err, errors.Is(err, domain.ErrPoolNotFound))
		return nil, err
	}

	span.SetAttributes(attribute.Int64("drift", result.Drift))
	if result.Drift != 0 {
		s.metrics.RecordReconcileDrift(ctx, result.Drift)
		s.log.Warn("pool counter drift corrected",
			zap.String("pool_id", result.PoolID),
			zap.Int64("previous", result.Previous),
			zap.Int64("current", result.Current),
			zap.Int64("drift", result.Drift),
		)
	}
	return result, nil
}

// ReconcileAll walks every pool in id order. A failing pool is logged and
// counted; the sweep carries on with the rest.
func (s *Service) ReconcileAll(ctx context.Context) (domain.ReconcileReport, error) {
	var (
		report domain.ReconcileReport
		after  snowflake.ID
	)
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		ids, err := s.repo.ListIDsAfter(ctx, s.db, after, s.batchSize)
		if err != nil {
			return report, fmt.Errorf("list pools: %w", err)
		}
		if len(ids) == 0 {
			break
		}

		for _, id := range ids {
			report.Scanned++
			result, err := s.reconcile(ctx, id)
			if err != nil {
				if ctx.Err() != nil {
					return report, ctx.Err()
				}
				report.Failed++
				s.log.Error("pool reconcile failed", zap.String("pool_id", id.String()), zap.Error(err))
				continue
			}
			if result.Drift != 0 {
				report.Corrected++
			}
		}
		after = ids[len(ids)-1]
		if len(ids) < s.batchSize {
			break
		}
	}

	s.log.Info("pool reconcile sweep finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("corrected", report.Corrected),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

func parseID(value string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, domain.ErrInvalidPool
	}
	return id, nil
}
