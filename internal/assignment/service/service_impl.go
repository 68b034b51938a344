package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/licensepool/internal/assignment/domain"
	auditdomain "github.com/smallbiznis/licensepool/internal/audit/domain"
	"github.com/smallbiznis/licensepool/internal/clock"
	"github.com/smallbiznis/licensepool/internal/config"
	directorydomain "github.com/smallbiznis/licensepool/internal/directory/domain"
	"github.com/smallbiznis/licensepool/internal/observability/logger"
	"github.com/smallbiznis/licensepool/internal/observability/metrics"
	"github.com/smallbiznis/licensepool/internal/observability/tracing"
	"github.com/smallbiznis/licensepool/internal/pool/capacity"
	pooldomain "github.com/smallbiznis/licensepool/internal/pool/domain"
	tierdomain "github.com/smallbiznis/licensepool/internal/tier/domain"
	"github.com/smallbiznis/licensepool/pkg/apperror"
	"github.com/smallbiznis/licensepool/pkg/db"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultBulkConcurrency = 8
	defaultBulkMaxItems    = 1000
)

var tracer = otel.Tracer("licensepool/assignment")

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Config    config.Config
	Repo      domain.Repository
	PoolRepo  pooldomain.Repository
	TierRepo  tierdomain.Repository
	Directory directorydomain.Directory
	Resolver  *capacity.Resolver
	Audit     auditdomain.Service
	Metrics   *metrics.Metrics `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	repo      domain.Repository
	poolRepo  pooldomain.Repository
	tierRepo  tierdomain.Repository
	directory directorydomain.Directory
	resolver  *capacity.Resolver
	audit     auditdomain.Service
	metrics   *metrics.Metrics

	bulkConcurrency int
	bulkMaxItems    int
}

func NewService(p Params) domain.Service {
	concurrency := p.Config.Bulk.Concurrency
	if concurrency <= 0 {
		concurrency = defaultBulkConcurrency
	}
	maxItems := p.Config.Bulk.MaxItems
	if maxItems <= 0 {
		maxItems = defaultBulkMaxItems
	}
	return &Service{
		db:              p.DB,
		log:             p.Log.Named("assignment.service"),
		genID:           p.GenID,
		clock:           p.Clock,
		repo:            p.Repo,
		poolRepo:        p.PoolRepo,
		tierRepo:        p.TierRepo,
		directory:       p.Directory,
		resolver:        p.Resolver,
		audit:           p.Audit,
		metrics:         p.Metrics,
		bulkConcurrency: concurrency,
		bulkMaxItems:    maxItems,
	}
}

type triple struct {
	userID        string
	tenantID      string
	applicationID string
}

func newTriple(userID, tenantID, applicationID string) (triple, error) {
	t := triple{
		userID:        strings.TrimSpace(userID),
		tenantID:      strings.TrimSpace(tenantID),
		applicationID: strings.TrimSpace(applicationID),
	}
	switch {
	case t.userID == "":
		return t, domain.ErrInvalidUser
	case t.tenantID == "":
		return t, domain.ErrInvalidTenant
	case t.applicationID == "":
		return t, domain.ErrInvalidApplication
	}
	return t, nil
}

func (t triple) fields() []zap.Field {
	return []zap.Field{
		zap.String("user_id", t.userID),
		zap.String("tenant_id", t.tenantID),
		zap.String("application_id", t.applicationID),
	}
}

func (t triple) attributes() []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("user_id", t.userID),
		attribute.String("tenant_id", t.tenantID),
		attribute.String("application_id", t.applicationID),
	}
}

func (s *Service) Grant(ctx context.Context, req domain.GrantRequest) (*domain.Assignment, error) {
	ctx, span := tracer.Start(ctx, "assignment.grant")
	defer span.End()

	assignment, mode, err := s.grant(ctx, req)
	s.metrics.RecordGrant(ctx, string(mode), resultOf(err))
	if err != nil {
		if apperror.IsKind(err, apperror.KindCapacityExceeded) {
			s.metrics.RecordCapacityExceeded(ctx, string(mode), "grant")
		}
		tracing.RecordError(span, err, isExpected(err))
		return nil, err
	}
	return assignment, nil
}

func (s *Service) grant(ctx context.Context, req domain.GrantRequest) (*domain.Assignment, capacity.Mode, error) {
	key, err := newTriple(req.UserID, req.TenantID, req.ApplicationID)
	if err != nil {
		return nil, "", err
	}
	trace.SpanFromContext(ctx).SetAttributes(key.attributes()...)
	tierID, err := parseTierID(req.TierID)
	if err != nil {
		return nil, "", err
	}

	app, err := s.resolveParties(ctx, key)
	if err != nil {
		return nil, "", err
	}
	tier, err := s.findTier(ctx, key.applicationID, tierID)
	if err != nil {
		return nil, "", err
	}
	if err := s.checkMembership(ctx, key); err != nil {
		return nil, "", err
	}
	if err := checkGrantable(tier); err != nil {
		return nil, "", err
	}
	if err := s.ensureUnlicensed(ctx, key); err != nil {
		return nil, "", err
	}

	policy := s.resolver.For(app)
	mode := policy.Mode()
	now := s.clock.Now()
	assignment := &domain.Assignment{
		ID:            s.genID.Generate(),
		UserID:        key.userID,
		TenantID:      key.tenantID,
		ApplicationID: key.applicationID,
		TierID:        tier.ID,
		TierName:      tier.Name,
		AssignedBy:    actorOf(ctx),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if policy.RequiresPool() {
			pool, err := s.lockActivePool(ctx, tx, key, tier)
			if err != nil {
				return err
			}
			if err := policy.Reserve(ctx, tx, pool, tier, now); err != nil {
				return err
			}
			assignment.PoolID = &pool.ID
		}

		if err := s.repo.Insert(ctx, tx, assignment); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return domain.ErrAlreadyLicensed
			}
			return fmt.Errorf("insert assignment: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyLicensed) {
			// Lost the race to a concurrent grant; the unique index rolled us back.
			if detailed := s.ensureUnlicensed(ctx, key); detailed != nil {
				return nil, mode, detailed
			}
		}
		return nil, mode, err
	}

	s.audit.Record(ctx, auditdomain.Entry{
		Action:          auditdomain.ActionGranted,
		UserID:          key.userID,
		TenantID:        key.tenantID,
		ApplicationID:   key.applicationID,
		ApplicationName: app.Name,
		TierID:          &tier.ID,
		TierName:        tier.Name,
		PoolID:          assignment.PoolID,
		Metadata:        map[string]any{"mode": string(mode)},
	})
	logger.WithContext(ctx, s.log).Info("license granted",
		append(key.fields(),
			zap.String("tier", tier.Name),
			zap.String("mode", string(mode)),
		)...,
	)
	return assignment, mode, nil
}

// resolveParties checks that the tenant, user and application exist.
func (s *Service) resolveParties(ctx context.Context, key triple) (*directorydomain.Application, error) {
	exists, err := s.directory.TenantExists(ctx, key.tenantID)
	if err != nil {
		return nil, fmt.Errorf("check tenant: %w", err)
	}
	if !exists {
		return nil, directorydomain.ErrTenantNotFound
	}
	exists, err = s.directory.UserExists(ctx, key.userID)
	if err != nil {
		return nil, fmt.Errorf("check user: %w", err)
	}
	if !exists {
		return nil, directorydomain.ErrUserNotFound
	}
	return s.application(ctx, key.applicationID)
}

func (s *Service) checkMembership(ctx context.Context, key triple) error {
	member, err := s.directory.IsActiveMember(ctx, key.userID, key.tenantID)
	if err != nil {
		return fmt.Errorf("check membership: %w", err)
	}
	if !member {
		return apperror.WithDetails(directorydomain.ErrNotAMember,
			fmt.Sprintf("user %s is not an active member of tenant %s", key.userID, key.tenantID), nil)
	}
	return nil
}

func (s *Service) application(ctx context.Context, applicationID string) (*directorydomain.Application, error) {
	app, err := s.directory.GetApplication(ctx, applicationID)
	if err != nil {
		return nil, fmt.Errorf("get application: %w", err)
	}
	if app == nil {
		return nil, directorydomain.ErrApplicationNotFound
	}
	return app, nil
}

func (s *Service) findTier(ctx context.Context, applicationID string, tierID snowflake.ID) (*tierdomain.Tier, error) {
	tier, err := s.tierRepo.FindByID(ctx, s.db, tierID)
	if err != nil {
		return nil, fmt.Errorf("find tier: %w", err)
	}
	if tier == nil || tier.ApplicationID != applicationID {
		return nil, tierdomain.ErrTierNotFound
	}
	return tier, nil
}

func checkGrantable(tier *tierdomain.Tier) error {
	if tier.IsGrantable() {
		return nil
	}
	return apperror.WithDetails(domain.ErrTierNotGrantable,
		fmt.Sprintf("tier %q is %s", tier.Name, strings.ToLower(string(tier.Status))),
		map[string]any{"tier_name": tier.Name, "status": string(tier.Status)})
}

func (s *Service) ensureUnlicensed(ctx context.Context, key triple) error {
	existing, err := s.repo.Find(ctx, s.db, key.userID, key.tenantID, key.applicationID)
	if err != nil {
		return fmt.Errorf("find assignment: %w", err)
	}
	if existing == nil {
		return nil
	}
	return apperror.WithDetails(domain.ErrAlreadyLicensed,
		fmt.Sprintf("user already holds the %s tier", existing.TierName),
		map[string]any{"tier_name": existing.TierName, "assignment_id": existing.ID.String()})
}

// lockActivePool resolves the newest ACTIVE pool for the tier and locks its row.
func (s *Service) lockActivePool(ctx context.Context, tx *gorm.DB, key triple, tier *tierdomain.Tier) (*pooldomain.Pool, error) {
	active, err := s.poolRepo.FindActive(ctx, tx, key.tenantID, key.applicationID, tier.ID)
	if err != nil {
		return nil, fmt.Errorf("find active pool: %w", err)
	}
	if active == nil {
		return nil, noActiveSubscription(tier)
	}
	pool, err := s.poolRepo.FindByIDForUpdate(ctx, tx, active.ID)
	if err != nil {
		return nil, fmt.Errorf("lock pool: %w", err)
	}
	if pool == nil || pool.Status != pooldomain.StatusActive {
		return nil, pooldomain.ErrPoolNotActive
	}
	return pool, nil
}

func noActiveSubscription(tier *tierdomain.Tier) error {
	return apperror.WithDetails(pooldomain.ErrNoActiveSubscription,
		fmt.Sprintf("no active subscription for tier %q, purchase capacity first", tier.Name),
		map[string]any{"tier_name": tier.Name})
}

func (s *Service) Revoke(ctx context.Context, req domain.RevokeRequest) error {
	ctx, span := tracer.Start(ctx, "assignment.revoke")
	defer span.End()

	err := s.revoke(ctx, req)
	s.metrics.RecordRevoke(ctx, resultOf(err))
	if err != nil {
		tracing.RecordError(span, err, isExpected(err))
	}
	return err
}

func (s *Service) revoke(ctx context.Context, req domain.RevokeRequest) error {
	key, err := newTriple(req.UserID, req.TenantID, req.ApplicationID)
	if err != nil {
		return err
	}
	trace.SpanFromContext(ctx).SetAttributes(key.attributes()...)

	app, err := s.directory.GetApplication(ctx, key.applicationID)
	if err != nil {
		return fmt.Errorf("get application: %w", err)
	}
	policy := s.resolver.For(app)

	var revoked *domain.Assignment
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		assignment, err := s.repo.FindForUpdate(ctx, tx, key.userID, key.tenantID, key.applicationID)
		if err != nil {
			return fmt.Errorf("find assignment: %w", err)
		}
		if assignment == nil {
			return domain.ErrAssignmentNotFound
		}
		deleted, err := s.repo.DeleteByID(ctx, tx, assignment.ID)
		if err != nil {
			return fmt.Errorf("delete assignment: %w", err)
		}
		if !deleted {
			return domain.ErrAssignmentNotFound
		}
		if assignment.PoolID != nil {
			if err := s.releaseSeat(ctx, tx, policy, *assignment.PoolID); err != nil {
				return err
			}
		}
		revoked = assignment
		return nil
	})
	if err != nil {
		return err
	}

	entry := auditdomain.Entry{
		Action:        auditdomain.ActionRevoked,
		UserID:        key.userID,
		TenantID:      key.tenantID,
		ApplicationID: key.applicationID,
		TierID:        &revoked.TierID,
		TierName:      revoked.TierName,
		PoolID:        revoked.PoolID,
	}
	if app != nil {
		entry.ApplicationName = app.Name
	}
	s.audit.Record(ctx, entry)
	logger.WithContext(ctx, s.log).Info("license revoked", append(key.fields(), zap.String("tier", revoked.TierName))...)
	return nil
}

// releaseSeat gives a seat back to poolID. A seat taken under a counting mode is
// still returned when the application has since moved to FREE.
func (s *Service) releaseSeat(ctx context.Context, tx *gorm.DB, policy capacity.Policy, poolID snowflake.ID) error {
	pool, err := s.poolRepo.FindByIDForUpdate(ctx, tx, poolID)
	if err != nil {
		return fmt.Errorf("lock pool: %w", err)
	}
	if pool == nil {
		return nil
	}
	if policy.RequiresPool() {
		return policy.Release(ctx, tx, pool, s.clock.Now())
	}
	return s.poolRepo.DecrementAssigned(ctx, tx, pool.ID, s.clock.Now())
}

func (s *Service) ChangeTier(ctx context.Context, req domain.ChangeTierRequest) (*domain.Assignment, error) {
	ctx, span := tracer.Start(ctx, "assignment.change_tier")
	defer span.End()

	assignment, mode, err := s.changeTier(ctx, req)
	s.metrics.RecordTierChange(ctx, resultOf(err))
	if err != nil {
		if apperror.IsKind(err, apperror.KindCapacityExceeded) {
			s.metrics.RecordCapacityExceeded(ctx, string(mode), "change_tier")
		}
		tracing.RecordError(span, err, isExpected(err))
		return nil, err
	}
	return assignment, nil
}

func (s *Service) changeTier(ctx context.Context, req domain.ChangeTierRequest) (*domain.Assignment, capacity.Mode, error) {
	key, err := newTriple(req.UserID, req.TenantID, req.ApplicationID)
	if err != nil {
		return nil, "", err
	}
	trace.SpanFromContext(ctx).SetAttributes(key.attributes()...)
	tierID, err := parseTierID(req.NewTierID)
	if err != nil {
		return nil, "", err
	}

	app, err := s.application(ctx, key.applicationID)
	if err != nil {
		return nil, "", err
	}
	existing, err := s.repo.Find(ctx, s.db, key.userID, key.tenantID, key.applicationID)
	if err != nil {
		return nil, "", fmt.Errorf("find assignment: %w", err)
	}
	if existing == nil {
		return nil, "", domain.ErrAssignmentNotFound
	}
	tier, err := s.findTier(ctx, key.applicationID, tierID)
	if err != nil {
		return nil, "", err
	}
	if err := checkGrantable(tier); err != nil {
		return nil, "", err
	}

	policy := s.resolver.For(app)
	mode := policy.Mode()

	var (
		updated      *domain.Assignment
		previousTier string
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.repo.FindForUpdate(ctx, tx, key.userID, key.tenantID, key.applicationID)
		if err != nil {
			return fmt.Errorf("find assignment: %w", err)
		}
		if current == nil {
			return domain.ErrAssignmentNotFound
		}
		if current.TierID == tier.ID {
			return apperror.WithDetails(domain.ErrAlreadyOnTier,
				fmt.Sprintf("user already holds the %s tier", current.TierName),
				map[string]any{"tier_name": current.TierName})
		}
		previousTier = current.TierName
		now := s.clock.Now()

		var newPoolID *snowflake.ID
		if policy.RequiresPool() {
			active, err := s.poolRepo.FindActive(ctx, tx, key.tenantID, key.applicationID, tier.ID)
			if err != nil {
				return fmt.Errorf("find active pool: %w", err)
			}
			if active == nil {
				return noActiveSubscription(tier)
			}
			newPoolID = &active.ID

			// A pool belongs to one tier and the tier differs, so the target
			// pool is never the current one: always move the seat.
			locked, err := s.lockPools(ctx, tx, active.ID, current.PoolID)
			if err != nil {
				return err
			}
			target := locked[active.ID]
			if target == nil || target.Status != pooldomain.StatusActive {
				return pooldomain.ErrPoolNotActive
			}
			if err := policy.Reserve(ctx, tx, target, tier, now); err != nil {
				return err
			}
			if current.PoolID != nil {
				if old := locked[*current.PoolID]; old != nil {
					if err := policy.Release(ctx, tx, old, now); err != nil {
						return err
					}
				}
			}
		} else if current.PoolID != nil {
			if err := s.releaseSeat(ctx, tx, policy, *current.PoolID); err != nil {
				return err
			}
		}

		if err := s.repo.UpdateTier(ctx, tx, current.ID, tier.ID, tier.Name, newPoolID, now); err != nil {
			return fmt.Errorf("update assignment: %w", err)
		}
		current.TierID = tier.ID
		current.TierName = tier.Name
		current.PoolID = newPoolID
		current.UpdatedAt = now
		updated = current
		return nil
	})
	if err != nil {
		return nil, mode, err
	}

	s.audit.Record(ctx, auditdomain.Entry{
		Action:           auditdomain.ActionChanged,
		UserID:           key.userID,
		TenantID:         key.tenantID,
		ApplicationID:    key.applicationID,
		ApplicationName:  app.Name,
		TierID:           &tier.ID,
		TierName:         tier.Name,
		PreviousTierName: previousTier,
		PoolID:           updated.PoolID,
	})
	logger.WithContext(ctx, s.log).Info("license tier changed",
		append(key.fields(),
			zap.String("from", previousTier),
			zap.String("to", tier.Name),
		)...,
	)
	return updated, mode, nil
}

// lockPools locks the given pools in ascending id order so two concurrent tier
// changes in opposite directions cannot deadlock.
func (s *Service) lockPools(ctx context.Context, tx *gorm.DB, target snowflake.ID, previous *snowflake.ID) (map[snowflake.ID]*pooldomain.Pool, error) {
	ids := []snowflake.ID{target}
	if previous != nil && *previous != target {
		ids = append(ids, *previous)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	locked := make(map[snowflake.ID]*pooldomain.Pool, len(ids))
	for _, id := range ids {
		pool, err := s.poolRepo.FindByIDForUpdate(ctx, tx, id)
		if err != nil {
			return nil, fmt.Errorf("lock pool: %w", err)
		}
		locked[id] = pool
	}
	return locked, nil
}

func (s *Service) Get(ctx context.Context, assignmentID string) (*domain.Assignment, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(assignmentID))
	if err != nil || id == 0 {
		return nil, domain.ErrInvalidAssignment
	}
	assignment, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if assignment == nil {
		return nil, domain.ErrAssignmentNotFound
	}
	return assignment, nil
}

func (s *Service) Find(ctx context.Context, userID, tenantID, applicationID string) (*domain.Assignment, error) {
	key, err := newTriple(userID, tenantID, applicationID)
	if err != nil {
		return nil, err
	}
	return s.repo.Find(ctx, s.db, key.userID, key.tenantID, key.applicationID)
}

func (s *Service) HasEntitlement(ctx context.Context, userID, tenantID, applicationID string) (bool, *domain.Assignment, error) {
	assignment, err := s.Find(ctx, userID, tenantID, applicationID)
	if err != nil {
		return false, nil, err
	}
	return assignment != nil, assignment, nil
}

func (s *Service) ListByUser(ctx context.Context, userID, tenantID string) ([]domain.Assignment, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, domain.ErrInvalidUser
	}
	return s.repo.ListByUser(ctx, s.db, userID, strings.TrimSpace(tenantID))
}

func (s *Service) ListByPool(ctx context.Context, poolID string) ([]domain.Assignment, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(poolID))
	if err != nil || id == 0 {
		return nil, pooldomain.ErrInvalidPool
	}
	return s.repo.ListByPool(ctx, s.db, id)
}

func parseTierID(value string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, tierdomain.ErrInvalidTier
	}
	return id, nil
}

func resultOf(err error) string {
	if err == nil {
		return "ok"
	}
	return apperror.CodeOf(err)
}

// isExpected reports caller-recoverable outcomes, which are not span errors.
func isExpected(err error) bool {
	kind := apperror.KindOf(err)
	return kind != apperror.KindInternal && kind != ""
}
