package service

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/licensepool/internal/audit/domain"
	"github.com/smallbiznis/licensepool/internal/auditcontext"
	"github.com/smallbiznis/licensepool/internal/clock"
	"github.com/smallbiznis/licensepool/internal/config"
	"github.com/smallbiznis/licensepool/internal/observability/metrics"
	"github.com/smallbiznis/licensepool/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultQueueSize = 1024
	defaultWorkers   = 2
	writeTimeout     = 5 * time.Second
	maxWriteBatch    = 64
	flushPollEvery   = 5 * time.Millisecond
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Repo      auditdomain.Repository
	Config    config.Config
	Metrics   *metrics.Metrics `optional:"true"`
	Lifecycle fx.Lifecycle     `optional:"true"`
}

// Service persists audit entries off the request path. Workers drain a bounded
// queue; a sink failure is logged and counted but never reaches the caller.
type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	repo    auditdomain.Repository
	metrics *metrics.Metrics

	mu      sync.RWMutex
	closed  bool
	queue   chan *auditdomain.AuditLog
	workers sync.WaitGroup
	pending atomic.Int64
}

func NewService(p Params) auditdomain.Service {
	queueSize := p.Config.Audit.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	workers := p.Config.Audit.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}

	s := &Service{
		db:      p.DB,
		log:     p.Log.Named("audit.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		metrics: p.Metrics,
		queue:   make(chan *auditdomain.AuditLog, queueSize),
	}
	for i := 0; i < workers; i++ {
		s.workers.Add(1)
		go s.run()
	}

	if p.Lifecycle != nil {
		p.Lifecycle.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return s.Close(ctx)
			},
		})
	}
	return s
}

func (s *Service) Record(ctx context.Context, entry auditdomain.Entry) {
	log := s.build(ctx, entry)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.drop(ctx, log, "closed")
		return
	}

	s.pending.Add(1)
	select {
	case s.queue <- log:
	default:
		s.pending.Add(-1)
		s.drop(ctx, log, "queue_full")
	}
}

func (s *Service) build(ctx context.Context, entry auditdomain.Entry) *auditdomain.AuditLog {
	actorType, actorID := s.resolveActor(ctx)

	payload := datatypes.JSONMap{}
	for key, value := range entry.Metadata {
		if strings.TrimSpace(key) == "" {
			continue
		}
		payload[key] = value
	}
	if requestID := auditcontext.RequestIDFromContext(ctx); requestID != "" {
		payload["request_id"] = requestID
	}
	if batchID := auditcontext.BatchIDFromContext(ctx); batchID != "" {
		payload["batch_id"] = batchID
	}

	return &auditdomain.AuditLog{
		ID:               s.genID.Generate(),
		Action:           entry.Action,
		UserID:           entry.UserID,
		TenantID:         entry.TenantID,
		ApplicationID:    entry.ApplicationID,
		ApplicationName:  optional(entry.ApplicationName),
		TierID:           entry.TierID,
		TierName:         optional(entry.TierName),
		PreviousTierName: optional(entry.PreviousTierName),
		PoolID:           entry.PoolID,
		ActorType:        actorType,
		ActorID:          actorID,
		Metadata:         payload,
		CreatedAt:        s.clock.Now().UTC(),
	}
}

// run drains whatever is already queued behind the first entry, up to
// maxWriteBatch, and writes it in one statement. Bulk grants enqueue hundreds
// of entries at once.
func (s *Service) run() {
	defer s.workers.Done()
	batch := make([]*auditdomain.AuditLog, 0, maxWriteBatch)
	for entry := range s.queue {
		batch = append(batch[:0], entry)
	drain:
		for len(batch) < maxWriteBatch {
			select {
			case next, ok := <-s.queue:
				if !ok {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}
		s.write(batch)
		s.pending.Add(-int64(len(batch)))
	}
}

func (s *Service) write(batch []*auditdomain.AuditLog) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	err := s.repo.Insert(ctx, s.db, batch)
	if err == nil {
		return
	}
	if len(batch) == 1 {
		s.writeFailed(ctx, batch[0], err)
		return
	}
	// One bad row fails the whole batch; retry row by row so only it is lost.
	for i := range batch {
		if err := s.repo.Insert(ctx, s.db, batch[i:i+1]); err != nil {
			s.writeFailed(ctx, batch[i], err)
		}
	}
}

func (s *Service) writeFailed(ctx context.Context, entry *auditdomain.AuditLog, err error) {
	s.metrics.RecordAuditFailure(ctx, "sink_error")
	s.log.Warn("failed to write audit log",
		zap.String("action", string(entry.Action)),
		zap.String("tenant_id", entry.TenantID),
		zap.String("user_id", entry.UserID),
		zap.Error(err),
	)
}

func (s *Service) drop(ctx context.Context, entry *auditdomain.AuditLog, reason string) {
	s.metrics.RecordAuditFailure(ctx, reason)
	s.log.Warn("audit log dropped",
		zap.String("reason", reason),
		zap.String("action", string(entry.Action)),
		zap.String("tenant_id", entry.TenantID),
		zap.String("user_id", entry.UserID),
	)
}

func (s *Service) Flush(ctx context.Context) error {
	ticker := time.NewTicker(flushPollEvery)
	defer ticker.Stop()
	for s.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Close stops accepting entries and waits for the workers to drain the queue.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.log.Warn("audit dispatcher stopped before draining", zap.Int64("pending", s.pending.Load()))
		return ctx.Err()
	}
}

func (s *Service) List(ctx context.Context, req auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	tenantID := strings.TrimSpace(req.TenantID)
	if tenantID == "" {
		tenantID = auditcontext.TenantIDFromContext(ctx)
	}
	if tenantID == "" {
		return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidTenant
	}
	if req.Action != "" && !req.Action.Valid() {
		return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidAction
	}
	if req.StartAt != nil && req.EndAt != nil && req.StartAt.After(*req.EndAt) {
		return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidTimeRange
	}

	var cursor *auditdomain.AuditCursor
	if strings.TrimSpace(req.PageToken) != "" {
		decoded, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidPageToken
		}
		createdAt, err := time.Parse(time.RFC3339Nano, decoded.CreatedAt)
		if err != nil {
			return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidPageToken
		}
		id, err := snowflake.ParseString(strings.TrimSpace(decoded.ID))
		if err != nil || id == 0 {
			return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidPageToken
		}
		cursor = &auditdomain.AuditCursor{ID: id, CreatedAt: createdAt.UTC()}
	}

	pageSize := req.Limit()
	items, err := s.repo.List(ctx, s.db, auditdomain.ListFilter{
		TenantID:      tenantID,
		UserID:        req.UserID,
		ApplicationID: req.ApplicationID,
		Action:        req.Action,
		StartAt:       req.StartAt,
		EndAt:         req.EndAt,
		Cursor:        cursor,
		Limit:         pageSize,
	})
	if err != nil {
		return auditdomain.ListAuditLogResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(item *auditdomain.AuditLog) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        item.ID.String(),
			CreatedAt: item.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo != nil && pageInfo.HasMore && len(items) > pageSize {
		items = items[:pageSize]
	}

	logs := make([]auditdomain.AuditLog, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		logs = append(logs, *item)
	}

	resp := auditdomain.ListAuditLogResponse{AuditLogs: logs}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}

func (s *Service) resolveActor(ctx context.Context) (string, *string) {
	actorType, actorID := auditcontext.ActorFromContext(ctx)
	if actorType == "" {
		return auditcontext.ActorTypeSystem, nil
	}
	return actorType, optional(actorID)
}

func optional(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
