package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/licensepool/internal/audit/domain"
	"github.com/smallbiznis/licensepool/internal/audit/repository"
	"github.com/smallbiznis/licensepool/internal/auditcontext"
	"github.com/smallbiznis/licensepool/internal/clock"
	"github.com/smallbiznis/licensepool/internal/config"
	"github.com/smallbiznis/licensepool/internal/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

type mockRepo struct {
	mock.Mock
}

func (m *mockRepo) Insert(ctx context.Context, db *gorm.DB, entries []*auditdomain.AuditLog) error {
	args := m.Called(ctx, db, entries)
	return args.Error(0)
}

func (m *mockRepo) List(ctx context.Context, db *gorm.DB, filter auditdomain.ListFilter) ([]*auditdomain.AuditLog, error) {
	args := m.Called(ctx, db, filter)
	logs, _ := args.Get(0).([]*auditdomain.AuditLog)
	return logs, args.Error(1)
}

func newTestService(t *testing.T, db *gorm.DB, repo auditdomain.Repository, log *zap.Logger, fake clock.Clock, queueSize int) *Service {
	t.Helper()
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	svc := NewService(Params{
		DB:     db,
		Log:    log,
		GenID:  node,
		Clock:  fake,
		Repo:   repo,
		Config: config.Config{Audit: config.AuditConfig{QueueSize: queueSize, Workers: 1}},
	}).(*Service)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	})
	return svc
}

func TestRecordStampsActorAndContext(t *testing.T) {
	db := dbtest.Open(t)
	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	svc := newTestService(t, db, repository.Provide(), zap.NewNop(), fake, 16)

	ctx := auditcontext.WithActor(context.Background(), "user", "admin_1")
	ctx = auditcontext.WithRequestID(ctx, "req-1")
	ctx = auditcontext.WithBatchID(ctx, "01HBATCH")
	tierID := snowflake.ID(42)
	svc.Record(ctx, auditdomain.Entry{
		Action:          auditdomain.ActionGranted,
		UserID:          "u1",
		TenantID:        "tenant_a",
		ApplicationID:   "app_crm",
		ApplicationName: "CRM",
		TierID:          &tierID,
		TierName:        "Pro",
	})
	svc.Record(context.Background(), auditdomain.Entry{
		Action:        auditdomain.ActionRevoked,
		UserID:        "u2",
		TenantID:      "tenant_a",
		ApplicationID: "app_crm",
	})
	require.NoError(t, svc.Flush(context.Background()))

	resp, err := svc.List(context.Background(), auditdomain.ListAuditLogRequest{TenantID: "tenant_a", UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, resp.AuditLogs, 1)
	entry := resp.AuditLogs[0]
	assert.Equal(t, auditcontext.ActorTypeUser, entry.ActorType)
	require.NotNil(t, entry.ActorID)
	assert.Equal(t, "admin_1", *entry.ActorID)
	assert.Equal(t, "req-1", entry.Metadata["request_id"])
	assert.Equal(t, "01HBATCH", entry.Metadata["batch_id"])
	require.NotNil(t, entry.TierName)
	assert.Equal(t, "Pro", *entry.TierName)

	revoked, err := svc.List(context.Background(), auditdomain.ListAuditLogRequest{TenantID: "tenant_a", Action: auditdomain.ActionRevoked})
	require.NoError(t, err)
	require.Len(t, revoked.AuditLogs, 1)
	assert.Equal(t, auditcontext.ActorTypeSystem, revoked.AuditLogs[0].ActorType)
	assert.Nil(t, revoked.AuditLogs[0].ActorID)
}

func TestSinkFailureIsLoggedNotReturned(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	repo := &mockRepo{}
	repo.On("Insert", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("disk full"))

	svc := newTestService(t, nil, repo, zap.New(core), clock.NewFakeClock(time.Now()), 4)
	svc.Record(context.Background(), auditdomain.Entry{Action: auditdomain.ActionGranted, UserID: "u1", TenantID: "t1", ApplicationID: "a1"})
	require.NoError(t, svc.Flush(context.Background()))

	repo.AssertNumberOfCalls(t, "Insert", 1)
	assert.Equal(t, 1, logs.FilterMessage("failed to write audit log").Len())
}

type blockingRepo struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once

	mu      sync.Mutex
	calls   int
	written []*auditdomain.AuditLog
}

func (r *blockingRepo) Insert(_ context.Context, _ *gorm.DB, entries []*auditdomain.AuditLog) error {
	r.once.Do(func() { close(r.started) })
	<-r.release
	r.mu.Lock()
	r.calls++
	r.written = append(r.written, entries...)
	r.mu.Unlock()
	return nil
}

func (r *blockingRepo) List(context.Context, *gorm.DB, auditdomain.ListFilter) ([]*auditdomain.AuditLog, error) {
	return nil, nil
}

func TestRecordDropsWhenQueueFull(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	repo := &blockingRepo{started: make(chan struct{}), release: make(chan struct{})}
	svc := newTestService(t, nil, repo, zap.New(core), clock.NewFakeClock(time.Now()), 1)

	entry := auditdomain.Entry{Action: auditdomain.ActionGranted, UserID: "u1", TenantID: "t1", ApplicationID: "a1"}
	svc.Record(context.Background(), entry)
	<-repo.started

	svc.Record(context.Background(), entry)
	svc.Record(context.Background(), entry)
	assert.Equal(t, 1, logs.FilterMessage("audit log dropped").Len())

	close(repo.release)
	require.NoError(t, svc.Flush(context.Background()))
	repo.mu.Lock()
	defer repo.mu.Unlock()
	assert.Len(t, repo.written, 2)
}

func TestWorkerBatchesQueuedEntries(t *testing.T) {
	repo := &blockingRepo{started: make(chan struct{}), release: make(chan struct{})}
	svc := newTestService(t, nil, repo, zap.NewNop(), clock.NewFakeClock(time.Now()), 8)

	entry := auditdomain.Entry{Action: auditdomain.ActionGranted, UserID: "u1", TenantID: "t1", ApplicationID: "a1"}
	svc.Record(context.Background(), entry)
	<-repo.started
	for i := 0; i < 3; i++ {
		svc.Record(context.Background(), entry)
	}

	close(repo.release)
	require.NoError(t, svc.Flush(context.Background()))
	repo.mu.Lock()
	defer repo.mu.Unlock()
	assert.Len(t, repo.written, 4)
	assert.Equal(t, 2, repo.calls, "entries queued behind a write go out together")
}

// rejectingRepo fails any insert that contains an entry for the rejected user.
type rejectingRepo struct {
	blockingRepo
	reject string
}

func (r *rejectingRepo) Insert(ctx context.Context, db *gorm.DB, entries []*auditdomain.AuditLog) error {
	for _, entry := range entries {
		if entry.UserID == r.reject {
			r.mu.Lock()
			r.calls++
			r.mu.Unlock()
			return errors.New("value too long for column user_id")
		}
	}
	return r.blockingRepo.Insert(ctx, db, entries)
}

func TestFailedBatchRetriesEntriesOneByOne(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	repo := &rejectingRepo{
		blockingRepo: blockingRepo{started: make(chan struct{}), release: make(chan struct{})},
		reject:       "bad",
	}
	svc := newTestService(t, nil, repo, zap.New(core), clock.NewFakeClock(time.Now()), 8)

	record := func(user string) {
		svc.Record(context.Background(), auditdomain.Entry{Action: auditdomain.ActionGranted, UserID: user, TenantID: "t1", ApplicationID: "a1"})
	}
	record("first")
	<-repo.started
	record("ok1")
	record("bad")
	record("ok2")

	close(repo.release)
	require.NoError(t, svc.Flush(context.Background()))

	repo.mu.Lock()
	defer repo.mu.Unlock()
	var users []string
	for _, entry := range repo.written {
		users = append(users, entry.UserID)
	}
	assert.Equal(t, []string{"first", "ok1", "ok2"}, users)

	failed := logs.FilterMessage("failed to write audit log")
	require.Equal(t, 1, failed.Len())
	assert.Equal(t, "bad", failed.All()[0].ContextMap()["user_id"])
}

func TestRecordAfterCloseIsDropped(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	repo := &mockRepo{}
	svc := newTestService(t, nil, repo, zap.New(core), clock.NewFakeClock(time.Now()), 4)

	require.NoError(t, svc.Close(context.Background()))
	svc.Record(context.Background(), auditdomain.Entry{Action: auditdomain.ActionGranted, UserID: "u1", TenantID: "t1", ApplicationID: "a1"})

	repo.AssertNotCalled(t, "Insert", mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, 1, logs.FilterField(zap.String("reason", "closed")).Len())
}

func TestListPaginates(t *testing.T) {
	db := dbtest.Open(t)
	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	svc := newTestService(t, db, repository.Provide(), zap.NewNop(), fake, 16)

	for i := 0; i < 5; i++ {
		svc.Record(context.Background(), auditdomain.Entry{Action: auditdomain.ActionGranted, UserID: "u", TenantID: "tenant_a", ApplicationID: "app_crm"})
		fake.Advance(time.Second)
	}
	svc.Record(context.Background(), auditdomain.Entry{Action: auditdomain.ActionGranted, UserID: "u", TenantID: "tenant_b", ApplicationID: "app_crm"})
	require.NoError(t, svc.Flush(context.Background()))

	seen := map[snowflake.ID]bool{}
	req := auditdomain.ListAuditLogRequest{TenantID: "tenant_a"}
	req.PageSize = 2
	pages := 0
	for {
		resp, err := svc.List(context.Background(), req)
		require.NoError(t, err)
		pages++
		for _, entry := range resp.AuditLogs {
			assert.False(t, seen[entry.ID], "entry returned twice")
			seen[entry.ID] = true
		}
		if !resp.HasMore {
			break
		}
		req.PageToken = resp.NextPageToken
	}
	assert.Equal(t, 3, pages)
	assert.Len(t, seen, 5)
}

func TestListValidation(t *testing.T) {
	repo := &mockRepo{}
	svc := newTestService(t, nil, repo, zap.NewNop(), clock.NewFakeClock(time.Now()), 4)
	ctx := context.Background()

	_, err := svc.List(ctx, auditdomain.ListAuditLogRequest{})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidTenant)

	_, err = svc.List(ctx, auditdomain.ListAuditLogRequest{TenantID: "t1", Action: "DELETED"})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidAction)

	start := time.Now()
	end := start.Add(-time.Hour)
	_, err = svc.List(ctx, auditdomain.ListAuditLogRequest{TenantID: "t1", StartAt: &start, EndAt: &end})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidTimeRange)

	bad := auditdomain.ListAuditLogRequest{TenantID: "t1"}
	bad.PageToken = "%%%"
	_, err = svc.List(ctx, bad)
	assert.ErrorIs(t, err, auditdomain.ErrInvalidPageToken)

	repo.On("List", mock.Anything, mock.Anything, mock.MatchedBy(func(f auditdomain.ListFilter) bool {
		return f.TenantID == "t_ctx" && f.Limit == 50
	})).Return([]*auditdomain.AuditLog{}, nil)
	_, err = svc.List(auditcontext.WithTenantID(ctx, "t_ctx"), auditdomain.ListAuditLogRequest{})
	require.NoError(t, err)
	repo.AssertExpectations(t)
}
