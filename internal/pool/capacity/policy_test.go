package capacity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smallbiznis/licensepool/internal/config"
	"github.com/smallbiznis/licensepool/internal/dbtest"
	directorydomain "github.com/smallbiznis/licensepool/internal/directory/domain"
	pooldomain "github.com/smallbiznis/licensepool/internal/pool/domain"
	"github.com/smallbiznis/licensepool/internal/pool/repository"
	tierdomain "github.com/smallbiznis/licensepool/internal/tier/domain"
	"github.com/smallbiznis/licensepool/pkg/apperror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolverPrecedence(t *testing.T) {
	holder, err := config.NewStaticPolicyHolder(config.LicensingPolicy{
		DefaultMode: "tenant_wide",
		Applications: map[string]config.ApplicationPolicy{
			"app_chat": {Mode: "FREE"},
		},
	})
	require.NoError(t, err)
	resolver := NewResolver(repository.Provide(), holder)

	cases := []struct {
		name string
		app  *directorydomain.Application
		want Mode
	}{
		{name: "config override wins over registry", app: &directorydomain.Application{ID: "app_chat", LicensingMode: "PER_SEAT"}, want: ModeFree},
		{name: "registry mode", app: &directorydomain.Application{ID: "app_crm", LicensingMode: "per_seat"}, want: ModePerSeat},
		{name: "unknown registry mode falls back to default", app: &directorydomain.Application{ID: "app_crm", LicensingMode: "METERED"}, want: ModeTenantWide},
		{name: "configured default", app: &directorydomain.Application{ID: "app_docs"}, want: ModeTenantWide},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, resolver.ModeFor(tc.app))
			assert.Equal(t, tc.want, resolver.For(tc.app).Mode())
		})
	}

	bare := NewResolver(repository.Provide(), nil)
	assert.Equal(t, ModePerSeat, bare.ModeFor(&directorydomain.Application{ID: "app_x"}))
}

func TestPerSeatReserveStopsAtPurchased(t *testing.T) {
	db := dbtest.Open(t)
	node := dbtest.MustNode(t)
	ctx := context.Background()
	repo := repository.Provide()
	policy := NewResolver(repo, nil).policy(ModePerSeat)

	tierID := node.Generate()
	dbtest.SeedTier(t, db, tierID, "app_crm", "Pro", "ACTIVE", nil)
	poolID := node.Generate()
	dbtest.SeedPool(t, db, poolID, "tenant_a", "app_crm", tierID, 2, 0, "ACTIVE", time.Now())

	pool, err := repo.FindByID(ctx, db, poolID)
	require.NoError(t, err)
	tier := &tierdomain.Tier{ID: tierID, Name: "Pro"}
	now := time.Now().UTC()

	require.NoError(t, policy.Reserve(ctx, db, pool, tier, now))
	require.NoError(t, policy.Reserve(ctx, db, pool, tier, now))
	assert.EqualValues(t, 2, pool.QuantityAssigned)

	err = policy.Reserve(ctx, db, pool, tier, now)
	require.True(t, errors.Is(err, pooldomain.ErrCapacityExceeded), "got %v", err)
	assert.Equal(t, apperror.KindCapacityExceeded, apperror.KindOf(err))
	assert.EqualValues(t, 2, apperror.DetailsOf(err)["purchased"])
	assert.EqualValues(t, 2, dbtest.PoolAssigned(t, db, poolID))

	require.NoError(t, policy.Release(ctx, db, pool, now))
	assert.EqualValues(t, 1, dbtest.PoolAssigned(t, db, poolID))
}

func TestReleaseNeverGoesNegative(t *testing.T) {
	db := dbtest.Open(t)
	node := dbtest.MustNode(t)
	ctx := context.Background()
	repo := repository.Provide()
	policy := NewResolver(repo, nil).policy(ModePerSeat)

	tierID := node.Generate()
	dbtest.SeedTier(t, db, tierID, "app_crm", "Pro", "ACTIVE", nil)
	poolID := node.Generate()
	dbtest.SeedPool(t, db, poolID, "tenant_a", "app_crm", tierID, 1, 0, "ACTIVE", time.Now())

	pool, err := repo.FindByID(ctx, db, poolID)
	require.NoError(t, err)
	require.NoError(t, policy.Release(ctx, db, pool, time.Now()))
	assert.EqualValues(t, 0, dbtest.PoolAssigned(t, db, poolID))
	assert.EqualValues(t, 0, pool.QuantityAssigned)
}

func TestTenantWideLimitIsLowerOfPurchasedAndMaxMembers(t *testing.T) {
	db := dbtest.Open(t)
	node := dbtest.MustNode(t)
	ctx := context.Background()
	repo := repository.Provide()
	policy := NewResolver(repo, nil).policy(ModeTenantWide)

	tierID := node.Generate()
	dbtest.SeedTier(t, db, tierID, "app_chat", "Team", "ACTIVE", nil)

	t.Run("no max members falls back to purchased", func(t *testing.T) {
		poolID := node.Generate()
		dbtest.SeedPool(t, db, poolID, "tenant_a", "app_chat", tierID, 2, 0, "ACTIVE", time.Now())
		pool, err := repo.FindByID(ctx, db, poolID)
		require.NoError(t, err)
		tier := &tierdomain.Tier{ID: tierID, Name: "Team"}

		require.NoError(t, policy.Reserve(ctx, db, pool, tier, time.Now()))
		require.NoError(t, policy.Reserve(ctx, db, pool, tier, time.Now()))
		err = policy.Reserve(ctx, db, pool, tier, time.Now())
		require.True(t, errors.Is(err, pooldomain.ErrCapacityExceeded), "got %v", err)
		assert.EqualValues(t, 2, dbtest.PoolAssigned(t, db, poolID))
	})

	t.Run("max members above purchased does not raise the ceiling", func(t *testing.T) {
		poolID := node.Generate()
		dbtest.SeedPool(t, db, poolID, "tenant_b", "app_chat", tierID, 1, 0, "ACTIVE", time.Now())
		pool, err := repo.FindByID(ctx, db, poolID)
		require.NoError(t, err)
		maxMembers := 5
		tier := &tierdomain.Tier{ID: tierID, Name: "Team", MaxMembers: &maxMembers}

		require.NoError(t, policy.Reserve(ctx, db, pool, tier, time.Now()))
		err = policy.Reserve(ctx, db, pool, tier, time.Now())
		require.True(t, errors.Is(err, pooldomain.ErrCapacityExceeded), "got %v", err)
		assert.EqualValues(t, 1, apperror.DetailsOf(err)["purchased"])
		assert.EqualValues(t, 1, dbtest.PoolAssigned(t, db, poolID))
	})

	t.Run("max members below purchased caps the pool", func(t *testing.T) {
		poolID := node.Generate()
		dbtest.SeedPool(t, db, poolID, "tenant_c", "app_chat", tierID, 10, 0, "ACTIVE", time.Now())
		pool, err := repo.FindByID(ctx, db, poolID)
		require.NoError(t, err)
		maxMembers := 3
		tier := &tierdomain.Tier{ID: tierID, Name: "Team", MaxMembers: &maxMembers}

		for i := 0; i < 3; i++ {
			require.NoError(t, policy.Reserve(ctx, db, pool, tier, time.Now()))
		}
		err = policy.Reserve(ctx, db, pool, tier, time.Now())
		require.True(t, errors.Is(err, pooldomain.ErrCapacityExceeded), "got %v", err)
		assert.EqualValues(t, 3, apperror.DetailsOf(err)["max_members"])
		assert.EqualValues(t, 3, dbtest.PoolAssigned(t, db, poolID))
	})
}

func TestFreePolicyIsNoop(t *testing.T) {
	policy := NewResolver(nil, nil).policy(ModeFree)
	assert.False(t, policy.RequiresPool())
	require.NoError(t, policy.Reserve(context.Background(), nil, nil, nil, time.Now()))
	require.NoError(t, policy.Release(context.Background(), nil, nil, time.Now()))
}

func TestParseMode(t *testing.T) {
	mode, ok := ParseMode(" tenant_wide ")
	assert.True(t, ok)
	assert.Equal(t, ModeTenantWide, mode)

	_, ok = ParseMode("metered")
	assert.False(t, ok)
}
