package repository

import (
	"context"
	"testing"

	"github.com/smallbiznis/licensepool/internal/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestGormDirectory(t *testing.T) {
	db := dbtest.Open(t)
	dbtest.SeedTenant(t, db, "tenant_a")
	dbtest.SeedMember(t, db, "tenant_a", "user_1")
	dbtest.SeedUser(t, db, "user_2")
	require.NoError(t, db.Exec(`INSERT INTO tenant_memberships (tenant_id, user_id, status) VALUES ('tenant_a', 'user_2', 'SUSPENDED')`).Error)
	dbtest.SeedApplication(t, db, "app_crm", "CRM", "tenant_wide")
	dbtest.SeedApplication(t, db, "app_docs", "Docs", "")

	dir := Provide(db, zap.NewNop())
	ctx := context.Background()

	ok, err := dir.TenantExists(ctx, "tenant_a")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = dir.TenantExists(ctx, "tenant_missing")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = dir.UserExists(ctx, "user_2")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = dir.IsActiveMember(ctx, "user_1", "tenant_a")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = dir.IsActiveMember(ctx, "user_2", "tenant_a")
	require.NoError(t, err)
	assert.False(t, ok, "suspended memberships are not active")

	app, err := dir.GetApplication(ctx, "app_crm")
	require.NoError(t, err)
	require.NotNil(t, app)
	assert.Equal(t, "CRM", app.Name)
	assert.Equal(t, "TENANT_WIDE", app.LicensingMode)

	app, err = dir.GetApplication(ctx, "app_docs")
	require.NoError(t, err)
	require.NotNil(t, app)
	assert.Empty(t, app.LicensingMode)

	app, err = dir.GetApplication(ctx, "app_missing")
	require.NoError(t, err)
	assert.Nil(t, app)
}
