package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/licensepool/internal/clock"
	"github.com/smallbiznis/licensepool/internal/dbtest"
	"github.com/smallbiznis/licensepool/internal/tier/domain"
	"github.com/smallbiznis/licensepool/internal/tier/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupTierService(t *testing.T) (domain.Service, *gorm.DB, *snowflake.Node) {
	t.Helper()
	db := dbtest.Open(t)
	node := dbtest.MustNode(t)
	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
		Repo:  repository.Provide(),
	})
	return svc, db, node
}

func TestCreateTierGeneratesSlugAndStartsDraft(t *testing.T) {
	svc, _, _ := setupTierService(t)
	ctx := context.Background()

	tier, err := svc.Create(ctx, domain.CreateRequest{
		ApplicationID: "app_crm",
		Name:          "Pro Plan",
		Features:      map[string]bool{"sso": true, "exports": false},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if tier.Slug != "pro-plan" {
		t.Fatalf("expected slug pro-plan, got %q", tier.Slug)
	}
	if tier.Status != domain.StatusDraft {
		t.Fatalf("expected DRAFT, got %s", tier.Status)
	}
	if !tier.IsGrantable() {
		t.Fatalf("draft tiers must be grantable")
	}

	resolved, err := svc.ResolveTier(ctx, tier.ID.String())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !resolved.HasFeature("sso") || resolved.HasFeature("exports") {
		t.Fatalf("unexpected features %v", resolved.Features)
	}

	if _, err := svc.Create(ctx, domain.CreateRequest{ApplicationID: "app_crm", Name: "pro plan"}); !errors.Is(err, domain.ErrSlugTaken) {
		t.Fatalf("expected slug taken, got %v", err)
	}
	if _, err := svc.Create(ctx, domain.CreateRequest{ApplicationID: "app_docs", Name: "Pro Plan"}); err != nil {
		t.Fatalf("same slug in another application should be allowed: %v", err)
	}
}

func TestTierLifecycle(t *testing.T) {
	svc, _, _ := setupTierService(t)
	ctx := context.Background()

	tier, err := svc.Create(ctx, domain.CreateRequest{ApplicationID: "app_crm", Name: "Team"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Hide(ctx, tier.ID.String()); !errors.Is(err, domain.ErrInvalidTierTransition) {
		t.Fatalf("draft tier cannot be hidden, got %v", err)
	}

	active, err := svc.Activate(ctx, tier.ID.String())
	if err != nil || active.Status != domain.StatusActive {
		t.Fatalf("activate: %v", err)
	}
	hidden, err := svc.Hide(ctx, tier.ID.String())
	if err != nil || hidden.Status != domain.StatusHidden {
		t.Fatalf("hide: %v", err)
	}
	if hidden.IsGrantable() {
		t.Fatalf("hidden tiers must not be grantable")
	}

	archived, err := svc.Archive(ctx, tier.ID.String())
	if err != nil || archived.Status != domain.StatusArchived {
		t.Fatalf("archive: %v", err)
	}
	if archived.IsGrantable() {
		t.Fatalf("archived tiers must not be grantable")
	}
	if _, err := svc.Activate(ctx, tier.ID.String()); !errors.Is(err, domain.ErrTierArchived) {
		t.Fatalf("expected archived error, got %v", err)
	}
	name := "Renamed"
	if _, err := svc.Update(ctx, domain.UpdateRequest{TierID: tier.ID.String(), Name: &name}); !errors.Is(err, domain.ErrTierArchived) {
		t.Fatalf("archived tiers are immutable, got %v", err)
	}
}

func TestUpdateTier(t *testing.T) {
	svc, _, _ := setupTierService(t)
	ctx := context.Background()

	maxMembers := 10
	tier, err := svc.Create(ctx, domain.CreateRequest{ApplicationID: "app_crm", Name: "Team", MaxMembers: &maxMembers})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	name := "Team Plus"
	order := 3
	updated, err := svc.Update(ctx, domain.UpdateRequest{
		TierID:          tier.ID.String(),
		Name:            &name,
		Features:        map[string]bool{"audit_export": true},
		ClearMaxMembers: true,
		DisplayOrder:    &order,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Name != "Team Plus" || updated.MaxMembers != nil || updated.DisplayOrder != 3 {
		t.Fatalf("unexpected tier %+v", updated)
	}

	reloaded, err := svc.ResolveTier(ctx, tier.ID.String())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if reloaded.Name != "Team Plus" || reloaded.MaxMembers != nil || !reloaded.HasFeature("audit_export") {
		t.Fatalf("update not persisted: %+v", reloaded)
	}
	if reloaded.Slug != "team" {
		t.Fatalf("slug must not change on rename, got %q", reloaded.Slug)
	}

	negative := -1
	if _, err := svc.Update(ctx, domain.UpdateRequest{TierID: tier.ID.String(), MaxMembers: &negative}); !errors.Is(err, domain.ErrInvalidMaxMembers) {
		t.Fatalf("expected invalid max members, got %v", err)
	}
}

func TestDeleteTierRefusesReferencedTier(t *testing.T) {
	svc, db, node := setupTierService(t)
	ctx := context.Background()

	tier, err := svc.Create(ctx, domain.CreateRequest{ApplicationID: "app_crm", Name: "Basic"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	dbtest.SeedPool(t, db, node.Generate(), "tenant_a", "app_crm", tier.ID, 5, 0, "ACTIVE", time.Now())

	if err := svc.Delete(ctx, tier.ID.String()); !errors.Is(err, domain.ErrTierInUse) {
		t.Fatalf("expected tier in use, got %v", err)
	}

	unused, err := svc.Create(ctx, domain.CreateRequest{ApplicationID: "app_crm", Name: "Scratch"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.Delete(ctx, unused.ID.String()); err != nil {
		t.Fatalf("delete unused: %v", err)
	}
	if _, err := svc.ResolveTier(ctx, unused.ID.String()); !errors.Is(err, domain.ErrTierNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestListAndResolveValidation(t *testing.T) {
	svc, _, _ := setupTierService(t)
	ctx := context.Background()

	for i, name := range []string{"Enterprise", "Basic", "Pro"} {
		tier, err := svc.Create(ctx, domain.CreateRequest{ApplicationID: "app_crm", Name: name, DisplayOrder: 3 - i})
		if err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		if name != "Pro" {
			if _, err := svc.Activate(ctx, tier.ID.String()); err != nil {
				t.Fatalf("activate: %v", err)
			}
		}
	}

	all, err := svc.List(ctx, domain.ListRequest{ApplicationID: "app_crm"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].Name != "Pro" || all[2].Name != "Enterprise" {
		t.Fatalf("unexpected order %+v", all)
	}

	active, err := svc.List(ctx, domain.ListRequest{ApplicationID: "app_crm", Statuses: []domain.Status{domain.StatusActive}})
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 active tiers, got %d", len(active))
	}

	if _, err := svc.List(ctx, domain.ListRequest{}); !errors.Is(err, domain.ErrInvalidApplication) {
		t.Fatalf("expected invalid application, got %v", err)
	}
	if _, err := svc.ResolveTier(ctx, "not-a-number"); !errors.Is(err, domain.ErrInvalidTier) {
		t.Fatalf("expected invalid tier, got %v", err)
	}
	if _, err := svc.ResolveTier(ctx, "12345"); !errors.Is(err, domain.ErrTierNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
