// Package capacity holds the seat accounting strategies. Each application is
// licensed in exactly one mode, selected once per operation by Resolver.
package capacity

import (
	"context"
	"fmt"
	"strings"
	"time"

	directorydomain "github.com/smallbiznis/licensepool/internal/directory/domain"
	pooldomain "github.com/smallbiznis/licensepool/internal/pool/domain"
	tierdomain "github.com/smallbiznis/licensepool/internal/tier/domain"
	"github.com/smallbiznis/licensepool/pkg/apperror"
	"gorm.io/gorm"
)

type Mode string

const (
	// ModeFree grants without consuming any pool.
	ModeFree Mode = "FREE"
	// ModePerSeat bounds assignments by the pool's purchased quantity.
	ModePerSeat Mode = "PER_SEAT"
	// ModeTenantWide bounds assignments by the purchased quantity and, when set,
	// the tier's max members, whichever is lower.
	ModeTenantWide Mode = "TENANT_WIDE"
)

func ParseMode(raw string) (Mode, bool) {
	switch Mode(strings.ToUpper(strings.TrimSpace(raw))) {
	case ModeFree:
		return ModeFree, true
	case ModePerSeat:
		return ModePerSeat, true
	case ModeTenantWide:
		return ModeTenantWide, true
	default:
		return "", false
	}
}

type Policy interface {
	Mode() Mode
	RequiresPool() bool
	// Reserve consumes one seat. It must run inside the transaction that
	// creates or moves the assignment.
	Reserve(ctx context.Context, tx *gorm.DB, pool *pooldomain.Pool, tier *tierdomain.Tier, now time.Time) error
	Release(ctx context.Context, tx *gorm.DB, pool *pooldomain.Pool, now time.Time) error
}

type freePolicy struct{}

func (freePolicy) Mode() Mode         { return ModeFree }
func (freePolicy) RequiresPool() bool { return false }

func (freePolicy) Reserve(context.Context, *gorm.DB, *pooldomain.Pool, *tierdomain.Tier, time.Time) error {
	return nil
}

func (freePolicy) Release(context.Context, *gorm.DB, *pooldomain.Pool, time.Time) error {
	return nil
}

// countedPolicy keeps quantity_assigned in step with assignments. The modes that
// count seats differ only in where the ceiling comes from.
type countedPolicy struct {
	mode  Mode
	repo  pooldomain.Repository
	limit func(pool *pooldomain.Pool, tier *tierdomain.Tier) int64
}

func (p *countedPolicy) Mode() Mode         { return p.mode }
func (p *countedPolicy) RequiresPool() bool { return true }

func (p *countedPolicy) Reserve(ctx context.Context, tx *gorm.DB, pool *pooldomain.Pool, tier *tierdomain.Tier, now time.Time) error {
	if pool == nil {
		return pooldomain.ErrNoActiveSubscription
	}

	limit := p.limit(pool, tier)
	ok, err := p.repo.IncrementAssigned(ctx, tx, pool.ID, &limit, now)
	if err != nil {
		return fmt.Errorf("reserve seat: %w", err)
	}
	if !ok {
		return capacityError(p.mode, pool, tier, limit)
	}
	pool.QuantityAssigned++
	return nil
}

func (p *countedPolicy) Release(ctx context.Context, tx *gorm.DB, pool *pooldomain.Pool, now time.Time) error {
	if pool == nil {
		return nil
	}
	if err := p.repo.DecrementAssigned(ctx, tx, pool.ID, now); err != nil {
		return fmt.Errorf("release seat: %w", err)
	}
	if pool.QuantityAssigned > 0 {
		pool.QuantityAssigned--
	}
	return nil
}

func perSeatLimit(pool *pooldomain.Pool, _ *tierdomain.Tier) int64 {
	return pool.QuantityPurchased
}

// tenantWideLimit never exceeds what was purchased; max_members can only
// lower the ceiling.
func tenantWideLimit(pool *pooldomain.Pool, tier *tierdomain.Tier) int64 {
	if members, ok := maxMembers(tier); ok && members < pool.QuantityPurchased {
		return members
	}
	return pool.QuantityPurchased
}

func maxMembers(tier *tierdomain.Tier) (int64, bool) {
	if tier == nil || tier.MaxMembers == nil {
		return 0, false
	}
	return int64(*tier.MaxMembers), true
}

func capacityError(mode Mode, pool *pooldomain.Pool, tier *tierdomain.Tier, limit int64) error {
	tierName := ""
	if tier != nil {
		tierName = tier.Name
	}
	details := map[string]any{
		"pool_id":   pool.ID.String(),
		"purchased": pool.QuantityPurchased,
		"mode":      string(mode),
	}
	message := fmt.Sprintf("all %d purchased seats are assigned, purchase more seats to continue", pool.QuantityPurchased)
	if members, ok := maxMembers(tier); ok && mode == ModeTenantWide {
		details["max_members"] = members
		if limit == members && members < pool.QuantityPurchased {
			message = fmt.Sprintf("tier %q allows at most %d members", tierName, members)
		}
	}
	if tierName != "" {
		details["tier_name"] = tierName
	}
	return apperror.WithDetails(pooldomain.ErrCapacityExceeded, message, details)
}

// ModeSource supplies configured licensing modes.
type ModeSource interface {
	ModeFor(applicationID string) string
	DefaultMode() string
}

type Resolver struct {
	source   ModeSource
	policies map[Mode]Policy
}

func NewResolver(repo pooldomain.Repository, source ModeSource) *Resolver {
	return &Resolver{
		source: source,
		policies: map[Mode]Policy{
			ModeFree:       freePolicy{},
			ModePerSeat:    &countedPolicy{mode: ModePerSeat, repo: repo, limit: perSeatLimit},
			ModeTenantWide: &countedPolicy{mode: ModeTenantWide, repo: repo, limit: tenantWideLimit},
		},
	}
}

// For selects the policy for app: a configured per-application override wins,
// then the registry's mode, then the configured default, then PER_SEAT.
func (r *Resolver) For(app *directorydomain.Application) Policy {
	return r.policy(r.ModeFor(app))
}

func (r *Resolver) ModeFor(app *directorydomain.Application) Mode {
	if r.source != nil && app != nil {
		if mode, ok := ParseMode(r.source.ModeFor(app.ID)); ok {
			return mode
		}
	}
	if app != nil {
		if mode, ok := ParseMode(app.LicensingMode); ok {
			return mode
		}
	}
	if r.source != nil {
		if mode, ok := ParseMode(r.source.DefaultMode()); ok {
			return mode
		}
	}
	return ModePerSeat
}

func (r *Resolver) policy(mode Mode) Policy {
	if policy, ok := r.policies[mode]; ok {
		return policy
	}
	return r.policies[ModePerSeat]
}
