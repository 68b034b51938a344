package pool

import (
	"github.com/smallbiznis/licensepool/internal/config"
	"github.com/smallbiznis/licensepool/internal/pool/capacity"
	"github.com/smallbiznis/licensepool/internal/pool/domain"
	"github.com/smallbiznis/licensepool/internal/pool/repository"
	"github.com/smallbiznis/licensepool/internal/pool/service"
	"go.uber.org/fx"
)

var Module = fx.Module("pool.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(fx.Annotate(
		func(cfg config.Config) int { return cfg.Reconcile.BatchSize },
		fx.ResultTags(`name:"reconcile_batch_size"`),
	)),
	fx.Provide(func(repo domain.Repository, holder *config.PolicyHolder) *capacity.Resolver {
		return capacity.NewResolver(repo, holder)
	}),
)
