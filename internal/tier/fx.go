package tier

import (
	"github.com/smallbiznis/licensepool/internal/tier/repository"
	"github.com/smallbiznis/licensepool/internal/tier/service"
	"go.uber.org/fx"
)

var Module = fx.Module("tier.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
