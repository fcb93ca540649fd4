package credit

import (
	"github.com/smallbiznis/genstudio/internal/credit/domain"
	"github.com/smallbiznis/genstudio/internal/credit/repository"
	"github.com/smallbiznis/genstudio/internal/credit/service"
	"github.com/smallbiznis/genstudio/internal/ratelimit"
	"go.uber.org/fx"
)

var Module = fx.Module("credit.service",
	fx.Provide(repository.Provide),
	fx.Provide(provideUserLocker),
	fx.Provide(service.NewService),
)

func provideUserLocker(limiter *ratelimit.GenerationLimiter) domain.UserLocker {
	if limiter == nil {
		return nil
	}
	return limiter
}
