package generation

import (
	"github.com/smallbiznis/genstudio/internal/generation/adapters"
	"github.com/smallbiznis/genstudio/internal/generation/adapters/openai"
	"github.com/smallbiznis/genstudio/internal/generation/adapters/replicate"
	"github.com/smallbiznis/genstudio/internal/generation/fallback"
	"github.com/smallbiznis/genstudio/internal/generation/poller"
	"github.com/smallbiznis/genstudio/internal/generation/service"
	"go.uber.org/fx"
)

var Module = fx.Module("generation.service",
	fx.Provide(func() *adapters.Registry {
		return adapters.NewRegistry(
			replicate.NewFactory(),
			openai.NewFactory(),
		)
	}),
	fx.Provide(fallback.NewResolver),
	fx.Provide(poller.New),
	fx.Provide(service.NewService),
)
