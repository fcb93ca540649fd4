package subscription

import (
	"github.com/smallbiznis/genstudio/internal/clock"
	"github.com/smallbiznis/genstudio/internal/config"
	"github.com/smallbiznis/genstudio/internal/subscription/billing"
	"github.com/smallbiznis/genstudio/internal/subscription/billing/stripe"
	"github.com/smallbiznis/genstudio/internal/subscription/repository"
	"github.com/smallbiznis/genstudio/internal/subscription/service"
	"go.uber.org/fx"
)

var Module = fx.Module("subscription.service",
	fx.Provide(repository.Provide),
	fx.Provide(func(cfg config.Config, clk clock.Clock) *billing.Registry {
		return billing.NewRegistry(
			stripe.New(stripe.Config{
				WebhookSecret: cfg.Webhooks.StripeSecret,
				Tolerance:     cfg.Webhooks.SignatureMaxAge,
				Clock:         clk,
			}),
		)
	}),
	fx.Provide(service.NewService),
)
