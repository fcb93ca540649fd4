package fallback

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/smallbiznis/genstudio/internal/config"
	"github.com/smallbiznis/genstudio/internal/generation/adapters"
	"github.com/smallbiznis/genstudio/internal/generation/domain"
	obsmetrics "github.com/smallbiznis/genstudio/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type ResolverParams struct {
	fx.In

	Log      *zap.Logger
	Registry *adapters.Registry
	Config   *config.GenerationConfigHolder
	Metrics  *obsmetrics.GenerationMetrics `optional:"true"`
}

// Resolver builds provider chains from the current provider configuration.
type Resolver struct {
	log      *zap.Logger
	registry *adapters.Registry
	config   *config.GenerationConfigHolder
	metrics  *obsmetrics.GenerationMetrics
	client   *http.Client
}

func NewResolver(p ResolverParams) *Resolver {
	return &Resolver{
		log:      p.Log.Named("generation.fallback"),
		registry: p.Registry,
		config:   p.Config,
		metrics:  p.Metrics,
		client:   &http.Client{},
	}
}

// Resolve returns the chain and route for feature. Providers that cannot be
// built are skipped with a warning.
func (r *Resolver) Resolve(feature string) (*Chain, config.FeatureRoute, error) {
	cfg := r.config.Get()
	route, ok := cfg.Route(feature)
	if !ok {
		return nil, config.FeatureRoute{}, fmt.Errorf("%w: %s", domain.ErrNoProviders, feature)
	}

	chainAdapters := make([]domain.Adapter, 0, len(route.Providers))
	for _, name := range route.Providers {
		name = strings.ToLower(strings.TrimSpace(name))
		settings, ok := cfg.Providers[name]
		if !ok {
			r.log.Warn("provider missing from configuration", zap.String("provider", name))
			continue
		}
		kind := strings.ToLower(strings.TrimSpace(settings.Kind))
		if kind == "" {
			kind = name
		}

		adapter, err := r.registry.NewAdapter(kind, domain.AdapterConfig{
			Provider:       name,
			BaseURL:        settings.BaseURL,
			APIKey:         settings.ResolvedAPIKey(),
			Models:         settings.Models,
			RequestTimeout: settings.RequestTimeout,
			HTTPClient:     r.client,
		})
		if err != nil {
			r.log.Warn("provider unavailable", zap.String("provider", name), zap.Error(err))
			continue
		}
		chainAdapters = append(chainAdapters, adapter)
	}
	if len(chainAdapters) == 0 {
		return nil, route, fmt.Errorf("%w: %s", domain.ErrNoProviders, feature)
	}

	return NewChain(ChainOptions{
		Feature:    strings.ToLower(strings.TrimSpace(feature)),
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.RetryBaseDelay,
		Log:        r.log,
		Metrics:    r.metrics,
	}, chainAdapters...), route, nil
}

// RetryOnTimeout reports whether timed out jobs get one resubmission.
func (r *Resolver) RetryOnTimeout() bool {
	return r.config.Get().RetryOnTimeout
}
