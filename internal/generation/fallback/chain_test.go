package fallback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/smallbiznis/genstudio/internal/config"
	"github.com/smallbiznis/genstudio/internal/generation/adapters"
	"github.com/smallbiznis/genstudio/internal/generation/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type scriptedAdapter struct {
	name string

	mu       sync.Mutex
	errs     []error
	calls    int
	requests []domain.Request
}

func (a *scriptedAdapter) Name() string { return a.name }

func (a *scriptedAdapter) Submit(ctx context.Context, req domain.Request) (domain.Submission, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	a.requests = append(a.requests, req)
	if len(a.errs) > 0 {
		err := a.errs[0]
		a.errs = a.errs[1:]
		if err != nil {
			return domain.Submission{}, err
		}
	}
	return domain.Submission{ExternalJobID: a.name + "_job"}, nil
}

func (a *scriptedAdapter) Poll(ctx context.Context, externalJobID string) (domain.Outcome, error) {
	return domain.Outcome{}, nil
}

func providerErr(name string, kind domain.ErrorKind, status int) error {
	return &domain.ProviderError{Provider: name, Kind: kind, StatusCode: status, Err: errors.New("boom")}
}

func newTestChain(maxRetries int, adapters ...domain.Adapter) *Chain {
	return NewChain(ChainOptions{
		Feature:    "interior",
		MaxRetries: maxRetries,
		BaseDelay:  time.Millisecond,
		Log:        zap.NewNop(),
	}, adapters...)
}

func TestChainAdvancesOnBillingError(t *testing.T) {
	primary := &scriptedAdapter{name: "a", errs: []error{providerErr("a", domain.KindUnavailable, 402)}}
	secondary := &scriptedAdapter{name: "b"}
	chain := newTestChain(3, primary, secondary)

	req := domain.Request{GenerationID: "gen_1", Feature: "interior", Params: map[string]any{"prompt": "loft"}}
	attempt, err := chain.Submit(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "b", attempt.Provider())
	assert.Equal(t, "b_job", attempt.Submission.ExternalJobID)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 1, secondary.calls)
	assert.Equal(t, req, secondary.requests[0])
}

func TestChainRetriesTransientOnSameProvider(t *testing.T) {
	primary := &scriptedAdapter{name: "a", errs: []error{
		providerErr("a", domain.KindTransient, 503),
		providerErr("a", domain.KindTransient, 503),
	}}
	secondary := &scriptedAdapter{name: "b"}
	chain := newTestChain(2, primary, secondary)

	attempt, err := chain.Submit(context.Background(), domain.Request{Feature: "interior"})
	require.NoError(t, err)
	assert.Equal(t, "a", attempt.Provider())
	assert.Equal(t, 3, attempt.Tries)
	assert.Equal(t, 0, secondary.calls)
}

func TestChainAdvancesWhenRetriesRunOut(t *testing.T) {
	transient := providerErr("a", domain.KindTransient, 500)
	primary := &scriptedAdapter{name: "a", errs: []error{transient, transient, transient}}
	secondary := &scriptedAdapter{name: "b"}
	chain := newTestChain(1, primary, secondary)

	attempt, err := chain.Submit(context.Background(), domain.Request{Feature: "interior"})
	require.NoError(t, err)
	assert.Equal(t, "b", attempt.Provider())
	assert.Equal(t, 2, primary.calls)
}

func TestChainExhausted(t *testing.T) {
	primary := &scriptedAdapter{name: "a", errs: []error{providerErr("a", domain.KindUnavailable, 401)}}
	secondary := &scriptedAdapter{name: "b", errs: []error{providerErr("b", domain.KindRejected, 400)}}
	chain := newTestChain(2, primary, secondary)

	_, err := chain.Submit(context.Background(), domain.Request{Feature: "interior"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrProviderExhausted)
	assert.Contains(t, err.Error(), "a: ")
	assert.Contains(t, err.Error(), "b: ")
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 1, secondary.calls)
}

func TestChainExcept(t *testing.T) {
	chain := newTestChain(0, &scriptedAdapter{name: "a"}, &scriptedAdapter{name: "b"})

	rest := chain.Except("A")
	assert.Equal(t, []string{"b"}, rest.Providers())
	assert.Equal(t, []string{"a", "b"}, chain.Providers())

	_, err := chain.Except("a").Except("b").Submit(context.Background(), domain.Request{})
	assert.ErrorIs(t, err, domain.ErrNoProviders)
}

type stubFactory struct {
	provider string
}

func (f stubFactory) Provider() string { return f.provider }

func (f stubFactory) NewAdapter(cfg domain.AdapterConfig) (domain.Adapter, error) {
	if cfg.APIKey == "" {
		return nil, domain.ErrInvalidConfig
	}
	return &scriptedAdapter{name: cfg.Provider}, nil
}

func TestResolverBuildsConfiguredChain(t *testing.T) {
	holder, err := config.NewStaticGenerationConfigHolder(config.GenerationConfig{
		MaxRetries: 1,
		Features: map[string]config.FeatureRoute{
			"interior": {Providers: []string{"primary", "backup", "nokey"}},
		},
		Providers: map[string]config.ProviderSettings{
			"primary": {Kind: "stub", BaseURL: "http://a", APIKey: "k1"},
			"backup":  {Kind: "stub", BaseURL: "http://b", APIKey: "k2"},
			"nokey":   {Kind: "stub", BaseURL: "http://c"},
		},
	})
	require.NoError(t, err)

	resolver := NewResolver(ResolverParams{
		Log:      zap.NewNop(),
		Registry: adapters.NewRegistry(stubFactory{provider: "stub"}),
		Config:   holder,
	})

	chain, route, err := resolver.Resolve("Interior")
	require.NoError(t, err)
	assert.Equal(t, []string{"primary", "backup"}, chain.Providers())
	assert.Equal(t, int64(1), route.Cost)
	assert.Equal(t, config.DefaultImageTimeout, route.Timeout)
	assert.False(t, resolver.RetryOnTimeout())

	_, _, err = resolver.Resolve("video")
	assert.ErrorIs(t, err, domain.ErrNoProviders)
}
