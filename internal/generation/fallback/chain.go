package fallback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/smallbiznis/genstudio/internal/generation/domain"
	obsmetrics "github.com/smallbiznis/genstudio/internal/observability/metrics"
	"go.uber.org/zap"
)

// Attempt is the provider that accepted a request.
type Attempt struct {
	Adapter    domain.Adapter
	Submission domain.Submission
	Tries      int
}

func (a Attempt) Provider() string {
	if a.Adapter == nil {
		return ""
	}
	return a.Adapter.Name()
}

// Chain is the ordered list of providers for one feature.
type Chain struct {
	feature    string
	adapters   []domain.Adapter
	maxRetries int
	baseDelay  time.Duration
	log        *zap.Logger
	metrics    *obsmetrics.GenerationMetrics
}

type ChainOptions struct {
	Feature    string
	MaxRetries int
	BaseDelay  time.Duration
	Log        *zap.Logger
	Metrics    *obsmetrics.GenerationMetrics
}

func NewChain(opts ChainOptions, adapters ...domain.Adapter) *Chain {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 500 * time.Millisecond
	}
	return &Chain{
		feature:    opts.Feature,
		adapters:   adapters,
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.BaseDelay,
		log:        log,
		metrics:    opts.Metrics,
	}
}

func (c *Chain) Len() int {
	return len(c.adapters)
}

func (c *Chain) Providers() []string {
	names := make([]string, 0, len(c.adapters))
	for _, adapter := range c.adapters {
		names = append(names, adapter.Name())
	}
	return names
}

// Except returns a copy of the chain without the named provider.
func (c *Chain) Except(name string) *Chain {
	name = strings.ToLower(strings.TrimSpace(name))
	out := *c
	out.adapters = make([]domain.Adapter, 0, len(c.adapters))
	for _, adapter := range c.adapters {
		if strings.ToLower(adapter.Name()) == name {
			continue
		}
		out.adapters = append(out.adapters, adapter)
	}
	return &out
}

// Submit hands req to each provider in order. Transient failures are retried
// on the same provider; anything else, or running out of retries, moves on to
// the next one with the same request.
func (c *Chain) Submit(ctx context.Context, req domain.Request) (Attempt, error) {
	if len(c.adapters) == 0 {
		return Attempt{}, domain.ErrNoProviders
	}

	var failures []error
	for i, adapter := range c.adapters {
		attempt, err := c.submitWithRetry(ctx, adapter, req)
		if err == nil {
			if i > 0 {
				c.log.Info("generation submitted to fallback provider",
					zap.String("feature", c.feature),
					zap.String("provider", adapter.Name()),
					zap.Int("position", i),
				)
			}
			return attempt, nil
		}

		failures = append(failures, fmt.Errorf("%s: %w", adapter.Name(), err))
		if ctxErr := ctx.Err(); ctxErr != nil {
			failures = append(failures, ctxErr)
			break
		}

		kind := domain.Classify(err)
		c.metrics.IncProviderFallback(c.feature, adapter.Name(), string(kind))
		c.log.Warn("provider submit failed, advancing chain",
			zap.String("feature", c.feature),
			zap.String("provider", adapter.Name()),
			zap.String("kind", string(kind)),
			zap.Int("tries", attempt.Tries),
			zap.Error(err),
		)
	}

	return Attempt{}, errors.Join(append([]error{domain.ErrProviderExhausted}, failures...)...)
}

func (c *Chain) submitWithRetry(ctx context.Context, adapter domain.Adapter, req domain.Request) (Attempt, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.baseDelay
	b.MaxInterval = 10 * c.baseDelay

	tries := 0
	submission, err := backoff.Retry(ctx, func() (domain.Submission, error) {
		tries++
		submission, err := adapter.Submit(ctx, req)
		if err == nil {
			return submission, nil
		}
		if !domain.IsRetryable(err) {
			return domain.Submission{}, backoff.Permanent(err)
		}
		return domain.Submission{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.maxRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.metrics.IncProviderRetry(adapter.Name())
			c.log.Debug("retrying provider submit",
				zap.String("provider", adapter.Name()),
				zap.Duration("backoff", next),
				zap.Error(err),
			)
		}),
	)
	return Attempt{Adapter: adapter, Submission: submission, Tries: tries}, err
}
