package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/genstudio/internal/clock"
	"github.com/smallbiznis/genstudio/internal/config"
	creditdomain "github.com/smallbiznis/genstudio/internal/credit/domain"
	"github.com/smallbiznis/genstudio/internal/generation/domain"
	"github.com/smallbiznis/genstudio/internal/generation/fallback"
	"github.com/smallbiznis/genstudio/internal/generation/poller"
	obslogger "github.com/smallbiznis/genstudio/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/genstudio/internal/observability/metrics"
	"github.com/smallbiznis/genstudio/internal/observability/tracing"
	"github.com/smallbiznis/genstudio/internal/ratelimit"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	Cfg        config.Config
	GenID      *snowflake.Node
	Clock      clock.Clock
	CreditSvc  creditdomain.Service
	Resolver   *fallback.Resolver
	Poller     *poller.Poller
	Limiter    *ratelimit.GenerationLimiter `optional:"true"`
	ObsMetrics *obsmetrics.Metrics          `optional:"true"`
}

type Service struct {
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	creditSvc  creditdomain.Service
	resolver   *fallback.Resolver
	poller     *poller.Poller
	limiter    *ratelimit.GenerationLimiter
	jobs       *JobStore
	obsMetrics *obsmetrics.Metrics
	tracer     trace.Tracer
}

func NewService(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Service{
		log:        p.Log.Named("generation.service"),
		genID:      p.GenID,
		clock:      clk,
		creditSvc:  p.CreditSvc,
		resolver:   p.Resolver,
		poller:     p.Poller,
		limiter:    p.Limiter,
		jobs:       NewJobStore(p.Cfg.Generation.JobCacheSize, p.Cfg.Generation.JobCacheTTL),
		obsMetrics: p.ObsMetrics,
		tracer:     otel.Tracer("genstudio/generation"),
	}
}

// Generate gates, debits, runs and, on failure, refunds one generation.
// Insufficient credit and provider or job failures come back as results;
// only validation, configuration and ledger failures are returned as errors.
func (s *Service) Generate(ctx context.Context, req domain.GenerateRequest) (domain.GenerationResult, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return domain.GenerationResult{}, fmt.Errorf("%w: user id is required", domain.ErrInvalidRequest)
	}
	feature, err := domain.NormalizeFeature(req.Feature)
	if err != nil {
		return domain.GenerationResult{}, err
	}

	ctx, span := s.tracer.Start(ctx, "generation.Generate", trace.WithAttributes(
		tracing.SafeAttributes(attribute.String("feature", feature))...,
	))
	defer span.End()

	log := obslogger.WithUser(obslogger.WithContext(ctx, s.log), userID).With(zap.String("feature", feature))

	if err := s.allow(ctx, userID, log); err != nil {
		return domain.GenerationResult{}, err
	}

	chain, route, err := s.resolver.Resolve(feature)
	if err != nil {
		s.recordSpanError(span, err)
		return domain.GenerationResult{}, err
	}

	ok, err := s.creditSvc.HasSufficientCredit(ctx, userID, route.Cost)
	if err != nil {
		s.recordSpanError(span, err)
		return domain.GenerationResult{}, err
	}
	if !ok {
		return s.insufficient(ctx, userID, feature, log)
	}

	generationID := s.genID.Generate().String()
	span.SetAttributes(attribute.String("generation_id", generationID))
	log = log.With(zap.String("generation_id", generationID))

	debit, err := s.creditSvc.Debit(ctx, creditdomain.DebitRequest{
		UserID:       userID,
		Feature:      creditdomain.Feature(feature),
		GenerationID: generationID,
		Amount:       route.Cost,
		Metadata:     map[string]any{"providers": chain.Providers()},
	})
	if err != nil {
		if errors.Is(err, creditdomain.ErrInsufficientCredit) {
			return s.insufficient(ctx, userID, feature, log)
		}
		s.recordSpanError(span, err)
		return domain.GenerationResult{}, err
	}

	// The debit stands from here on; the job has to reach a terminal state
	// even if the caller goes away, so refunds are decided correctly.
	runCtx := context.WithoutCancel(ctx)
	job := s.run(runCtx, chain, route, domain.Request{
		GenerationID: generationID,
		UserID:       userID,
		Feature:      feature,
		Params:       req.Params,
	}, log)

	result := domain.GenerationResult{
		GenerationID:     generationID,
		JobID:            job.ID,
		Provider:         job.Provider,
		RemainingCredits: debit.Remaining,
		Unlimited:        debit.Unlimited,
	}

	if job.State == domain.JobStateCompleted {
		result.Status = domain.ResultCompleted
		result.Outputs = job.Outputs
		s.obsMetrics.RecordGeneration(ctx, feature, job.Provider, string(result.Status))
		log.Info("generation completed", zap.String("provider", job.Provider), zap.String("job_id", job.ID))
		return result, nil
	}

	result.Status = domain.ResultFailed
	result.FailureReason = job.FailureReason
	refund, err := s.creditSvc.Refund(runCtx, userID, generationID, debit.Amount)
	if err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("%s: %s", domain.ErrRefundFailed, tracing.SafeError(err)))
		log.Error("refund after failed generation did not complete",
			zap.String("job_state", string(job.State)),
			zap.Error(err),
		)
	} else {
		result.RemainingCredits = refund.Remaining
	}

	s.obsMetrics.RecordGeneration(ctx, feature, job.Provider, string(job.State))
	span.SetStatus(codes.Error, string(job.State))
	log.Warn("generation failed",
		zap.String("provider", job.Provider),
		zap.String("job_state", string(job.State)),
		zap.String("failure_reason", job.FailureReason),
	)
	return result, nil
}

func (s *Service) GetJob(ctx context.Context, userID, jobID string) (domain.Job, error) {
	job, ok := s.jobs.Get(strings.TrimSpace(jobID))
	if !ok || job.UserID != strings.TrimSpace(userID) {
		return domain.Job{}, domain.ErrJobNotFound
	}
	return job, nil
}

// run submits through the chain and polls to a terminal state. A chain
// failure is reported as a failed job with no provider.
func (s *Service) run(ctx context.Context, chain *fallback.Chain, route config.FeatureRoute, req domain.Request, log *zap.Logger) domain.Job {
	job := s.submitAndAwait(ctx, chain, route, req, log)
	if job.State != domain.JobStateTimedOut || !s.resolver.RetryOnTimeout() {
		return job
	}

	retryChain := chain.Except(job.Provider)
	if retryChain.Len() == 0 {
		retryChain = chain
	}
	log.Info("resubmitting timed out generation",
		zap.String("timed_out_provider", job.Provider),
		zap.Strings("providers", retryChain.Providers()),
	)
	return s.submitAndAwait(ctx, retryChain, route, req, log)
}

func (s *Service) submitAndAwait(ctx context.Context, chain *fallback.Chain, route config.FeatureRoute, req domain.Request, log *zap.Logger) domain.Job {
	now := s.clock.Now()
	job := &domain.Job{
		ID:           ulid.Make().String(),
		GenerationID: req.GenerationID,
		UserID:       req.UserID,
		Feature:      req.Feature,
		State:        domain.JobStateSubmitted,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	attempt, err := chain.Submit(ctx, req)
	if err != nil {
		job.State = domain.JobStateFailed
		job.FailureReason = tracing.SafeError(err).Error()
		terminalAt := now
		job.TerminalAt = &terminalAt
		s.jobs.Put(job.Snapshot())
		log.Warn("provider chain exhausted", zap.Strings("providers", chain.Providers()), zap.Error(err))
		return job.Snapshot()
	}

	job.Provider = attempt.Provider()
	job.ExternalJobID = attempt.Submission.ExternalJobID
	s.jobs.Put(job.Snapshot())

	policy := poller.Policy{
		Interval:    route.PollInterval,
		MaxWait:     route.Timeout,
		MaxAttempts: route.MaxPolls,
		Observer:    s.jobs.Put,
	}
	if attempt.Submission.Immediate != nil {
		err = s.poller.Immediate(job, *attempt.Submission.Immediate, policy)
	} else {
		err = s.poller.Await(ctx, attempt.Adapter, job, policy)
	}
	if err != nil {
		log.Error("job did not settle cleanly", zap.String("job_id", job.ID), zap.Error(err))
		if !job.Terminal() {
			_ = job.Transition(domain.JobStateFailed, s.clock.Now())
			job.FailureReason = err.Error()
			s.jobs.Put(job.Snapshot())
		}
	}
	return job.Snapshot()
}

func (s *Service) allow(ctx context.Context, userID string, log *zap.Logger) error {
	if !s.limiter.Enabled() {
		return nil
	}
	res, err := s.limiter.AllowUser(ctx, userID)
	if err != nil {
		log.Warn("generation rate limiter unavailable", zap.Error(err))
		return nil
	}
	if res.Allowed {
		return nil
	}
	s.obsMetrics.RecordRateLimitDenied(ctx, "generation", "user")
	return fmt.Errorf("%w: retry after %s", domain.ErrRateLimited, res.RetryAfter)
}

func (s *Service) insufficient(ctx context.Context, userID, feature string, log *zap.Logger) (domain.GenerationResult, error) {
	view, err := s.creditSvc.GetBalanceView(ctx, userID)
	if err != nil {
		return domain.GenerationResult{}, err
	}
	s.obsMetrics.RecordGeneration(ctx, feature, "", string(domain.ResultInsufficientCredit))
	log.Info("generation rejected for insufficient credit", zap.Int64("remaining", view.Remaining))
	return domain.GenerationResult{
		Status:           domain.ResultInsufficientCredit,
		RemainingCredits: view.Remaining,
		Unlimited:        view.Unlimited,
	}, nil
}

func (s *Service) recordSpanError(span trace.Span, err error) {
	safe := tracing.SafeError(err)
	span.RecordError(safe)
	span.SetStatus(codes.Error, safe.Error())
}
