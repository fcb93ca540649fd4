package poller

import (
	"context"
	"strings"
	"time"

	"github.com/smallbiznis/genstudio/internal/clock"
	"github.com/smallbiznis/genstudio/internal/generation/domain"
	obsmetrics "github.com/smallbiznis/genstudio/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Policy bounds how long a job is polled. MaxWait is a hard wall-clock
// ceiling; MaxAttempts is ignored when zero.
type Policy struct {
	Interval    time.Duration
	MaxWait     time.Duration
	MaxAttempts int
	// Observer, when set, receives a snapshot after every transition.
	Observer func(domain.Job)
}

type Params struct {
	fx.In

	Clock   clock.Clock
	Log     *zap.Logger
	Metrics *obsmetrics.GenerationMetrics `optional:"true"`
}

type Poller struct {
	clock   clock.Clock
	log     *zap.Logger
	metrics *obsmetrics.GenerationMetrics
}

func New(p Params) *Poller {
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Poller{
		clock:   clk,
		log:     p.Log.Named("generation.poller"),
		metrics: p.Metrics,
	}
}

// Await drives a submitted job to a terminal state. Poll errors are logged
// and retried on the next tick; only a terminal provider response or the
// ceiling ends the job.
func (p *Poller) Await(ctx context.Context, adapter domain.Adapter, job *domain.Job, policy Policy) error {
	if job.Terminal() {
		return domain.ErrJobTerminal
	}
	if policy.Interval <= 0 {
		policy.Interval = time.Second
	}

	start := p.clock.Now()
	deadline := start.Add(policy.MaxWait)
	log := p.log.With(
		zap.String("job_id", job.ID),
		zap.String("provider", job.Provider),
		zap.String("external_job_id", job.ExternalJobID),
	)

	if err := p.transition(job, domain.JobStatePolling, policy); err != nil {
		return err
	}

	for {
		remaining := deadline.Sub(p.clock.Now())
		if remaining <= 0 {
			return p.timeout(job, policy, domain.ErrJobTimedOut.Error(), start, log)
		}
		wait := policy.Interval
		if remaining < wait {
			wait = remaining
		}

		select {
		case <-ctx.Done():
			_ = p.timeout(job, policy, "polling aborted: "+ctx.Err().Error(), start, log)
			return ctx.Err()
		case <-p.clock.After(wait):
		}

		left := deadline.Sub(p.clock.Now())
		if left <= 0 {
			return p.timeout(job, policy, domain.ErrJobTimedOut.Error(), start, log)
		}

		job.Attempts++
		pollCtx, cancel := context.WithTimeout(ctx, left)
		outcome, err := adapter.Poll(pollCtx, job.ExternalJobID)
		cancel()
		p.metrics.IncPollAttempt(job.Feature, job.Provider, err)
		if err != nil {
			log.Warn("poll failed", zap.Int("attempt", job.Attempts), zap.Error(err))
		} else if outcome.Terminal {
			if err := job.Complete(outcome, p.clock.Now()); err != nil {
				return err
			}
			p.notify(job, policy)
			p.metrics.ObserveJobTerminal(job.Feature, string(job.State), p.clock.Now().Sub(start))
			log.Info("job finished",
				zap.String("state", string(job.State)),
				zap.Int("attempts", job.Attempts),
				zap.String("failure_reason", job.FailureReason),
			)
			return nil
		}

		if !p.clock.Now().Before(deadline) ||
			(policy.MaxAttempts > 0 && job.Attempts >= policy.MaxAttempts) {
			return p.timeout(job, policy, domain.ErrJobTimedOut.Error(), start, log)
		}
		if err == nil {
			if err := p.transition(job, domain.JobStatePolling, policy); err != nil {
				return err
			}
		}
	}
}

// Immediate settles a job whose provider answered synchronously.
func (p *Poller) Immediate(job *domain.Job, outcome domain.Outcome, policy Policy) error {
	if !outcome.Terminal {
		return domain.ErrInvalidTransition
	}
	if err := job.Complete(outcome, p.clock.Now()); err != nil {
		return err
	}
	p.notify(job, policy)
	p.metrics.ObserveJobTerminal(job.Feature, string(job.State), 0)
	return nil
}

func (p *Poller) transition(job *domain.Job, to domain.JobState, policy Policy) error {
	if err := job.Transition(to, p.clock.Now()); err != nil {
		return err
	}
	p.notify(job, policy)
	return nil
}

func (p *Poller) timeout(job *domain.Job, policy Policy, reason string, start time.Time, log *zap.Logger) error {
	if err := job.Transition(domain.JobStateTimedOut, p.clock.Now()); err != nil {
		return err
	}
	job.FailureReason = strings.TrimSpace(reason)
	p.notify(job, policy)
	p.metrics.ObserveJobTerminal(job.Feature, string(job.State), p.clock.Now().Sub(start))
	log.Warn("job timed out", zap.Int("attempts", job.Attempts), zap.String("reason", job.FailureReason))
	return nil
}

func (p *Poller) notify(job *domain.Job, policy Policy) {
	if policy.Observer != nil {
		policy.Observer(job.Snapshot())
	}
}
