package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/genstudio/pkg/db"
)

const (
	PollResultOK    = "ok"
	PollResultError = "error"
)

const (
	LedgerReasonDeadlineExceeded     = "deadline_exceeded"
	LedgerReasonDBLockTimeout        = "db_lock_timeout"
	LedgerReasonSerializationFailure = "serialization_failure"
	LedgerReasonUniqueViolation      = "unique_violation"
	LedgerReasonConnection           = "connection"
	LedgerReasonUnknown              = "unknown"
)

// GenerationMetrics captures generation job health signals.
type GenerationMetrics struct {
	pollAttempts      *prometheus.CounterVec
	jobDuration       *prometheus.HistogramVec
	jobsTerminal      *prometheus.CounterVec
	providerFallbacks *prometheus.CounterVec
	providerRetries   *prometheus.CounterVec
	ledgerErrors      *prometheus.CounterVec
	lockWait          prometheus.Observer
}

var (
	generationMetricsOnce sync.Once
	generationMetrics     *GenerationMetrics
)

// Generation returns the singleton generation metrics registry.
func Generation() *GenerationMetrics {
	return GenerationWithConfig(Config{})
}

// GenerationWithConfig returns the singleton generation metrics registry using config labels.
func GenerationWithConfig(cfg Config) *GenerationMetrics {
	generationMetricsOnce.Do(func() {
		generationMetrics = newGenerationMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return generationMetrics
}

// ResetGenerationMetricsForTest resets the generation metrics singleton for tests.
func ResetGenerationMetricsForTest() {
	generationMetricsOnce = sync.Once{}
	generationMetrics = nil
}

func newGenerationMetrics(registerer prometheus.Registerer, cfg Config) *GenerationMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "genstudio"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	pollAttempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "genstudio_generation_poll_attempts_total",
		Help:        "Provider status polls by feature, provider and result.",
		ConstLabels: constLabels,
	}, []string{"feature", "provider", "result"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "genstudio_generation_job_duration_seconds",
		Help:        "Time from submission to terminal state.",
		Buckets:     []float64{1, 2.5, 5, 10, 20, 30, 60, 120, 300, 600, 900},
		ConstLabels: constLabels,
	}, []string{"feature", "state"})
	jobsTerminal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "genstudio_generation_jobs_terminal_total",
		Help:        "Generation jobs reaching a terminal state.",
		ConstLabels: constLabels,
	}, []string{"feature", "state"})
	providerFallbacks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "genstudio_generation_provider_fallbacks_total",
		Help:        "Fallbacks from one provider to the next in a chain.",
		ConstLabels: constLabels,
	}, []string{"feature", "provider", "reason"})
	providerRetries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "genstudio_generation_provider_retries_total",
		Help:        "Retries against the same provider after transient errors.",
		ConstLabels: constLabels,
	}, []string{"provider"})
	ledgerErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "genstudio_credit_ledger_errors_total",
		Help:        "Ledger storage errors by operation and low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"operation", "reason"})
	lockWait := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "genstudio_credit_lock_wait_seconds",
		Help:        "Time spent waiting for the per-user ledger lock.",
		Buckets:     []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		ConstLabels: constLabels,
	})

	registerer.MustRegister(
		pollAttempts,
		jobDuration,
		jobsTerminal,
		providerFallbacks,
		providerRetries,
		ledgerErrors,
		lockWait,
	)

	return &GenerationMetrics{
		pollAttempts:      pollAttempts,
		jobDuration:       jobDuration,
		jobsTerminal:      jobsTerminal,
		providerFallbacks: providerFallbacks,
		providerRetries:   providerRetries,
		ledgerErrors:      ledgerErrors,
		lockWait:          lockWait,
	}
}

// IncPollAttempt counts one poll call against a provider.
func (m *GenerationMetrics) IncPollAttempt(feature, provider string, err error) {
	if m == nil || m.pollAttempts == nil {
		return
	}
	result := PollResultOK
	if err != nil {
		result = PollResultError
	}
	m.pollAttempts.WithLabelValues(feature, provider, result).Inc()
}

// ObserveJobTerminal records the terminal state and end-to-end job latency.
func (m *GenerationMetrics) ObserveJobTerminal(feature, state string, duration time.Duration) {
	if m == nil {
		return
	}
	if duration < 0 {
		duration = 0
	}
	if m.jobDuration != nil {
		m.jobDuration.WithLabelValues(feature, state).Observe(duration.Seconds())
	}
	if m.jobsTerminal != nil {
		m.jobsTerminal.WithLabelValues(feature, state).Inc()
	}
}

// IncProviderFallback counts a chain advancing past provider.
func (m *GenerationMetrics) IncProviderFallback(feature, provider, reason string) {
	if m == nil || m.providerFallbacks == nil {
		return
	}
	m.providerFallbacks.WithLabelValues(feature, provider, reason).Inc()
}

// IncProviderRetry counts a same-provider retry.
func (m *GenerationMetrics) IncProviderRetry(provider string) {
	if m == nil || m.providerRetries == nil {
		return
	}
	m.providerRetries.WithLabelValues(provider).Inc()
}

// IncLedgerError classifies and counts a ledger storage error.
func (m *GenerationMetrics) IncLedgerError(operation string, err error) {
	if m == nil || err == nil || m.ledgerErrors == nil {
		return
	}
	m.ledgerErrors.WithLabelValues(operation, ClassifyLedgerReason(err)).Inc()
}

// ObserveLockWait records time spent acquiring the per-user ledger lock.
func (m *GenerationMetrics) ObserveLockWait(duration time.Duration) {
	if m == nil || m.lockWait == nil {
		return
	}
	if duration < 0 {
		duration = 0
	}
	m.lockWait.Observe(duration.Seconds())
}

// ClassifyLedgerReason maps ledger storage errors to low-cardinality reasons.
func ClassifyLedgerReason(err error) string {
	switch {
	case err == nil:
		return LedgerReasonUnknown
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return LedgerReasonDeadlineExceeded
	case db.IsLockTimeoutErr(err):
		return LedgerReasonDBLockTimeout
	case db.IsSerializationErr(err):
		return LedgerReasonSerializationFailure
	case db.IsDuplicateKeyErr(err):
		return LedgerReasonUniqueViolation
	case db.IsConnectionErr(err):
		return LedgerReasonConnection
	default:
		return LedgerReasonUnknown
	}
}

// IsLedgerErrorRetryable reports whether a ledger error is worth retrying.
func IsLedgerErrorRetryable(err error) bool {
	switch ClassifyLedgerReason(err) {
	case LedgerReasonDBLockTimeout, LedgerReasonSerializationFailure, LedgerReasonConnection:
		return true
	default:
		return false
	}
}
