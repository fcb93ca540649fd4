package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"gorm.io/gorm"
)

func TestClassifyLedgerReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "deadline",
			err:  context.DeadlineExceeded,
			want: LedgerReasonDeadlineExceeded,
		},
		{
			name: "db_lock_timeout",
			err:  &pgconn.PgError{Code: "55P03"},
			want: LedgerReasonDBLockTimeout,
		},
		{
			name: "serialization_failure",
			err:  &pgconn.PgError{Code: "40001"},
			want: LedgerReasonSerializationFailure,
		},
		{
			name: "unique_violation",
			err:  gorm.ErrDuplicatedKey,
			want: LedgerReasonUniqueViolation,
		},
		{
			name: "unknown",
			err:  errors.New("boom"),
			want: LedgerReasonUnknown,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyLedgerReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestIsLedgerErrorRetryable(t *testing.T) {
	if !IsLedgerErrorRetryable(&pgconn.PgError{Code: "40001"}) {
		t.Fatalf("expected serialization failure to be retryable")
	}
	if IsLedgerErrorRetryable(gorm.ErrDuplicatedKey) {
		t.Fatalf("expected unique violation to be terminal")
	}
}

func TestGenerationMetricsCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newGenerationMetrics(registry, Config{
		ServiceName: "genstudio",
		Environment: "test",
	})

	m.IncPollAttempt("interior", "replicate", nil)
	m.IncPollAttempt("interior", "replicate", errors.New("timeout"))
	m.IncPollAttempt("interior", "replicate", errors.New("timeout"))
	m.ObserveJobTerminal("interior", "completed", 12*time.Second)
	m.IncProviderFallback("interior", "replicate", "unavailable")

	if got := testutil.ToFloat64(m.pollAttempts.WithLabelValues("interior", "replicate", PollResultError)); got != 2 {
		t.Fatalf("expected 2 failed polls, got %v", got)
	}
	if got := testutil.ToFloat64(m.jobsTerminal.WithLabelValues("interior", "completed")); got != 1 {
		t.Fatalf("expected 1 completed job, got %v", got)
	}
	if got := testutil.ToFloat64(m.providerFallbacks.WithLabelValues("interior", "replicate", "unavailable")); got != 1 {
		t.Fatalf("expected 1 fallback, got %v", got)
	}
}

func TestNilGenerationMetricsAreSafe(t *testing.T) {
	var m *GenerationMetrics
	m.IncPollAttempt("video", "replicate", nil)
	m.ObserveJobTerminal("video", "timed_out", time.Minute)
	m.IncLedgerError("debit", errors.New("boom"))
	m.ObserveLockWait(time.Millisecond)
}

func TestLedgerErrorAndLockWaitExport(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newGenerationMetrics(registry, Config{ServiceName: "genstudio", Environment: "test"})

	m.IncLedgerError("debit", &pgconn.PgError{Code: "55P03"})
	m.IncLedgerError("debit", &pgconn.PgError{Code: "55P03"})
	m.ObserveLockWait(3 * time.Millisecond)
	m.ObserveLockWait(-time.Second)

	errorsFamily := gatherFamily(t, registry, "genstudio_credit_ledger_errors_total")
	metric := findMetric(t, errorsFamily, map[string]string{"operation": "debit", "reason": LedgerReasonDBLockTimeout})
	if got := metric.GetCounter().GetValue(); got != 2 {
		t.Fatalf("expected 2 lock timeouts, got %v", got)
	}

	waitFamily := gatherFamily(t, registry, "genstudio_credit_lock_wait_seconds")
	hist := findMetric(t, waitFamily, nil).GetHistogram()
	if hist.GetSampleCount() != 2 {
		t.Fatalf("expected 2 lock wait samples, got %d", hist.GetSampleCount())
	}
	if hist.GetSampleSum() < 0.003 || hist.GetSampleSum() > 0.0031 {
		t.Fatalf("negative waits must be clamped, got sum %v", hist.GetSampleSum())
	}
}

func gatherFamily(t *testing.T, registry *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("metric family %s not found", name)
	return nil
}

// findMetric returns the first series carrying every label in want.
func findMetric(t *testing.T, mf *dto.MetricFamily, want map[string]string) *dto.Metric {
	t.Helper()
	for _, metric := range mf.GetMetric() {
		matched := 0
		for _, label := range metric.GetLabel() {
			if v, ok := want[label.GetName()]; ok && v == label.GetValue() {
				matched++
			}
		}
		if matched == len(want) {
			return metric
		}
	}
	t.Fatalf("series %v not found in %s", want, mf.GetName())
	return nil
}
