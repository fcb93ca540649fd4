package tracing

import (
	"errors"
	"fmt"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestSafeAttributesDropsPersonalData(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("email", "a@example.com"),
		attribute.String("http.route", "/api/generations"),
		attribute.String("prompt", "a cosy living room"),
	)
	if len(attrs) != 1 || attrs[0].Key != "http.route" {
		t.Fatalf("unexpected attributes: %v", attrs)
	}
}

func TestSafeErrorKeepsOutermostMessage(t *testing.T) {
	err := fmt.Errorf("ledger_unavailable: %w", errors.New("dial tcp 10.0.0.1:5432"))
	if got := SafeError(err).Error(); got != "ledger_unavailable" {
		t.Fatalf("expected outermost message, got %q", got)
	}
	if SafeError(nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
}
