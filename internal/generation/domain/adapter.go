package domain

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// Request is what the orchestrator hands to a provider. Params are opaque
// feature inputs such as prompt, image or mask.
type Request struct {
	GenerationID string
	UserID       string
	Feature      string
	Params       map[string]any
}

// Outcome is a provider's view of a job. Terminal outcomes carry either
// outputs or a failure reason.
type Outcome struct {
	Terminal      bool
	Outputs       []string
	FailureReason string
}

func (o Outcome) Succeeded() bool {
	return o.Terminal && o.FailureReason == ""
}

// Submission is returned by Submit. Synchronous providers set Immediate and
// leave ExternalJobID empty.
type Submission struct {
	ExternalJobID string
	Immediate     *Outcome
}

// Adapter is a stateless client for one generation backend.
type Adapter interface {
	Name() string
	Submit(ctx context.Context, req Request) (Submission, error)
	Poll(ctx context.Context, externalJobID string) (Outcome, error)
}

type AdapterConfig struct {
	Provider       string
	BaseURL        string
	APIKey         string
	Models         map[string]string
	RequestTimeout time.Duration
	HTTPClient     *http.Client
}

// Model returns the configured model for feature, falling back to the
// "default" entry.
func (c AdapterConfig) Model(feature string) string {
	if model := strings.TrimSpace(c.Models[feature]); model != "" {
		return model
	}
	return strings.TrimSpace(c.Models["default"])
}

type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (Adapter, error)
}

var unavailableSignatures = []string{
	"billing",
	"quota",
	"insufficient_quota",
	"payment required",
	"credit",
	"exceeded your current",
}

// KindForStatus classifies an HTTP failure from a provider.
func KindForStatus(status int, body string) ErrorKind {
	switch {
	case status == http.StatusRequestTimeout,
		status == http.StatusTooEarly,
		status >= 500:
		return KindTransient
	case status == http.StatusTooManyRequests:
		if hasUnavailableSignature(body) {
			return KindUnavailable
		}
		return KindTransient
	case status == http.StatusUnauthorized,
		status == http.StatusPaymentRequired,
		status == http.StatusForbidden:
		return KindUnavailable
	default:
		if hasUnavailableSignature(body) {
			return KindUnavailable
		}
		return KindRejected
	}
}

func hasUnavailableSignature(body string) bool {
	body = strings.ToLower(body)
	for _, signature := range unavailableSignatures {
		if strings.Contains(body, signature) {
			return true
		}
	}
	return false
}
