package domain

import (
	"context"
	"net/http"
)

// BillingProvider verifies and parses one provider's webhook payloads.
type BillingProvider interface {
	Provider() string
	Verify(payload []byte, headers http.Header) error
	Parse(payload []byte) (Event, error)
}

type Service interface {
	IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (IngestResult, error)
	HandleEvent(ctx context.Context, event Event) (IngestResult, error)
}
