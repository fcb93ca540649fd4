package domain

import "errors"

var (
	ErrProviderNotFound        = errors.New("billing_provider_not_found")
	ErrInvalidSignature        = errors.New("invalid_signature")
	ErrInvalidPayload          = errors.New("invalid_payload")
	ErrInvalidEvent            = errors.New("invalid_event")
	ErrWebhookResolutionFailed = errors.New("webhook_resolution_failed")
	ErrStoreUnavailable        = errors.New("webhook_store_unavailable")
)

func IsUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
