package stripe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/smallbiznis/genstudio/internal/clock"
	"github.com/smallbiznis/genstudio/internal/subscription/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "whsec_test"

func sign(t *testing.T, payload []byte, ts int64, secret string) http.Header {
	t.Helper()
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(fmt.Sprintf("%d.%s", ts, payload)))
	headers := http.Header{}
	headers.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil))))
	return headers
}

func TestVerify(t *testing.T) {
	now := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	provider := New(Config{WebhookSecret: testSecret, Tolerance: 5 * time.Minute, Clock: clock.NewFakeClock(now)})
	payload := []byte(`{"id":"evt_1"}`)

	require.NoError(t, provider.Verify(payload, sign(t, payload, now.Unix(), testSecret)))

	assert.ErrorIs(t, provider.Verify(payload, http.Header{}), domain.ErrInvalidSignature)
	assert.ErrorIs(t, provider.Verify(payload, sign(t, payload, now.Unix(), "other")), domain.ErrInvalidSignature)
	assert.ErrorIs(t, provider.Verify([]byte(`{"id":"evt_2"}`), sign(t, payload, now.Unix(), testSecret)), domain.ErrInvalidSignature)
	assert.ErrorIs(t, provider.Verify(payload, sign(t, payload, now.Add(-10*time.Minute).Unix(), testSecret)), domain.ErrInvalidSignature)

	malformed := http.Header{}
	malformed.Set("Stripe-Signature", "v1=abc")
	assert.ErrorIs(t, provider.Verify(payload, malformed), domain.ErrInvalidSignature)
}

func TestVerifySkippedWithoutSecret(t *testing.T) {
	provider := New(Config{})
	assert.NoError(t, provider.Verify([]byte(`{}`), http.Header{}))
}

func TestParseSubscriptionEvent(t *testing.T) {
	provider := New(Config{})
	payload := []byte(`{
		"id": "evt_sub",
		"type": "customer.subscription.updated",
		"created": 1714557600,
		"data": {"object": {
			"id": "sub_1",
			"customer": "cus_1",
			"status": "Active",
			"items": {"data": [{"price": {"id": "price_pro_monthly"}}]},
			"metadata": {"user_id": "user_42"}
		}}
	}`)

	event, err := provider.Parse(payload)
	require.NoError(t, err)

	assert.Equal(t, "stripe", event.Provider)
	assert.Equal(t, "evt_sub", event.EventID)
	assert.Equal(t, domain.EventTypeUpdated, event.Type)
	assert.Equal(t, "customer.subscription.updated", event.RawType)
	assert.Equal(t, "cus_1", event.CustomerID)
	assert.Equal(t, "user_42", event.UserIDHint)
	assert.Equal(t, "price_pro_monthly", event.PlanID)
	assert.Equal(t, "active", event.Status)
	assert.Equal(t, time.Unix(1714557600, 0).UTC(), event.OccurredAt)
}

func TestParseDeletedSubscriptionDefaultsToCanceled(t *testing.T) {
	provider := New(Config{})
	event, err := provider.Parse([]byte(`{
		"id": "evt_del",
		"type": "customer.subscription.deleted",
		"created": 1714557600,
		"data": {"object": {"customer": {"id": "cus_2", "email": "Owner@Example.com"}, "plan": {"id": "pro"}}}
	}`))
	require.NoError(t, err)

	assert.Equal(t, domain.EventTypeCanceled, event.Type)
	assert.Equal(t, "canceled", event.Status)
	assert.Equal(t, "cus_2", event.CustomerID)
	assert.Equal(t, "Owner@Example.com", event.EmailHint)
	assert.Equal(t, "pro", event.PlanID)
}

func TestParseCheckoutAndShortTypes(t *testing.T) {
	provider := New(Config{})

	checkout, err := provider.Parse([]byte(`{
		"id": "evt_co",
		"type": "checkout.session.completed",
		"data": {"object": {"client_reference_id": "user_7", "customer_details": {"email": "a@b.co"}, "price_id": "basic", "created": 1714557000}}
	}`))
	require.NoError(t, err)
	assert.Equal(t, domain.EventTypeCheckoutCompleted, checkout.Type)
	assert.Equal(t, "user_7", checkout.UserIDHint)
	assert.Equal(t, "a@b.co", checkout.EmailHint)
	assert.Equal(t, "basic", checkout.PlanID)
	assert.Equal(t, time.Unix(1714557000, 0).UTC(), checkout.OccurredAt)

	created, err := provider.Parse([]byte(`{"id":"evt_c","type":"subscription.created","data":{"object":{"plan_id":"pro","customer_email":"x@y.z"}}}`))
	require.NoError(t, err)
	assert.Equal(t, domain.EventTypeCreated, created.Type)
	assert.Equal(t, "pro", created.PlanID)
	assert.Equal(t, "x@y.z", created.EmailHint)
}

func TestParseUnknownAndMalformed(t *testing.T) {
	provider := New(Config{})

	event, err := provider.Parse([]byte(`{"id":"evt_x","type":"product.created","data":{"object":{}}}`))
	require.NoError(t, err)
	assert.Equal(t, domain.EventTypeUnknown, event.Type)

	_, err = provider.Parse([]byte(`not json`))
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)

	_, err = provider.Parse([]byte(`{"id":"evt_y","type":"customer.subscription.created","data":{"object":"oops"}}`))
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
}
