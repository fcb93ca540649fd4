package stripe

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/genstudio/internal/clock"
	"github.com/smallbiznis/genstudio/internal/subscription/domain"
)

const providerName = "stripe"

type Config struct {
	// WebhookSecret disables verification when empty.
	WebhookSecret string
	Tolerance     time.Duration
	Clock         clock.Clock
}

type Provider struct {
	secret    string
	tolerance time.Duration
	clock     clock.Clock
}

func New(cfg Config) *Provider {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Provider{
		secret:    strings.TrimSpace(cfg.WebhookSecret),
		tolerance: cfg.Tolerance,
		clock:     clk,
	}
}

func (p *Provider) Provider() string {
	return providerName
}

func (p *Provider) Verify(payload []byte, headers http.Header) error {
	if p.secret == "" {
		return nil
	}
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return domain.ErrInvalidSignature
	}

	ts, signatures, err := parseStripeSignature(sigHeader)
	if err != nil {
		return domain.ErrInvalidSignature
	}
	if p.tolerance > 0 {
		unix, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return domain.ErrInvalidSignature
		}
		age := p.clock.Now().Sub(time.Unix(unix, 0))
		if age < 0 {
			age = -age
		}
		if age > p.tolerance {
			return fmt.Errorf("%w: timestamp outside tolerance", domain.ErrInvalidSignature)
		}
	}

	signedPayload := fmt.Sprintf("%s.%s", ts, string(payload))
	mac := hmac.New(sha256.New, []byte(p.secret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}
	return domain.ErrInvalidSignature
}

// Parse maps a stripe event envelope to a provider-neutral event. Unknown
// types come back as EventTypeUnknown rather than an error.
func (p *Provider) Parse(payload []byte) (domain.Event, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return domain.Event{}, domain.ErrInvalidPayload
	}

	rawType := strings.TrimSpace(event.Type)
	parsed := domain.Event{
		Provider: providerName,
		EventID:  strings.TrimSpace(event.ID),
		Type:     eventType(rawType),
		RawType:  rawType,
		Payload:  payload,
	}

	var object stripeObject
	if len(bytes.TrimSpace(event.Data.Object)) > 0 {
		if err := json.Unmarshal(event.Data.Object, &object); err != nil {
			return domain.Event{}, domain.ErrInvalidPayload
		}
	}

	customerID, customerEmail := object.customer()
	parsed.CustomerID = customerID
	parsed.EmailHint = firstNonEmpty(object.CustomerEmail, customerEmail, object.detailsEmail())
	parsed.UserIDHint = firstNonEmpty(readMetadataValue(object.Metadata, "user_id"), object.ClientReferenceID)
	parsed.PlanID = object.planID()
	parsed.Status = strings.ToLower(strings.TrimSpace(object.Status))
	if parsed.Type == domain.EventTypeCanceled && parsed.Status == "" {
		parsed.Status = string(domain.StatusCanceled)
	}
	parsed.OccurredAt = p.timestamp(event.Created, object.Created)
	return parsed, nil
}

func eventType(raw string) domain.EventType {
	switch strings.TrimPrefix(strings.ToLower(raw), "customer.") {
	case "subscription.created":
		return domain.EventTypeCreated
	case "subscription.updated", "subscription.resumed", "subscription.paused":
		return domain.EventTypeUpdated
	case "subscription.deleted", "subscription.canceled":
		return domain.EventTypeCanceled
	case "invoice.payment_succeeded", "invoice.paid", "payment_intent.succeeded":
		return domain.EventTypePaymentSucceeded
	case "invoice.payment_failed", "payment_intent.payment_failed":
		return domain.EventTypePaymentFailed
	case "checkout.session.completed":
		return domain.EventTypeCheckoutCompleted
	default:
		return domain.EventTypeUnknown
	}
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripeRef struct {
	ID string `json:"id"`
}

type stripeItem struct {
	Price *stripeRef `json:"price"`
	Plan  *stripeRef `json:"plan"`
}

type stripeDetails struct {
	Email string `json:"email"`
}

type stripeItems struct {
	Data []stripeItem `json:"data"`
}

type stripeObject struct {
	ID                string          `json:"id"`
	Customer          json.RawMessage `json:"customer"`
	CustomerEmail     string          `json:"customer_email"`
	CustomerDetails   *stripeDetails  `json:"customer_details"`
	ClientReferenceID string          `json:"client_reference_id"`
	Status            string          `json:"status"`
	Plan              *stripeRef      `json:"plan"`
	PlanID            string          `json:"plan_id"`
	PriceID           string          `json:"price_id"`
	Items             *stripeItems    `json:"items"`
	Metadata          map[string]any  `json:"metadata"`
	Created           int64           `json:"created"`
}

// customer accepts both the bare id and the expanded customer object.
func (o stripeObject) customer() (string, string) {
	raw := bytes.TrimSpace(o.Customer)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return strings.TrimSpace(id), ""
	}
	var expanded struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	}
	if err := json.Unmarshal(raw, &expanded); err != nil {
		return "", ""
	}
	return strings.TrimSpace(expanded.ID), strings.TrimSpace(expanded.Email)
}

func (o stripeObject) detailsEmail() string {
	if o.CustomerDetails == nil {
		return ""
	}
	return o.CustomerDetails.Email
}

func (o stripeObject) planID() string {
	if o.Plan != nil && strings.TrimSpace(o.Plan.ID) != "" {
		return strings.TrimSpace(o.Plan.ID)
	}
	if o.Items != nil {
		for _, item := range o.Items.Data {
			if item.Price != nil && strings.TrimSpace(item.Price.ID) != "" {
				return strings.TrimSpace(item.Price.ID)
			}
			if item.Plan != nil && strings.TrimSpace(item.Plan.ID) != "" {
				return strings.TrimSpace(item.Plan.ID)
			}
		}
	}
	return firstNonEmpty(o.PriceID, o.PlanID)
}

func parseStripeSignature(header string) (string, []string, error) {
	var ts string
	signatures := []string{}
	for _, part := range strings.Split(header, ",") {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		switch key {
		case "t":
			ts = value
		case "v1":
			signatures = append(signatures, value)
		}
	}
	if ts == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return ts, signatures, nil
}

func (p *Provider) timestamp(primary int64, fallback int64) time.Time {
	value := primary
	if value == 0 {
		value = fallback
	}
	if value == 0 {
		return p.clock.Now().UTC()
	}
	return time.Unix(value, 0).UTC()
}

func readMetadataValue(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	value, ok := metadata[key]
	if !ok {
		return ""
	}
	switch cast := value.(type) {
	case string:
		return strings.TrimSpace(cast)
	case float64:
		if cast == 0 {
			return ""
		}
		return strconv.FormatInt(int64(cast), 10)
	case json.Number:
		return cast.String()
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
