// Package domain contains billing webhook events and their dedupe records.
package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// EventType is the provider-neutral kind of a billing event.
type EventType string

const (
	EventTypeCreated           EventType = "created"
	EventTypeUpdated           EventType = "updated"
	EventTypeCanceled          EventType = "canceled"
	EventTypePaymentSucceeded  EventType = "payment_succeeded"
	EventTypePaymentFailed     EventType = "payment_failed"
	EventTypeCheckoutCompleted EventType = "checkout_completed"
	EventTypeUnknown           EventType = "unknown"
)

// ChangesTier reports whether events of this type may move a user between tiers.
// Payment and checkout events never do; tier changes ride on subscription lifecycle events.
func (t EventType) ChangesTier() bool {
	switch t {
	case EventTypeCreated, EventTypeUpdated, EventTypeCanceled:
		return true
	default:
		return false
	}
}

// Event is a parsed billing webhook.
type Event struct {
	Provider   string
	EventID    string
	Type       EventType
	RawType    string
	UserIDHint string
	EmailHint  string
	CustomerID string
	PlanID     string
	Status     string
	OccurredAt time.Time
	Payload    []byte
}

type SubscriptionStatus string

const (
	StatusActive            SubscriptionStatus = "active"
	StatusTrialing          SubscriptionStatus = "trialing"
	StatusPastDue           SubscriptionStatus = "past_due"
	StatusCanceled          SubscriptionStatus = "canceled"
	StatusExpired           SubscriptionStatus = "expired"
	StatusUnpaid            SubscriptionStatus = "unpaid"
	StatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
)

func NormalizeStatus(raw string) SubscriptionStatus {
	status := strings.ToLower(strings.TrimSpace(raw))
	if status == "cancelled" {
		status = string(StatusCanceled)
	}
	return SubscriptionStatus(status)
}

// Entitling reports whether the status keeps the subscribed plan in force.
func (s SubscriptionStatus) Entitling() bool {
	switch s {
	case StatusActive, StatusTrialing, StatusPastDue:
		return true
	default:
		return false
	}
}

// Ended reports whether the status drops the user back to the free tier.
func (s SubscriptionStatus) Ended() bool {
	switch s {
	case StatusCanceled, StatusExpired, StatusUnpaid, StatusIncompleteExpired:
		return true
	default:
		return false
	}
}

// Outcome records what processing did with an event.
type Outcome string

const (
	OutcomeApplied    Outcome = "applied"
	OutcomeStale      Outcome = "stale"
	OutcomeUnresolved Outcome = "unresolved"
	OutcomeLogged     Outcome = "logged"
	OutcomeIgnored    Outcome = "ignored"
	OutcomeDuplicate  Outcome = "duplicate"
)

// EventRecord is the dedupe row kept per (provider, event_id).
type EventRecord struct {
	ID          snowflake.ID   `gorm:"primaryKey"`
	Provider    string         `gorm:"type:text;not null"`
	EventID     string         `gorm:"type:text;not null"`
	EventType   string         `gorm:"type:text;not null"`
	UserID      *string        `gorm:"type:text"`
	Payload     datatypes.JSON `gorm:"type:jsonb;not null"`
	Outcome     *string        `gorm:"type:text"`
	ReceivedAt  time.Time      `gorm:"not null"`
	ProcessedAt *time.Time
}

func (EventRecord) TableName() string { return "billing_webhook_events" }

type ResolutionStatus string

const (
	ResolutionResolved  ResolutionStatus = "resolved"
	ResolutionNotFound  ResolutionStatus = "not_found"
	ResolutionAmbiguous ResolutionStatus = "ambiguous"
)

// Resolution is the result of mapping an event to a ledger account.
type Resolution struct {
	Status     ResolutionStatus
	UserID     string
	Candidates []string
}

func (r Resolution) Resolved() bool {
	return r.Status == ResolutionResolved && r.UserID != ""
}

type IngestResult struct {
	EventID   string    `json:"event_id"`
	Type      EventType `json:"type"`
	Outcome   Outcome   `json:"outcome"`
	UserID    string    `json:"user_id,omitempty"`
	Tier      string    `json:"tier,omitempty"`
	Duplicate bool      `json:"duplicate"`
}
