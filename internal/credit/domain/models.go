package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Tier is the subscription tier attached to a credit account.
type Tier string

const (
	TierFree   Tier = "free"
	TierBasic  Tier = "basic"
	TierPro    Tier = "pro"
	TierExpert Tier = "expert"
)

// Unlimited reports whether the tier bypasses numeric balance checks.
func (t Tier) Unlimited() bool {
	return t == TierPro || t == TierExpert
}

func ParseTier(raw string) (Tier, error) {
	switch tier := Tier(strings.ToLower(strings.TrimSpace(raw))); tier {
	case TierFree, TierBasic, TierPro, TierExpert:
		return tier, nil
	default:
		return "", ErrInvalidTier
	}
}

// Feature identifies what a transaction row was recorded for.
type Feature string

const (
	FeatureInterior Feature = "interior"
	FeatureExterior Feature = "exterior"
	FeatureSketch   Feature = "sketch"
	FeatureFurnish  Feature = "furnish"
	FeatureRemove   Feature = "remove"
	FeatureVideo    Feature = "video"
	FeatureText     Feature = "text"

	FeatureGrant  Feature = "grant"
	FeatureRefund Feature = "refund"
)

var generationFeatures = map[Feature]struct{}{
	FeatureInterior: {},
	FeatureExterior: {},
	FeatureSketch:   {},
	FeatureFurnish:  {},
	FeatureRemove:   {},
	FeatureVideo:    {},
	FeatureText:     {},
}

// ParseFeature accepts only user-facing generation features.
func ParseFeature(raw string) (Feature, error) {
	feature := Feature(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := generationFeatures[feature]; !ok {
		return "", ErrInvalidFeature
	}
	return feature, nil
}

func (f Feature) IsGeneration() bool {
	_, ok := generationFeatures[f]
	return ok
}

// UserCreditAccount is the per-user balance record.
type UserCreditAccount struct {
	UserID           string     `json:"user_id" gorm:"primaryKey;type:text"`
	Email            *string    `json:"email,omitempty" gorm:"type:text;index"`
	CreditsRemaining int64      `json:"credits_remaining" gorm:"not null"`
	CreditsTotal     int64      `json:"credits_total" gorm:"not null"`
	OpeningBalance   int64      `json:"opening_balance" gorm:"not null"`
	SubscriptionTier Tier       `json:"subscription_tier" gorm:"type:text;not null"`
	TierEventAt      *time.Time `json:"tier_event_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at" gorm:"not null"`
	UpdatedAt        time.Time  `json:"updated_at" gorm:"not null"`
}

func (UserCreditAccount) TableName() string { return "user_credit_accounts" }

func (a UserCreditAccount) Unlimited() bool {
	return a.SubscriptionTier.Unlimited()
}

// View projects the account into the caller-facing balance shape.
func (a UserCreditAccount) View() BalanceView {
	return BalanceView{
		Remaining: a.CreditsRemaining,
		Total:     a.CreditsTotal,
		Tier:      a.SubscriptionTier,
		Unlimited: a.Unlimited(),
	}
}

// CreditTransaction is an append-only ledger row. CreditsConsumed is positive
// for debits, negative for grants and refunds, and zero for unlimited debits.
type CreditTransaction struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	UserID          string         `json:"user_id" gorm:"type:text;not null;index"`
	FeatureUsed     Feature        `json:"feature_used" gorm:"type:text;not null"`
	CreditsConsumed int64          `json:"credits_consumed" gorm:"not null"`
	GenerationID    *string        `json:"generation_id,omitempty" gorm:"type:text"`
	IdempotencyKey  *string        `json:"-" gorm:"type:text;uniqueIndex"`
	Metadata        datatypes.JSON `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"created_at" gorm:"not null"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

type BalanceView struct {
	Remaining int64 `json:"remaining"`
	Total     int64 `json:"total"`
	Tier      Tier  `json:"tier"`
	Unlimited bool  `json:"unlimited"`
}

type InitializeAccountRequest struct {
	UserID         string
	Email          string
	InitialCredits int64
	Tier           Tier
}

type DebitRequest struct {
	UserID       string
	Feature      Feature
	GenerationID string
	Amount       int64
	Metadata     map[string]any
}

type DebitResult struct {
	TransactionID snowflake.ID
	Amount        int64
	Remaining     int64
	Unlimited     bool
}

type RefundResult struct {
	Remaining       int64
	AlreadyRefunded bool
}

type GrantRequest struct {
	UserID         string
	Amount         int64
	Reason         string
	IdempotencyKey string
}

type ListTransactionsRequest struct {
	UserID    string
	PageToken string
	PageSize  int
}

type ListTransactionsResponse struct {
	Transactions  []CreditTransaction `json:"transactions"`
	NextPageToken string              `json:"next_page_token,omitempty"`
	HasMore       bool                `json:"has_more"`
}

// ReconciliationReport compares the stored balance with the transaction log.
type ReconciliationReport struct {
	UserID         string `json:"user_id"`
	OpeningBalance int64  `json:"opening_balance"`
	TotalConsumed  int64  `json:"total_consumed"`
	Expected       int64  `json:"expected"`
	Actual         int64  `json:"actual"`
	Consistent     bool   `json:"consistent"`
}

func DebitKey(generationID string) string {
	return "debit:" + generationID
}

func RefundKey(generationID string) string {
	return "refund:" + generationID
}
