package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository is the ledger store. Every method runs against the handle it is
// given so callers can compose calls inside one transaction.
type Repository interface {
	GetAccount(ctx context.Context, db *gorm.DB, userID string) (*UserCreditAccount, error)
	CreateAccount(ctx context.Context, db *gorm.DB, account *UserCreditAccount) (bool, error)
	FindUserIDsByEmail(ctx context.Context, db *gorm.DB, email string) ([]string, error)

	// ConditionalDecrement subtracts amount only when the balance covers it.
	ConditionalDecrement(ctx context.Context, db *gorm.DB, userID string, amount int64, now time.Time) (bool, error)
	Increment(ctx context.Context, db *gorm.DB, userID string, amount int64, now time.Time) error
	SetTier(ctx context.Context, db *gorm.DB, userID string, tier Tier, now time.Time) (bool, error)
	// SetTierIfNewer applies tier only when occurredAt is newer than the last
	// applied tier event. A free tier also wins an equal timestamp.
	SetTierIfNewer(ctx context.Context, db *gorm.DB, userID string, tier Tier, occurredAt time.Time, now time.Time) (bool, error)

	InsertTransaction(ctx context.Context, db *gorm.DB, txn *CreditTransaction) (bool, error)
	FindTransactionByKey(ctx context.Context, db *gorm.DB, key string) (*CreditTransaction, error)
	ListTransactions(ctx context.Context, db *gorm.DB, userID string, beforeID snowflake.ID, limit int) ([]CreditTransaction, error)
	SumConsumed(ctx context.Context, db *gorm.DB, userID string) (int64, error)
}
