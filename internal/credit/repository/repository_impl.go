package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/genstudio/internal/credit/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) GetAccount(ctx context.Context, db *gorm.DB, userID string) (*domain.UserCreditAccount, error) {
	var item domain.UserCreditAccount
	err := db.WithContext(ctx).Raw(
		`SELECT user_id, email, credits_remaining, credits_total, opening_balance,
			subscription_tier, tier_event_at, created_at, updated_at
		 FROM user_credit_accounts
		 WHERE user_id = ?
		 LIMIT 1`,
		userID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.UserID == "" {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) CreateAccount(ctx context.Context, db *gorm.DB, account *domain.UserCreditAccount) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO user_credit_accounts (
			user_id, email, credits_remaining, credits_total, opening_balance,
			subscription_tier, tier_event_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO NOTHING`,
		account.UserID,
		account.Email,
		account.CreditsRemaining,
		account.CreditsTotal,
		account.OpeningBalance,
		account.SubscriptionTier,
		account.TierEventAt,
		account.CreatedAt,
		account.UpdatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindUserIDsByEmail(ctx context.Context, db *gorm.DB, email string) ([]string, error) {
	var ids []string
	err := db.WithContext(ctx).Raw(
		`SELECT user_id
		 FROM user_credit_accounts
		 WHERE lower(email) = ?
		 ORDER BY user_id
		 LIMIT 10`,
		strings.ToLower(strings.TrimSpace(email)),
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *repo) ConditionalDecrement(ctx context.Context, db *gorm.DB, userID string, amount int64, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE user_credit_accounts
		 SET credits_remaining = credits_remaining - ?, updated_at = ?
		 WHERE user_id = ? AND credits_remaining >= ?`,
		amount,
		now,
		userID,
		amount,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) Increment(ctx context.Context, db *gorm.DB, userID string, amount int64, now time.Time) error {
	// credits_total is assigned first so MySQL, which evaluates SET left to
	// right, sees the pre-update balance like postgres and sqlite do.
	res := db.WithContext(ctx).Exec(
		`UPDATE user_credit_accounts
		 SET credits_total = CASE
				WHEN credits_remaining + ? > credits_total THEN credits_remaining + ?
				ELSE credits_total
			END,
			credits_remaining = credits_remaining + ?,
			updated_at = ?
		 WHERE user_id = ?`,
		amount,
		amount,
		amount,
		now,
		userID,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *repo) SetTier(ctx context.Context, db *gorm.DB, userID string, tier domain.Tier, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE user_credit_accounts
		 SET subscription_tier = ?, updated_at = ?
		 WHERE user_id = ?`,
		tier,
		now,
		userID,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) SetTierIfNewer(ctx context.Context, db *gorm.DB, userID string, tier domain.Tier, occurredAt time.Time, now time.Time) (bool, error) {
	guard := `tier_event_at IS NULL OR tier_event_at < ?`
	args := []any{tier, occurredAt, now, userID, occurredAt}
	// Provider timestamps are coarse; on a tie the downgrade wins.
	if tier == domain.TierFree {
		guard += ` OR tier_event_at = ?`
		args = append(args, occurredAt)
	}

	res := db.WithContext(ctx).Exec(
		`UPDATE user_credit_accounts
		 SET subscription_tier = ?, tier_event_at = ?, updated_at = ?
		 WHERE user_id = ? AND (`+guard+`)`,
		args...,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) InsertTransaction(ctx context.Context, db *gorm.DB, txn *domain.CreditTransaction) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO credit_transactions (
			id, user_id, feature_used, credits_consumed, generation_id,
			idempotency_key, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		txn.ID,
		txn.UserID,
		txn.FeatureUsed,
		txn.CreditsConsumed,
		txn.GenerationID,
		txn.IdempotencyKey,
		txn.Metadata,
		txn.CreatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindTransactionByKey(ctx context.Context, db *gorm.DB, key string) (*domain.CreditTransaction, error) {
	var item domain.CreditTransaction
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, feature_used, credits_consumed, generation_id,
			idempotency_key, metadata, created_at
		 FROM credit_transactions
		 WHERE idempotency_key = ?
		 LIMIT 1`,
		key,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ListTransactions(ctx context.Context, db *gorm.DB, userID string, beforeID snowflake.ID, limit int) ([]domain.CreditTransaction, error) {
	query := db.WithContext(ctx).
		Model(&domain.CreditTransaction{}).
		Where("user_id = ?", userID)
	if beforeID != 0 {
		query = query.Where("id < ?", beforeID)
	}

	var items []domain.CreditTransaction
	if err := query.Order("id DESC").Limit(limit).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) SumConsumed(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(credits_consumed), 0)
		 FROM credit_transactions
		 WHERE user_id = ?`,
		userID,
	).Row().Scan(&total)
	if err != nil {
		return 0, err
	}
	return total, nil
}
