package domain

import (
	"context"
	"time"
)

// UserLocker serializes ledger writes for one user across instances.
type UserLocker interface {
	TryLockUser(ctx context.Context, userID string) (string, bool, error)
	ReleaseUser(ctx context.Context, userID, token string) error
	LockTTL() time.Duration
}

type Service interface {
	InitializeAccount(ctx context.Context, req InitializeAccountRequest) (*UserCreditAccount, error)
	GetBalance(ctx context.Context, userID string) (*UserCreditAccount, error)
	GetBalanceView(ctx context.Context, userID string) (BalanceView, error)
	HasSufficientCredit(ctx context.Context, userID string, required int64) (bool, error)
	Debit(ctx context.Context, req DebitRequest) (DebitResult, error)
	Refund(ctx context.Context, userID, generationID string, amount int64) (RefundResult, error)
	Grant(ctx context.Context, req GrantRequest) (*UserCreditAccount, error)
	SetTier(ctx context.Context, userID string, tier Tier) error
	ApplyTier(ctx context.Context, userID string, tier Tier, occurredAt time.Time) (bool, error)
	FindUserIDsByEmail(ctx context.Context, email string) ([]string, error)
	ListTransactions(ctx context.Context, req ListTransactionsRequest) (ListTransactionsResponse, error)
	Reconcile(ctx context.Context, userID string) (ReconciliationReport, error)
}
