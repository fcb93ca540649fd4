package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/genstudio/internal/clock"
	creditdomain "github.com/smallbiznis/genstudio/internal/credit/domain"
	creditrepo "github.com/smallbiznis/genstudio/internal/credit/repository"
	creditservice "github.com/smallbiznis/genstudio/internal/credit/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	db    *gorm.DB
	clock *clock.FakeClock
	svc   creditdomain.Service
}

func newFixture(t *testing.T, locker creditdomain.UserLocker) *fixture {
	t.Helper()

	db := setupTestDB(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	clk := clock.NewFakeClock(baseTime)
	svc := creditservice.NewService(creditservice.Params{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  node,
		Repo:   creditrepo.Provide(),
		Clock:  clk,
		Locker: locker,
	})
	return &fixture{db: db, clock: clk, svc: svc}
}

func (f *fixture) initAccount(t *testing.T, userID string, credits int64, tier creditdomain.Tier) {
	t.Helper()
	_, err := f.svc.InitializeAccount(context.Background(), creditdomain.InitializeAccountRequest{
		UserID:         userID,
		Email:          userID + "@example.com",
		InitialCredits: credits,
		Tier:           tier,
	})
	require.NoError(t, err)
}

func debit(svc creditdomain.Service, userID, generationID string) (creditdomain.DebitResult, error) {
	return svc.Debit(context.Background(), creditdomain.DebitRequest{
		UserID:       userID,
		Feature:      creditdomain.FeatureInterior,
		GenerationID: generationID,
		Amount:       1,
	})
}

func TestInitializeAccount(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	account, err := f.svc.InitializeAccount(ctx, creditdomain.InitializeAccountRequest{
		UserID:         "user_1",
		Email:          "Owner@Example.com",
		InitialCredits: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), account.CreditsRemaining)
	assert.Equal(t, int64(5), account.CreditsTotal)
	assert.Equal(t, int64(5), account.OpeningBalance)
	assert.Equal(t, creditdomain.TierFree, account.SubscriptionTier)

	_, err = f.svc.InitializeAccount(ctx, creditdomain.InitializeAccountRequest{UserID: "user_1", InitialCredits: 5})
	assert.ErrorIs(t, err, creditdomain.ErrAccountExists)

	ids, err := f.svc.FindUserIDsByEmail(ctx, "owner@example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"user_1"}, ids)

	_, err = f.svc.InitializeAccount(ctx, creditdomain.InitializeAccountRequest{UserID: " ", InitialCredits: 5})
	assert.ErrorIs(t, err, creditdomain.ErrInvalidUser)
}

func TestGetBalanceMissingAccount(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.GetBalance(context.Background(), "ghost")
	assert.ErrorIs(t, err, creditdomain.ErrNotFound)

	_, err = debit(f.svc, "ghost", "gen_1")
	assert.ErrorIs(t, err, creditdomain.ErrNotFound)

	_, err = f.svc.Refund(context.Background(), "ghost", "gen_1", 0)
	assert.ErrorIs(t, err, creditdomain.ErrNotFound)
}

func TestDebitDecrementsAndRecordsTransaction(t *testing.T) {
	f := newFixture(t, nil)
	f.initAccount(t, "user_1", 2, creditdomain.TierFree)

	result, err := debit(f.svc, "user_1", "gen_1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Amount)
	assert.Equal(t, int64(1), result.Remaining)
	assert.False(t, result.Unlimited)

	view, err := f.svc.GetBalanceView(context.Background(), "user_1")
	require.NoError(t, err)
	assert.Equal(t, creditdomain.BalanceView{Remaining: 1, Total: 2, Tier: creditdomain.TierFree}, view)

	assertCount(t, f.db, "SELECT COUNT(1) FROM credit_transactions WHERE user_id = 'user_1' AND credits_consumed = 1", 1)

	_, err = debit(f.svc, "user_1", "gen_2")
	require.NoError(t, err)

	_, err = debit(f.svc, "user_1", "gen_3")
	assert.ErrorIs(t, err, creditdomain.ErrInsufficientCredit)

	ok, err := f.svc.HasSufficientCredit(context.Background(), "user_1", 0)
	require.NoError(t, err)
	assert.False(t, ok)
	assertCount(t, f.db, "SELECT COUNT(1) FROM credit_transactions", 2)
}

func TestDebitIsIdempotentPerGeneration(t *testing.T) {
	f := newFixture(t, nil)
	f.initAccount(t, "user_1", 5, creditdomain.TierFree)

	_, err := debit(f.svc, "user_1", "gen_1")
	require.NoError(t, err)

	_, err = debit(f.svc, "user_1", "gen_1")
	assert.ErrorIs(t, err, creditdomain.ErrDuplicateDebit)

	account, err := f.svc.GetBalance(context.Background(), "user_1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), account.CreditsRemaining)
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	f := newFixture(t, nil)
	f.initAccount(t, "user_1", 5, creditdomain.TierFree)

	var (
		succeeded    atomic.Int64
		insufficient atomic.Int64
	)
	var g errgroup.Group
	for i := 0; i < 20; i++ {
		generationID := fmt.Sprintf("gen_%d", i)
		g.Go(func() error {
			_, err := debit(f.svc, "user_1", generationID)
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, creditdomain.ErrInsufficientCredit):
				insufficient.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int64(5), succeeded.Load())
	assert.Equal(t, int64(15), insufficient.Load())

	account, err := f.svc.GetBalance(context.Background(), "user_1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), account.CreditsRemaining)

	report, err := f.svc.Reconcile(context.Background(), "user_1")
	require.NoError(t, err)
	assert.True(t, report.Consistent)
}

func TestUnlimitedTierLogsZeroCostDebit(t *testing.T) {
	f := newFixture(t, nil)
	f.initAccount(t, "user_1", 0, creditdomain.TierPro)

	ok, err := f.svc.HasSufficientCredit(context.Background(), "user_1", 10)
	require.NoError(t, err)
	assert.True(t, ok)

	result, err := debit(f.svc, "user_1", "gen_1")
	require.NoError(t, err)
	assert.True(t, result.Unlimited)
	assert.Equal(t, int64(0), result.Amount)
	assert.Equal(t, int64(0), result.Remaining)

	assertCount(t, f.db, "SELECT COUNT(1) FROM credit_transactions WHERE credits_consumed = 0", 1)
}

func TestRefund(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.initAccount(t, "user_1", 3, creditdomain.TierFree)

	_, err := debit(f.svc, "user_1", "gen_1")
	require.NoError(t, err)

	_, err = f.svc.Refund(ctx, "user_1", "gen_1", 2)
	assert.ErrorIs(t, err, creditdomain.ErrInvalidAmount)

	result, err := f.svc.Refund(ctx, "user_1", "gen_1", 1)
	require.NoError(t, err)
	assert.False(t, result.AlreadyRefunded)
	assert.Equal(t, int64(3), result.Remaining)

	result, err = f.svc.Refund(ctx, "user_1", "gen_1", 1)
	require.NoError(t, err)
	assert.True(t, result.AlreadyRefunded)
	assert.Equal(t, int64(3), result.Remaining)

	_, err = f.svc.Refund(ctx, "user_1", "gen_unknown", 1)
	assert.ErrorIs(t, err, creditdomain.ErrDebitNotFound)

	// a refunded generation cannot be debited again
	_, err = debit(f.svc, "user_1", "gen_1")
	assert.ErrorIs(t, err, creditdomain.ErrDuplicateDebit)

	account, err := f.svc.GetBalance(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), account.CreditsRemaining)
	assert.Equal(t, int64(3), account.CreditsTotal)

	report, err := f.svc.Reconcile(ctx, "user_1")
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	assert.Equal(t, int64(0), report.TotalConsumed)
}

func TestRefundRejectsOtherUsersDebit(t *testing.T) {
	f := newFixture(t, nil)
	f.initAccount(t, "user_1", 3, creditdomain.TierFree)
	f.initAccount(t, "user_2", 3, creditdomain.TierFree)

	_, err := debit(f.svc, "user_1", "gen_1")
	require.NoError(t, err)

	_, err = f.svc.Refund(context.Background(), "user_2", "gen_1", 0)
	assert.ErrorIs(t, err, creditdomain.ErrDebitNotFound)
}

func TestGrantRaisesHighWaterMark(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.initAccount(t, "user_1", 5, creditdomain.TierFree)

	for i := 0; i < 3; i++ {
		_, err := debit(f.svc, "user_1", fmt.Sprintf("gen_%d", i))
		require.NoError(t, err)
	}

	account, err := f.svc.Grant(ctx, creditdomain.GrantRequest{UserID: "user_1", Amount: 1, Reason: "support"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), account.CreditsRemaining)
	assert.Equal(t, int64(5), account.CreditsTotal)

	account, err = f.svc.Grant(ctx, creditdomain.GrantRequest{UserID: "user_1", Amount: 10, Reason: "promo", IdempotencyKey: "promo-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(13), account.CreditsRemaining)
	assert.Equal(t, int64(13), account.CreditsTotal)

	account, err = f.svc.Grant(ctx, creditdomain.GrantRequest{UserID: "user_1", Amount: 10, Reason: "promo", IdempotencyKey: "promo-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(13), account.CreditsRemaining)

	_, err = f.svc.Grant(ctx, creditdomain.GrantRequest{UserID: "user_1", Amount: 0})
	assert.ErrorIs(t, err, creditdomain.ErrInvalidAmount)

	assertCount(t, f.db, "SELECT COUNT(1) FROM credit_transactions WHERE feature_used = 'grant'", 2)

	report, err := f.svc.Reconcile(ctx, "user_1")
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	assert.Equal(t, int64(13), report.Expected)
}

func TestApplyTierIgnoresStaleEvents(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.initAccount(t, "user_1", 5, creditdomain.TierFree)

	applied, err := f.svc.ApplyTier(ctx, "user_1", creditdomain.TierPro, baseTime.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = f.svc.ApplyTier(ctx, "user_1", creditdomain.TierFree, baseTime)
	require.NoError(t, err)
	assert.False(t, applied)

	account, err := f.svc.GetBalance(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, creditdomain.TierPro, account.SubscriptionTier)

	_, err = f.svc.ApplyTier(ctx, "ghost", creditdomain.TierPro, baseTime)
	assert.ErrorIs(t, err, creditdomain.ErrNotFound)

	_, err = f.svc.ApplyTier(ctx, "user_1", creditdomain.Tier("platinum"), baseTime)
	assert.ErrorIs(t, err, creditdomain.ErrInvalidTier)
}

func TestApplyTierEqualTimestampFavorsDowngrade(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.initAccount(t, "user_1", 5, creditdomain.TierFree)

	applied, err := f.svc.ApplyTier(ctx, "user_1", creditdomain.TierPro, baseTime)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = f.svc.ApplyTier(ctx, "user_1", creditdomain.TierExpert, baseTime)
	require.NoError(t, err)
	assert.False(t, applied)

	applied, err = f.svc.ApplyTier(ctx, "user_1", creditdomain.TierFree, baseTime)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = f.svc.ApplyTier(ctx, "user_1", creditdomain.TierPro, baseTime)
	require.NoError(t, err)
	assert.False(t, applied)

	account, err := f.svc.GetBalance(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, creditdomain.TierFree, account.SubscriptionTier)
}

func TestSetTier(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.initAccount(t, "user_1", 5, creditdomain.TierFree)

	require.NoError(t, f.svc.SetTier(ctx, "user_1", creditdomain.TierExpert))
	account, err := f.svc.GetBalance(ctx, "user_1")
	require.NoError(t, err)
	assert.True(t, account.Unlimited())
	assert.Equal(t, int64(5), account.CreditsRemaining)

	assert.ErrorIs(t, f.svc.SetTier(ctx, "ghost", creditdomain.TierBasic), creditdomain.ErrNotFound)
}

func TestListTransactionsPaginates(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.initAccount(t, "user_1", 5, creditdomain.TierFree)

	for i := 0; i < 3; i++ {
		_, err := debit(f.svc, "user_1", fmt.Sprintf("gen_%d", i))
		require.NoError(t, err)
	}

	page, err := f.svc.ListTransactions(ctx, creditdomain.ListTransactionsRequest{UserID: "user_1", PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page.Transactions, 2)
	assert.True(t, page.HasMore)
	assert.NotEmpty(t, page.NextPageToken)
	assert.Equal(t, "gen_2", *page.Transactions[0].GenerationID)

	next, err := f.svc.ListTransactions(ctx, creditdomain.ListTransactionsRequest{
		UserID:    "user_1",
		PageSize:  2,
		PageToken: page.NextPageToken,
	})
	require.NoError(t, err)
	require.Len(t, next.Transactions, 1)
	assert.False(t, next.HasMore)
	assert.Equal(t, "gen_0", *next.Transactions[0].GenerationID)
}

func TestStorageFailureIsLedgerUnavailable(t *testing.T) {
	f := newFixture(t, nil)
	f.initAccount(t, "user_1", 5, creditdomain.TierFree)

	sqlDB, err := f.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	_, err = f.svc.GetBalance(context.Background(), "user_1")
	assert.ErrorIs(t, err, creditdomain.ErrLedgerUnavailable)
	assert.True(t, creditdomain.IsUnavailable(err))

	_, err = debit(f.svc, "user_1", "gen_1")
	assert.ErrorIs(t, err, creditdomain.ErrLedgerUnavailable)
}

type fakeLocker struct {
	mu       sync.Mutex
	busy     bool
	err      error
	locks    int
	releases int
}

func (l *fakeLocker) TryLockUser(ctx context.Context, userID string) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return "", false, l.err
	}
	if l.busy {
		return "", false, nil
	}
	l.locks++
	return "token", true, nil
}

func (l *fakeLocker) ReleaseUser(ctx context.Context, userID, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releases++
	return nil
}

func (l *fakeLocker) LockTTL() time.Duration {
	return 50 * time.Millisecond
}

func TestDebitTakesDistributedLock(t *testing.T) {
	locker := &fakeLocker{}
	f := newFixture(t, locker)
	f.initAccount(t, "user_1", 5, creditdomain.TierFree)

	_, err := debit(f.svc, "user_1", "gen_1")
	require.NoError(t, err)
	assert.Equal(t, 1, locker.locks)
	assert.Equal(t, 1, locker.releases)
}

func TestDebitFailsWhenDistributedLockIsHeld(t *testing.T) {
	locker := &fakeLocker{busy: true}
	f := newFixture(t, locker)
	f.initAccount(t, "user_1", 5, creditdomain.TierFree)

	_, err := debit(f.svc, "user_1", "gen_1")
	assert.ErrorIs(t, err, creditdomain.ErrLedgerUnavailable)

	account, err := f.svc.GetBalance(context.Background(), "user_1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), account.CreditsRemaining)
}

func TestDebitFallsBackToLocalLockOnRedisError(t *testing.T) {
	locker := &fakeLocker{err: errors.New("connection refused")}
	f := newFixture(t, locker)
	f.initAccount(t, "user_1", 5, creditdomain.TierFree)

	result, err := debit(f.svc, "user_1", "gen_1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), result.Remaining)
	assert.Equal(t, 0, locker.releases)
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	schema := []string{
		`CREATE TABLE user_credit_accounts (
			user_id TEXT PRIMARY KEY,
			email TEXT,
			credits_remaining BIGINT NOT NULL CHECK (credits_remaining >= 0),
			credits_total BIGINT NOT NULL,
			opening_balance BIGINT NOT NULL,
			subscription_tier TEXT NOT NULL,
			tier_event_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE credit_transactions (
			id BIGINT PRIMARY KEY,
			user_id TEXT NOT NULL,
			feature_used TEXT NOT NULL,
			credits_consumed BIGINT NOT NULL,
			generation_id TEXT,
			idempotency_key TEXT,
			metadata TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_credit_transactions_idempotency_key ON credit_transactions(idempotency_key)`,
	}

	for _, stmt := range schema {
		require.NoError(t, db.Exec(stmt).Error, "schema exec failed")
	}

	return db
}

func assertCount(t *testing.T, db *gorm.DB, query string, expected int64) {
	t.Helper()

	var count int64
	require.NoError(t, db.Raw(query).Scan(&count).Error)
	assert.Equal(t, expected, count, query)
}
