package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v5"
	"github.com/smallbiznis/genstudio/internal/clock"
	creditdomain "github.com/smallbiznis/genstudio/internal/credit/domain"
	obsmetrics "github.com/smallbiznis/genstudio/internal/observability/metrics"
	"github.com/smallbiznis/genstudio/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	ledgerMaxTries     = 3
	lockPollInterval   = 25 * time.Millisecond
	defaultGrantReason = "grant"
)

var errLockBusy = errors.New("user_lock_busy")

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       creditdomain.Repository
	Clock      clock.Clock
	Locker     creditdomain.UserLocker       `optional:"true"`
	ObsMetrics *obsmetrics.Metrics           `optional:"true"`
	GenMetrics *obsmetrics.GenerationMetrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       creditdomain.Repository
	clock      clock.Clock
	locker     creditdomain.UserLocker
	keyed      *keyedMutex
	obsMetrics *obsmetrics.Metrics
	genMetrics *obsmetrics.GenerationMetrics
}

func NewService(p Params) creditdomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("credit.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		clock:      clk,
		locker:     p.Locker,
		keyed:      newKeyedMutex(),
		obsMetrics: p.ObsMetrics,
		genMetrics: p.GenMetrics,
	}
}

func (s *Service) InitializeAccount(ctx context.Context, req creditdomain.InitializeAccountRequest) (*creditdomain.UserCreditAccount, error) {
	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		return nil, err
	}
	if req.InitialCredits < 0 {
		return nil, creditdomain.ErrInvalidAmount
	}

	tier := creditdomain.TierFree
	if strings.TrimSpace(string(req.Tier)) != "" {
		tier, err = creditdomain.ParseTier(string(req.Tier))
		if err != nil {
			return nil, err
		}
	}

	var email *string
	if trimmed := strings.TrimSpace(req.Email); trimmed != "" {
		if !strings.Contains(trimmed, "@") {
			return nil, creditdomain.ErrInvalidEmail
		}
		email = &trimmed
	}

	now := s.clock.Now()
	account := &creditdomain.UserCreditAccount{
		UserID:           userID,
		Email:            email,
		CreditsRemaining: req.InitialCredits,
		CreditsTotal:     req.InitialCredits,
		OpeningBalance:   req.InitialCredits,
		SubscriptionTier: tier,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	created, err := s.repo.CreateAccount(ctx, s.db, account)
	if err != nil {
		return nil, s.unavailable("initialize", err)
	}
	if !created {
		return nil, creditdomain.ErrAccountExists
	}

	s.log.Info("credit account initialized",
		zap.String("user_id", userID),
		zap.String("tier", string(tier)),
		zap.Int64("credits", req.InitialCredits),
	)
	return account, nil
}

func (s *Service) GetBalance(ctx context.Context, userID string) (*creditdomain.UserCreditAccount, error) {
	userID, err := normalizeUserID(userID)
	if err != nil {
		return nil, err
	}

	account, err := s.repo.GetAccount(ctx, s.db, userID)
	if err != nil {
		return nil, s.unavailable("get_balance", err)
	}
	if account == nil {
		return nil, creditdomain.ErrNotFound
	}
	return account, nil
}

func (s *Service) GetBalanceView(ctx context.Context, userID string) (creditdomain.BalanceView, error) {
	account, err := s.GetBalance(ctx, userID)
	if err != nil {
		return creditdomain.BalanceView{}, err
	}
	return account.View(), nil
}

func (s *Service) HasSufficientCredit(ctx context.Context, userID string, required int64) (bool, error) {
	if required <= 0 {
		required = 1
	}

	account, err := s.GetBalance(ctx, userID)
	if err != nil {
		return false, err
	}
	if account.Unlimited() {
		return true, nil
	}
	return account.CreditsRemaining >= required, nil
}

func (s *Service) Debit(ctx context.Context, req creditdomain.DebitRequest) (creditdomain.DebitResult, error) {
	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		return creditdomain.DebitResult{}, err
	}
	if !req.Feature.IsGeneration() {
		return creditdomain.DebitResult{}, creditdomain.ErrInvalidFeature
	}
	generationID := strings.TrimSpace(req.GenerationID)
	if generationID == "" {
		return creditdomain.DebitResult{}, creditdomain.ErrInvalidGenerationID
	}
	amount := req.Amount
	if amount <= 0 {
		amount = 1
	}
	metadata, err := encodeMetadata(req.Metadata)
	if err != nil {
		return creditdomain.DebitResult{}, err
	}

	unlock, err := s.lockUser(ctx, userID)
	if err != nil {
		return creditdomain.DebitResult{}, err
	}
	defer unlock()

	var (
		result creditdomain.DebitResult
		tier   creditdomain.Tier
	)
	err = s.withTx(ctx, "debit", func(tx *gorm.DB) error {
		account, err := s.repo.GetAccount(ctx, tx, userID)
		if err != nil {
			return err
		}
		if account == nil {
			return creditdomain.ErrNotFound
		}
		tier = account.SubscriptionTier

		consumed := amount
		if account.Unlimited() {
			consumed = 0
		} else if account.CreditsRemaining < amount {
			return creditdomain.ErrInsufficientCredit
		}

		now := s.clock.Now()
		key := creditdomain.DebitKey(generationID)
		txn := &creditdomain.CreditTransaction{
			ID:              s.genID.Generate(),
			UserID:          userID,
			FeatureUsed:     req.Feature,
			CreditsConsumed: consumed,
			GenerationID:    &generationID,
			IdempotencyKey:  &key,
			Metadata:        metadata,
			CreatedAt:       now,
		}
		inserted, err := s.repo.InsertTransaction(ctx, tx, txn)
		if err != nil {
			return err
		}
		if !inserted {
			return creditdomain.ErrDuplicateDebit
		}

		if consumed > 0 {
			ok, err := s.repo.ConditionalDecrement(ctx, tx, userID, consumed, now)
			if err != nil {
				return err
			}
			if !ok {
				return creditdomain.ErrInsufficientCredit
			}
		}

		result = creditdomain.DebitResult{
			TransactionID: txn.ID,
			Amount:        consumed,
			Remaining:     account.CreditsRemaining - consumed,
			Unlimited:     account.Unlimited(),
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, creditdomain.ErrInsufficientCredit) {
			s.log.Info("debit rejected",
				zap.String("user_id", userID),
				zap.String("feature", string(req.Feature)),
				zap.Int64("required", amount),
			)
		}
		return creditdomain.DebitResult{}, err
	}

	s.obsMetrics.RecordDebit(ctx, string(req.Feature), string(tier), result.Amount)
	s.log.Info("credits debited",
		zap.String("user_id", userID),
		zap.String("generation_id", generationID),
		zap.String("feature", string(req.Feature)),
		zap.Int64("amount", result.Amount),
		zap.Int64("remaining", result.Remaining),
		zap.Bool("unlimited", result.Unlimited),
	)
	return result, nil
}

// Refund reverses the debit recorded for generationID. An amount of zero
// refunds the full debited amount.
func (s *Service) Refund(ctx context.Context, userID, generationID string, amount int64) (creditdomain.RefundResult, error) {
	userID, err := normalizeUserID(userID)
	if err != nil {
		return creditdomain.RefundResult{}, err
	}
	generationID = strings.TrimSpace(generationID)
	if generationID == "" {
		return creditdomain.RefundResult{}, creditdomain.ErrInvalidGenerationID
	}
	if amount < 0 {
		return creditdomain.RefundResult{}, creditdomain.ErrInvalidAmount
	}

	unlock, err := s.lockUser(ctx, userID)
	if err != nil {
		return creditdomain.RefundResult{}, err
	}
	defer unlock()

	var (
		result   creditdomain.RefundResult
		refunded int64
	)
	err = s.withTx(ctx, "refund", func(tx *gorm.DB) error {
		account, err := s.repo.GetAccount(ctx, tx, userID)
		if err != nil {
			return err
		}
		if account == nil {
			return creditdomain.ErrNotFound
		}

		debit, err := s.repo.FindTransactionByKey(ctx, tx, creditdomain.DebitKey(generationID))
		if err != nil {
			return err
		}
		if debit == nil || debit.UserID != userID {
			return creditdomain.ErrDebitNotFound
		}

		refundAmount := amount
		if refundAmount == 0 {
			refundAmount = debit.CreditsConsumed
		}
		if refundAmount > debit.CreditsConsumed {
			return creditdomain.ErrInvalidAmount
		}

		now := s.clock.Now()
		key := creditdomain.RefundKey(generationID)
		inserted, err := s.repo.InsertTransaction(ctx, tx, &creditdomain.CreditTransaction{
			ID:              s.genID.Generate(),
			UserID:          userID,
			FeatureUsed:     creditdomain.FeatureRefund,
			CreditsConsumed: -refundAmount,
			GenerationID:    &generationID,
			IdempotencyKey:  &key,
			Metadata:        datatypes.JSON(fmt.Sprintf(`{"debit_feature":%q}`, debit.FeatureUsed)),
			CreatedAt:       now,
		})
		if err != nil {
			return err
		}
		if !inserted {
			result = creditdomain.RefundResult{Remaining: account.CreditsRemaining, AlreadyRefunded: true}
			return nil
		}

		if refundAmount > 0 {
			if err := s.repo.Increment(ctx, tx, userID, refundAmount, now); err != nil {
				return err
			}
		}
		result = creditdomain.RefundResult{Remaining: account.CreditsRemaining + refundAmount}
		refunded = refundAmount
		return nil
	})
	if err != nil {
		return creditdomain.RefundResult{}, err
	}

	if result.AlreadyRefunded {
		s.log.Debug("refund already applied",
			zap.String("user_id", userID),
			zap.String("generation_id", generationID),
		)
	} else {
		if refunded > 0 {
			s.obsMetrics.RecordRefund(ctx, refunded)
		}
		s.log.Info("credits refunded",
			zap.String("user_id", userID),
			zap.String("generation_id", generationID),
			zap.Int64("remaining", result.Remaining),
		)
	}
	return result, nil
}

func (s *Service) Grant(ctx context.Context, req creditdomain.GrantRequest) (*creditdomain.UserCreditAccount, error) {
	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		return nil, err
	}
	if req.Amount <= 0 {
		return nil, creditdomain.ErrInvalidAmount
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = defaultGrantReason
	}
	metadata, err := encodeMetadata(map[string]any{"reason": reason})
	if err != nil {
		return nil, err
	}

	var key *string
	if trimmed := strings.TrimSpace(req.IdempotencyKey); trimmed != "" {
		value := "grant:" + trimmed
		key = &value
	}

	unlock, err := s.lockUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var (
		account *creditdomain.UserCreditAccount
		applied bool
	)
	err = s.withTx(ctx, "grant", func(tx *gorm.DB) error {
		current, err := s.repo.GetAccount(ctx, tx, userID)
		if err != nil {
			return err
		}
		if current == nil {
			return creditdomain.ErrNotFound
		}

		now := s.clock.Now()
		inserted, err := s.repo.InsertTransaction(ctx, tx, &creditdomain.CreditTransaction{
			ID:              s.genID.Generate(),
			UserID:          userID,
			FeatureUsed:     creditdomain.FeatureGrant,
			CreditsConsumed: -req.Amount,
			IdempotencyKey:  key,
			Metadata:        metadata,
			CreatedAt:       now,
		})
		if err != nil {
			return err
		}
		if inserted {
			if err := s.repo.Increment(ctx, tx, userID, req.Amount, now); err != nil {
				return err
			}
		}
		applied = inserted

		account, err = s.repo.GetAccount(ctx, tx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if applied {
		s.obsMetrics.RecordGrant(ctx, reason, req.Amount)
		s.log.Info("credits granted",
			zap.String("user_id", userID),
			zap.String("reason", reason),
			zap.Int64("amount", req.Amount),
			zap.Int64("remaining", account.CreditsRemaining),
			zap.Int64("total", account.CreditsTotal),
		)
	}
	return account, nil
}

func (s *Service) SetTier(ctx context.Context, userID string, tier creditdomain.Tier) error {
	userID, err := normalizeUserID(userID)
	if err != nil {
		return err
	}
	tier, err = creditdomain.ParseTier(string(tier))
	if err != nil {
		return err
	}

	updated, err := s.repo.SetTier(ctx, s.db, userID, tier, s.clock.Now())
	if err != nil {
		return s.unavailable("set_tier", err)
	}
	if !updated {
		return creditdomain.ErrNotFound
	}

	s.log.Info("tier assigned", zap.String("user_id", userID), zap.String("tier", string(tier)))
	return nil
}

// ApplyTier assigns tier unless a tier event at or after occurredAt was
// already applied. A downgrade to free wins an equal timestamp.
func (s *Service) ApplyTier(ctx context.Context, userID string, tier creditdomain.Tier, occurredAt time.Time) (bool, error) {
	userID, err := normalizeUserID(userID)
	if err != nil {
		return false, err
	}
	tier, err = creditdomain.ParseTier(string(tier))
	if err != nil {
		return false, err
	}

	now := s.clock.Now()
	if occurredAt.IsZero() {
		occurredAt = now
	}
	occurredAt = occurredAt.UTC()

	applied, err := s.repo.SetTierIfNewer(ctx, s.db, userID, tier, occurredAt, now)
	if err != nil {
		return false, s.unavailable("apply_tier", err)
	}
	if applied {
		s.log.Info("tier applied",
			zap.String("user_id", userID),
			zap.String("tier", string(tier)),
			zap.Time("occurred_at", occurredAt),
		)
		return true, nil
	}

	account, err := s.repo.GetAccount(ctx, s.db, userID)
	if err != nil {
		return false, s.unavailable("apply_tier", err)
	}
	if account == nil {
		return false, creditdomain.ErrNotFound
	}

	s.log.Info("stale tier event ignored",
		zap.String("user_id", userID),
		zap.String("tier", string(tier)),
		zap.Time("occurred_at", occurredAt),
	)
	return false, nil
}

func (s *Service) FindUserIDsByEmail(ctx context.Context, email string) ([]string, error) {
	email = strings.TrimSpace(email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, creditdomain.ErrInvalidEmail
	}

	ids, err := s.repo.FindUserIDsByEmail(ctx, s.db, email)
	if err != nil {
		return nil, s.unavailable("find_by_email", err)
	}
	return ids, nil
}

func (s *Service) ListTransactions(ctx context.Context, req creditdomain.ListTransactionsRequest) (creditdomain.ListTransactionsResponse, error) {
	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		return creditdomain.ListTransactionsResponse{}, err
	}

	page := pagination.Pagination{PageToken: req.PageToken, PageSize: req.PageSize}
	limit := page.Limit()

	var beforeID snowflake.ID
	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return creditdomain.ListTransactionsResponse{}, err
		}
		beforeID, err = snowflake.ParseString(cursor.ID)
		if err != nil {
			return creditdomain.ListTransactionsResponse{}, pagination.ErrInvalidPageToken
		}
	}

	items, err := s.repo.ListTransactions(ctx, s.db, userID, beforeID, limit+1)
	if err != nil {
		return creditdomain.ListTransactionsResponse{}, s.unavailable("list_transactions", err)
	}

	items, info, err := pagination.BuildCursorPageInfo(items, limit, func(item creditdomain.CreditTransaction) pagination.Cursor {
		return pagination.Cursor{
			ID:        item.ID.String(),
			CreatedAt: item.CreatedAt.Format(time.RFC3339),
		}
	})
	if err != nil {
		return creditdomain.ListTransactionsResponse{}, err
	}

	return creditdomain.ListTransactionsResponse{
		Transactions:  items,
		NextPageToken: info.NextPageToken,
		HasMore:       info.HasMore,
	}, nil
}

// Reconcile checks that the stored balance equals the opening balance minus
// everything the transaction log says was consumed.
func (s *Service) Reconcile(ctx context.Context, userID string) (creditdomain.ReconciliationReport, error) {
	account, err := s.GetBalance(ctx, userID)
	if err != nil {
		return creditdomain.ReconciliationReport{}, err
	}

	consumed, err := s.repo.SumConsumed(ctx, s.db, account.UserID)
	if err != nil {
		return creditdomain.ReconciliationReport{}, s.unavailable("reconcile", err)
	}

	report := creditdomain.ReconciliationReport{
		UserID:         account.UserID,
		OpeningBalance: account.OpeningBalance,
		TotalConsumed:  consumed,
		Expected:       account.OpeningBalance - consumed,
		Actual:         account.CreditsRemaining,
	}
	report.Consistent = report.Expected == report.Actual
	if !report.Consistent {
		s.log.Warn("credit balance drift detected",
			zap.String("user_id", report.UserID),
			zap.Int64("expected", report.Expected),
			zap.Int64("actual", report.Actual),
		)
	}
	return report, nil
}

// lockUser serializes ledger writes for userID. The in-process lock is always
// taken; the distributed lock is added when a locker is configured.
func (s *Service) lockUser(ctx context.Context, userID string) (func(), error) {
	start := s.clock.Now()
	release := s.keyed.Lock(userID)
	if s.locker == nil {
		s.genMetrics.ObserveLockWait(s.clock.Now().Sub(start))
		return release, nil
	}

	wait := s.locker.LockTTL()
	if wait <= 0 {
		wait = 5 * time.Second
	}
	token, err := backoff.Retry(ctx, func() (string, error) {
		token, ok, err := s.locker.TryLockUser(ctx, userID)
		if err != nil {
			return "", backoff.Permanent(err)
		}
		if !ok {
			return "", errLockBusy
		}
		return token, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(lockPollInterval)),
		backoff.WithMaxElapsedTime(wait),
	)
	s.genMetrics.ObserveLockWait(s.clock.Now().Sub(start))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			release()
			return nil, ctxErr
		}
		if errors.Is(err, errLockBusy) {
			release()
			s.genMetrics.IncLedgerError("lock", err)
			return nil, fmt.Errorf("%w: %w", creditdomain.ErrLedgerUnavailable, err)
		}
		s.log.Warn("distributed user lock unavailable, continuing with local lock",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return release, nil
	}

	return func() {
		if err := s.locker.ReleaseUser(context.WithoutCancel(ctx), userID, token); err != nil {
			s.log.Warn("failed to release user lock", zap.String("user_id", userID), zap.Error(err))
		}
		release()
	}, nil
}

// withTx runs fn in a transaction, retrying lock timeouts and serialization
// failures. Domain errors returned by fn pass through unchanged.
func (s *Service) withTx(ctx context.Context, op string, fn func(tx *gorm.DB) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := s.db.WithContext(ctx).Transaction(fn)
		if err == nil {
			return struct{}{}, nil
		}
		if isDomainError(err) || !obsmetrics.IsLedgerErrorRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		s.log.Warn("retrying ledger transaction", zap.String("op", op), zap.Error(err))
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(ledgerMaxTries),
	)
	if err == nil || isDomainError(err) {
		return err
	}
	return s.unavailable(op, err)
}

func (s *Service) unavailable(op string, err error) error {
	s.genMetrics.IncLedgerError(op, err)
	s.log.Error("ledger storage failure", zap.String("op", op), zap.Error(err))
	return fmt.Errorf("%w: %w", creditdomain.ErrLedgerUnavailable, err)
}

var domainErrors = []error{
	creditdomain.ErrNotFound,
	creditdomain.ErrAccountExists,
	creditdomain.ErrInsufficientCredit,
	creditdomain.ErrLedgerUnavailable,
	creditdomain.ErrDuplicateDebit,
	creditdomain.ErrDebitNotFound,
	creditdomain.ErrInvalidAmount,
}

func isDomainError(err error) bool {
	for _, target := range domainErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func normalizeUserID(userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", creditdomain.ErrInvalidUser
	}
	return userID, nil
}

func encodeMetadata(metadata map[string]any) (datatypes.JSON, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	payload, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return datatypes.JSON(payload), nil
}
