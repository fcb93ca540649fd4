package domain

import "errors"

var (
	ErrNotFound            = errors.New("credit_account_not_found")
	ErrAccountExists       = errors.New("credit_account_exists")
	ErrInsufficientCredit  = errors.New("insufficient_credit")
	ErrLedgerUnavailable   = errors.New("ledger_unavailable")
	ErrDuplicateDebit      = errors.New("duplicate_debit")
	ErrDebitNotFound       = errors.New("debit_not_found")
	ErrInvalidUser         = errors.New("invalid_user")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidFeature      = errors.New("invalid_feature")
	ErrInvalidTier         = errors.New("invalid_tier")
	ErrInvalidGenerationID = errors.New("invalid_generation_id")
	ErrInvalidEmail        = errors.New("invalid_email")
)

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsUnavailable reports storage failures the caller cannot recover from.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrLedgerUnavailable)
}
