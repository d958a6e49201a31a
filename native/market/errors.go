package market

import "errors"

var (
	ErrNotFound              = errors.New("market: listing not found")
	ErrAlreadyConsumed       = errors.New("market: listing already consumed")
	ErrInsufficientPayment   = errors.New("market: payment must equal listing price")
	ErrInsufficientAllowance = errors.New("market: insufficient asset allowance")
	ErrInsufficientBalance   = errors.New("market: insufficient asset balance")
	ErrBadSignature          = errors.New("market: bad signature")
	ErrNonceMismatch         = errors.New("market: nonce mismatch")
	ErrOverflow              = errors.New("market: arithmetic overflow")
	ErrReleaseFailed         = errors.New("market: payment release failed")
	ErrInvalidAmount         = errors.New("market: amount must be positive")
	ErrInvalidAsset          = errors.New("market: asset identifier required")
	ErrUnauthorized          = errors.New("market: unauthorized")
	ErrInsolvent             = errors.New("market: earnings exceed custody")

	errNilState = errors.New("market engine: ledger not configured")
)

// IsRetryable reports whether a failed operation may succeed when resubmitted
// unchanged. Only rejected withdrawals qualify; every other failure is
// determined by ledger state.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrReleaseFailed)
}

// OutcomeLabel maps an operation result onto a stable, low-cardinality label
// for metrics and API error codes.
func OutcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyConsumed):
		return "already_consumed"
	case errors.Is(err, ErrInsufficientPayment):
		return "insufficient_payment"
	case errors.Is(err, ErrInsufficientAllowance):
		return "insufficient_allowance"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrBadSignature):
		return "bad_signature"
	case errors.Is(err, ErrNonceMismatch):
		return "nonce_mismatch"
	case errors.Is(err, ErrOverflow):
		return "overflow"
	case errors.Is(err, ErrReleaseFailed):
		return "release_failed"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrInvalidAsset):
		return "invalid_asset"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInsolvent):
		return "insolvent"
	default:
		return "internal"
	}
}
