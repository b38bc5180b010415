package domain

import "errors"

// Input validation failures. Always rejected before any state mutation.
var (
	ErrInvalidOutcomeCount = errors.New("invalid outcome count")
	ErrInvalidPartition    = errors.New("invalid partition")
	ErrInvalidIndexSet     = errors.New("invalid index set")
	ErrZeroAmount          = errors.New("zero amount")
	ErrZeroFill            = errors.New("computed fill is zero")
	ErrSideOrTokenMismatch = errors.New("orders must have opposite sides and the same token")
	ErrNotCrossing         = errors.New("orders do not cross")
	ErrFeeTooHigh          = errors.New("fee rate above maximum")
	ErrPayoutLength        = errors.New("payout vector length does not match outcome count")
	ErrZeroPayouts         = errors.New("payout vector sums to zero")
	ErrInvalidCommand      = errors.New("invalid command")
	ErrInvalidCollateral   = errors.New("collateral token not held by vault")
	ErrLengthMismatch      = errors.New("argument lengths differ")
	ErrZeroAddress         = errors.New("zero address")
)

// Authorization failures.
var (
	ErrNotOracle                = errors.New("caller is not the condition oracle")
	ErrNotOperator              = errors.New("caller is not an authorized operator")
	ErrNotMaker                 = errors.New("caller is not the order maker")
	ErrInvalidSignature         = errors.New("invalid signature")
	ErrUnauthorizedCounterparty = errors.New("counterparty not allowed by order")
)

// State conflicts. The request was well formed but the current state forbids it.
var (
	ErrAlreadyPrepared     = errors.New("condition already prepared")
	ErrConditionNotFound   = errors.New("condition not prepared")
	ErrAlreadyResolved     = errors.New("condition already resolved")
	ErrNotResolved         = errors.New("condition not resolved")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrExpired             = errors.New("order expired")
	ErrStaleNonce          = errors.New("order nonce below maker nonce")
	ErrCancelled           = errors.New("order cancelled")
	ErrOverfill            = errors.New("fill exceeds remaining order amount")
	ErrReentrant           = errors.New("re-entrant call")
	ErrLockHeld            = errors.New("lock already held")
	ErrNotFound            = errors.New("not found")
)

// Arithmetic faults. Fatal for the operation; never partially applied.
var (
	ErrOverflow       = errors.New("arithmetic overflow")
	ErrUnderflow      = errors.New("arithmetic underflow")
	ErrDivisionByZero = errors.New("division by zero")
)

// ErrorClass groups failures so calling layers can decide whether to
// resubmit or surface a permanent rejection.
type ErrorClass int

const (
	ClassNone ErrorClass = iota
	ClassInputValidation
	ClassAuthorization
	ClassStateConflict
	ClassArithmetic
	ClassInfrastructure
)

func (c ErrorClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassInputValidation:
		return "input_validation"
	case ClassAuthorization:
		return "authorization"
	case ClassStateConflict:
		return "state_conflict"
	case ClassArithmetic:
		return "arithmetic"
	default:
		return "infrastructure"
	}
}

var classTable = []struct {
	class ErrorClass
	errs  []error
}{
	{ClassInputValidation, []error{
		ErrInvalidOutcomeCount, ErrInvalidPartition, ErrInvalidIndexSet, ErrZeroAmount,
		ErrZeroFill, ErrSideOrTokenMismatch, ErrNotCrossing, ErrFeeTooHigh,
		ErrPayoutLength, ErrZeroPayouts, ErrInvalidCommand, ErrInvalidCollateral,
		ErrLengthMismatch, ErrZeroAddress,
	}},
	{ClassAuthorization, []error{
		ErrNotOracle, ErrNotOperator, ErrNotMaker, ErrInvalidSignature,
		ErrUnauthorizedCounterparty,
	}},
	{ClassStateConflict, []error{
		ErrAlreadyPrepared, ErrConditionNotFound, ErrAlreadyResolved, ErrNotResolved,
		ErrInsufficientBalance, ErrExpired, ErrStaleNonce,
		ErrCancelled, ErrOverfill, ErrReentrant, ErrLockHeld, ErrNotFound,
	}},
	{ClassArithmetic, []error{ErrOverflow, ErrUnderflow, ErrDivisionByZero}},
}

// ClassOf returns the class of err. Errors that wrap none of the engine
// sentinels are infrastructure failures (store, vault, network).
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}
	for _, row := range classTable {
		for _, target := range row.errs {
			if errors.Is(err, target) {
				return row.class
			}
		}
	}
	return ClassInfrastructure
}

// Retryable reports whether resubmitting with refreshed inputs (a new nonce,
// a funded balance, a released lock) can succeed.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrStaleNonce), errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrLockHeld), errors.Is(err, ErrReentrant):
		return true
	}
	return ClassOf(err) == ClassInfrastructure
}
