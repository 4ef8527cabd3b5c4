package lending

import "errors"

// Configuration errors.
var (
	ErrNotInitialized         = errors.New("lending: ledger not initialized")
	ErrAlreadyInitialized     = errors.New("lending: ledger already initialized")
	ErrZeroTokenAddress       = errors.New("lending: token addresses cannot be zero")
	ErrInvalidPrincipalBounds = errors.New("lending: loan thresholds invalid")
)

// Authorization errors. Session resolution failures surface from the session
// package; these cover ownership checks inside the module.
var (
	ErrNotOwner     = errors.New("lending: not owner")
	ErrNotLoanOwner = errors.New("lending: not loan owner")
)

// Validation errors raised before any external transfer is triggered.
var (
	ErrPrincipalOutOfBounds   = errors.New("lending: loan principal out of bounds")
	ErrZeroCollateral         = errors.New("lending: must provide collateral")
	ErrInsufficientCollateral = errors.New("lending: insufficient collateral ratio")
	ErrLoanLimitReached       = errors.New("lending: loan limit reached")
	ErrUserLoanLimitReached   = errors.New("lending: user loan limit reached")
)

// State errors.
var (
	ErrNoSuchLoan    = errors.New("lending: no such loan")
	ErrLoanNotActive = errors.New("lending: loan not active")
	ErrLoanSafe      = errors.New("lending: loan safe, cannot liquidate")
	ErrLoanBusy      = errors.New("lending: loan has an operation in flight")
)

// Arithmetic errors on additive bookkeeping. Division errors never propagate;
// they default to zero in the math helpers.
var (
	ErrAmountOverflow = errors.New("lending: aggregate amount overflow")
	ErrLoanIDOverflow = errors.New("lending: loan id overflow")
)
