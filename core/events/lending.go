package events

import (
	"fmt"

	"github.com/holiman/uint256"

	"lendchain/core/types"
	"lendchain/crypto"
)

const (
	TypeLoanOpened     = "lending.loan_opened"
	TypeLoanRepaid     = "lending.repaid"
	TypeLoanLiquidated = "lending.liquidated"
	TypeOwnerSet       = "lending.owner_set"
	TypeParamsUpdated  = "lending.params_updated"
)

// LoanOpened is emitted once a loan has been committed to the ledger.
type LoanOpened struct {
	LoanID     uint64
	Borrower   crypto.Address
	Collateral *uint256.Int
	Principal  *uint256.Int
}

func (LoanOpened) EventType() string { return TypeLoanOpened }

func (e LoanOpened) Event() *types.Event {
	return &types.Event{
		Type: TypeLoanOpened,
		Attributes: map[string]string{
			"loanId":     fmt.Sprintf("%d", e.LoanID),
			"borrower":   e.Borrower.String(),
			"collateral": formatAmount(e.Collateral),
			"principal":  formatAmount(e.Principal),
		},
	}
}

// LoanRepaid is emitted when a borrower settles a loan and reclaims the
// collateral.
type LoanRepaid struct {
	LoanID   uint64
	Borrower crypto.Address
}

func (LoanRepaid) EventType() string { return TypeLoanRepaid }

func (e LoanRepaid) Event() *types.Event {
	return &types.Event{
		Type: TypeLoanRepaid,
		Attributes: map[string]string{
			"loanId":   fmt.Sprintf("%d", e.LoanID),
			"borrower": e.Borrower.String(),
		},
	}
}

// LoanLiquidated is emitted when an under-collateralized loan is seized.
type LoanLiquidated struct {
	LoanID   uint64
	Borrower crypto.Address
}

func (LoanLiquidated) EventType() string { return TypeLoanLiquidated }

func (e LoanLiquidated) Event() *types.Event {
	return &types.Event{
		Type: TypeLoanLiquidated,
		Attributes: map[string]string{
			"loanId":   fmt.Sprintf("%d", e.LoanID),
			"borrower": e.Borrower.String(),
		},
	}
}

// OwnerSet is emitted after an ownership transfer.
type OwnerSet struct {
	Owner crypto.Address
}

func (OwnerSet) EventType() string { return TypeOwnerSet }

func (e OwnerSet) Event() *types.Event {
	return &types.Event{
		Type: TypeOwnerSet,
		Attributes: map[string]string{
			"owner": e.Owner.String(),
		},
	}
}

// ParamsUpdated is emitted after the lending parameters change.
type ParamsUpdated struct {
	BaseRate     *uint256.Int
	MinPrincipal *uint256.Int
	MaxPrincipal *uint256.Int
}

func (ParamsUpdated) EventType() string { return TypeParamsUpdated }

func (e ParamsUpdated) Event() *types.Event {
	return &types.Event{
		Type: TypeParamsUpdated,
		Attributes: map[string]string{
			"baseRate":     formatAmount(e.BaseRate),
			"minPrincipal": formatAmount(e.MinPrincipal),
			"maxPrincipal": formatAmount(e.MaxPrincipal),
		},
	}
}

func formatAmount(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
