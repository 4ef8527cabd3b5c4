package lending

import (
	"fmt"

	"github.com/holiman/uint256"

	"lendchain/crypto"
)

// Status tracks the lifecycle of a loan. Active is the only mutable state;
// Closed and Liquidated are terminal.
type Status uint8

const (
	StatusActive Status = iota
	StatusClosed
	StatusLiquidated
)

var statusNames = map[Status]string{
	StatusActive:     "active",
	StatusClosed:     "closed",
	StatusLiquidated: "liquidated",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusLiquidated
}

// MarshalText encodes the status name for JSON records.
func (s Status) MarshalText() ([]byte, error) {
	name, ok := statusNames[s]
	if !ok {
		return nil, fmt.Errorf("lending: unknown status %d", uint8(s))
	}
	return []byte(name), nil
}

// UnmarshalText decodes a status name.
func (s *Status) UnmarshalText(text []byte) error {
	for status, name := range statusNames {
		if name == string(text) {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("lending: unknown status %q", string(text))
}

// Loan is a single collateralized position. All fields except Status are
// immutable after creation; loans are never deleted so closed and liquidated
// positions remain queryable.
type Loan struct {
	// ID is assigned monotonically from zero at commit time.
	ID uint64
	// Borrower is the effective account the loan was opened for.
	Borrower crypto.Address
	// Collateral is the amount of collateral asset locked in the vault.
	Collateral *uint256.Int
	// Principal is the debt asset amount drawn, excluding interest.
	Principal *uint256.Int
	// InterestRate is the annual rate captured at creation, 1e18 fixed point.
	InterestRate *uint256.Int
	// StartTime is the unix timestamp (seconds) interest accrues from.
	StartTime uint64
	// Status is the lifecycle state.
	Status Status
}

// Clone returns a deep copy of the loan.
func (l *Loan) Clone() *Loan {
	if l == nil {
		return nil
	}
	clone := &Loan{
		ID:        l.ID,
		Borrower:  l.Borrower,
		StartTime: l.StartTime,
		Status:    l.Status,
	}
	if l.Collateral != nil {
		clone.Collateral = new(uint256.Int).Set(l.Collateral)
	}
	if l.Principal != nil {
		clone.Principal = new(uint256.Int).Set(l.Principal)
	}
	if l.InterestRate != nil {
		clone.InterestRate = new(uint256.Int).Set(l.InterestRate)
	}
	return clone
}

// Params groups the owner-tunable lending parameters.
type Params struct {
	// BaseRate is the annual interest rate applied to new loans, 1e18 fixed
	// point where 1e18 means 100% per year.
	BaseRate *uint256.Int
	// MinPrincipal and MaxPrincipal bound the principal of a new loan, in the
	// debt asset's smallest units.
	MinPrincipal *uint256.Int
	MaxPrincipal *uint256.Int
}

// Clone returns a deep copy of the parameter set.
func (p Params) Clone() Params {
	clone := Params{}
	if p.BaseRate != nil {
		clone.BaseRate = new(uint256.Int).Set(p.BaseRate)
	}
	if p.MinPrincipal != nil {
		clone.MinPrincipal = new(uint256.Int).Set(p.MinPrincipal)
	}
	if p.MaxPrincipal != nil {
		clone.MaxPrincipal = new(uint256.Int).Set(p.MaxPrincipal)
	}
	return clone
}

// UserLoanIndex pairs an account with the loans it originated, in open order.
type UserLoanIndex struct {
	Account crypto.Address
	LoanIDs []uint64
}

// Snapshot is an owned copy of the full ledger state for the query surface.
// Collections are capped to bound response size.
type Snapshot struct {
	Owner           crypto.Address
	CollateralToken crypto.Address
	DebtToken       crypto.Address
	Params          Params
	Loans           []*Loan
	UserLoans       []UserLoanIndex
	TotalCollateral *uint256.Int
	TotalPrincipal  *uint256.Int
}
