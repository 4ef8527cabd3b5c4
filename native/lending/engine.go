package lending

import (
	"context"
	"time"

	"github.com/holiman/uint256"

	"lendchain/core/events"
	"lendchain/crypto"
	"lendchain/native/common"
	"lendchain/native/session"
	"lendchain/native/token"
)

const moduleName = "lending"

// Engine orchestrates the lending module: it resolves the effective actor,
// drives external token transfers, and commits state through the ledger.
// Transfers run outside the ledger lock; any failure aborts the operation
// with no compensating transfers, leaving the ledger untouched.
type Engine struct {
	ledger     *Ledger
	vault      crypto.Address
	collateral token.Client
	debt       token.Client
	sessions   session.Lookup
	emitter    events.Emitter
	pauses     common.PauseView
	now        func() uint64
}

// NewEngine constructs an engine over the given ledger. The vault address is
// where opened collateral is held and debt is drawn from. Token clients and
// session lookup are wired through setters before the engine serves traffic.
func NewEngine(ledger *Ledger, vault crypto.Address) *Engine {
	return &Engine{
		ledger:  ledger,
		vault:   vault,
		emitter: events.NoopEmitter{},
		now:     func() uint64 { return uint64(time.Now().Unix()) },
	}
}

// SetTokenClients wires the collateral and debt asset contract clients.
func (e *Engine) SetTokenClients(collateral, debt token.Client) {
	if e == nil {
		return
	}
	e.collateral = collateral
	e.debt = debt
}

// SetSessions wires the delegated-session lookup.
func (e *Engine) SetSessions(lookup session.Lookup) {
	if e == nil {
		return
	}
	e.sessions = lookup
}

// SetEmitter wires the event emitter used for module events.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil || emitter == nil {
		return
	}
	e.emitter = emitter
}

// SetPauses wires the module pause view consulted before mutations.
func (e *Engine) SetPauses(pauses common.PauseView) {
	if e == nil {
		return
	}
	e.pauses = pauses
}

// SetClock overrides the time source. Intended for tests.
func (e *Engine) SetClock(now func() uint64) {
	if e == nil || now == nil {
		return
	}
	e.now = now
}

func (e *Engine) resolveActor(caller crypto.Address, delegated *crypto.Address, action session.Action) (crypto.Address, error) {
	return session.ResolveActor(e.sessions, caller, delegated, action, e.now())
}

func (e *Engine) emit(evt events.Event) {
	if e.emitter == nil {
		return
	}
	e.emitter.Emit(evt)
}

// OpenLoan locks collateral from the actor in the vault, draws principal to
// the actor, and commits a new active loan. Validation runs before the first
// transfer; caps are enforced again at commit because the loan set may have
// changed while the transfers were in flight.
func (e *Engine) OpenLoan(ctx context.Context, caller crypto.Address, collateral, principal *uint256.Int, delegated *crypto.Address) (*Loan, error) {
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	actor, err := e.resolveActor(caller, delegated, session.ActionOpenLoan)
	if err != nil {
		return nil, err
	}
	if err := e.ledger.CheckOpen(collateral, principal); err != nil {
		return nil, err
	}
	if err := e.collateral.TransferFrom(ctx, actor, e.vault, collateral); err != nil {
		return nil, err
	}
	if err := e.debt.TransferFrom(ctx, e.vault, actor, principal); err != nil {
		return nil, err
	}
	loan, err := e.ledger.CreateLoan(actor, collateral, principal, e.now())
	if err != nil {
		return nil, err
	}
	e.emit(&events.LoanOpened{
		LoanID:     loan.ID,
		Borrower:   loan.Borrower,
		Collateral: loan.Collateral,
		Principal:  loan.Principal,
	})
	return loan, nil
}

// Repay settles a loan the actor originated: the full debt (principal plus
// interest accrued so far) is burned from the actor and the collateral is
// returned. The amount burned is returned to the caller.
func (e *Engine) Repay(ctx context.Context, caller crypto.Address, loanID uint64, delegated *crypto.Address) (*uint256.Int, error) {
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	actor, err := e.resolveActor(caller, delegated, session.ActionRepayLoan)
	if err != nil {
		return nil, err
	}
	loan, err := e.ledger.BeginRepay(loanID, actor)
	if err != nil {
		return nil, err
	}

	var elapsed uint64
	if now := e.now(); now > loan.StartTime {
		elapsed = now - loan.StartTime
	}
	totalOwed := satAdd(loan.Principal, accruedInterest(loan.Principal, loan.InterestRate, elapsed))

	if err := e.debt.Burn(ctx, actor, totalOwed); err != nil {
		e.ledger.Abort(loanID)
		return nil, err
	}
	if err := e.collateral.Transfer(ctx, actor, loan.Collateral); err != nil {
		e.ledger.Abort(loanID)
		return nil, err
	}
	if _, err := e.ledger.Finalize(loanID, StatusClosed); err != nil {
		return nil, err
	}
	e.emit(&events.LoanRepaid{LoanID: loanID, Borrower: actor})
	return totalOwed, nil
}

// Liquidate seizes the collateral of an under-collateralized loan and sends
// it to the contract owner. Anyone may call it; the health check is the only
// gate.
func (e *Engine) Liquidate(ctx context.Context, loanID uint64) (*Loan, error) {
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	loan, err := e.ledger.BeginLiquidation(loanID)
	if err != nil {
		return nil, err
	}
	if err := e.collateral.Transfer(ctx, e.ledger.Owner(), loan.Collateral); err != nil {
		e.ledger.Abort(loanID)
		return nil, err
	}
	finalized, err := e.ledger.Finalize(loanID, StatusLiquidated)
	if err != nil {
		return nil, err
	}
	e.emit(&events.LoanLiquidated{LoanID: loanID, Borrower: finalized.Borrower})
	return finalized, nil
}

// SetOwner transfers contract ownership. The effective actor must be the
// current owner; delegated sessions require the update-params permission.
func (e *Engine) SetOwner(caller, newOwner crypto.Address, delegated *crypto.Address) error {
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	actor, err := e.resolveActor(caller, delegated, session.ActionUpdateParams)
	if err != nil {
		return err
	}
	if !actor.Equal(e.ledger.Owner()) {
		return ErrNotOwner
	}
	if err := e.ledger.SetOwner(newOwner); err != nil {
		return err
	}
	e.emit(&events.OwnerSet{Owner: newOwner})
	return nil
}

// UpdateParams replaces the tunable lending parameters. The effective actor
// must be the contract owner; delegated sessions require the update-params
// permission.
func (e *Engine) UpdateParams(caller crypto.Address, baseRate, minPrincipal, maxPrincipal *uint256.Int, delegated *crypto.Address) error {
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	actor, err := e.resolveActor(caller, delegated, session.ActionUpdateParams)
	if err != nil {
		return err
	}
	if !actor.Equal(e.ledger.Owner()) {
		return ErrNotOwner
	}
	if err := e.ledger.SetParams(baseRate, minPrincipal, maxPrincipal); err != nil {
		return err
	}
	params := e.ledger.Params()
	e.emit(&events.ParamsUpdated{
		BaseRate:     params.BaseRate,
		MinPrincipal: params.MinPrincipal,
		MaxPrincipal: params.MaxPrincipal,
	})
	return nil
}

// GetLoan returns an owned copy of the loan, if present.
func (e *Engine) GetLoan(id uint64) (*Loan, bool) {
	return e.ledger.GetLoan(id)
}

// UserLoans returns the loan ids the account originated, oldest first.
func (e *Engine) UserLoans(account crypto.Address) []uint64 {
	return e.ledger.UserLoans(account)
}

// Snapshot returns a capped copy of the full ledger state.
func (e *Engine) Snapshot() *Snapshot {
	return e.ledger.Snapshot()
}
