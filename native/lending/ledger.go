package lending

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/holiman/uint256"

	"lendchain/crypto"
	"lendchain/storage"
)

const (
	// maxLoans caps the total ledger size; loans are never deleted so this
	// bounds the lifetime of the deployment.
	maxLoans = 10_000
	// maxUserLoans caps the per-account loan index.
	maxUserLoans = 100
	// maxSnapshotLoans and maxSnapshotUsers bound the full-state dump.
	maxSnapshotLoans = 1_000
	maxSnapshotUsers = 1_000
)

var keyMeta = []byte("lending/meta")

func loanKey(id uint64) []byte {
	return []byte(fmt.Sprintf("lending/loan/%020d", id))
}

// Ledger owns the lending module's state: configuration, loan records, the
// per-account loan index, and the running aggregates over active loans. It is
// initialized exactly once and mutated only through the primitives the engine
// calls after all external transfers have succeeded.
//
// Loans with an operation in flight across an external transfer carry an
// in-memory marker; any second operation observing the marker is rejected
// instead of reading state that is about to change.
type Ledger struct {
	mu sync.RWMutex
	db storage.Database

	initialized     bool
	owner           crypto.Address
	collateralToken crypto.Address
	debtToken       crypto.Address
	params          Params

	nextLoanID      uint64
	loans           map[uint64]*Loan
	userLoans       map[string][]uint64
	totalCollateral *uint256.Int
	totalPrincipal  *uint256.Int

	inFlight map[uint64]struct{}
}

type ledgerMeta struct {
	Owner           crypto.Address `json:"owner"`
	CollateralToken crypto.Address `json:"collateralToken"`
	DebtToken       crypto.Address `json:"debtToken"`
	BaseRate        string         `json:"baseRate"`
	MinPrincipal    string         `json:"minPrincipal"`
	MaxPrincipal    string         `json:"maxPrincipal"`
	NextLoanID      uint64         `json:"nextLoanId"`
	TotalCollateral string         `json:"totalCollateral"`
	TotalPrincipal  string         `json:"totalPrincipal"`
}

type storedLoan struct {
	ID           uint64         `json:"id"`
	Borrower     crypto.Address `json:"borrower"`
	Collateral   string         `json:"collateral"`
	Principal    string         `json:"principal"`
	InterestRate string         `json:"interestRate"`
	StartTime    uint64         `json:"startTime"`
	Status       Status         `json:"status"`
}

// NewLedger constructs a ledger over the given database, reloading any
// previously committed state. A fresh database yields an uninitialized
// ledger that rejects every operation until Initialize is called.
func NewLedger(db storage.Database) (*Ledger, error) {
	if db == nil {
		return nil, errors.New("lending: nil database")
	}
	l := &Ledger{
		db:              db,
		loans:           make(map[uint64]*Loan),
		userLoans:       make(map[string][]uint64),
		totalCollateral: uint256.NewInt(0),
		totalPrincipal:  uint256.NewInt(0),
		inFlight:        make(map[uint64]struct{}),
	}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) load() error {
	raw, err := l.db.Get(keyMeta)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lending: load metadata: %w", err)
	}
	var meta ledgerMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return fmt.Errorf("lending: decode metadata: %w", err)
	}

	baseRate, err := parseAmount(meta.BaseRate)
	if err != nil {
		return err
	}
	minPrincipal, err := parseAmount(meta.MinPrincipal)
	if err != nil {
		return err
	}
	maxPrincipal, err := parseAmount(meta.MaxPrincipal)
	if err != nil {
		return err
	}
	totalCollateral, err := parseAmount(meta.TotalCollateral)
	if err != nil {
		return err
	}
	totalPrincipal, err := parseAmount(meta.TotalPrincipal)
	if err != nil {
		return err
	}

	l.initialized = true
	l.owner = meta.Owner
	l.collateralToken = meta.CollateralToken
	l.debtToken = meta.DebtToken
	l.params = Params{BaseRate: baseRate, MinPrincipal: minPrincipal, MaxPrincipal: maxPrincipal}
	l.nextLoanID = meta.NextLoanID
	l.totalCollateral = totalCollateral
	l.totalPrincipal = totalPrincipal

	// Loan ids are dense from zero, so the metadata cursor enumerates every
	// record; the per-account index is rebuilt in id order, which matches
	// the original append order.
	for id := uint64(0); id < meta.NextLoanID; id++ {
		raw, err := l.db.Get(loanKey(id))
		if err != nil {
			return fmt.Errorf("lending: load loan %d: %w", id, err)
		}
		var stored storedLoan
		if err := json.Unmarshal(raw, &stored); err != nil {
			return fmt.Errorf("lending: decode loan %d: %w", id, err)
		}
		loan, err := stored.toLoan()
		if err != nil {
			return err
		}
		l.loans[id] = loan
		key := string(loan.Borrower.Bytes())
		l.userLoans[key] = append(l.userLoans[key], id)
	}
	return nil
}

func (s storedLoan) toLoan() (*Loan, error) {
	collateral, err := parseAmount(s.Collateral)
	if err != nil {
		return nil, err
	}
	principal, err := parseAmount(s.Principal)
	if err != nil {
		return nil, err
	}
	rate, err := parseAmount(s.InterestRate)
	if err != nil {
		return nil, err
	}
	return &Loan{
		ID:           s.ID,
		Borrower:     s.Borrower,
		Collateral:   collateral,
		Principal:    principal,
		InterestRate: rate,
		StartTime:    s.StartTime,
		Status:       s.Status,
	}, nil
}

func encodeLoan(loan *Loan) ([]byte, error) {
	return json.Marshal(storedLoan{
		ID:           loan.ID,
		Borrower:     loan.Borrower,
		Collateral:   decString(loan.Collateral),
		Principal:    decString(loan.Principal),
		InterestRate: decString(loan.InterestRate),
		StartTime:    loan.StartTime,
		Status:       loan.Status,
	})
}

func (l *Ledger) encodeMeta(nextLoanID uint64, totalCollateral, totalPrincipal *uint256.Int) ([]byte, error) {
	return json.Marshal(ledgerMeta{
		Owner:           l.owner,
		CollateralToken: l.collateralToken,
		DebtToken:       l.debtToken,
		BaseRate:        decString(l.params.BaseRate),
		MinPrincipal:    decString(l.params.MinPrincipal),
		MaxPrincipal:    decString(l.params.MaxPrincipal),
		NextLoanID:      nextLoanID,
		TotalCollateral: decString(totalCollateral),
		TotalPrincipal:  decString(totalPrincipal),
	})
}

func (l *Ledger) persistMeta() error {
	encoded, err := l.encodeMeta(l.nextLoanID, l.totalCollateral, l.totalPrincipal)
	if err != nil {
		return err
	}
	return l.db.Put(keyMeta, encoded)
}

func decString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func parseAmount(s string) (*uint256.Int, error) {
	if s == "" {
		return uint256.NewInt(0), nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("lending: invalid amount %q: %w", s, err)
	}
	return v, nil
}

// Initialize seeds the ledger configuration. It fails when the ledger is
// already initialized, when either token address is zero, or when the
// principal bounds are degenerate.
func (l *Ledger) Initialize(owner, collateralToken, debtToken crypto.Address, baseRate, minPrincipal, maxPrincipal *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.initialized {
		return ErrAlreadyInitialized
	}
	if collateralToken.IsZero() || debtToken.IsZero() {
		return ErrZeroTokenAddress
	}
	if err := validateBounds(minPrincipal, maxPrincipal); err != nil {
		return err
	}
	if baseRate == nil {
		baseRate = uint256.NewInt(0)
	}

	l.owner = owner
	l.collateralToken = collateralToken
	l.debtToken = debtToken
	l.params = Params{
		BaseRate:     new(uint256.Int).Set(baseRate),
		MinPrincipal: new(uint256.Int).Set(minPrincipal),
		MaxPrincipal: new(uint256.Int).Set(maxPrincipal),
	}
	l.initialized = true

	if err := l.persistMeta(); err != nil {
		l.initialized = false
		return fmt.Errorf("lending: persist metadata: %w", err)
	}
	return nil
}

func validateBounds(minPrincipal, maxPrincipal *uint256.Int) error {
	if minPrincipal == nil || maxPrincipal == nil {
		return ErrInvalidPrincipalBounds
	}
	if minPrincipal.IsZero() || maxPrincipal.IsZero() {
		return ErrInvalidPrincipalBounds
	}
	if maxPrincipal.Cmp(minPrincipal) < 0 {
		return ErrInvalidPrincipalBounds
	}
	return nil
}

// Initialized reports whether the ledger configuration has been seeded.
func (l *Ledger) Initialized() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.initialized
}

// Owner returns the configured contract owner.
func (l *Ledger) Owner() crypto.Address {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.owner
}

// Tokens returns the collateral and debt token contract addresses.
func (l *Ledger) Tokens() (crypto.Address, crypto.Address) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.collateralToken, l.debtToken
}

// Params returns a copy of the current lending parameters.
func (l *Ledger) Params() Params {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.params.Clone()
}

// LoanCount returns the total number of loans ever created.
func (l *Ledger) LoanCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.loans)
}

// Aggregates returns copies of the running totals over active loans.
func (l *Ledger) Aggregates() (*uint256.Int, *uint256.Int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(uint256.Int).Set(l.totalCollateral), new(uint256.Int).Set(l.totalPrincipal)
}

// CheckOpen validates a prospective loan against the current snapshot:
// principal bounds, non-zero collateral, the 150% collateralization floor,
// and the global loan cap. The same caps are enforced again at commit since
// external transfers suspend the operation in between.
func (l *Ledger) CheckOpen(collateral, principal *uint256.Int) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.initialized {
		return ErrNotInitialized
	}
	if principal == nil || principal.Cmp(l.params.MinPrincipal) < 0 || principal.Cmp(l.params.MaxPrincipal) > 0 {
		return ErrPrincipalOutOfBounds
	}
	if collateral == nil || collateral.IsZero() {
		return ErrZeroCollateral
	}
	if collateralRatio(collateral, principal).Cmp(minCollateralRatio) < 0 {
		return ErrInsufficientCollateral
	}
	if len(l.loans) >= maxLoans {
		return ErrLoanLimitReached
	}
	return nil
}

// CreateLoan commits a new active loan: it re-validates the caps, assigns
// the next id, appends to the borrower's index, and bumps the aggregates
// with overflow checks. The stored record and metadata are persisted before
// the in-memory state mutates so a write failure leaves no partial commit.
func (l *Ledger) CreateLoan(borrower crypto.Address, collateral, principal *uint256.Int, now uint64) (*Loan, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.initialized {
		return nil, ErrNotInitialized
	}
	if len(l.loans) >= maxLoans {
		return nil, ErrLoanLimitReached
	}
	userKey := string(borrower.Bytes())
	if len(l.userLoans[userKey]) >= maxUserLoans {
		return nil, ErrUserLoanLimitReached
	}
	if l.nextLoanID == math.MaxUint64 {
		return nil, ErrLoanIDOverflow
	}

	newCollateral, overflow := new(uint256.Int).AddOverflow(l.totalCollateral, collateral)
	if overflow {
		return nil, ErrAmountOverflow
	}
	newPrincipal, overflow := new(uint256.Int).AddOverflow(l.totalPrincipal, principal)
	if overflow {
		return nil, ErrAmountOverflow
	}

	loan := &Loan{
		ID:           l.nextLoanID,
		Borrower:     borrower,
		Collateral:   new(uint256.Int).Set(collateral),
		Principal:    new(uint256.Int).Set(principal),
		InterestRate: new(uint256.Int).Set(l.params.BaseRate),
		StartTime:    now,
		Status:       StatusActive,
	}

	encodedLoan, err := encodeLoan(loan)
	if err != nil {
		return nil, err
	}
	encodedMeta, err := l.encodeMeta(loan.ID+1, newCollateral, newPrincipal)
	if err != nil {
		return nil, err
	}
	if err := l.db.Put(loanKey(loan.ID), encodedLoan); err != nil {
		return nil, fmt.Errorf("lending: persist loan: %w", err)
	}
	if err := l.db.Put(keyMeta, encodedMeta); err != nil {
		_ = l.db.Delete(loanKey(loan.ID))
		return nil, fmt.Errorf("lending: persist metadata: %w", err)
	}

	l.loans[loan.ID] = loan
	l.userLoans[userKey] = append(l.userLoans[userKey], loan.ID)
	l.nextLoanID = loan.ID + 1
	l.totalCollateral = newCollateral
	l.totalPrincipal = newPrincipal

	return loan.Clone(), nil
}

// BeginRepay atomically checks that the loan exists, belongs to the actor,
// is active, and has no operation in flight, then marks it in flight and
// returns an owned copy for the caller to work against across its external
// transfers.
func (l *Ledger) BeginRepay(id uint64, actor crypto.Address) (*Loan, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	loan, err := l.activeLoanLocked(id)
	if err != nil {
		return nil, err
	}
	if !loan.Borrower.Equal(actor) {
		return nil, ErrNotLoanOwner
	}
	if _, busy := l.inFlight[id]; busy {
		return nil, ErrLoanBusy
	}
	l.inFlight[id] = struct{}{}
	return loan.Clone(), nil
}

// BeginLiquidation atomically checks that the loan is active, not in flight,
// and under-collateralized, then marks it in flight. A healthy loan fails
// with ErrLoanSafe and leaves no marker behind.
func (l *Ledger) BeginLiquidation(id uint64) (*Loan, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	loan, err := l.activeLoanLocked(id)
	if err != nil {
		return nil, err
	}
	if _, busy := l.inFlight[id]; busy {
		return nil, ErrLoanBusy
	}
	if liquidationRatio(loan.Collateral, loan.Principal).Cmp(minCollateralRatio) >= 0 {
		return nil, ErrLoanSafe
	}
	l.inFlight[id] = struct{}{}
	return loan.Clone(), nil
}

func (l *Ledger) activeLoanLocked(id uint64) (*Loan, error) {
	if !l.initialized {
		return nil, ErrNotInitialized
	}
	loan, ok := l.loans[id]
	if !ok {
		return nil, ErrNoSuchLoan
	}
	if loan.Status != StatusActive {
		return nil, ErrLoanNotActive
	}
	return loan, nil
}

// Abort clears the in-flight marker after a failed external transfer. The
// loan itself is untouched; no partial mutation has happened yet.
func (l *Ledger) Abort(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.inFlight, id)
}

// Finalize commits the terminal transition for a loan previously marked in
// flight: aggregates are reduced, the status is set, and the marker cleared.
func (l *Ledger) Finalize(id uint64, status Status) (*Loan, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("lending: finalize requires a terminal status, got %s", status)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	loan, err := l.activeLoanLocked(id)
	if err != nil {
		return nil, err
	}
	if _, busy := l.inFlight[id]; !busy {
		return nil, ErrLoanBusy
	}

	newCollateral := satSub(l.totalCollateral, loan.Collateral)
	newPrincipal := satSub(l.totalPrincipal, loan.Principal)

	updated := loan.Clone()
	updated.Status = status
	encodedLoan, err := encodeLoan(updated)
	if err != nil {
		return nil, err
	}
	encodedMeta, err := l.encodeMeta(l.nextLoanID, newCollateral, newPrincipal)
	if err != nil {
		return nil, err
	}
	if err := l.db.Put(loanKey(id), encodedLoan); err != nil {
		return nil, fmt.Errorf("lending: persist loan: %w", err)
	}
	if err := l.db.Put(keyMeta, encodedMeta); err != nil {
		return nil, fmt.Errorf("lending: persist metadata: %w", err)
	}

	loan.Status = status
	l.totalCollateral = newCollateral
	l.totalPrincipal = newPrincipal
	delete(l.inFlight, id)

	return loan.Clone(), nil
}

// SetOwner transfers contract ownership.
func (l *Ledger) SetOwner(newOwner crypto.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.initialized {
		return ErrNotInitialized
	}
	previous := l.owner
	l.owner = newOwner
	if err := l.persistMeta(); err != nil {
		l.owner = previous
		return fmt.Errorf("lending: persist metadata: %w", err)
	}
	return nil
}

// SetParams replaces the tunable lending parameters. The bounds invariant
// (0 < min <= max) is enforced on updates as at construction. Existing loans
// keep the rate captured at creation.
func (l *Ledger) SetParams(baseRate, minPrincipal, maxPrincipal *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.initialized {
		return ErrNotInitialized
	}
	if err := validateBounds(minPrincipal, maxPrincipal); err != nil {
		return err
	}
	if baseRate == nil {
		baseRate = uint256.NewInt(0)
	}
	previous := l.params
	l.params = Params{
		BaseRate:     new(uint256.Int).Set(baseRate),
		MinPrincipal: new(uint256.Int).Set(minPrincipal),
		MaxPrincipal: new(uint256.Int).Set(maxPrincipal),
	}
	if err := l.persistMeta(); err != nil {
		l.params = previous
		return fmt.Errorf("lending: persist metadata: %w", err)
	}
	return nil
}

// GetLoan returns an owned copy of the loan, if present.
func (l *Ledger) GetLoan(id uint64) (*Loan, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	loan, ok := l.loans[id]
	if !ok {
		return nil, false
	}
	return loan.Clone(), true
}

// UserLoans returns the ids of loans the account originated, oldest first,
// capped at the per-account index limit.
func (l *Ledger) UserLoans(account crypto.Address) []uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := l.userLoans[string(account.Bytes())]
	if len(ids) > maxUserLoans {
		ids = ids[:maxUserLoans]
	}
	return append([]uint64(nil), ids...)
}

// Snapshot returns an owned copy of the full ledger state with collection
// caps applied. Loans are ordered by id and user entries by account bytes so
// the dump is deterministic.
func (l *Ledger) Snapshot() *Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	snapshot := &Snapshot{
		Owner:           l.owner,
		CollateralToken: l.collateralToken,
		DebtToken:       l.debtToken,
		Params:          l.params.Clone(),
		TotalCollateral: new(uint256.Int).Set(l.totalCollateral),
		TotalPrincipal:  new(uint256.Int).Set(l.totalPrincipal),
	}

	ids := make([]uint64, 0, len(l.loans))
	for id := range l.loans {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > maxSnapshotLoans {
		ids = ids[:maxSnapshotLoans]
	}
	for _, id := range ids {
		snapshot.Loans = append(snapshot.Loans, l.loans[id].Clone())
	}

	accounts := make([]string, 0, len(l.userLoans))
	for account := range l.userLoans {
		accounts = append(accounts, account)
	}
	sort.Strings(accounts)
	if len(accounts) > maxSnapshotUsers {
		accounts = accounts[:maxSnapshotUsers]
	}
	for _, account := range accounts {
		addr, err := crypto.NewAddress(crypto.LendPrefix, []byte(account))
		if err != nil {
			continue
		}
		loanIDs := l.userLoans[account]
		if len(loanIDs) > maxUserLoans {
			loanIDs = loanIDs[:maxUserLoans]
		}
		snapshot.UserLoans = append(snapshot.UserLoans, UserLoanIndex{
			Account: addr,
			LoanIDs: append([]uint64(nil), loanIDs...),
		})
	}
	return snapshot
}
