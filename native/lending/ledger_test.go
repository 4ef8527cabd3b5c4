package lending

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"

	"lendchain/crypto"
	"lendchain/storage"
)

func makeAddress(fill byte) crypto.Address {
	raw := make([]byte, 20)
	for i := range raw {
		raw[i] = fill
	}
	return crypto.MustNewAddress(crypto.LendPrefix, raw)
}

func testParams() (*uint256.Int, *uint256.Int, *uint256.Int) {
	// 5% per year, principal between 10 and 1e24.
	return mustUint256("50000000000000000"), uint256.NewInt(10), mustUint256("1000000000000000000000000")
}

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	ledger, err := NewLedger(storage.NewMemDB())
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	baseRate, minPrincipal, maxPrincipal := testParams()
	if err := ledger.Initialize(makeAddress(0x01), makeAddress(0x02), makeAddress(0x03), baseRate, minPrincipal, maxPrincipal); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return ledger
}

func TestInitializeOnce(t *testing.T) {
	ledger, err := NewLedger(storage.NewMemDB())
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	if ledger.Initialized() {
		t.Fatalf("fresh ledger should be uninitialized")
	}
	if err := ledger.CheckOpen(uint256.NewInt(200), uint256.NewInt(100)); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}

	baseRate, minPrincipal, maxPrincipal := testParams()
	owner := makeAddress(0x01)
	if err := ledger.Initialize(owner, makeAddress(0x02), makeAddress(0x03), baseRate, minPrincipal, maxPrincipal); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := ledger.Initialize(owner, makeAddress(0x02), makeAddress(0x03), baseRate, minPrincipal, maxPrincipal); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}
}

func TestInitializeValidation(t *testing.T) {
	baseRate, minPrincipal, maxPrincipal := testParams()
	owner := makeAddress(0x01)

	ledger, _ := NewLedger(storage.NewMemDB())
	err := ledger.Initialize(owner, crypto.ZeroAddress(crypto.LendPrefix), makeAddress(0x03), baseRate, minPrincipal, maxPrincipal)
	if !errors.Is(err, ErrZeroTokenAddress) {
		t.Fatalf("expected ErrZeroTokenAddress, got %v", err)
	}

	ledger, _ = NewLedger(storage.NewMemDB())
	err = ledger.Initialize(owner, makeAddress(0x02), makeAddress(0x03), baseRate, uint256.NewInt(0), maxPrincipal)
	if !errors.Is(err, ErrInvalidPrincipalBounds) {
		t.Fatalf("expected ErrInvalidPrincipalBounds for zero min, got %v", err)
	}

	ledger, _ = NewLedger(storage.NewMemDB())
	err = ledger.Initialize(owner, makeAddress(0x02), makeAddress(0x03), baseRate, uint256.NewInt(100), uint256.NewInt(50))
	if !errors.Is(err, ErrInvalidPrincipalBounds) {
		t.Fatalf("expected ErrInvalidPrincipalBounds for inverted bounds, got %v", err)
	}
}

func TestCreateLoanAssignsMonotonicIDs(t *testing.T) {
	ledger := newTestLedger(t)
	borrower := makeAddress(0x11)

	for want := uint64(0); want < 3; want++ {
		loan, err := ledger.CreateLoan(borrower, uint256.NewInt(200), uint256.NewInt(100), 1_000)
		if err != nil {
			t.Fatalf("create loan %d: %v", want, err)
		}
		if loan.ID != want {
			t.Fatalf("unexpected loan id: got %d want %d", loan.ID, want)
		}
		if loan.Status != StatusActive {
			t.Fatalf("new loan should be active, got %s", loan.Status)
		}
	}

	ids := ledger.UserLoans(borrower)
	if len(ids) != 3 || ids[0] != 0 || ids[1] != 1 || ids[2] != 2 {
		t.Fatalf("unexpected user loan index: %v", ids)
	}

	totalCollateral, totalPrincipal := ledger.Aggregates()
	if totalCollateral.Cmp(uint256.NewInt(600)) != 0 || totalPrincipal.Cmp(uint256.NewInt(300)) != 0 {
		t.Fatalf("unexpected aggregates: collateral=%s principal=%s", totalCollateral.Dec(), totalPrincipal.Dec())
	}
}

func TestCheckOpenValidation(t *testing.T) {
	ledger := newTestLedger(t)

	if err := ledger.CheckOpen(uint256.NewInt(200), uint256.NewInt(5)); !errors.Is(err, ErrPrincipalOutOfBounds) {
		t.Fatalf("expected ErrPrincipalOutOfBounds for small principal, got %v", err)
	}
	huge := mustUint256("2000000000000000000000000")
	if err := ledger.CheckOpen(satMul(huge, uint256.NewInt(2)), huge); !errors.Is(err, ErrPrincipalOutOfBounds) {
		t.Fatalf("expected ErrPrincipalOutOfBounds for large principal, got %v", err)
	}
	if err := ledger.CheckOpen(uint256.NewInt(0), uint256.NewInt(100)); !errors.Is(err, ErrZeroCollateral) {
		t.Fatalf("expected ErrZeroCollateral, got %v", err)
	}
	if err := ledger.CheckOpen(uint256.NewInt(149), uint256.NewInt(100)); !errors.Is(err, ErrInsufficientCollateral) {
		t.Fatalf("expected ErrInsufficientCollateral, got %v", err)
	}
	if err := ledger.CheckOpen(uint256.NewInt(150), uint256.NewInt(100)); err != nil {
		t.Fatalf("150%% exactly should pass: %v", err)
	}
}

func TestUserLoanCapEnforcedAtCommit(t *testing.T) {
	ledger := newTestLedger(t)
	borrower := makeAddress(0x11)

	for i := 0; i < maxUserLoans; i++ {
		if _, err := ledger.CreateLoan(borrower, uint256.NewInt(200), uint256.NewInt(100), 1_000); err != nil {
			t.Fatalf("create loan %d: %v", i, err)
		}
	}
	if _, err := ledger.CreateLoan(borrower, uint256.NewInt(200), uint256.NewInt(100), 1_000); !errors.Is(err, ErrUserLoanLimitReached) {
		t.Fatalf("expected ErrUserLoanLimitReached, got %v", err)
	}
	// A different account is unaffected.
	if _, err := ledger.CreateLoan(makeAddress(0x12), uint256.NewInt(200), uint256.NewInt(100), 1_000); err != nil {
		t.Fatalf("other account should still open: %v", err)
	}
}

func TestGlobalLoanCap(t *testing.T) {
	ledger := newTestLedger(t)

	// Spread the loans over distinct accounts so the per-account index cap
	// never interferes with the global one.
	borrowerAt := func(i int) crypto.Address {
		raw := make([]byte, 20)
		raw[0] = byte(i >> 8)
		raw[1] = byte(i)
		raw[19] = 0xff
		return crypto.MustNewAddress(crypto.LendPrefix, raw)
	}

	for i := 0; i < maxLoans; i++ {
		if _, err := ledger.CreateLoan(borrowerAt(i), uint256.NewInt(200), uint256.NewInt(100), 1_000); err != nil {
			t.Fatalf("create loan %d: %v", i, err)
		}
	}
	if ledger.LoanCount() != maxLoans {
		t.Fatalf("unexpected loan count: %d", ledger.LoanCount())
	}

	if err := ledger.CheckOpen(uint256.NewInt(200), uint256.NewInt(100)); !errors.Is(err, ErrLoanLimitReached) {
		t.Fatalf("pre-check should reject at the cap, got %v", err)
	}
	if _, err := ledger.CreateLoan(borrowerAt(maxLoans), uint256.NewInt(200), uint256.NewInt(100), 1_000); !errors.Is(err, ErrLoanLimitReached) {
		t.Fatalf("commit should reject at the cap, got %v", err)
	}

	// Closing a loan does not free capacity; loans are never deleted.
	if _, err := ledger.BeginRepay(0, borrowerAt(0)); err != nil {
		t.Fatalf("begin repay: %v", err)
	}
	if _, err := ledger.Finalize(0, StatusClosed); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if err := ledger.CheckOpen(uint256.NewInt(200), uint256.NewInt(100)); !errors.Is(err, ErrLoanLimitReached) {
		t.Fatalf("closed loans still count toward the cap, got %v", err)
	}
}

func TestRepayLifecycle(t *testing.T) {
	ledger := newTestLedger(t)
	borrower := makeAddress(0x11)
	loan, err := ledger.CreateLoan(borrower, uint256.NewInt(200), uint256.NewInt(100), 1_000)
	if err != nil {
		t.Fatalf("create loan: %v", err)
	}

	if _, err := ledger.BeginRepay(loan.ID, makeAddress(0x12)); !errors.Is(err, ErrNotLoanOwner) {
		t.Fatalf("expected ErrNotLoanOwner, got %v", err)
	}
	if _, err := ledger.BeginRepay(99, borrower); !errors.Is(err, ErrNoSuchLoan) {
		t.Fatalf("expected ErrNoSuchLoan, got %v", err)
	}

	pending, err := ledger.BeginRepay(loan.ID, borrower)
	if err != nil {
		t.Fatalf("begin repay: %v", err)
	}
	if pending.Collateral.Cmp(uint256.NewInt(200)) != 0 {
		t.Fatalf("unexpected pending collateral: %s", pending.Collateral.Dec())
	}

	// A second operation on the same loan is rejected while one is in flight.
	if _, err := ledger.BeginRepay(loan.ID, borrower); !errors.Is(err, ErrLoanBusy) {
		t.Fatalf("expected ErrLoanBusy, got %v", err)
	}
	if _, err := ledger.BeginLiquidation(loan.ID); !errors.Is(err, ErrLoanBusy) {
		t.Fatalf("expected ErrLoanBusy for liquidation, got %v", err)
	}

	closed, err := ledger.Finalize(loan.ID, StatusClosed)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if closed.Status != StatusClosed {
		t.Fatalf("unexpected status: %s", closed.Status)
	}

	totalCollateral, totalPrincipal := ledger.Aggregates()
	if !totalCollateral.IsZero() || !totalPrincipal.IsZero() {
		t.Fatalf("aggregates should return to zero: collateral=%s principal=%s", totalCollateral.Dec(), totalPrincipal.Dec())
	}

	// Terminal status sticks.
	if _, err := ledger.BeginRepay(loan.ID, borrower); !errors.Is(err, ErrLoanNotActive) {
		t.Fatalf("expected ErrLoanNotActive, got %v", err)
	}
	if _, err := ledger.BeginLiquidation(loan.ID); !errors.Is(err, ErrLoanNotActive) {
		t.Fatalf("expected ErrLoanNotActive, got %v", err)
	}
}

func TestAbortClearsMarkerWithoutMutation(t *testing.T) {
	ledger := newTestLedger(t)
	borrower := makeAddress(0x11)
	loan, err := ledger.CreateLoan(borrower, uint256.NewInt(200), uint256.NewInt(100), 1_000)
	if err != nil {
		t.Fatalf("create loan: %v", err)
	}
	if _, err := ledger.BeginRepay(loan.ID, borrower); err != nil {
		t.Fatalf("begin repay: %v", err)
	}
	ledger.Abort(loan.ID)

	got, ok := ledger.GetLoan(loan.ID)
	if !ok || got.Status != StatusActive {
		t.Fatalf("aborted loan should stay active")
	}
	totalCollateral, totalPrincipal := ledger.Aggregates()
	if totalCollateral.Cmp(uint256.NewInt(200)) != 0 || totalPrincipal.Cmp(uint256.NewInt(100)) != 0 {
		t.Fatalf("aggregates should be untouched: collateral=%s principal=%s", totalCollateral.Dec(), totalPrincipal.Dec())
	}
	// The loan is workable again.
	if _, err := ledger.BeginRepay(loan.ID, borrower); err != nil {
		t.Fatalf("begin repay after abort: %v", err)
	}
}

func TestBeginLiquidationHealthCheck(t *testing.T) {
	ledger := newTestLedger(t)
	borrower := makeAddress(0x11)
	loan, err := ledger.CreateLoan(borrower, uint256.NewInt(200), uint256.NewInt(100), 1_000)
	if err != nil {
		t.Fatalf("create loan: %v", err)
	}
	if _, err := ledger.BeginLiquidation(loan.ID); !errors.Is(err, ErrLoanSafe) {
		t.Fatalf("expected ErrLoanSafe, got %v", err)
	}
	// ErrLoanSafe leaves no marker behind.
	if _, err := ledger.BeginRepay(loan.ID, borrower); err != nil {
		t.Fatalf("loan should not be busy after safe check: %v", err)
	}
}

func TestSetParamsValidation(t *testing.T) {
	ledger := newTestLedger(t)
	if err := ledger.SetParams(uint256.NewInt(0), uint256.NewInt(0), uint256.NewInt(10)); !errors.Is(err, ErrInvalidPrincipalBounds) {
		t.Fatalf("expected ErrInvalidPrincipalBounds, got %v", err)
	}
	newRate := mustUint256("80000000000000000")
	if err := ledger.SetParams(newRate, uint256.NewInt(20), uint256.NewInt(2_000)); err != nil {
		t.Fatalf("set params: %v", err)
	}
	params := ledger.Params()
	if params.BaseRate.Cmp(newRate) != 0 || params.MinPrincipal.Cmp(uint256.NewInt(20)) != 0 {
		t.Fatalf("params not applied: rate=%s min=%s", params.BaseRate.Dec(), params.MinPrincipal.Dec())
	}
}

func TestExistingLoanKeepsRateAfterParamsUpdate(t *testing.T) {
	ledger := newTestLedger(t)
	borrower := makeAddress(0x11)
	originalRate, _, _ := testParams()
	loan, err := ledger.CreateLoan(borrower, uint256.NewInt(200), uint256.NewInt(100), 1_000)
	if err != nil {
		t.Fatalf("create loan: %v", err)
	}
	if err := ledger.SetParams(mustUint256("900000000000000000"), uint256.NewInt(10), uint256.NewInt(2_000)); err != nil {
		t.Fatalf("set params: %v", err)
	}
	got, _ := ledger.GetLoan(loan.ID)
	if got.InterestRate.Cmp(originalRate) != 0 {
		t.Fatalf("existing loan rate changed: %s", got.InterestRate.Dec())
	}
}

func TestLedgerReloadFromDatabase(t *testing.T) {
	db := storage.NewMemDB()
	ledger, err := NewLedger(db)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	baseRate, minPrincipal, maxPrincipal := testParams()
	owner := makeAddress(0x01)
	if err := ledger.Initialize(owner, makeAddress(0x02), makeAddress(0x03), baseRate, minPrincipal, maxPrincipal); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	borrower := makeAddress(0x11)
	if _, err := ledger.CreateLoan(borrower, uint256.NewInt(300), uint256.NewInt(150), 5_000); err != nil {
		t.Fatalf("create loan: %v", err)
	}
	if _, err := ledger.BeginRepay(0, borrower); err != nil {
		t.Fatalf("begin repay: %v", err)
	}
	if _, err := ledger.Finalize(0, StatusClosed); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if _, err := ledger.CreateLoan(borrower, uint256.NewInt(450), uint256.NewInt(300), 6_000); err != nil {
		t.Fatalf("create second loan: %v", err)
	}

	reloaded, err := NewLedger(db)
	if err != nil {
		t.Fatalf("reload ledger: %v", err)
	}
	if !reloaded.Initialized() {
		t.Fatalf("reloaded ledger should be initialized")
	}
	if !reloaded.Owner().Equal(owner) {
		t.Fatalf("owner lost on reload")
	}
	if reloaded.LoanCount() != 2 {
		t.Fatalf("unexpected loan count: %d", reloaded.LoanCount())
	}
	first, ok := reloaded.GetLoan(0)
	if !ok || first.Status != StatusClosed {
		t.Fatalf("closed loan lost on reload")
	}
	second, ok := reloaded.GetLoan(1)
	if !ok || second.Status != StatusActive || second.Collateral.Cmp(uint256.NewInt(450)) != 0 {
		t.Fatalf("active loan corrupted on reload")
	}
	totalCollateral, totalPrincipal := reloaded.Aggregates()
	if totalCollateral.Cmp(uint256.NewInt(450)) != 0 || totalPrincipal.Cmp(uint256.NewInt(300)) != 0 {
		t.Fatalf("aggregates lost on reload: collateral=%s principal=%s", totalCollateral.Dec(), totalPrincipal.Dec())
	}
	ids := reloaded.UserLoans(borrower)
	if len(ids) != 2 || ids[0] != 0 || ids[1] != 1 {
		t.Fatalf("user index lost on reload: %v", ids)
	}
}

func TestSnapshotIsOwnedCopy(t *testing.T) {
	ledger := newTestLedger(t)
	borrower := makeAddress(0x11)
	if _, err := ledger.CreateLoan(borrower, uint256.NewInt(200), uint256.NewInt(100), 1_000); err != nil {
		t.Fatalf("create loan: %v", err)
	}

	snapshot := ledger.Snapshot()
	if len(snapshot.Loans) != 1 || len(snapshot.UserLoans) != 1 {
		t.Fatalf("unexpected snapshot shape: %d loans, %d users", len(snapshot.Loans), len(snapshot.UserLoans))
	}
	if !snapshot.UserLoans[0].Account.Equal(borrower) {
		t.Fatalf("unexpected snapshot account")
	}

	// Mutating the snapshot must not leak into the ledger.
	snapshot.Loans[0].Collateral.SetUint64(1)
	snapshot.Params.MinPrincipal.SetUint64(1)
	got, _ := ledger.GetLoan(0)
	if got.Collateral.Cmp(uint256.NewInt(200)) != 0 {
		t.Fatalf("snapshot mutation leaked into ledger")
	}
	if ledger.Params().MinPrincipal.Cmp(uint256.NewInt(10)) != 0 {
		t.Fatalf("snapshot params mutation leaked into ledger")
	}
}
