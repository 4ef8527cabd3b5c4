package rpc

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/holiman/uint256"

	"lendchain/crypto"
	"lendchain/native/lending"
	"lendchain/observability"
)

type loanResult struct {
	ID           uint64 `json:"id"`
	Borrower     string `json:"borrower"`
	Collateral   string `json:"collateral"`
	Principal    string `json:"principal"`
	InterestRate string `json:"interestRate"`
	StartTime    uint64 `json:"startTime"`
	Status       string `json:"status"`
}

func loanResultFrom(loan *lending.Loan) loanResult {
	return loanResult{
		ID:           loan.ID,
		Borrower:     loan.Borrower.String(),
		Collateral:   loan.Collateral.Dec(),
		Principal:    loan.Principal.Dec(),
		InterestRate: loan.InterestRate.Dec(),
		StartTime:    loan.StartTime,
		Status:       loan.Status.String(),
	}
}

type paramsResult struct {
	BaseRate     string `json:"baseRate"`
	MinPrincipal string `json:"minPrincipal"`
	MaxPrincipal string `json:"maxPrincipal"`
}

type userLoansResult struct {
	Account string   `json:"account"`
	LoanIDs []uint64 `json:"loanIds"`
}

type stateResult struct {
	Owner           string            `json:"owner"`
	CollateralToken string            `json:"collateralToken"`
	DebtToken       string            `json:"debtToken"`
	Params          paramsResult      `json:"params"`
	Loans           []loanResult      `json:"loans"`
	UserLoans       []userLoansResult `json:"userLoans"`
	TotalCollateral string            `json:"totalCollateral"`
	TotalPrincipal  string            `json:"totalPrincipal"`
}

func firstParam(req *RPCRequest, target any) error {
	if len(req.Params) == 0 {
		return fmt.Errorf("parameter object required")
	}
	return json.Unmarshal(req.Params[0], target)
}

func parseAddress(value, field string) (crypto.Address, error) {
	addr, err := crypto.DecodeAddress(value)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("invalid %s address: %w", field, err)
	}
	return addr, nil
}

func parseAmount(value, field string) (*uint256.Int, error) {
	if value == "" {
		return nil, fmt.Errorf("%s is required", field)
	}
	amount, err := uint256.FromDecimal(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", field, err)
	}
	return amount, nil
}

// parseDelegated resolves the optional delegation target. An empty string
// means a direct call.
func parseDelegated(value string) (*crypto.Address, error) {
	if value == "" {
		return nil, nil
	}
	addr, err := parseAddress(value, "onBehalfOf")
	if err != nil {
		return nil, err
	}
	return &addr, nil
}

func (s *Server) handleGetLoan(w http.ResponseWriter, req *RPCRequest) int {
	var params struct {
		LoanID *uint64 `json:"loanId"`
	}
	if err := firstParam(req, &params); err != nil || params.LoanID == nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "loanId required", nil)
		return codeInvalidParams
	}
	loan, ok := s.engine.GetLoan(*params.LoanID)
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, codeServerError, lending.ErrNoSuchLoan.Error(), nil)
		return codeServerError
	}
	writeResult(w, req.ID, loanResultFrom(loan))
	return 0
}

func (s *Server) handleGetUserLoans(w http.ResponseWriter, req *RPCRequest) int {
	var params struct {
		Account string `json:"account"`
	}
	if err := firstParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "parameter object required", err.Error())
		return codeInvalidParams
	}
	account, err := parseAddress(params.Account, "account")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return codeInvalidParams
	}
	ids := s.engine.UserLoans(account)
	if ids == nil {
		ids = []uint64{}
	}
	writeResult(w, req.ID, userLoansResult{Account: params.Account, LoanIDs: ids})
	return 0
}

func (s *Server) handleGetState(w http.ResponseWriter, req *RPCRequest) int {
	snapshot := s.engine.Snapshot()
	result := stateResult{
		Owner:           snapshot.Owner.String(),
		CollateralToken: snapshot.CollateralToken.String(),
		DebtToken:       snapshot.DebtToken.String(),
		Params: paramsResult{
			BaseRate:     snapshot.Params.BaseRate.Dec(),
			MinPrincipal: snapshot.Params.MinPrincipal.Dec(),
			MaxPrincipal: snapshot.Params.MaxPrincipal.Dec(),
		},
		Loans:           make([]loanResult, 0, len(snapshot.Loans)),
		UserLoans:       make([]userLoansResult, 0, len(snapshot.UserLoans)),
		TotalCollateral: snapshot.TotalCollateral.Dec(),
		TotalPrincipal:  snapshot.TotalPrincipal.Dec(),
	}
	for _, loan := range snapshot.Loans {
		result.Loans = append(result.Loans, loanResultFrom(loan))
	}
	for _, entry := range snapshot.UserLoans {
		result.UserLoans = append(result.UserLoans, userLoansResult{
			Account: entry.Account.String(),
			LoanIDs: entry.LoanIDs,
		})
	}
	writeResult(w, req.ID, result)
	return 0
}

func (s *Server) handleOpenLoan(w http.ResponseWriter, r *http.Request, req *RPCRequest) int {
	var params struct {
		Caller     string `json:"caller"`
		Collateral string `json:"collateral"`
		Principal  string `json:"principal"`
		OnBehalfOf string `json:"onBehalfOf,omitempty"`
	}
	if err := firstParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "parameter object required", err.Error())
		return codeInvalidParams
	}
	caller, err := parseAddress(params.Caller, "caller")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return codeInvalidParams
	}
	collateral, err := parseAmount(params.Collateral, "collateral")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return codeInvalidParams
	}
	principal, err := parseAmount(params.Principal, "principal")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return codeInvalidParams
	}
	delegated, err := parseDelegated(params.OnBehalfOf)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return codeInvalidParams
	}

	loan, err := s.engine.OpenLoan(r.Context(), caller, collateral, principal, delegated)
	observability.Loans().RecordOperation("open", err)
	if err != nil {
		s.log.Warn("open loan rejected", "caller", params.Caller, "error", err)
		return s.writeModuleError(w, req.ID, err)
	}
	s.log.Info("loan opened", "loanId", loan.ID, "borrower", loan.Borrower.String())
	writeResult(w, req.ID, loanResultFrom(loan))
	return 0
}

func (s *Server) handleRepay(w http.ResponseWriter, r *http.Request, req *RPCRequest) int {
	var params struct {
		Caller     string  `json:"caller"`
		LoanID     *uint64 `json:"loanId"`
		OnBehalfOf string  `json:"onBehalfOf,omitempty"`
	}
	if err := firstParam(req, &params); err != nil || params.LoanID == nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "caller and loanId required", nil)
		return codeInvalidParams
	}
	caller, err := parseAddress(params.Caller, "caller")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return codeInvalidParams
	}
	delegated, err := parseDelegated(params.OnBehalfOf)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return codeInvalidParams
	}

	paid, err := s.engine.Repay(r.Context(), caller, *params.LoanID, delegated)
	observability.Loans().RecordOperation("repay", err)
	if err != nil {
		s.log.Warn("repay rejected", "loanId", *params.LoanID, "error", err)
		return s.writeModuleError(w, req.ID, err)
	}
	s.log.Info("loan repaid", "loanId", *params.LoanID, "amount", paid.Dec())
	writeResult(w, req.ID, map[string]string{"amountPaid": paid.Dec()})
	return 0
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request, req *RPCRequest) int {
	var params struct {
		LoanID *uint64 `json:"loanId"`
	}
	if err := firstParam(req, &params); err != nil || params.LoanID == nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "loanId required", nil)
		return codeInvalidParams
	}

	loan, err := s.engine.Liquidate(r.Context(), *params.LoanID)
	observability.Loans().RecordOperation("liquidate", err)
	if err != nil {
		s.log.Warn("liquidation rejected", "loanId", *params.LoanID, "error", err)
		return s.writeModuleError(w, req.ID, err)
	}
	s.log.Info("loan liquidated", "loanId", loan.ID, "borrower", loan.Borrower.String())
	writeResult(w, req.ID, loanResultFrom(loan))
	return 0
}

func (s *Server) handleSetOwner(w http.ResponseWriter, _ *http.Request, req *RPCRequest) int {
	var params struct {
		Caller     string `json:"caller"`
		NewOwner   string `json:"newOwner"`
		OnBehalfOf string `json:"onBehalfOf,omitempty"`
	}
	if err := firstParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "parameter object required", err.Error())
		return codeInvalidParams
	}
	caller, err := parseAddress(params.Caller, "caller")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return codeInvalidParams
	}
	newOwner, err := parseAddress(params.NewOwner, "newOwner")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return codeInvalidParams
	}
	delegated, err := parseDelegated(params.OnBehalfOf)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return codeInvalidParams
	}

	if err := s.engine.SetOwner(caller, newOwner, delegated); err != nil {
		s.log.Warn("owner transfer rejected", "error", err)
		return s.writeModuleError(w, req.ID, err)
	}
	s.log.Info("owner transferred", "newOwner", params.NewOwner)
	writeResult(w, req.ID, map[string]bool{"ok": true})
	return 0
}

func (s *Server) handleUpdateParams(w http.ResponseWriter, _ *http.Request, req *RPCRequest) int {
	var params struct {
		Caller       string `json:"caller"`
		BaseRate     string `json:"baseRate"`
		MinPrincipal string `json:"minPrincipal"`
		MaxPrincipal string `json:"maxPrincipal"`
		OnBehalfOf   string `json:"onBehalfOf,omitempty"`
	}
	if err := firstParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "parameter object required", err.Error())
		return codeInvalidParams
	}
	caller, err := parseAddress(params.Caller, "caller")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return codeInvalidParams
	}
	baseRate, err := parseAmount(params.BaseRate, "baseRate")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return codeInvalidParams
	}
	minPrincipal, err := parseAmount(params.MinPrincipal, "minPrincipal")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return codeInvalidParams
	}
	maxPrincipal, err := parseAmount(params.MaxPrincipal, "maxPrincipal")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return codeInvalidParams
	}
	delegated, err := parseDelegated(params.OnBehalfOf)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return codeInvalidParams
	}

	if err := s.engine.UpdateParams(caller, baseRate, minPrincipal, maxPrincipal, delegated); err != nil {
		s.log.Warn("params update rejected", "error", err)
		return s.writeModuleError(w, req.ID, err)
	}
	s.log.Info("params updated", "baseRate", params.BaseRate)
	writeResult(w, req.ID, map[string]bool{"ok": true})
	return 0
}
