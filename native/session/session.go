package session

import (
	"fmt"

	"lendchain/crypto"
)

// Action enumerates the operations a delegated session may be scoped to.
type Action uint8

const (
	ActionOpenLoan Action = iota
	ActionRepayLoan
	ActionLiquidateLoan
	ActionUpdateParams
)

var actionNames = map[Action]string{
	ActionOpenLoan:      "open_loan",
	ActionRepayLoan:     "repay_loan",
	ActionLiquidateLoan: "liquidate_loan",
	ActionUpdateParams:  "update_params",
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("action(%d)", uint8(a))
}

// ParseAction converts the wire representation back into the closed
// enumeration. Unknown names are rejected rather than mapped to a default.
func ParseAction(name string) (Action, error) {
	for action, candidate := range actionNames {
		if candidate == name {
			return action, nil
		}
	}
	return 0, fmt.Errorf("session: unknown action %q", name)
}

// Session is a time-boxed, action-scoped grant allowing a different signing
// key to act on behalf of an account. The lending engine consumes these
// records read-only.
type Session struct {
	// Account is the delegator on whose behalf the key may act.
	Account crypto.Address
	// Key is the signing key registered for the session.
	Key crypto.Address
	// Expiry is the unix timestamp (seconds) at which the grant lapses.
	Expiry uint64
	// AllowedActions is the closed set of operations the grant covers.
	AllowedActions []Action
}

// Allows reports whether the session grant covers the requested action.
func (s *Session) Allows(action Action) bool {
	if s == nil {
		return false
	}
	for _, allowed := range s.AllowedActions {
		if allowed == action {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the session record.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	clone := &Session{
		Account: s.Account,
		Key:     s.Key,
		Expiry:  s.Expiry,
	}
	if len(s.AllowedActions) > 0 {
		clone.AllowedActions = append([]Action(nil), s.AllowedActions...)
	}
	return clone
}
