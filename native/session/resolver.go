package session

import (
	"errors"

	"lendchain/crypto"
)

var (
	// ErrNoSession is returned when the delegator has no session on record.
	ErrNoSession = errors.New("session: no session for account")
	// ErrSessionExpired is returned when the grant's expiry has passed.
	ErrSessionExpired = errors.New("session: session expired")
	// ErrActionNotPermitted is returned when the grant does not cover the
	// requested action.
	ErrActionNotPermitted = errors.New("session: action not permitted")
	// ErrKeyMismatch is returned when the caller is not the registered
	// signing key for the session.
	ErrKeyMismatch = errors.New("session: caller not authorized for session")
)

// Lookup resolves the session record for a delegator account. Implementations
// must treat the store as read-only.
type Lookup interface {
	Session(account crypto.Address) (*Session, bool, error)
}

// ResolveActor maps a caller to the effective account authorized to perform
// the requested action. A nil delegated account means a direct call and the
// caller is its own effective account. Otherwise the delegator's session must
// exist, be unexpired, cover the action, and name the caller as its signing
// key.
func ResolveActor(lookup Lookup, caller crypto.Address, delegated *crypto.Address, action Action, now uint64) (crypto.Address, error) {
	if delegated == nil {
		return caller, nil
	}
	if lookup == nil {
		return crypto.Address{}, ErrNoSession
	}
	record, ok, err := lookup.Session(*delegated)
	if err != nil {
		return crypto.Address{}, err
	}
	if !ok || record == nil {
		return crypto.Address{}, ErrNoSession
	}
	if now >= record.Expiry {
		return crypto.Address{}, ErrSessionExpired
	}
	if !record.Allows(action) {
		return crypto.Address{}, ErrActionNotPermitted
	}
	if !record.Key.Equal(caller) {
		return crypto.Address{}, ErrKeyMismatch
	}
	return *delegated, nil
}
