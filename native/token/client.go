package token

import (
	"context"
	"errors"

	"github.com/holiman/uint256"

	"lendchain/crypto"
)

var (
	// ErrRejected is returned when the token contract answered the request
	// with a failure.
	ErrRejected = errors.New("token: transfer rejected")
	// ErrNoReply is returned when no reply arrived within the call budget.
	// An absent reply is a failure, never left pending.
	ErrNoReply = errors.New("token: no reply from token contract")
)

// Client dispatches transfer-style requests to an external asset contract and
// blocks until the reply arrives. Exactly one reply is expected per request;
// any rejection or absence of a reply aborts the enclosing operation.
type Client interface {
	// TransferFrom moves amount from one holder to another using the
	// contract's delegated-transfer semantics.
	TransferFrom(ctx context.Context, from, to crypto.Address, amount *uint256.Int) error
	// Transfer moves amount from the ledger's own balance to the recipient.
	Transfer(ctx context.Context, to crypto.Address, amount *uint256.Int) error
	// Burn destroys amount held by the given account.
	Burn(ctx context.Context, from crypto.Address, amount *uint256.Int) error
}
