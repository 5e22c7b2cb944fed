package lifecycle

import "errors"

const (
	ErrExecutionReverted = "execution reverted"

	ReasonUnknownChain     = "chain is not configured"
	ReasonMissingSigner    = "a signer is required"
	ReasonMissingProvider  = "a provider is required"
	ReasonSaltMismatch     = "salt differs from the salt already registered for this owner"
	ReasonPreparedNoCallID = "provider returned no prepared call id"
)

var (
	// ErrAccountNotRegistered is returned when the derived account already
	// exists on chain but was never registered here. It is not reconciled
	// automatically; pass the salt explicitly to adopt the account.
	ErrAccountNotRegistered = errors.New("smart account exists on chain but is not registered")

	ErrSignerMismatch = errors.New("signature does not recover to the account owner")
)
