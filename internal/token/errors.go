package token

import "errors"

var (
	ErrInvalidAccountData = errors.New("token: invalid account data")
	ErrAccountNotFound    = errors.New("token: account not referenced by instruction")
	ErrNotTokenAccount    = errors.New("token: account not owned by token program")
	ErrUninitialized      = errors.New("token: account is not initialized")
	ErrAccountFrozen      = errors.New("token: account is frozen")
	ErrMintMismatch       = errors.New("token: account and mint do not match")
	ErrOwnerMismatch      = errors.New("token: authority does not match owner")
	ErrInsufficientFunds  = errors.New("token: insufficient funds")
	ErrOverflow           = errors.New("token: operation overflowed")
	ErrFixedSupply        = errors.New("token: mint has no authority")
	ErrReadonly           = errors.New("token: account is not writable")
	ErrInvalidInstruction = errors.New("token: invalid instruction")
)
