package runtime

import "errors"

var (
	ErrEmptyTransaction     = errors.New("transaction has no instruction")
	ErrUnknownProgram       = errors.New("unknown program")
	ErrNotEnoughAccountKeys = errors.New("not enough account keys")
	ErrMissingSignature     = errors.New("missing required signature")
	ErrReadonlyAccount      = errors.New("account is not writable")
	ErrReadonlyModified     = errors.New("instruction modified a read-only account")
	ErrUnbalancedLamports   = errors.New("instruction changed the total lamport supply")
	ErrAccountInUse         = errors.New("account already in use")
	ErrInsufficientLamports = errors.New("insufficient lamports")
	ErrRentOverflow         = errors.New("rent computation overflow")
)
