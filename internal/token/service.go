package token

import (
	"context"

	"github.com/coldbell/vault/backend/internal/authority"
	"github.com/coldbell/vault/backend/internal/runtime"
	"github.com/gagliardetto/solana-go"
)

// Service moves token balances. Every call either applies in full or leaves
// the accounts untouched.
type Service interface {
	Transfer(ctx context.Context, from, to solana.PublicKey, auth authority.Signer, amount uint64) error
	MintTo(ctx context.Context, mint, to solana.PublicKey, auth authority.Signer, amount uint64) error
	Burn(ctx context.Context, from, mint solana.PublicKey, owner authority.Signer, amount uint64) error
}

// Binder hands out a Service scoped to the accounts of one running
// instruction.
type Binder interface {
	Bind(rc *runtime.Context) Service
}
