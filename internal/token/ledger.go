package token

import (
	"context"
	"fmt"
	"math/bits"

	"github.com/coldbell/vault/backend/internal/authority"
	"github.com/coldbell/vault/backend/internal/runtime"
	"github.com/gagliardetto/solana-go"
)

// Ledger applies token operations to the working accounts of a runtime
// context. Nothing it writes is visible outside the context until the
// executor commits.
type Ledger struct {
	programID solana.PublicKey
	rc        *runtime.Context
}

var _ Service = (*Ledger)(nil)

func (l *Ledger) Transfer(_ context.Context, from, to solana.PublicKey, auth authority.Signer, amount uint64) error {
	source, sourceInfo, err := l.loadAccount(from)
	if err != nil {
		return fmt.Errorf("transfer source: %w", err)
	}
	dest, destInfo, err := l.loadAccount(to)
	if err != nil {
		return fmt.Errorf("transfer destination: %w", err)
	}
	if !source.Mint.Equals(dest.Mint) {
		return fmt.Errorf("%w: %s -> %s", ErrMintMismatch, source.Mint, dest.Mint)
	}
	if !authorizes(auth, source.Owner) {
		return fmt.Errorf("%w: transfer out of %s", ErrOwnerMismatch, from)
	}
	if source.Amount < amount {
		return fmt.Errorf("%w: %s holds %d, need %d", ErrInsufficientFunds, from, source.Amount, amount)
	}
	if from.Equals(to) {
		return nil
	}
	credited, carry := bits.Add64(dest.Amount, amount, 0)
	if carry != 0 {
		return fmt.Errorf("%w: crediting %s", ErrOverflow, to)
	}

	source.Amount -= amount
	dest.Amount = credited
	if err := storeAccount(sourceInfo, source); err != nil {
		return err
	}
	return storeAccount(destInfo, dest)
}

func (l *Ledger) MintTo(_ context.Context, mintKey, to solana.PublicKey, auth authority.Signer, amount uint64) error {
	mint, mintInfo, err := l.loadMint(mintKey)
	if err != nil {
		return fmt.Errorf("mint: %w", err)
	}
	dest, destInfo, err := l.loadAccount(to)
	if err != nil {
		return fmt.Errorf("mint destination: %w", err)
	}
	if !dest.Mint.Equals(mintKey) {
		return fmt.Errorf("%w: %s is a %s account", ErrMintMismatch, to, dest.Mint)
	}
	if mint.MintAuthority == nil {
		return fmt.Errorf("%w: %s", ErrFixedSupply, mintKey)
	}
	if !authorizes(auth, *mint.MintAuthority) {
		return fmt.Errorf("%w: mint authority of %s", ErrOwnerMismatch, mintKey)
	}
	supply, carry := bits.Add64(mint.Supply, amount, 0)
	if carry != 0 {
		return fmt.Errorf("%w: supply of %s", ErrOverflow, mintKey)
	}
	balance, carry := bits.Add64(dest.Amount, amount, 0)
	if carry != 0 {
		return fmt.Errorf("%w: crediting %s", ErrOverflow, to)
	}

	mint.Supply = supply
	dest.Amount = balance
	if err := storeMint(mintInfo, mint); err != nil {
		return err
	}
	return storeAccount(destInfo, dest)
}

func (l *Ledger) Burn(_ context.Context, from, mintKey solana.PublicKey, owner authority.Signer, amount uint64) error {
	source, sourceInfo, err := l.loadAccount(from)
	if err != nil {
		return fmt.Errorf("burn source: %w", err)
	}
	mint, mintInfo, err := l.loadMint(mintKey)
	if err != nil {
		return fmt.Errorf("burn mint: %w", err)
	}
	if !source.Mint.Equals(mintKey) {
		return fmt.Errorf("%w: %s is a %s account", ErrMintMismatch, from, source.Mint)
	}
	if !authorizes(owner, source.Owner) {
		return fmt.Errorf("%w: burn from %s", ErrOwnerMismatch, from)
	}
	if source.Amount < amount {
		return fmt.Errorf("%w: %s holds %d, need %d", ErrInsufficientFunds, from, source.Amount, amount)
	}
	if mint.Supply < amount {
		return fmt.Errorf("%w: supply of %s below burn amount", ErrOverflow, mintKey)
	}

	source.Amount -= amount
	mint.Supply -= amount
	if err := storeAccount(sourceInfo, source); err != nil {
		return err
	}
	return storeMint(mintInfo, mint)
}

func (l *Ledger) lookup(key solana.PublicKey) (*runtime.AccountInfo, error) {
	info, ok := l.rc.Lookup(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, key)
	}
	if !info.Owner.Equals(l.programID) {
		return nil, fmt.Errorf("%w: %s owned by %s", ErrNotTokenAccount, key, info.Owner)
	}
	if !info.IsWritable {
		return nil, fmt.Errorf("%w: %s", ErrReadonly, key)
	}
	return info, nil
}

func (l *Ledger) loadAccount(key solana.PublicKey) (*Account, *runtime.AccountInfo, error) {
	info, err := l.lookup(key)
	if err != nil {
		return nil, nil, err
	}
	account, err := DecodeAccount(info.Data)
	if err != nil {
		return nil, nil, err
	}
	switch account.State {
	case StateInitialized:
	case StateFrozen:
		return nil, nil, fmt.Errorf("%w: %s", ErrAccountFrozen, key)
	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrUninitialized, key)
	}
	return account, info, nil
}

func (l *Ledger) loadMint(key solana.PublicKey) (*Mint, *runtime.AccountInfo, error) {
	info, err := l.lookup(key)
	if err != nil {
		return nil, nil, err
	}
	mint, err := DecodeMint(info.Data)
	if err != nil {
		return nil, nil, err
	}
	if !mint.IsInitialized {
		return nil, nil, fmt.Errorf("%w: mint %s", ErrUninitialized, key)
	}
	return mint, info, nil
}

func authorizes(auth authority.Signer, key solana.PublicKey) bool {
	return auth != nil && auth.Authorizes(key)
}

func storeAccount(info *runtime.AccountInfo, account *Account) error {
	data, err := EncodeAccount(account)
	if err != nil {
		return err
	}
	copy(info.Data, data)
	return nil
}

func storeMint(info *runtime.AccountInfo, mint *Mint) error {
	data, err := EncodeMint(mint)
	if err != nil {
		return err
	}
	copy(info.Data, data)
	return nil
}
