package runtime

import (
	"fmt"
	"math/big"

	"github.com/coldbell/vault/backend/internal/authority"
	"github.com/coldbell/vault/backend/internal/store"
	"github.com/gagliardetto/solana-go"
)

// AccountInfo is one account as seen by the running program. Duplicate
// references to the same key share the same underlying Account.
type AccountInfo struct {
	Key        solana.PublicKey
	IsSigner   bool
	IsWritable bool
	*store.Account
}

type AccountIter struct {
	infos []*AccountInfo
	next  int
}

func (it *AccountIter) Next() (*AccountInfo, error) {
	if it.next >= len(it.infos) {
		return nil, fmt.Errorf("%w: wanted account #%d", ErrNotEnoughAccountKeys, it.next)
	}
	info := it.infos[it.next]
	it.next++
	return info, nil
}

func (it *AccountIter) Remaining() int {
	return len(it.infos) - it.next
}

// Context is the execution context of one instruction. Everything a program
// mutates through it is a working copy until the executor commits.
type Context struct {
	programID    solana.PublicKey
	infos        []*AccountInfo
	byKey        map[solana.PublicKey]*AccountInfo
	order        []solana.PublicKey
	original     map[solana.PublicKey]*store.Account
	working      map[solana.PublicKey]*store.Account
	signers      map[solana.PublicKey]struct{}
	rent         Rent
	capabilities []*authority.Capability
	events       []any
}

func newContext(
	programID solana.PublicKey,
	metas []*solana.AccountMeta,
	loaded map[solana.PublicKey]*store.Account,
	signers []solana.PublicKey,
	rent Rent,
) *Context {
	c := &Context{
		programID: programID,
		infos:     make([]*AccountInfo, 0, len(metas)),
		byKey:     make(map[solana.PublicKey]*AccountInfo, len(metas)),
		original:  make(map[solana.PublicKey]*store.Account, len(metas)),
		working:   make(map[solana.PublicKey]*store.Account, len(metas)),
		signers:   make(map[solana.PublicKey]struct{}, len(signers)),
		rent:      rent,
	}
	for _, signer := range signers {
		c.signers[signer] = struct{}{}
	}

	for _, meta := range metas {
		if meta == nil {
			continue
		}
		key := meta.PublicKey
		account, ok := c.working[key]
		if !ok {
			stored := loaded[key]
			c.original[key] = stored
			if stored == nil {
				account = store.NewAccount(key)
			} else {
				account = stored.Clone()
			}
			c.working[key] = account
			c.order = append(c.order, key)
		}

		_, signed := c.signers[key]
		info := &AccountInfo{
			Key:        key,
			IsSigner:   meta.IsSigner && signed,
			IsWritable: meta.IsWritable,
			Account:    account,
		}
		c.infos = append(c.infos, info)

		merged, ok := c.byKey[key]
		if !ok {
			merged = &AccountInfo{Key: key, Account: account}
			c.byKey[key] = merged
		}
		merged.IsSigner = merged.IsSigner || info.IsSigner
		merged.IsWritable = merged.IsWritable || info.IsWritable
	}
	return c
}

func (c *Context) ProgramID() solana.PublicKey {
	return c.programID
}

func (c *Context) Accounts() *AccountIter {
	return &AccountIter{infos: c.infos}
}

// Lookup returns the merged view of key across every reference in the
// instruction.
func (c *Context) Lookup(key solana.PublicKey) (*AccountInfo, bool) {
	info, ok := c.byKey[key]
	return info, ok
}

func (c *Context) Rent() Rent {
	return c.rent
}

// SignerFor returns a capability for a key that signed the transaction.
func (c *Context) SignerFor(key solana.PublicKey) (*authority.Capability, error) {
	info, ok := c.byKey[key]
	if !ok || !info.IsSigner {
		return nil, fmt.Errorf("%w: %s", ErrMissingSignature, key)
	}
	capability := authority.Direct(key)
	c.capabilities = append(c.capabilities, capability)
	return capability, nil
}

// SignDerived lets the running program sign as one of its derived addresses.
// The seeds are always checked against the running program's ID, never a
// caller supplied one.
func (c *Context) SignDerived(seedLabel string, bump uint8) (*authority.Capability, error) {
	capability, err := authority.Sign(c.programID, seedLabel, bump)
	if err != nil {
		return nil, err
	}
	c.capabilities = append(c.capabilities, capability)
	return capability, nil
}

// CreateAccount allocates space bytes at target, assigns it to owner and funds
// it to the rent exempt minimum out of payer.
func (c *Context) CreateAccount(payer, target *AccountInfo, space uint64, owner solana.PublicKey) error {
	if !payer.IsSigner {
		return fmt.Errorf("%w: payer %s", ErrMissingSignature, payer.Key)
	}
	if !target.IsSigner {
		return fmt.Errorf("%w: new account %s", ErrMissingSignature, target.Key)
	}
	if !payer.IsWritable || !target.IsWritable {
		return fmt.Errorf("%w: create account %s", ErrReadonlyAccount, target.Key)
	}
	if payer.Key.Equals(target.Key) {
		return fmt.Errorf("%w: payer cannot fund itself", ErrAccountInUse)
	}
	if !target.IsUnallocated() {
		return fmt.Errorf("%w: %s owned by %s", ErrAccountInUse, target.Key, target.Owner)
	}

	required, err := c.rent.MinimumBalance(space)
	if err != nil {
		return err
	}
	var topUp uint64
	if required > target.Lamports {
		topUp = required - target.Lamports
	}
	if payer.Lamports < topUp {
		return fmt.Errorf("%w: need %d lamports, payer has %d", ErrInsufficientLamports, topUp, payer.Lamports)
	}

	payer.Lamports -= topUp
	target.Lamports += topUp
	target.Data = make([]byte, space)
	target.Owner = owner
	return nil
}

// Emit records an event that is handed back to the caller only when the
// instruction commits.
func (c *Context) Emit(event any) {
	c.events = append(c.events, event)
}

func (c *Context) revoke() {
	for _, capability := range c.capabilities {
		capability.Revoke()
	}
	c.capabilities = nil
}

func (c *Context) changedAccounts() ([]*store.Account, error) {
	changed := make([]*store.Account, 0, len(c.order))
	before := new(big.Int)
	after := new(big.Int)
	for _, key := range c.order {
		original := c.original[key]
		if original == nil {
			original = store.NewAccount(key)
		}
		working := c.working[key]

		before.Add(before, new(big.Int).SetUint64(original.Lamports))
		after.Add(after, new(big.Int).SetUint64(working.Lamports))

		if working.Equal(original) {
			continue
		}
		if !c.byKey[key].IsWritable {
			return nil, fmt.Errorf("%w: %s", ErrReadonlyModified, key)
		}
		changed = append(changed, working.Clone())
	}
	if before.Cmp(after) != 0 {
		return nil, fmt.Errorf("%w: before=%s after=%s", ErrUnbalancedLamports, before, after)
	}
	return changed, nil
}
