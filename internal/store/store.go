package store

import (
	"bytes"
	"context"
	"errors"

	"github.com/gagliardetto/solana-go"
)

var ErrClosed = errors.New("store closed")

// Account is the persisted unit of state. Owner is the ownership tag: the
// program allowed to mutate Data. Fresh accounts are owned by the system
// program (the zero key).
type Account struct {
	Key      solana.PublicKey
	Owner    solana.PublicKey
	Lamports uint64
	Data     []byte
}

func NewAccount(key solana.PublicKey) *Account {
	return &Account{Key: key, Owner: solana.SystemProgramID}
}

func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	out := *a
	if a.Data != nil {
		out.Data = append([]byte(nil), a.Data...)
	}
	return &out
}

func (a *Account) Equal(other *Account) bool {
	if a == nil || other == nil {
		return a == other
	}
	return a.Key.Equals(other.Key) &&
		a.Owner.Equals(other.Owner) &&
		a.Lamports == other.Lamports &&
		bytes.Equal(a.Data, other.Data)
}

// IsUnallocated reports whether nothing has been provisioned at the key yet.
func (a *Account) IsUnallocated() bool {
	return a.Owner.Equals(solana.SystemProgramID) && len(a.Data) == 0
}

// Store persists accounts. Commit must apply every account or none of them.
type Store interface {
	// Load returns the stored accounts for keys; keys with nothing stored are
	// absent from the result.
	Load(ctx context.Context, keys []solana.PublicKey) (map[solana.PublicKey]*Account, error)
	Commit(ctx context.Context, accounts []*Account) error
	Close() error
}
