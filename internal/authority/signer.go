package authority

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Signer authorizes token movements on behalf of a single key.
type Signer interface {
	Key() solana.PublicKey
	Authorizes(key solana.PublicKey) bool
}

// Capability is a Signer that lives for one operation. The runtime hands them
// out and revokes every one of them when the operation returns, so a leaked
// capability is inert.
type Capability struct {
	key     solana.PublicKey
	derived bool
	revoked bool
}

// Direct wraps a key whose transaction signature was already verified.
func Direct(key solana.PublicKey) *Capability {
	return &Capability{key: key}
}

// Sign produces the capability for a derived identity. It only succeeds when
// the caller replays the exact seed label and bump for programID.
func Sign(programID solana.PublicKey, seedLabel string, bump uint8) (*Capability, error) {
	if err := validateLabel(seedLabel); err != nil {
		return nil, err
	}
	key, err := solana.CreateProgramAddress(seedsWithBump(seedLabel, bump), programID)
	if err != nil {
		return nil, fmt.Errorf("%w: %q bump %d: %v", ErrInvalidSeeds, seedLabel, bump, err)
	}
	return &Capability{key: key, derived: true}, nil
}

func (c *Capability) Key() solana.PublicKey {
	return c.key
}

func (c *Capability) Derived() bool {
	return c.derived
}

func (c *Capability) Revoked() bool {
	return c.revoked
}

func (c *Capability) Authorizes(key solana.PublicKey) bool {
	if c == nil || c.revoked {
		return false
	}
	return c.key.Equals(key)
}

func (c *Capability) Revoke() {
	c.revoked = true
}
