package authority

import (
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// DefaultSeed is the label the vault program signs mints and collateral
// releases with.
const DefaultSeed = "vault"

const maxSeedLength = 32

var (
	ErrEmptySeed    = errors.New("authority seed label is empty")
	ErrSeedTooLong  = errors.New("authority seed label exceeds 32 bytes")
	ErrInvalidSeeds = errors.New("seeds do not produce a program address")
)

// Identity is a program derived address together with the bump that moved it
// off the ed25519 curve.
type Identity struct {
	Key  solana.PublicKey
	Bump uint8
	Seed string
}

func (id Identity) Seeds() [][]byte {
	return seedsWithBump(id.Seed, id.Bump)
}

// Derive walks bump values from 255 down and returns the first candidate that
// has no private key. Anyone holding the program ID can recompute it.
func Derive(programID solana.PublicKey, seedLabel string) (Identity, error) {
	if err := validateLabel(seedLabel); err != nil {
		return Identity{}, err
	}
	key, bump, err := solana.FindProgramAddress([][]byte{[]byte(seedLabel)}, programID)
	if err != nil {
		return Identity{}, fmt.Errorf("derive %q authority for %s: %w", seedLabel, programID, err)
	}
	return Identity{Key: key, Bump: bump, Seed: seedLabel}, nil
}

func MustDerive(programID solana.PublicKey, seedLabel string) Identity {
	id, err := Derive(programID, seedLabel)
	if err != nil {
		panic(err)
	}
	return id
}

// Verify replays the full seed sequence, bump included, and reports whether it
// lands on identity.
func Verify(programID solana.PublicKey, seedLabel string, bump uint8, identity solana.PublicKey) bool {
	if validateLabel(seedLabel) != nil {
		return false
	}
	key, err := solana.CreateProgramAddress(seedsWithBump(seedLabel, bump), programID)
	if err != nil {
		return false
	}
	return key.Equals(identity)
}

func validateLabel(seedLabel string) error {
	if seedLabel == "" {
		return ErrEmptySeed
	}
	if len(seedLabel) > maxSeedLength {
		return ErrSeedTooLong
	}
	return nil
}

func seedsWithBump(seedLabel string, bump uint8) [][]byte {
	return [][]byte{[]byte(seedLabel), {bump}}
}
