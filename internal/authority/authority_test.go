package authority

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testProgramID = solana.MustPublicKeyFromBase58("GpMobZUKPtEE1eiZQAADo2ecD54JXhNHPNts5kPGwLtb")

func TestDeriveIsDeterministic(t *testing.T) {
	first, err := Derive(testProgramID, DefaultSeed)
	require.NoError(t, err)
	second, err := Derive(testProgramID, DefaultSeed)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, DefaultSeed, first.Seed)
	assert.False(t, first.Key.IsOnCurve())
}

func TestDeriveMatchesFindProgramAddress(t *testing.T) {
	id, err := Derive(testProgramID, DefaultSeed)
	require.NoError(t, err)

	key, bump, err := solana.FindProgramAddress([][]byte{[]byte(DefaultSeed)}, testProgramID)
	require.NoError(t, err)
	assert.Equal(t, key, id.Key)
	assert.Equal(t, bump, id.Bump)
}

func TestDeriveDependsOnProgramAndSeed(t *testing.T) {
	other := solana.MustPublicKeyFromBase58("BsA8fuyw8XqBMiUfpLbdiBwbKg8MZMHB1jdZzjs7c46q")

	base := MustDerive(testProgramID, DefaultSeed)
	otherProgram := MustDerive(other, DefaultSeed)
	otherSeed := MustDerive(testProgramID, "treasury")

	assert.NotEqual(t, base.Key, otherProgram.Key)
	assert.NotEqual(t, base.Key, otherSeed.Key)
}

func TestDeriveRejectsBadLabels(t *testing.T) {
	_, err := Derive(testProgramID, "")
	assert.ErrorIs(t, err, ErrEmptySeed)

	_, err = Derive(testProgramID, "this-seed-label-is-definitely-longer-than-32")
	assert.ErrorIs(t, err, ErrSeedTooLong)
}

func TestVerify(t *testing.T) {
	id := MustDerive(testProgramID, DefaultSeed)

	assert.True(t, Verify(testProgramID, DefaultSeed, id.Bump, id.Key))
	assert.False(t, Verify(testProgramID, "other", id.Bump, id.Key))
	assert.False(t, Verify(solana.SystemProgramID, DefaultSeed, id.Bump, id.Key))
}

func TestSignReplaysSeeds(t *testing.T) {
	id := MustDerive(testProgramID, DefaultSeed)

	capability, err := Sign(testProgramID, DefaultSeed, id.Bump)
	require.NoError(t, err)
	assert.True(t, capability.Derived())
	assert.Equal(t, id.Key, capability.Key())
	assert.True(t, capability.Authorizes(id.Key))
	assert.False(t, capability.Authorizes(testProgramID))
}

func TestRevokedCapabilityAuthorizesNothing(t *testing.T) {
	owner := solana.NewWallet().PublicKey()
	capability := Direct(owner)
	require.True(t, capability.Authorizes(owner))

	capability.Revoke()
	assert.True(t, capability.Revoked())
	assert.False(t, capability.Authorizes(owner))

	var missing *Capability
	assert.False(t, missing.Authorizes(owner))
}
