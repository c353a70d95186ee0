package token

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/coldbell/vault/backend/internal/authority"
	"github.com/coldbell/vault/backend/internal/runtime"
	"github.com/coldbell/vault/backend/internal/store"
	"github.com/gagliardetto/solana-go"
	spltoken "github.com/gagliardetto/solana-go/programs/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	mem      *store.Memory
	exec     *runtime.Executor
	mint     solana.PublicKey
	mintAuth solana.PublicKey
	alice    solana.PublicKey
	bob      solana.PublicKey
	aliceAta solana.PublicKey
	bobAta   solana.PublicKey
}

func newFixture(t *testing.T, programs ...runtime.Program) *fixture {
	t.Helper()
	f := &fixture{
		mint:     solana.NewWallet().PublicKey(),
		mintAuth: solana.NewWallet().PublicKey(),
		alice:    solana.NewWallet().PublicKey(),
		bob:      solana.NewWallet().PublicKey(),
		aliceAta: solana.NewWallet().PublicKey(),
		bobAta:   solana.NewWallet().PublicKey(),
	}
	mint, err := NewMintAccount(solana.TokenProgramID, f.mint, f.mintAuth, 6, 1_000, runtime.DefaultRent)
	require.NoError(t, err)
	aliceAta, err := NewTokenAccount(solana.TokenProgramID, f.aliceAta, f.mint, f.alice, 1_000, runtime.DefaultRent)
	require.NoError(t, err)
	bobAta, err := NewTokenAccount(solana.TokenProgramID, f.bobAta, f.mint, f.bob, 0, runtime.DefaultRent)
	require.NoError(t, err)

	f.mem = store.NewMemory(mint, aliceAta, bobAta)
	programs = append(programs, NewProgram(solana.PublicKey{}))
	f.exec = runtime.NewExecutor(f.mem, slog.New(slog.NewTextHandler(io.Discard, nil)), programs)
	return f
}

func (f *fixture) balance(t *testing.T, key solana.PublicKey) uint64 {
	t.Helper()
	stored, ok := f.mem.Get(key)
	require.True(t, ok)
	account, err := DecodeAccount(stored.Data)
	require.NoError(t, err)
	return account.Amount
}

func (f *fixture) supply(t *testing.T) uint64 {
	t.Helper()
	stored, ok := f.mem.Get(f.mint)
	require.True(t, ok)
	mint, err := DecodeMint(stored.Data)
	require.NoError(t, err)
	return mint.Supply
}

func TestLayoutSizes(t *testing.T) {
	auth := solana.NewWallet().PublicKey()
	mintData, err := EncodeMint(&Mint{MintAuthority: &auth, Supply: 7, Decimals: 9, IsInitialized: true})
	require.NoError(t, err)
	assert.Len(t, mintData, MintSize)

	mint, err := DecodeMint(mintData)
	require.NoError(t, err)
	require.NotNil(t, mint.MintAuthority)
	assert.Equal(t, auth, *mint.MintAuthority)
	assert.Nil(t, mint.FreezeAuthority)
	assert.Equal(t, uint64(7), mint.Supply)

	native := uint64(2_039_280)
	accountData, err := EncodeAccount(&Account{
		Mint:     solana.NewWallet().PublicKey(),
		Owner:    solana.NewWallet().PublicKey(),
		Amount:   42,
		State:    StateInitialized,
		IsNative: &native,
	})
	require.NoError(t, err)
	assert.Len(t, accountData, AccountSize)

	account, err := DecodeAccount(accountData)
	require.NoError(t, err)
	require.NotNil(t, account.IsNative)
	assert.Equal(t, native, *account.IsNative)
	assert.Nil(t, account.Delegate)

	_, err = DecodeAccount(accountData[:100])
	assert.ErrorIs(t, err, ErrInvalidAccountData)
	_, err = DecodeMint(accountData)
	assert.ErrorIs(t, err, ErrInvalidAccountData)
}

func TestDecodeRejectsBadOptionTag(t *testing.T) {
	data, err := EncodeMint(&Mint{IsInitialized: true})
	require.NoError(t, err)
	data[0] = 5
	_, err = DecodeMint(data)
	assert.ErrorIs(t, err, ErrInvalidAccountData)
}

func TestTransferInstruction(t *testing.T) {
	f := newFixture(t)
	ix := spltoken.NewTransferInstruction(400, f.aliceAta, f.bobAta, f.alice, nil).Build()

	_, err := f.exec.Execute(context.Background(), runtime.Transaction{Instruction: ix, Signers: []solana.PublicKey{f.alice}})
	require.NoError(t, err)
	assert.Equal(t, uint64(600), f.balance(t, f.aliceAta))
	assert.Equal(t, uint64(400), f.balance(t, f.bobAta))
}

func TestTransferFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name    string
		ix      solana.Instruction
		signers []solana.PublicKey
		want    error
	}{
		{
			name:    "unsigned",
			ix:      spltoken.NewTransferInstruction(1, f.aliceAta, f.bobAta, f.alice, nil).Build(),
			signers: nil,
			want:    runtime.ErrMissingSignature,
		},
		{
			name:    "wrong owner",
			ix:      spltoken.NewTransferInstruction(1, f.aliceAta, f.bobAta, f.bob, nil).Build(),
			signers: []solana.PublicKey{f.bob},
			want:    ErrOwnerMismatch,
		},
		{
			name:    "insufficient funds",
			ix:      spltoken.NewTransferInstruction(1_001, f.aliceAta, f.bobAta, f.alice, nil).Build(),
			signers: []solana.PublicKey{f.alice},
			want:    ErrInsufficientFunds,
		},
		{
			name:    "not a token account",
			ix:      spltoken.NewTransferInstruction(1, f.aliceAta, solana.NewWallet().PublicKey(), f.alice, nil).Build(),
			signers: []solana.PublicKey{f.alice},
			want:    ErrNotTokenAccount,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.exec.Execute(ctx, runtime.Transaction{Instruction: tc.ix, Signers: tc.signers})
			require.ErrorIs(t, err, tc.want)
			assert.Equal(t, uint64(1_000), f.balance(t, f.aliceAta))
			assert.Equal(t, uint64(0), f.balance(t, f.bobAta))
		})
	}
}

func TestMintAndBurnInstructions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mintIx := spltoken.NewMintToInstruction(250, f.mint, f.bobAta, f.mintAuth, nil).Build()
	_, err := f.exec.Execute(ctx, runtime.Transaction{Instruction: mintIx, Signers: []solana.PublicKey{f.mintAuth}})
	require.NoError(t, err)
	assert.Equal(t, uint64(250), f.balance(t, f.bobAta))
	assert.Equal(t, uint64(1_250), f.supply(t))

	badMint := spltoken.NewMintToInstruction(1, f.mint, f.bobAta, f.bob, nil).Build()
	_, err = f.exec.Execute(ctx, runtime.Transaction{Instruction: badMint, Signers: []solana.PublicKey{f.bob}})
	require.ErrorIs(t, err, ErrOwnerMismatch)

	burnIx := spltoken.NewBurnInstruction(100, f.bobAta, f.mint, f.bob, nil).Build()
	_, err = f.exec.Execute(ctx, runtime.Transaction{Instruction: burnIx, Signers: []solana.PublicKey{f.bob}})
	require.NoError(t, err)
	assert.Equal(t, uint64(150), f.balance(t, f.bobAta))
	assert.Equal(t, uint64(1_150), f.supply(t))

	overBurn := spltoken.NewBurnInstruction(151, f.bobAta, f.mint, f.bob, nil).Build()
	_, err = f.exec.Execute(ctx, runtime.Transaction{Instruction: overBurn, Signers: []solana.PublicKey{f.bob}})
	require.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, uint64(1_150), f.supply(t))
}

func TestMintOverflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := spltoken.NewMintToInstruction(^uint64(0)-1_000, f.mint, f.bobAta, f.mintAuth, nil).Build()
	_, err := f.exec.Execute(ctx, runtime.Transaction{Instruction: first, Signers: []solana.PublicKey{f.mintAuth}})
	require.NoError(t, err)
	assert.Equal(t, ^uint64(0), f.supply(t))

	second := spltoken.NewMintToInstruction(1, f.mint, f.aliceAta, f.mintAuth, nil).Build()
	_, err = f.exec.Execute(ctx, runtime.Transaction{Instruction: second, Signers: []solana.PublicKey{f.mintAuth}})
	require.ErrorIs(t, err, ErrOverflow)
	assert.Equal(t, uint64(1_000), f.balance(t, f.aliceAta))
}

func TestBoundLedgerWithDerivedAuthority(t *testing.T) {
	programID := solana.NewWallet().PublicKey()
	identity := authority.MustDerive(programID, authority.DefaultSeed)
	tokens := NewProgram(solana.TokenProgramID)

	var leaked *authority.Capability
	caller := &delegatingProgram{id: programID, fn: func(ctx context.Context, rc *runtime.Context, f *fixture) error {
		signer, err := rc.SignDerived(authority.DefaultSeed, identity.Bump)
		if err != nil {
			return err
		}
		leaked = signer
		return tokens.Bind(rc).Transfer(ctx, f.aliceAta, f.bobAta, signer, 10)
	}}
	f := newFixture(t, caller)
	caller.f = f

	vaultHeld, err := NewTokenAccount(solana.TokenProgramID, f.aliceAta, f.mint, identity.Key, 50, runtime.DefaultRent)
	require.NoError(t, err)
	require.NoError(t, f.mem.Commit(context.Background(), []*store.Account{vaultHeld}))

	ix := solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(f.aliceAta, true, false),
		solana.NewAccountMeta(f.bobAta, true, false),
	}, nil)
	_, err = f.exec.Execute(context.Background(), runtime.Transaction{Instruction: ix})
	require.NoError(t, err)
	assert.Equal(t, uint64(40), f.balance(t, f.aliceAta))
	assert.Equal(t, uint64(10), f.balance(t, f.bobAta))

	require.NotNil(t, leaked)
	assert.False(t, leaked.Authorizes(identity.Key))
}

type delegatingProgram struct {
	id solana.PublicKey
	f  *fixture
	fn func(ctx context.Context, rc *runtime.Context, f *fixture) error
}

func (p *delegatingProgram) ProgramID() solana.PublicKey { return p.id }

func (p *delegatingProgram) Process(ctx context.Context, rc *runtime.Context, _ []byte) error {
	return p.fn(ctx, rc, p.f)
}
