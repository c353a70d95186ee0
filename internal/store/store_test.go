package store

import (
	"context"
	"os"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLoadReturnsCopies(t *testing.T) {
	key := solana.NewWallet().PublicKey()
	mem := NewMemory(&Account{Key: key, Owner: solana.TokenProgramID, Lamports: 10, Data: []byte{1, 2, 3}})

	loaded, err := mem.Load(context.Background(), []solana.PublicKey{key, solana.NewWallet().PublicKey()})
	require.NoError(t, err)
	require.Len(t, loaded, 1)

	loaded[key].Data[0] = 9
	loaded[key].Lamports = 0

	stored, ok := mem.Get(key)
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, stored.Data)
	assert.Equal(t, uint64(10), stored.Lamports)
}

func TestMemoryCommitAndClose(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	a := &Account{Key: solana.NewWallet().PublicKey(), Owner: solana.SystemProgramID, Lamports: 1}
	b := &Account{Key: solana.NewWallet().PublicKey(), Owner: solana.TokenProgramID, Data: []byte{7}}

	require.NoError(t, mem.Commit(ctx, []*Account{a, nil, b}))
	loaded, err := mem.Load(ctx, []solana.PublicKey{a.Key, b.Key})
	require.NoError(t, err)
	assert.True(t, loaded[a.Key].Equal(a))
	assert.True(t, loaded[b.Key].Equal(b))

	require.NoError(t, mem.Close())
	_, err = mem.Load(ctx, []solana.PublicKey{a.Key})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, mem.Commit(ctx, []*Account{a}), ErrClosed)
}

func TestAccountHelpers(t *testing.T) {
	fresh := NewAccount(solana.NewWallet().PublicKey())
	assert.True(t, fresh.IsUnallocated())

	clone := fresh.Clone()
	clone.Data = []byte{1}
	assert.False(t, clone.IsUnallocated())
	assert.False(t, clone.Equal(fresh))

	var missing *Account
	assert.Nil(t, missing.Clone())
	assert.True(t, missing.Equal(nil))
}

func TestRebindPostgresPlaceholders(t *testing.T) {
	got := rebindPostgresPlaceholders(`SELECT * FROM accounts WHERE pubkey IN (?, ?) AND owner <> 'a?b''?'`)
	assert.Equal(t, `SELECT * FROM accounts WHERE pubkey IN ($1, $2) AND owner <> 'a?b''?'`, got)
}

func TestPostgresRoundTrip(t *testing.T) {
	dsn := os.Getenv("VAULT_TEST_DB_DSN")
	if dsn == "" {
		t.Skip("VAULT_TEST_DB_DSN not set")
	}
	ctx := context.Background()

	pg, err := NewPostgres(dsn)
	require.NoError(t, err)
	defer pg.Close()

	account := &Account{
		Key:      solana.NewWallet().PublicKey(),
		Owner:    solana.TokenProgramID,
		Lamports: ^uint64(0),
		Data:     []byte{0xde, 0xad},
	}
	require.NoError(t, pg.Commit(ctx, []*Account{account}))

	loaded, err := pg.Load(ctx, []solana.PublicKey{account.Key})
	require.NoError(t, err)
	require.Contains(t, loaded, account.Key)
	assert.True(t, loaded[account.Key].Equal(account))
}

func TestPostgresSingleWriter(t *testing.T) {
	dsn := os.Getenv("VAULT_TEST_DB_DSN")
	if dsn == "" {
		t.Skip("VAULT_TEST_DB_DSN not set")
	}

	first, err := NewPostgres(dsn)
	require.NoError(t, err)

	_, err = NewPostgres(dsn)
	assert.ErrorIs(t, err, ErrWriterLocked)

	require.NoError(t, first.Close())
	second, err := NewPostgres(dsn)
	require.NoError(t, err)
	require.NoError(t, second.Close())
}
