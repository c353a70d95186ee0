package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/coldbell/vault/backend/internal/apiserver"
	"github.com/coldbell/vault/backend/internal/authority"
	"github.com/coldbell/vault/backend/internal/client"
	"github.com/coldbell/vault/backend/internal/config"
	"github.com/coldbell/vault/backend/internal/engine"
	"github.com/coldbell/vault/backend/internal/oracle"
	"github.com/coldbell/vault/backend/internal/store"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEnv(cfg config.CLIConfig) (*environment, *bytes.Buffer) {
	var stdout bytes.Buffer
	return &environment{
		cfg:    cfg,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		stdout: &stdout,
		stderr: io.Discard,
	}, &stdout
}

func TestQuote(t *testing.T) {
	env, stdout := testEnv(config.CLIConfig{})

	require.NoError(t, env.run(context.Background(), []string{"quote", "--collateral", "100"}))
	var out quoteOutput
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &out))
	assert.Equal(t, quoteOutput{Collateral: 100, Debt: 3_500_000_000_000, Price: oracle.DefaultStaticPrice, LTVRatio: 70}, out)

	stdout.Reset()
	require.NoError(t, env.run(context.Background(), []string{"quote", "--debt", "3500000000000", "--ltv", "50"}))
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &out))
	assert.Equal(t, uint64(140), out.Collateral)

	err := env.run(context.Background(), []string{"quote", "--collateral", "1", "--debt", "1"})
	assert.ErrorIs(t, err, errUsage)
	assert.Error(t, env.run(context.Background(), []string{"quote", "--collateral", "1", "--ltv", "0"}))
	assert.Error(t, env.run(context.Background(), []string{"quote", "--collateral", "18446744073709551615"}))
}

func TestUsageErrors(t *testing.T) {
	env, _ := testEnv(config.CLIConfig{})

	assert.ErrorIs(t, env.run(context.Background(), nil), errUsage)
	assert.ErrorIs(t, env.run(context.Background(), []string{"liquidate"}), errUsage)
	assert.ErrorIs(t, env.run(context.Background(), []string{"quote", "--bogus"}), errUsage)
	assert.ErrorIs(t, env.run(context.Background(), []string{"show", "extra"}), errUsage)
	assert.ErrorIs(t, env.run(context.Background(), []string{"show"}), errUsage)
	assert.NoError(t, env.run(context.Background(), []string{"deposit", "--help"}))
}

func TestAuthorityLocal(t *testing.T) {
	programID := solana.NewWallet().PublicKey()
	env, stdout := testEnv(config.CLIConfig{ProgramID: programID, AuthoritySeed: authority.DefaultSeed})

	require.NoError(t, env.run(context.Background(), []string{"authority", "--local"}))
	var out client.Authority
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &out))

	want := authority.MustDerive(programID, authority.DefaultSeed)
	assert.Equal(t, programID, out.ProgramID)
	assert.Equal(t, want.Key, out.Authority)
	assert.Equal(t, want.Bump, out.Bump)
	assert.Equal(t, solana.TokenProgramID, out.TokenProgramID)
}

func TestLoadOrCreateKeypair(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.json")

	created, fresh, err := loadOrCreateKeypair(path)
	require.NoError(t, err)
	assert.True(t, fresh)

	loaded, fresh, err := loadOrCreateKeypair(path)
	require.NoError(t, err)
	assert.False(t, fresh)
	assert.Equal(t, created.PublicKey(), loaded.PublicKey())
}

func TestVaultLifecycleAgainstEngine(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	ownerPath := filepath.Join(dir, "owner.json")
	owner, _, err := loadOrCreateKeypair(ownerPath)
	require.NoError(t, err)

	collateralMint := solana.NewWallet().PublicKey()
	debtMint := solana.NewWallet().PublicKey()
	holding := solana.NewWallet().PublicKey()
	ownerCollateral, _, err := solana.FindAssociatedTokenAddress(owner.PublicKey(), collateralMint)
	require.NoError(t, err)
	ownerDebt, _, err := solana.FindAssociatedTokenAddress(owner.PublicKey(), debtMint)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng, err := engine.New(store.NewMemory(), oracle.Static(oracle.DefaultStaticPrice), engine.Config{
		ProgramID:      solana.NewWallet().PublicKey(),
		CollateralMint: collateralMint,
	}, logger)
	require.NoError(t, err)
	_, err = eng.Seed(ctx, &config.Genesis{
		Wallets: []config.GenesisWallet{{Address: owner.PublicKey().String(), Lamports: 1_000_000_000}},
		Mints: []config.GenesisMint{
			{Address: collateralMint.String(), Authority: owner.PublicKey().String(), Decimals: 8},
			{Address: debtMint.String(), Authority: config.AuthorityAlias, Decimals: 6},
		},
		TokenAccounts: []config.GenesisTokenAccount{
			{Address: holding.String(), Mint: collateralMint.String(), Owner: config.AuthorityAlias},
			{Address: ownerCollateral.String(), Mint: collateralMint.String(), Owner: owner.PublicKey().String(), Amount: 1_000},
			{Address: ownerDebt.String(), Mint: debtMint.String(), Owner: owner.PublicKey().String()},
		},
	})
	require.NoError(t, err)

	server := httptest.NewServer(apiserver.New(config.EngineConfig{TxMaxAge: 2 * time.Minute}, eng, logger).Handler())
	defer server.Close()

	env, stdout := testEnv(config.CLIConfig{
		Target:      config.TargetEngine,
		EngineURL:   server.URL,
		KeypairPath: ownerPath,
		TxTimeout:   10 * time.Second,
	})
	runJSON := func(args ...string) submitOutput {
		t.Helper()
		stdout.Reset()
		require.NoError(t, env.run(ctx, args))
		var out submitOutput
		require.NoError(t, json.Unmarshal(stdout.Bytes(), &out))
		return out
	}

	vaultPath := filepath.Join(dir, "vault.json")
	initialized := runJSON("init",
		"--vault-keypair", vaultPath,
		"--debt-mint", debtMint.String(),
		"--holding", holding.String(),
	)
	assert.NotEmpty(t, initialized.Signature)
	require.NotNil(t, initialized.State)
	assert.Equal(t, owner.PublicKey(), initialized.State.Owner)
	assert.Equal(t, uint8(70), initialized.State.LTVRatio)
	assert.Equal(t, collateralMint, initialized.State.CollateralMint)

	deposited := runJSON("deposit", "--vault", initialized.Vault, "--amount", "100")
	assert.Equal(t, uint64(100), deposited.State.LockedCollateral)
	assert.Equal(t, uint64(3_500_000_000_000), deposited.State.OutstandingDebt)

	debt, err := eng.TokenAccount(ctx, ownerDebt)
	require.NoError(t, err)
	assert.Equal(t, uint64(3_500_000_000_000), debt.Amount)

	repaid := runJSON("repay", "--vault", initialized.Vault, "--amount", "1750000000000")
	assert.Equal(t, uint64(50), repaid.State.LockedCollateral)
	assert.Equal(t, uint64(1_750_000_000_000), repaid.State.OutstandingDebt)

	shown := runJSON("show", "--vault", initialized.Vault)
	assert.Empty(t, shown.Signature)
	assert.Equal(t, repaid.State, shown.State)

	collateral, err := eng.TokenAccount(ctx, ownerCollateral)
	require.NoError(t, err)
	assert.Equal(t, uint64(950), collateral.Amount)

	err = env.run(ctx, []string{"repay", "--vault", initialized.Vault, "--amount", "3500000000000"})
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "InsufficientCollateral", apiErr.Code)

	other := solana.NewWallet().PublicKey()
	err = env.run(ctx, []string{"show", "--vault", other.String()})
	assert.ErrorIs(t, err, client.ErrNotFound)
}
