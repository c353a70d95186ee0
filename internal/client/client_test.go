package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coldbell/vault/backend/internal/apiserver"
	"github.com/coldbell/vault/backend/internal/config"
	"github.com/coldbell/vault/backend/internal/engine"
	"github.com/coldbell/vault/backend/internal/oracle"
	"github.com/coldbell/vault/backend/internal/store"
	"github.com/coldbell/vault/backend/internal/vault"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEngineClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	owner := solana.NewWallet().PrivateKey
	vaultKey := solana.NewWallet().PrivateKey
	collateralMint := solana.NewWallet().PublicKey()
	debtMint := solana.NewWallet().PublicKey()
	holding := solana.NewWallet().PublicKey()
	ownerCollateral := solana.NewWallet().PublicKey()
	ownerDebt := solana.NewWallet().PublicKey()

	eng, err := engine.New(store.NewMemory(), oracle.Static(oracle.DefaultStaticPrice), engine.Config{
		ProgramID:      solana.NewWallet().PublicKey(),
		CollateralMint: collateralMint,
	}, discardLogger())
	require.NoError(t, err)
	_, err = eng.Seed(ctx, &config.Genesis{
		Wallets: []config.GenesisWallet{{Address: owner.PublicKey().String(), Lamports: 1_000_000_000}},
		Mints: []config.GenesisMint{
			{Address: collateralMint.String(), Authority: owner.PublicKey().String(), Decimals: 8},
			{Address: debtMint.String(), Authority: config.AuthorityAlias, Decimals: 6},
		},
		TokenAccounts: []config.GenesisTokenAccount{
			{Address: holding.String(), Mint: collateralMint.String(), Owner: config.AuthorityAlias},
			{Address: ownerCollateral.String(), Mint: collateralMint.String(), Owner: owner.PublicKey().String(), Amount: 500},
			{Address: ownerDebt.String(), Mint: debtMint.String(), Owner: owner.PublicKey().String()},
		},
	})
	require.NoError(t, err)

	server := httptest.NewServer(apiserver.New(config.EngineConfig{TxMaxAge: 2 * time.Minute}, eng, discardLogger()).Handler())
	defer server.Close()
	c := NewEngine(server.URL, server.Client(), time.Minute)

	authority, err := c.Authority(ctx)
	require.NoError(t, err)
	assert.Equal(t, eng.Authority().Key, authority.Authority)
	assert.Equal(t, eng.ProgramID(), authority.ProgramID)
	assert.Equal(t, collateralMint, authority.CollateralMint)

	_, err = c.Vault(ctx, vaultKey.PublicKey())
	assert.ErrorIs(t, err, ErrNotFound)

	sig, err := c.Submit(ctx, vault.NewInitializeInstruction(authority.ProgramID, vault.InitializeAccounts{
		Owner:             owner.PublicKey(),
		Vault:             vaultKey.PublicKey(),
		CollateralMint:    collateralMint,
		DebtMint:          debtMint,
		CollateralHolding: holding,
	}), owner, vaultKey)
	require.NoError(t, err)
	assert.NotEmpty(t, sig)

	deposit := vault.NewDepositAndMintInstruction(authority.ProgramID, vault.DepositAccounts{
		Owner:             owner.PublicKey(),
		Vault:             vaultKey.PublicKey(),
		OwnerCollateral:   ownerCollateral,
		CollateralHolding: holding,
		OwnerDebt:         ownerDebt,
		DebtMint:          debtMint,
		Authority:         authority.Authority,
	}, 2)
	_, err = c.Submit(ctx, deposit, owner)
	require.NoError(t, err)

	state, err := c.Vault(ctx, vaultKey.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), state.LockedCollateral)
	assert.Equal(t, uint64(70_000_000_000), state.OutstandingDebt)
	assert.Equal(t, holding, state.CollateralHolding)

	debt, err := c.TokenAccount(ctx, ownerDebt)
	require.NoError(t, err)
	assert.Equal(t, uint64(70_000_000_000), debt.Amount)
	assert.Equal(t, debtMint, debt.Mint)

	repay := vault.NewRepayAndWithdrawInstruction(authority.ProgramID, vault.RepayAccounts{
		Owner:             owner.PublicKey(),
		Vault:             vaultKey.PublicKey(),
		OwnerDebt:         ownerDebt,
		DebtMint:          debtMint,
		OwnerCollateral:   ownerCollateral,
		CollateralHolding: holding,
		Authority:         authority.Authority,
	}, 105_000_000_000)
	_, err = c.Submit(ctx, repay, owner)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	require.NotNil(t, apiErr.CustomCode)
	assert.Equal(t, uint32(vault.CodeInsufficientCollateral), *apiErr.CustomCode)
}

type rpcRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
}

// fakeCluster answers getAccountInfo from a fixed account set.
func fakeCluster(t *testing.T, accounts map[solana.PublicKey]*store.Account) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var request struct {
			rpcRequest
			Params []json.RawMessage `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&request))
		require.Equal(t, "getAccountInfo", request.Method)

		var raw string
		require.NoError(t, json.Unmarshal(request.Params[0], &raw))
		key := solana.MustPublicKeyFromBase58(raw)

		var value any
		if account, ok := accounts[key]; ok {
			value = map[string]any{
				"lamports":   account.Lamports,
				"owner":      account.Owner.String(),
				"data":       []string{base64.StdEncoding.EncodeToString(account.Data), "base64"},
				"executable": false,
				"rentEpoch":  0,
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      request.ID,
			"result": map[string]any{
				"context": map[string]any{"slot": 1},
				"value":   value,
			},
		})
	}))
}

func TestRPCReadsVaultAccounts(t *testing.T) {
	ctx := context.Background()
	programID := solana.NewWallet().PublicKey()
	vaultKey := solana.NewWallet().PublicKey()
	state := &vault.State{
		Owner:             solana.NewWallet().PublicKey(),
		CollateralMint:    solana.NewWallet().PublicKey(),
		DebtMint:          solana.NewWallet().PublicKey(),
		CollateralHolding: solana.NewWallet().PublicKey(),
		LockedCollateral:  7,
		OutstandingDebt:   245_000_000_000,
		LTVRatio:          vault.DefaultLTVRatio,
	}
	data, err := vault.EncodeState(state)
	require.NoError(t, err)
	foreign := solana.NewWallet().PublicKey()

	cluster := fakeCluster(t, map[solana.PublicKey]*store.Account{
		vaultKey: {Key: vaultKey, Owner: programID, Lamports: 1_900_080, Data: data},
		foreign:  {Key: foreign, Owner: solana.SystemProgramID, Lamports: 1},
	})
	defer cluster.Close()

	c := NewRPC(config.CLIConfig{RPCURL: cluster.URL, ProgramID: programID, Commitment: "confirmed"}, discardLogger())

	got, err := c.Vault(ctx, vaultKey)
	require.NoError(t, err)
	assert.Equal(t, state, got)

	_, err = c.Vault(ctx, foreign)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.Vault(ctx, solana.NewWallet().PublicKey())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRPCPrependsComputeBudget(t *testing.T) {
	ix := vault.NewDepositAndMintInstruction(solana.NewWallet().PublicKey(), vault.DepositAccounts{}, 1)

	bare := NewRPC(config.CLIConfig{RPCURL: "http://127.0.0.1:1"}, discardLogger())
	instructions, err := bare.instructions(ix)
	require.NoError(t, err)
	require.Len(t, instructions, 1)

	tuned := NewRPC(config.CLIConfig{
		RPCURL:                        "http://127.0.0.1:1",
		ComputeUnitLimit:              200_000,
		ComputeUnitPriceMicroLamports: 5,
	}, discardLogger())
	instructions, err = tuned.instructions(ix)
	require.NoError(t, err)
	require.Len(t, instructions, 3)
	assert.Equal(t, "ComputeBudget111111111111111111111111111111", instructions[0].ProgramID().String())
	assert.Equal(t, "ComputeBudget111111111111111111111111111111", instructions[1].ProgramID().String())
	assert.Equal(t, ix.ProgramID(), instructions[2].ProgramID())

	_, err = tuned.Submit(context.Background(), ix)
	assert.Error(t, err)
}

func TestNewSelectsTarget(t *testing.T) {
	backend, err := New(config.CLIConfig{Target: config.TargetRPC, RPCURL: "http://127.0.0.1:1"}, discardLogger())
	require.NoError(t, err)
	assert.IsType(t, &RPC{}, backend)

	backend, err = New(config.CLIConfig{Target: config.TargetEngine, EngineURL: "http://127.0.0.1:1"}, discardLogger())
	require.NoError(t, err)
	assert.IsType(t, &Engine{}, backend)

	_, err = New(config.CLIConfig{Target: "ipc"}, discardLogger())
	assert.Error(t, err)
}
