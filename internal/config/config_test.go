package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

var testCollateralMint = solana.MustPublicKeyFromBase58("9n4nbM75f5Ui33ZbPYXn59EwSgE8CGsHtAeTH5YFeJ9E")

func TestEngineConfigDefaults(t *testing.T) {
	src, err := NewSource(envMap(map[string]string{
		"CONFIG_PHASE":                 "missing-phase",
		"VAULT_ENGINE_COLLATERAL_MINT": testCollateralMint.String(),
	}))
	require.NoError(t, err)
	assert.False(t, src.Loaded)

	cfg, err := src.EngineConfig()
	require.NoError(t, err)
	assert.Equal(t, testCollateralMint, cfg.CollateralMint)
	assert.Equal(t, DefaultProgramID, cfg.ProgramID)
	assert.Equal(t, solana.TokenProgramID, cfg.TokenProgramID)
	assert.Equal(t, "vault", cfg.AuthoritySeed)
	assert.Equal(t, uint8(70), cfg.LTVRatio)
	assert.Equal(t, OracleStatic, cfg.OracleMode)
	assert.Equal(t, uint64(50_000_000_000), cfg.StaticPrice)
	assert.Equal(t, StoreMemory, cfg.StoreDriver)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	assert.Equal(t, 2*time.Minute, cfg.TxMaxAge)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, filepath.Join(".docker", "vault-engine", "vault-engine.log"), cfg.Log.FilePath)
}

func TestFileValuesAndEnvOverride(t *testing.T) {
	path := writeFile(t, "config-test.yaml", `
vault:
  ltv_ratio: 60
  authority-seed: custody
vault_engine:
  collateral_mint: 9n4nbM75f5Ui33ZbPYXn59EwSgE8CGsHtAeTH5YFeJ9E
  oracle: pyth
  pyth:
    max_staleness: 30s
  store: postgres
  allowed_origins:
    - https://app.example
    - https://admin.example
  log:
    level: debug
`)
	src, err := NewSource(envMap(map[string]string{
		"CONFIG_FILE":               path,
		"VAULT_ENGINE_LISTEN_ADDR":  "127.0.0.1:9000",
		"VAULT_LTV_RATIO":           "65",
		"VAULT_ENGINE_STATIC_PRICE": "42_000_000",
	}))
	require.NoError(t, err)
	assert.True(t, src.Loaded)
	assert.Equal(t, path, src.Path)

	cfg, err := src.EngineConfig()
	require.NoError(t, err)
	assert.Equal(t, uint8(65), cfg.LTVRatio)
	assert.Equal(t, "custody", cfg.AuthoritySeed)
	assert.Equal(t, testCollateralMint, cfg.CollateralMint)
	assert.Equal(t, OraclePyth, cfg.OracleMode)
	assert.Equal(t, 30*time.Second, cfg.PythMaxStaleness)
	assert.Equal(t, StorePostgres, cfg.StoreDriver)
	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddr)
	assert.Equal(t, uint64(42_000_000), cfg.StaticPrice)
	assert.Equal(t, []string{"https://app.example", "https://admin.example"}, cfg.AllowedOrigins)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestEngineConfigRejectsBadValues(t *testing.T) {
	cases := map[string]map[string]string{
		"ltv zero":     {"VAULT_LTV_RATIO": "0"},
		"ltv too high": {"VAULT_LTV_RATIO": "101"},
		"ltv not u8":   {"VAULT_LTV_RATIO": "300"},
		"oracle":       {"VAULT_ENGINE_ORACLE": "chainlink"},
		"store":        {"VAULT_ENGINE_STORE": "sqlite"},
		"program id":   {"VAULT_PROGRAM_ID": "not-base58!"},
		"timeout":      {"VAULT_ENGINE_READ_TIMEOUT": "-1s"},
		"bad mint":     {"VAULT_ENGINE_COLLATERAL_MINT": "not-base58!"},
		"no mint":      {"VAULT_ENGINE_COLLATERAL_MINT": ""},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			env["CONFIG_PHASE"] = "missing-phase"
			if _, ok := env["VAULT_ENGINE_COLLATERAL_MINT"]; !ok {
				env["VAULT_ENGINE_COLLATERAL_MINT"] = testCollateralMint.String()
			}
			src, err := NewSource(envMap(env))
			require.NoError(t, err)
			_, err = src.EngineConfig()
			assert.Error(t, err)
		})
	}
}

func TestExplicitConfigFileMustExist(t *testing.T) {
	_, err := NewSource(envMap(map[string]string{"CONFIG_FILE": filepath.Join(t.TempDir(), "nope.yaml")}))
	assert.Error(t, err)
}

func TestCLIConfig(t *testing.T) {
	src, err := NewSource(envMap(map[string]string{
		"CONFIG_PHASE":                "missing-phase",
		"SOLANA_COMMITMENT":           "finalized",
		"VAULTCTL_KEYPAIR_PATH":       "/tmp/id.json",
		"VAULTCTL_MAX_RETRIES":        "3",
		"VAULTCTL_COMPUTE_UNIT_LIMIT": "200000",
		"VAULTCTL_ENGINE_URL":         "http://engine:8080/",
	}))
	require.NoError(t, err)

	cfg, err := src.CLIConfig()
	require.NoError(t, err)
	assert.Equal(t, rpc.CommitmentFinalized, cfg.Commitment)
	assert.Equal(t, "/tmp/id.json", cfg.KeypairPath)
	require.NotNil(t, cfg.MaxRetries)
	assert.Equal(t, uint(3), *cfg.MaxRetries)
	assert.Equal(t, uint32(200000), cfg.ComputeUnitLimit)
	assert.Equal(t, "http://127.0.0.1:8899", cfg.RPCURL)
	assert.Equal(t, TargetEngine, cfg.Target)
	assert.Equal(t, "http://engine:8080", cfg.EngineURL)

	bad, err := NewSource(envMap(map[string]string{"CONFIG_PHASE": "missing-phase", "SOLANA_COMMITMENT": "recent"}))
	require.NoError(t, err)
	_, err = bad.CLIConfig()
	assert.Error(t, err)

	badTarget, err := NewSource(envMap(map[string]string{"CONFIG_PHASE": "missing-phase", "VAULTCTL_TARGET": "grpc"}))
	require.NoError(t, err)
	_, err = badTarget.CLIConfig()
	assert.Error(t, err)
}

func TestNormalizeKeySegment(t *testing.T) {
	assert.Equal(t, "PYTH_FEED_ID", normalizeKeySegment(" pyth-feed.id "))
	assert.Equal(t, "A1", normalizeKeySegment("__a1__"))
	assert.Equal(t, "", normalizeKeySegment("  "))
}

func TestLoadGenesis(t *testing.T) {
	path := writeFile(t, "genesis.yaml", `
wallets:
  - address: 9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin
    lamports: 1000000000
mints:
  - address: So11111111111111111111111111111111111111112
    authority: vault-authority
    decimals: 6
token_accounts:
  - address: 9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin
    mint: So11111111111111111111111111111111111111112
    owner: vault-authority
    amount: 5
`)
	genesis, err := LoadGenesis(path)
	require.NoError(t, err)
	require.Len(t, genesis.Wallets, 1)
	assert.Equal(t, uint64(1_000_000_000), genesis.Wallets[0].Lamports)
	require.Len(t, genesis.Mints, 1)
	assert.Equal(t, AuthorityAlias, genesis.Mints[0].Authority)
	assert.Equal(t, uint8(6), genesis.Mints[0].Decimals)
	require.Len(t, genesis.TokenAccounts, 1)
	assert.Equal(t, uint64(5), genesis.TokenAccounts[0].Amount)

	_, err = LoadGenesis(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
