package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/coldbell/vault/backend/internal/authority"
	"github.com/coldbell/vault/backend/internal/client"
	"github.com/coldbell/vault/backend/internal/config"
	"github.com/coldbell/vault/backend/internal/oracle"
	"github.com/coldbell/vault/backend/internal/vault"
	"github.com/gagliardetto/solana-go"
	"github.com/spf13/pflag"
)

type environment struct {
	cfg    config.CLIConfig
	logger *slog.Logger
	stdout io.Writer
	stderr io.Writer

	// newBackend is swapped in tests.
	newBackend func(config.CLIConfig, *slog.Logger) (client.Backend, error)
}

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, env *environment, args []string) error
}

var commands = []command{
	{name: "authority", summary: "show the program derived authority", run: runAuthority},
	{name: "quote", summary: "price a deposit or repayment offline", run: runQuote},
	{name: "init", summary: "initialize a vault owned by the keypair", run: runInit},
	{name: "deposit", summary: "lock collateral and mint debt", run: runDeposit},
	{name: "repay", summary: "burn debt and release collateral", run: runRepay},
	{name: "show", summary: "print a vault record", run: runShow},
}

func (env *environment) flagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet("vaultctl "+name, pflag.ContinueOnError)
	fs.SetOutput(env.stderr)
	fs.BoolP("help", "h", false, "show help")
	return fs
}

func (env *environment) addConnectionFlags(fs *pflag.FlagSet) {
	fs.StringVar(&env.cfg.Target, "target", env.cfg.Target, "backend to use (engine|rpc)")
	fs.StringVar(&env.cfg.EngineURL, "engine-url", env.cfg.EngineURL, "vault-engine base URL")
	fs.StringVar(&env.cfg.RPCURL, "rpc-url", env.cfg.RPCURL, "Solana JSON-RPC URL")
}

func (env *environment) addKeypairFlag(fs *pflag.FlagSet) {
	fs.StringVar(&env.cfg.KeypairPath, "keypair", env.cfg.KeypairPath, "owner keypair file")
}

// parse reports false when the command should stop without error, as it does
// after printing --help.
func (env *environment) parse(fs *pflag.FlagSet, args []string) (bool, error) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return false, nil
		}
		return false, errUsage
	}
	if help, _ := fs.GetBool("help"); help {
		fmt.Fprintf(env.stdout, "Usage of %s:\n%s", fs.Name(), fs.FlagUsages())
		return false, nil
	}
	if fs.NArg() > 0 {
		return false, fmt.Errorf("%w: unexpected argument %q", errUsage, fs.Arg(0))
	}
	return true, nil
}

func (env *environment) backend() (client.Backend, error) {
	newBackend := env.newBackend
	if newBackend == nil {
		newBackend = client.New
	}
	return newBackend(env.cfg, env.logger)
}

// programs resolves the program and authority a backend runs. An engine is
// asked directly and its answer checked against a local derivation. A cluster
// gets the locally configured program.
func (env *environment) programs(ctx context.Context, backend client.Backend) (*client.Authority, error) {
	if eng, ok := backend.(*client.Engine); ok {
		remote, err := eng.Authority(ctx)
		if err != nil {
			return nil, err
		}
		if !authority.Verify(remote.ProgramID, remote.Seed, remote.Bump, remote.Authority) {
			return nil, fmt.Errorf("engine reported authority %s that does not derive from program %s", remote.Authority, remote.ProgramID)
		}
		return remote, nil
	}

	identity, err := authority.Derive(env.cfg.ProgramID, env.cfg.AuthoritySeed)
	if err != nil {
		return nil, err
	}
	return &client.Authority{
		ProgramID:      env.cfg.ProgramID,
		TokenProgramID: solana.TokenProgramID,
		Authority:      identity.Key,
		Seed:           identity.Seed,
		Bump:           identity.Bump,
	}, nil
}

func (env *environment) loadOwner() (solana.PrivateKey, error) {
	owner, err := solana.PrivateKeyFromSolanaKeygenFile(env.cfg.KeypairPath)
	if err != nil {
		return nil, fmt.Errorf("load keypair %s: %w", env.cfg.KeypairPath, err)
	}
	return owner, nil
}

func (env *environment) printJSON(v any) error {
	encoder := json.NewEncoder(env.stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func runAuthority(ctx context.Context, env *environment, args []string) error {
	fs := env.flagSet("authority")
	env.addConnectionFlags(fs)
	local := fs.Bool("local", false, "derive from VAULT_PROGRAM_ID without contacting a backend")
	if ok, err := env.parse(fs, args); !ok {
		return err
	}

	var backend client.Backend
	if !*local {
		var err error
		if backend, err = env.backend(); err != nil {
			return err
		}
	}
	resolved, err := env.programs(ctx, backend)
	if err != nil {
		return err
	}
	return env.printJSON(resolved)
}

type quoteOutput struct {
	Collateral uint64 `json:"collateral"`
	Debt       uint64 `json:"debt"`
	Price      uint64 `json:"price"`
	LTVRatio   uint8  `json:"ltv_ratio"`
}

func runQuote(_ context.Context, env *environment, args []string) error {
	fs := env.flagSet("quote")
	collateral := fs.Uint64("collateral", 0, "collateral to deposit")
	debt := fs.Uint64("debt", 0, "debt to repay")
	price := fs.Uint64("price", oracle.DefaultStaticPrice, fmt.Sprintf("collateral price with %d decimals", oracle.PriceDecimals))
	ltv := fs.Uint8("ltv", vault.DefaultLTVRatio, "loan to value ratio in percent")
	if ok, err := env.parse(fs, args); !ok {
		return err
	}
	if fs.Changed("collateral") == fs.Changed("debt") {
		return fmt.Errorf("%w: exactly one of --collateral or --debt is required", errUsage)
	}
	if err := vault.ValidateLTV(*ltv); err != nil {
		return err
	}

	out := quoteOutput{Price: *price, LTVRatio: *ltv}
	var err error
	if fs.Changed("collateral") {
		out.Collateral = *collateral
		out.Debt, err = vault.DebtForCollateral(*collateral, *price, *ltv)
	} else {
		out.Debt = *debt
		out.Collateral, err = vault.CollateralForDebt(*debt, *price, *ltv)
	}
	if err != nil {
		return err
	}
	return env.printJSON(out)
}

type submitOutput struct {
	Signature string       `json:"signature"`
	Vault     string       `json:"vault"`
	State     *vault.State `json:"state,omitempty"`
}

func runInit(ctx context.Context, env *environment, args []string) error {
	fs := env.flagSet("init")
	env.addConnectionFlags(fs)
	env.addKeypairFlag(fs)
	vaultKeypair := fs.String("vault-keypair", "", "vault account keypair file, created when missing")
	collateralMint := fs.String("collateral-mint", "", "mint of the collateral token (default: the mint the engine accepts)")
	debtMint := fs.String("debt-mint", "", "mint of the debt token; its mint authority must be the vault authority")
	holding := fs.String("holding", "", "token account, owned by the vault authority, that keeps locked collateral")
	if ok, err := env.parse(fs, args); !ok {
		return err
	}

	keys, err := requiredKeys(map[string]string{
		"debt-mint": *debtMint,
		"holding":   *holding,
	})
	if err != nil {
		return err
	}
	if *collateralMint != "" {
		mint, err := requiredKeys(map[string]string{"collateral-mint": *collateralMint})
		if err != nil {
			return err
		}
		keys["collateral-mint"] = mint["collateral-mint"]
	}
	if *vaultKeypair == "" {
		return fmt.Errorf("%w: --vault-keypair is required", errUsage)
	}

	owner, err := env.loadOwner()
	if err != nil {
		return err
	}
	vaultKey, created, err := loadOrCreateKeypair(*vaultKeypair)
	if err != nil {
		return err
	}
	if created {
		env.logger.Info("created vault keypair", "path", *vaultKeypair, "vault", vaultKey.PublicKey())
	}

	backend, err := env.backend()
	if err != nil {
		return err
	}
	resolved, err := env.programs(ctx, backend)
	if err != nil {
		return err
	}
	if _, ok := keys["collateral-mint"]; !ok {
		if resolved.CollateralMint.IsZero() {
			return fmt.Errorf("%w: --collateral-mint is required for this target", errUsage)
		}
		keys["collateral-mint"] = resolved.CollateralMint
	}

	ix := vault.NewInitializeInstruction(resolved.ProgramID, vault.InitializeAccounts{
		Owner:             owner.PublicKey(),
		Vault:             vaultKey.PublicKey(),
		CollateralMint:    keys["collateral-mint"],
		DebtMint:          keys["debt-mint"],
		CollateralHolding: keys["holding"],
		TokenProgram:      resolved.TokenProgramID,
	})
	sig, err := backend.Submit(ctx, ix, owner, vaultKey)
	if err != nil {
		return err
	}
	env.logger.Info("vault initialized", "vault", vaultKey.PublicKey(), "signature", sig)
	return env.reportVault(ctx, backend, sig, vaultKey.PublicKey())
}

// positionFlags are shared by deposit and repay.
type positionFlags struct {
	vault           *string
	amount          *uint64
	ownerCollateral *string
	ownerDebt       *string
}

func (env *environment) addPositionFlags(fs *pflag.FlagSet, amountUsage string) positionFlags {
	env.addConnectionFlags(fs)
	env.addKeypairFlag(fs)
	return positionFlags{
		vault:           fs.String("vault", "", "vault account"),
		amount:          fs.Uint64("amount", 0, amountUsage),
		ownerCollateral: fs.String("owner-collateral", "", "owner collateral token account (default: associated account)"),
		ownerDebt:       fs.String("owner-debt", "", "owner debt token account (default: associated account)"),
	}
}

// position is everything a deposit or repayment needs to build its accounts.
type position struct {
	backend         client.Backend
	owner           solana.PrivateKey
	programs        *client.Authority
	vaultKey        solana.PublicKey
	state           *vault.State
	ownerCollateral solana.PublicKey
	ownerDebt       solana.PublicKey
}

func (env *environment) loadPosition(ctx context.Context, fs *pflag.FlagSet, flags positionFlags) (*position, error) {
	if !fs.Changed("amount") {
		return nil, fmt.Errorf("%w: --amount is required", errUsage)
	}
	keys, err := requiredKeys(map[string]string{"vault": *flags.vault})
	if err != nil {
		return nil, err
	}
	owner, err := env.loadOwner()
	if err != nil {
		return nil, err
	}
	backend, err := env.backend()
	if err != nil {
		return nil, err
	}
	resolved, err := env.programs(ctx, backend)
	if err != nil {
		return nil, err
	}
	state, err := backend.Vault(ctx, keys["vault"])
	if err != nil {
		return nil, fmt.Errorf("load vault %s: %w", keys["vault"], err)
	}
	if !state.Owner.Equals(owner.PublicKey()) {
		return nil, fmt.Errorf("vault %s is owned by %s, not %s", keys["vault"], state.Owner, owner.PublicKey())
	}

	ownerCollateral, err := tokenAccountOrDefault(*flags.ownerCollateral, owner.PublicKey(), state.CollateralMint)
	if err != nil {
		return nil, fmt.Errorf("owner collateral account: %w", err)
	}
	ownerDebt, err := tokenAccountOrDefault(*flags.ownerDebt, owner.PublicKey(), state.DebtMint)
	if err != nil {
		return nil, fmt.Errorf("owner debt account: %w", err)
	}

	return &position{
		backend:         backend,
		owner:           owner,
		programs:        resolved,
		vaultKey:        keys["vault"],
		state:           state,
		ownerCollateral: ownerCollateral,
		ownerDebt:       ownerDebt,
	}, nil
}

func runDeposit(ctx context.Context, env *environment, args []string) error {
	fs := env.flagSet("deposit")
	flags := env.addPositionFlags(fs, "collateral to lock")
	if ok, err := env.parse(fs, args); !ok {
		return err
	}
	pos, err := env.loadPosition(ctx, fs, flags)
	if err != nil {
		return err
	}

	ix := vault.NewDepositAndMintInstruction(pos.programs.ProgramID, vault.DepositAccounts{
		Owner:             pos.owner.PublicKey(),
		Vault:             pos.vaultKey,
		OwnerCollateral:   pos.ownerCollateral,
		CollateralHolding: pos.state.CollateralHolding,
		OwnerDebt:         pos.ownerDebt,
		DebtMint:          pos.state.DebtMint,
		TokenProgram:      pos.programs.TokenProgramID,
		Authority:         pos.programs.Authority,
	}, *flags.amount)
	sig, err := pos.backend.Submit(ctx, ix, pos.owner)
	if err != nil {
		return err
	}
	env.logger.Info("collateral deposited", "vault", pos.vaultKey, "amount", *flags.amount, "signature", sig)
	return env.reportVault(ctx, pos.backend, sig, pos.vaultKey)
}

func runRepay(ctx context.Context, env *environment, args []string) error {
	fs := env.flagSet("repay")
	flags := env.addPositionFlags(fs, "debt to burn")
	if ok, err := env.parse(fs, args); !ok {
		return err
	}
	pos, err := env.loadPosition(ctx, fs, flags)
	if err != nil {
		return err
	}

	ix := vault.NewRepayAndWithdrawInstruction(pos.programs.ProgramID, vault.RepayAccounts{
		Owner:             pos.owner.PublicKey(),
		Vault:             pos.vaultKey,
		OwnerDebt:         pos.ownerDebt,
		DebtMint:          pos.state.DebtMint,
		OwnerCollateral:   pos.ownerCollateral,
		CollateralHolding: pos.state.CollateralHolding,
		TokenProgram:      pos.programs.TokenProgramID,
		Authority:         pos.programs.Authority,
	}, *flags.amount)
	sig, err := pos.backend.Submit(ctx, ix, pos.owner)
	if err != nil {
		return err
	}
	env.logger.Info("debt repaid", "vault", pos.vaultKey, "amount", *flags.amount, "signature", sig)
	return env.reportVault(ctx, pos.backend, sig, pos.vaultKey)
}

func runShow(ctx context.Context, env *environment, args []string) error {
	fs := env.flagSet("show")
	env.addConnectionFlags(fs)
	vaultFlag := fs.String("vault", "", "vault account")
	if ok, err := env.parse(fs, args); !ok {
		return err
	}
	keys, err := requiredKeys(map[string]string{"vault": *vaultFlag})
	if err != nil {
		return err
	}
	backend, err := env.backend()
	if err != nil {
		return err
	}
	return env.reportVault(ctx, backend, "", keys["vault"])
}

func (env *environment) reportVault(ctx context.Context, backend client.Backend, sig string, key solana.PublicKey) error {
	state, err := backend.Vault(ctx, key)
	if err != nil {
		return fmt.Errorf("load vault %s: %w", key, err)
	}
	return env.printJSON(submitOutput{Signature: sig, Vault: key.String(), State: state})
}

func requiredKeys(raw map[string]string) (map[string]solana.PublicKey, error) {
	out := make(map[string]solana.PublicKey, len(raw))
	var missing []string
	for name, value := range raw {
		value = strings.TrimSpace(value)
		if value == "" {
			missing = append(missing, "--"+name)
			continue
		}
		key, err := solana.PublicKeyFromBase58(value)
		if err != nil {
			return nil, fmt.Errorf("%w: --%s: %v", errUsage, name, err)
		}
		out[name] = key
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("%w: missing %s", errUsage, strings.Join(missing, ", "))
	}
	return out, nil
}

func tokenAccountOrDefault(raw string, wallet, mint solana.PublicKey) (solana.PublicKey, error) {
	if raw = strings.TrimSpace(raw); raw != "" {
		return solana.PublicKeyFromBase58(raw)
	}
	ata, _, err := solana.FindAssociatedTokenAddress(wallet, mint)
	return ata, err
}

// loadOrCreateKeypair reads a solana-keygen file, writing a fresh key there
// first when the file does not exist.
func loadOrCreateKeypair(path string) (solana.PrivateKey, bool, error) {
	key, err := solana.PrivateKeyFromSolanaKeygenFile(path)
	if err == nil {
		return key, false, nil
	}
	if _, statErr := os.Stat(path); !errors.Is(statErr, os.ErrNotExist) {
		return nil, false, fmt.Errorf("load keypair %s: %w", path, err)
	}

	key, err = solana.NewRandomPrivateKey()
	if err != nil {
		return nil, false, err
	}
	raw := make([]int, len(key))
	for i, b := range key {
		raw[i] = int(b)
	}
	body, err := json.Marshal(raw)
	if err != nil {
		return nil, false, err
	}
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, false, fmt.Errorf("create keypair %s: %w", path, err)
	}
	if _, err := file.Write(body); err != nil {
		file.Close()
		return nil, false, fmt.Errorf("write keypair %s: %w", path, err)
	}
	if err := file.Close(); err != nil {
		return nil, false, err
	}
	return key, true, nil
}
