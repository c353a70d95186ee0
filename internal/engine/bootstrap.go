package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/bits"

	"github.com/coldbell/vault/backend/internal/config"
	"github.com/coldbell/vault/backend/internal/oracle"
	"github.com/coldbell/vault/backend/internal/store"
	"github.com/coldbell/vault/backend/internal/token"
	"github.com/gagliardetto/solana-go"
)

func OpenStore(cfg config.EngineConfig) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.StorePostgres:
		return store.NewPostgres(cfg.DBDSN)
	case config.StoreMemory, "":
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// NewPriceSource builds the configured oracle. A Pyth source keeps streaming
// until ctx is cancelled.
func NewPriceSource(ctx context.Context, cfg config.EngineConfig, logger *slog.Logger) (oracle.Source, error) {
	switch cfg.OracleMode {
	case config.OraclePyth:
		stream, err := oracle.NewPythStream(oracle.PythConfig{
			StreamURL:      cfg.PythStreamURL,
			FeedID:         cfg.PythFeedID,
			MaxStaleness:   cfg.PythMaxStaleness,
			ReconnectDelay: cfg.PythReconnectInterval,
		}, logger)
		if err != nil {
			return nil, err
		}
		go stream.Run(ctx)
		return stream, nil
	case config.OracleStatic, "":
		return oracle.Static(cfg.StaticPrice), nil
	default:
		return nil, fmt.Errorf("unknown oracle mode %q", cfg.OracleMode)
	}
}

// Seed writes the genesis accounts that are not stored yet. Existing accounts
// are left alone so restarting against a persistent store is harmless.
func (e *Engine) Seed(ctx context.Context, genesis *config.Genesis) (int, error) {
	accounts, err := e.genesisAccounts(genesis)
	if err != nil {
		return 0, err
	}

	keys := make([]solana.PublicKey, 0, len(accounts))
	for _, account := range accounts {
		keys = append(keys, account.Key)
	}
	existing, err := e.store.Load(ctx, keys)
	if err != nil {
		return 0, err
	}

	fresh := make([]*store.Account, 0, len(accounts))
	for _, account := range accounts {
		if _, ok := existing[account.Key]; ok {
			continue
		}
		fresh = append(fresh, account)
	}
	if len(fresh) == 0 {
		return 0, nil
	}
	if err := e.store.Commit(ctx, fresh); err != nil {
		return 0, fmt.Errorf("commit genesis: %w", err)
	}
	return len(fresh), nil
}

func (e *Engine) genesisAccounts(genesis *config.Genesis) ([]*store.Account, error) {
	var out []*store.Account
	seen := make(map[solana.PublicKey]struct{})
	add := func(account *store.Account) error {
		if _, dup := seen[account.Key]; dup {
			return fmt.Errorf("genesis lists %s twice", account.Key)
		}
		seen[account.Key] = struct{}{}
		out = append(out, account)
		return nil
	}

	for _, wallet := range genesis.Wallets {
		key, err := e.resolveKey(wallet.Address)
		if err != nil {
			return nil, fmt.Errorf("genesis wallet: %w", err)
		}
		if err := add(&store.Account{Key: key, Owner: solana.SystemProgramID, Lamports: wallet.Lamports}); err != nil {
			return nil, err
		}
	}
	holdings := make([]*store.Account, 0, len(genesis.TokenAccounts))
	supplies := make(map[solana.PublicKey]uint64)
	for _, holding := range genesis.TokenAccounts {
		key, err := e.resolveKey(holding.Address)
		if err != nil {
			return nil, fmt.Errorf("genesis token account: %w", err)
		}
		mint, err := e.resolveKey(holding.Mint)
		if err != nil {
			return nil, fmt.Errorf("genesis token account %s mint: %w", key, err)
		}
		owner, err := e.resolveKey(holding.Owner)
		if err != nil {
			return nil, fmt.Errorf("genesis token account %s owner: %w", key, err)
		}
		supply, carry := bits.Add64(supplies[mint], holding.Amount, 0)
		if carry != 0 {
			return nil, fmt.Errorf("genesis supply of mint %s overflows", mint)
		}
		supplies[mint] = supply
		account, err := token.NewTokenAccount(e.TokenProgramID(), key, mint, owner, holding.Amount, e.Rent())
		if err != nil {
			return nil, err
		}
		holdings = append(holdings, account)
	}

	for _, mint := range genesis.Mints {
		key, err := e.resolveKey(mint.Address)
		if err != nil {
			return nil, fmt.Errorf("genesis mint: %w", err)
		}
		mintAuthority, err := e.resolveKey(mint.Authority)
		if err != nil {
			return nil, fmt.Errorf("genesis mint %s authority: %w", key, err)
		}
		account, err := token.NewMintAccount(e.TokenProgramID(), key, mintAuthority, mint.Decimals, supplies[key], e.Rent())
		if err != nil {
			return nil, err
		}
		if err := add(account); err != nil {
			return nil, err
		}
		delete(supplies, key)
	}
	for mint := range supplies {
		return nil, fmt.Errorf("genesis token accounts reference unknown mint %s", mint)
	}
	for _, account := range holdings {
		if err := add(account); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (e *Engine) resolveKey(raw string) (solana.PublicKey, error) {
	if raw == config.AuthorityAlias {
		return e.Authority().Key, nil
	}
	return solana.PublicKeyFromBase58(raw)
}
