// Package client submits vault instructions either to a vault-engine over
// HTTP or to a Solana cluster over JSON-RPC.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coldbell/vault/backend/internal/config"
	"github.com/coldbell/vault/backend/internal/token"
	"github.com/coldbell/vault/backend/internal/vault"
	"github.com/gagliardetto/solana-go"
)

var ErrNotFound = errors.New("account not found")

// Backend is where vault instructions are executed. The first signer pays for
// the transaction.
type Backend interface {
	Submit(ctx context.Context, ix solana.Instruction, signers ...solana.PrivateKey) (string, error)
	Vault(ctx context.Context, key solana.PublicKey) (*vault.State, error)
	TokenAccount(ctx context.Context, key solana.PublicKey) (*token.Account, error)
}

// New returns the backend selected by cfg.Target.
func New(cfg config.CLIConfig, logger *slog.Logger) (Backend, error) {
	switch cfg.Target {
	case config.TargetRPC:
		return NewRPC(cfg, logger), nil
	case config.TargetEngine, "":
		return NewEngine(cfg.EngineURL, &http.Client{Timeout: cfg.TxTimeout}, time.Minute), nil
	default:
		return nil, fmt.Errorf("unknown target %q", cfg.Target)
	}
}
