package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/coldbell/vault/backend/internal/config"
	"github.com/coldbell/vault/backend/internal/token"
	"github.com/coldbell/vault/backend/internal/vault"
	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/rpc"
)

// RPC sends vault instructions to a cluster running the on-chain program.
type RPC struct {
	cfg    config.CLIConfig
	rpc    *rpc.Client
	logger *slog.Logger
}

func NewRPC(cfg config.CLIConfig, logger *slog.Logger) *RPC {
	return &RPC{
		cfg:    cfg,
		rpc:    rpc.New(cfg.RPCURL),
		logger: logger,
	}
}

func (c *RPC) Submit(ctx context.Context, ix solana.Instruction, signers ...solana.PrivateKey) (string, error) {
	if len(signers) == 0 {
		return "", errors.New("at least one signer is required")
	}
	instructions, err := c.instructions(ix)
	if err != nil {
		return "", err
	}

	txCtx, cancel := context.WithTimeout(ctx, c.cfg.TxTimeout)
	defer cancel()

	sig, err := c.sendTransaction(txCtx, instructions, signers)
	if err != nil {
		return "", err
	}
	c.logger.Info("transaction sent", "signature", sig, "program", ix.ProgramID())
	if err := c.waitForConfirmation(txCtx, sig); err != nil {
		return sig.String(), fmt.Errorf("confirm %s: %w", sig, err)
	}
	return sig.String(), nil
}

// instructions prepends the configured compute budget to ix.
func (c *RPC) instructions(ix solana.Instruction) ([]solana.Instruction, error) {
	instructions := make([]solana.Instruction, 0, 3)
	if c.cfg.ComputeUnitLimit > 0 {
		cuLimitIx, err := computebudget.NewSetComputeUnitLimitInstruction(c.cfg.ComputeUnitLimit).ValidateAndBuild()
		if err != nil {
			return nil, fmt.Errorf("build compute unit limit instruction: %w", err)
		}
		instructions = append(instructions, cuLimitIx)
	}
	if c.cfg.ComputeUnitPriceMicroLamports > 0 {
		cuPriceIx, err := computebudget.NewSetComputeUnitPriceInstruction(c.cfg.ComputeUnitPriceMicroLamports).ValidateAndBuild()
		if err != nil {
			return nil, fmt.Errorf("build compute unit price instruction: %w", err)
		}
		instructions = append(instructions, cuPriceIx)
	}
	return append(instructions, ix), nil
}

func (c *RPC) sendTransaction(ctx context.Context, instructions []solana.Instruction, signers []solana.PrivateKey) (solana.Signature, error) {
	recent, err := c.rpc.GetLatestBlockhash(ctx, c.cfg.Commitment)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("get latest blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(
		instructions,
		recent.Value.Blockhash,
		solana.TransactionPayer(signers[0].PublicKey()),
	)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("build transaction: %w", err)
	}

	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		for i := range signers {
			if signers[i].PublicKey().Equals(key) {
				return &signers[i]
			}
		}
		return nil
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("sign transaction: %w", err)
	}

	opts := rpc.TransactionOpts{
		SkipPreflight:       c.cfg.SkipPreflight,
		PreflightCommitment: c.cfg.Commitment,
	}
	if c.cfg.MaxRetries != nil {
		retries := *c.cfg.MaxRetries
		opts.MaxRetries = &retries
	}
	return c.rpc.SendTransactionWithOpts(ctx, tx, opts)
}

func (c *RPC) waitForConfirmation(ctx context.Context, sig solana.Signature) error {
	ticker := time.NewTicker(700 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			result, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
			if err != nil {
				continue
			}
			if len(result.Value) == 0 || result.Value[0] == nil {
				continue
			}
			status := result.Value[0]
			if status.Err != nil {
				return fmt.Errorf("transaction failed: %v", status.Err)
			}
			if status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
				status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return nil
			}
		}
	}
}

func (c *RPC) Vault(ctx context.Context, key solana.PublicKey) (*vault.State, error) {
	account, err := c.account(ctx, key)
	if err != nil {
		return nil, err
	}
	if !account.Owner.Equals(c.cfg.ProgramID) {
		return nil, fmt.Errorf("%w: %s is owned by %s, not the vault program", ErrNotFound, key, account.Owner)
	}
	state, err := vault.DecodeState(account.Data.GetBinary())
	if err != nil {
		return nil, err
	}
	if !state.Initialized() {
		return nil, fmt.Errorf("%w: vault %s is not initialized", ErrNotFound, key)
	}
	return state, nil
}

func (c *RPC) TokenAccount(ctx context.Context, key solana.PublicKey) (*token.Account, error) {
	account, err := c.account(ctx, key)
	if err != nil {
		return nil, err
	}
	return token.DecodeAccount(account.Data.GetBinary())
}

func (c *RPC) account(ctx context.Context, key solana.PublicKey) (*rpc.Account, error) {
	resp, err := c.rpc.GetAccountInfoWithOpts(ctx, key, &rpc.GetAccountInfoOpts{Commitment: c.cfg.Commitment})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) || strings.Contains(strings.ToLower(err.Error()), "not found") {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("fetch account %s: %w", key, err)
	}
	if resp == nil || resp.Value == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return resp.Value, nil
}
