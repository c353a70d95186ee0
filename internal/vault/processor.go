package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/coldbell/vault/backend/internal/authority"
	"github.com/coldbell/vault/backend/internal/oracle"
	"github.com/coldbell/vault/backend/internal/runtime"
	"github.com/coldbell/vault/backend/internal/token"
	"github.com/gagliardetto/solana-go"
)

// Config binds a processor to one collateral mint. Prices come from a single
// feed, so the mint has to be the asset that feed quotes.
type Config struct {
	ProgramID      solana.PublicKey
	Seed           string
	LTVRatio       uint8
	TokenProgram   solana.PublicKey
	CollateralMint solana.PublicKey
}

// Processor runs the vault instructions. It never holds a key: collateral
// releases and debt mints are signed with a capability derived from the
// program ID and seed for the duration of one instruction.
type Processor struct {
	programID      solana.PublicKey
	identity       authority.Identity
	ltvRatio       uint8
	tokenProgramID solana.PublicKey
	collateralMint solana.PublicKey
	tokens         token.Binder
	prices         oracle.Source
	logger         *slog.Logger
}

var _ runtime.Program = (*Processor)(nil)

func NewProcessor(cfg Config, tokens token.Binder, prices oracle.Source, logger *slog.Logger) (*Processor, error) {
	if cfg.ProgramID.IsZero() {
		return nil, errors.New("vault program id is required")
	}
	if cfg.CollateralMint.IsZero() {
		return nil, errors.New("vault collateral mint is required")
	}
	if cfg.Seed == "" {
		cfg.Seed = authority.DefaultSeed
	}
	if cfg.LTVRatio == 0 {
		cfg.LTVRatio = DefaultLTVRatio
	}
	if err := ValidateLTV(cfg.LTVRatio); err != nil {
		return nil, err
	}
	if tokens == nil || prices == nil {
		return nil, errors.New("vault processor needs a token binder and a price source")
	}
	identity, err := authority.Derive(cfg.ProgramID, cfg.Seed)
	if err != nil {
		return nil, err
	}
	return &Processor{
		programID:      cfg.ProgramID,
		identity:       identity,
		ltvRatio:       cfg.LTVRatio,
		tokenProgramID: tokenProgramOrDefault(cfg.TokenProgram),
		collateralMint: cfg.CollateralMint,
		tokens:         tokens,
		prices:         prices,
		logger:         logger,
	}, nil
}

func (p *Processor) ProgramID() solana.PublicKey {
	return p.programID
}

// Authority is the derived identity that owns collateral holding accounts and
// mints debt.
func (p *Processor) Authority() authority.Identity {
	return p.identity
}

func (p *Processor) LTVRatio() uint8 {
	return p.ltvRatio
}

func (p *Processor) CollateralMint() solana.PublicKey {
	return p.collateralMint
}

func (p *Processor) Process(ctx context.Context, rc *runtime.Context, data []byte) error {
	ix, err := DecodeInstruction(data)
	if err != nil {
		return err
	}
	switch ix.Kind {
	case KindInitialize:
		return p.initialize(rc)
	case KindDepositAndMint:
		return p.depositAndMint(ctx, rc, ix.Amount)
	case KindRepayAndWithdraw:
		return p.repayAndWithdraw(ctx, rc, ix.Amount)
	default:
		return fmt.Errorf("%w: %s", ErrInvalidInstruction, ix.Kind)
	}
}

func (p *Processor) initialize(rc *runtime.Context) error {
	infos, err := nextAccounts(rc, 8)
	if err != nil {
		return err
	}
	owner, vaultInfo, collateralMint, debtMint, holding := infos[0], infos[1], infos[2], infos[3], infos[4]
	if err := expectKey("token program", infos[5], p.tokenProgramID); err != nil {
		return err
	}
	if err := expectKey("system program", infos[6], solana.SystemProgramID); err != nil {
		return err
	}
	if err := expectKey("rent sysvar", infos[7], solana.SysVarRentPubkey); err != nil {
		return err
	}

	if !owner.IsSigner {
		return fmt.Errorf("%w: owner %s", ErrMissingSignature, owner.Key)
	}
	if !vaultInfo.IsWritable {
		return fmt.Errorf("%w: vault %s is not writable", ErrAccountMismatch, vaultInfo.Key)
	}
	if err := p.checkCollateralMint(collateralMint); err != nil {
		return err
	}
	if err := p.checkDebtMint(debtMint); err != nil {
		return err
	}
	if err := p.checkHolding(holding, collateralMint.Key); err != nil {
		return err
	}

	if !vaultInfo.Owner.Equals(p.programID) {
		if !vaultInfo.IsUnallocated() {
			return fmt.Errorf("%w: %s is owned by %s", ErrVaultNotFound, vaultInfo.Key, vaultInfo.Owner)
		}
		if err := rc.CreateAccount(owner, vaultInfo, StateSize, p.programID); err != nil {
			return provisionError(err)
		}
		p.logger.Debug("vault account provisioned", "vault", vaultInfo.Key, "payer", owner.Key, "lamports", vaultInfo.Lamports)
	}
	if !rc.Rent().IsExempt(vaultInfo.Lamports, uint64(len(vaultInfo.Data))) {
		return fmt.Errorf("%w: vault %s holds %d lamports", ErrNotRentExempt, vaultInfo.Key, vaultInfo.Lamports)
	}

	existing, err := DecodeState(vaultInfo.Data)
	if err != nil {
		return err
	}
	next := &State{
		Owner:             owner.Key,
		CollateralMint:    collateralMint.Key,
		DebtMint:          debtMint.Key,
		CollateralHolding: holding.Key,
		LTVRatio:          p.ltvRatio,
	}
	if existing.Initialized() {
		if existing.sameIdentities(next) {
			p.logger.Debug("vault already initialized", "vault", vaultInfo.Key)
			return nil
		}
		return fmt.Errorf("%w: %s belongs to %s", ErrAlreadyInitialized, vaultInfo.Key, existing.Owner)
	}

	if err := storeState(vaultInfo, next); err != nil {
		return err
	}
	rc.Emit(InitializedEvent{Vault: vaultInfo.Key, State: *next})
	return nil
}

func (p *Processor) depositAndMint(ctx context.Context, rc *runtime.Context, collateralAmount uint64) error {
	infos, err := nextAccounts(rc, 8)
	if err != nil {
		return err
	}
	owner, vaultInfo, ownerCollateral, holding, ownerDebt, debtMint := infos[0], infos[1], infos[2], infos[3], infos[4], infos[5]

	state, err := p.loadOwnedVault(owner, vaultInfo)
	if err != nil {
		return err
	}
	if err := p.checkPositionAccounts(state, holding, debtMint, ownerCollateral, infos[6], infos[7]); err != nil {
		return err
	}

	ownerSigner, err := rc.SignerFor(owner.Key)
	if err != nil {
		return err
	}
	tokens := p.tokens.Bind(rc)
	if err := tokens.Transfer(ctx, ownerCollateral.Key, holding.Key, ownerSigner, collateralAmount); err != nil {
		return fmt.Errorf("lock collateral: %w", err)
	}

	price, err := p.prices.CurrentPrice(ctx)
	if err != nil {
		return fmt.Errorf("read price: %w", err)
	}
	debtAmount, err := DebtForCollateral(collateralAmount, price, state.LTVRatio)
	if err != nil {
		return err
	}

	vaultSigner, err := rc.SignDerived(p.identity.Seed, p.identity.Bump)
	if err != nil {
		return err
	}
	if err := tokens.MintTo(ctx, debtMint.Key, ownerDebt.Key, vaultSigner, debtAmount); err != nil {
		return fmt.Errorf("mint debt: %w", err)
	}

	if state.LockedCollateral, err = checkedAdd(state.LockedCollateral, collateralAmount); err != nil {
		return err
	}
	if state.OutstandingDebt, err = checkedAdd(state.OutstandingDebt, debtAmount); err != nil {
		return err
	}
	if err := storeState(vaultInfo, state); err != nil {
		return err
	}

	p.logger.Debug("deposit processed",
		"vault", vaultInfo.Key,
		"collateral_amount", collateralAmount,
		"debt_amount", debtAmount,
		"price", price,
	)
	rc.Emit(DepositedEvent{
		Vault:            vaultInfo.Key,
		Owner:            owner.Key,
		CollateralAmount: collateralAmount,
		DebtAmount:       debtAmount,
		Price:            price,
		State:            *state,
	})
	return nil
}

func (p *Processor) repayAndWithdraw(ctx context.Context, rc *runtime.Context, debtAmount uint64) error {
	infos, err := nextAccounts(rc, 8)
	if err != nil {
		return err
	}
	owner, vaultInfo, ownerDebt, debtMint, ownerCollateral, holding := infos[0], infos[1], infos[2], infos[3], infos[4], infos[5]

	state, err := p.loadOwnedVault(owner, vaultInfo)
	if err != nil {
		return err
	}
	if err := p.checkPositionAccounts(state, holding, debtMint, ownerCollateral, infos[6], infos[7]); err != nil {
		return err
	}

	price, err := p.prices.CurrentPrice(ctx)
	if err != nil {
		return fmt.Errorf("read price: %w", err)
	}
	collateralAmount, err := CollateralForDebt(debtAmount, price, state.LTVRatio)
	if err != nil {
		return err
	}
	if collateralAmount > state.LockedCollateral {
		return fmt.Errorf("%w: releasing %d, locked %d", ErrInsufficientCollateral, collateralAmount, state.LockedCollateral)
	}

	ownerSigner, err := rc.SignerFor(owner.Key)
	if err != nil {
		return err
	}
	tokens := p.tokens.Bind(rc)
	if err := tokens.Burn(ctx, ownerDebt.Key, debtMint.Key, ownerSigner, debtAmount); err != nil {
		return fmt.Errorf("burn debt: %w", err)
	}

	vaultSigner, err := rc.SignDerived(p.identity.Seed, p.identity.Bump)
	if err != nil {
		return err
	}
	if err := tokens.Transfer(ctx, holding.Key, ownerCollateral.Key, vaultSigner, collateralAmount); err != nil {
		return fmt.Errorf("release collateral: %w", err)
	}

	if state.LockedCollateral, err = checkedSub(state.LockedCollateral, collateralAmount); err != nil {
		return err
	}
	if state.OutstandingDebt, err = checkedSub(state.OutstandingDebt, debtAmount); err != nil {
		return err
	}
	if err := storeState(vaultInfo, state); err != nil {
		return err
	}

	p.logger.Debug("repay processed",
		"vault", vaultInfo.Key,
		"debt_amount", debtAmount,
		"collateral_amount", collateralAmount,
		"price", price,
	)
	rc.Emit(RepaidEvent{
		Vault:            vaultInfo.Key,
		Owner:            owner.Key,
		DebtAmount:       debtAmount,
		CollateralAmount: collateralAmount,
		Price:            price,
		State:            *state,
	})
	return nil
}

// loadOwnedVault checks the signer and the ownership tag, then decodes the
// record. Only the recorded owner may operate the vault.
func (p *Processor) loadOwnedVault(owner, vaultInfo *runtime.AccountInfo) (*State, error) {
	if !owner.IsSigner {
		return nil, fmt.Errorf("%w: owner %s", ErrMissingSignature, owner.Key)
	}
	if !vaultInfo.Owner.Equals(p.programID) {
		return nil, fmt.Errorf("%w: %s is owned by %s", ErrVaultNotFound, vaultInfo.Key, vaultInfo.Owner)
	}
	state, err := DecodeState(vaultInfo.Data)
	if err != nil {
		return nil, err
	}
	if !state.Initialized() {
		return nil, fmt.Errorf("%w: %s is not initialized", ErrVaultNotFound, vaultInfo.Key)
	}
	if !state.Owner.Equals(owner.Key) {
		return nil, fmt.Errorf("%w: vault %s belongs to %s", ErrMissingSignature, vaultInfo.Key, state.Owner)
	}
	if !vaultInfo.IsWritable {
		return nil, fmt.Errorf("%w: vault %s is not writable", ErrAccountMismatch, vaultInfo.Key)
	}
	return state, nil
}

func (p *Processor) checkPositionAccounts(state *State, holding, debtMint, ownerCollateral, tokenProgram, authorityInfo *runtime.AccountInfo) error {
	if !state.CollateralMint.Equals(p.collateralMint) {
		return fmt.Errorf("%w: vault collateral %s is not priced by this program (%s)", ErrAccountMismatch, state.CollateralMint, p.collateralMint)
	}
	if !holding.Key.Equals(state.CollateralHolding) {
		return fmt.Errorf("%w: collateral holding %s, vault uses %s", ErrAccountMismatch, holding.Key, state.CollateralHolding)
	}
	if !debtMint.Key.Equals(state.DebtMint) {
		return fmt.Errorf("%w: debt mint %s, vault uses %s", ErrAccountMismatch, debtMint.Key, state.DebtMint)
	}
	if ownerCollateral.Key.Equals(holding.Key) {
		return fmt.Errorf("%w: owner collateral account is the holding account", ErrAccountMismatch)
	}
	if err := expectKey("token program", tokenProgram, p.tokenProgramID); err != nil {
		return err
	}
	return expectKey("vault authority", authorityInfo, p.identity.Key)
}

// checkCollateralMint only admits the mint the price feed quotes; any other
// token would mint debt at a price it does not have.
func (p *Processor) checkCollateralMint(info *runtime.AccountInfo) error {
	if !info.Key.Equals(p.collateralMint) {
		return fmt.Errorf("%w: collateral mint %s, program accepts %s", ErrAccountMismatch, info.Key, p.collateralMint)
	}
	if !info.Owner.Equals(p.tokenProgramID) {
		return fmt.Errorf("%w: collateral mint %s is not a token mint", ErrAccountMismatch, info.Key)
	}
	if _, err := token.DecodeMint(info.Data); err != nil {
		return fmt.Errorf("%w: collateral mint %s: %v", ErrAccountMismatch, info.Key, err)
	}
	return nil
}

// checkDebtMint requires the vault authority to be the only party able to
// issue debt.
func (p *Processor) checkDebtMint(info *runtime.AccountInfo) error {
	if !info.Owner.Equals(p.tokenProgramID) {
		return fmt.Errorf("%w: debt mint %s is not a token mint", ErrAccountMismatch, info.Key)
	}
	mint, err := token.DecodeMint(info.Data)
	if err != nil {
		return fmt.Errorf("%w: debt mint %s: %v", ErrAccountMismatch, info.Key, err)
	}
	if mint.MintAuthority == nil || !mint.MintAuthority.Equals(p.identity.Key) {
		return fmt.Errorf("%w: debt mint %s is not issued by %s", ErrAccountMismatch, info.Key, p.identity.Key)
	}
	return nil
}

func (p *Processor) checkHolding(info *runtime.AccountInfo, collateralMint solana.PublicKey) error {
	if !info.Owner.Equals(p.tokenProgramID) {
		return fmt.Errorf("%w: holding %s is not a token account", ErrAccountMismatch, info.Key)
	}
	account, err := token.DecodeAccount(info.Data)
	if err != nil {
		return fmt.Errorf("%w: holding %s: %v", ErrAccountMismatch, info.Key, err)
	}
	if !account.Mint.Equals(collateralMint) {
		return fmt.Errorf("%w: holding %s holds %s", ErrAccountMismatch, info.Key, account.Mint)
	}
	if !account.Owner.Equals(p.identity.Key) {
		return fmt.Errorf("%w: holding %s is controlled by %s", ErrAccountMismatch, info.Key, account.Owner)
	}
	return nil
}

func nextAccounts(rc *runtime.Context, n int) ([]*runtime.AccountInfo, error) {
	accounts := rc.Accounts()
	out := make([]*runtime.AccountInfo, 0, n)
	for range n {
		info, err := accounts.Next()
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

func expectKey(name string, info *runtime.AccountInfo, want solana.PublicKey) error {
	if !info.Key.Equals(want) {
		return fmt.Errorf("%w: %s is %s, want %s", ErrAccountMismatch, name, info.Key, want)
	}
	return nil
}

func provisionError(err error) error {
	switch {
	case errors.Is(err, runtime.ErrMissingSignature):
		return fmt.Errorf("%w: provision vault: %v", ErrMissingSignature, err)
	case errors.Is(err, runtime.ErrInsufficientLamports):
		return fmt.Errorf("%w: provision vault: %v", ErrNotRentExempt, err)
	case errors.Is(err, runtime.ErrAccountInUse):
		return fmt.Errorf("%w: provision vault: %v", ErrVaultNotFound, err)
	case errors.Is(err, runtime.ErrReadonlyAccount):
		return fmt.Errorf("%w: provision vault: %v", ErrAccountMismatch, err)
	default:
		return fmt.Errorf("provision vault: %w", err)
	}
}

func storeState(info *runtime.AccountInfo, state *State) error {
	data, err := EncodeState(state)
	if err != nil {
		return err
	}
	if len(info.Data) != len(data) {
		return fmt.Errorf("%w: vault %s has %d bytes", ErrInvalidVaultData, info.Key, len(info.Data))
	}
	copy(info.Data, data)
	return nil
}
