package vault

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

type Kind uint8

const (
	KindInitialize Kind = iota
	KindDepositAndMint
	KindRepayAndWithdraw
)

func (k Kind) String() string {
	switch k {
	case KindInitialize:
		return "Initialize"
	case KindDepositAndMint:
		return "DepositAndMint"
	case KindRepayAndWithdraw:
		return "RepayAndWithdraw"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Instruction is a decoded request. Amount is the collateral amount for
// DepositAndMint and the debt amount for RepayAndWithdraw.
type Instruction struct {
	Kind   Kind
	Amount uint64
}

// DecodeInstruction reads a one byte tag followed, for the amount carrying
// kinds, by a little endian u64. Bytes past the payload are ignored.
func DecodeInstruction(data []byte) (Instruction, error) {
	if len(data) == 0 {
		return Instruction{}, fmt.Errorf("%w: empty", ErrInvalidInstruction)
	}
	kind, rest := Kind(data[0]), data[1:]
	switch kind {
	case KindInitialize:
		return Instruction{Kind: kind}, nil
	case KindDepositAndMint, KindRepayAndWithdraw:
		if len(rest) < 8 {
			return Instruction{}, fmt.Errorf("%w: %s amount is %d bytes", ErrInvalidInstruction, kind, len(rest))
		}
		return Instruction{Kind: kind, Amount: binary.LittleEndian.Uint64(rest[:8])}, nil
	default:
		return Instruction{}, fmt.Errorf("%w: unknown tag %d", ErrInvalidInstruction, data[0])
	}
}

func (i Instruction) Encode() []byte {
	if i.Kind == KindInitialize {
		return []byte{byte(KindInitialize)}
	}
	out := make([]byte, 9)
	out[0] = byte(i.Kind)
	binary.LittleEndian.PutUint64(out[1:], i.Amount)
	return out
}

type InitializeAccounts struct {
	Owner             solana.PublicKey
	Vault             solana.PublicKey
	CollateralMint    solana.PublicKey
	DebtMint          solana.PublicKey
	CollateralHolding solana.PublicKey
	TokenProgram      solana.PublicKey
}

// NewInitializeInstruction lists, in order: owner, vault, collateral mint, debt
// mint, collateral holding account, token program, system program and the rent
// sysvar. The vault signs so it can be provisioned on first use.
func NewInitializeInstruction(programID solana.PublicKey, accounts InitializeAccounts) solana.Instruction {
	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.Owner, true, true),
		solana.NewAccountMeta(accounts.Vault, true, true),
		solana.NewAccountMeta(accounts.CollateralMint, false, false),
		solana.NewAccountMeta(accounts.DebtMint, false, false),
		solana.NewAccountMeta(accounts.CollateralHolding, false, false),
		solana.NewAccountMeta(tokenProgramOrDefault(accounts.TokenProgram), false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
		solana.NewAccountMeta(solana.SysVarRentPubkey, false, false),
	}, Instruction{Kind: KindInitialize}.Encode())
}

type DepositAccounts struct {
	Owner             solana.PublicKey
	Vault             solana.PublicKey
	OwnerCollateral   solana.PublicKey
	CollateralHolding solana.PublicKey
	OwnerDebt         solana.PublicKey
	DebtMint          solana.PublicKey
	TokenProgram      solana.PublicKey
	Authority         solana.PublicKey
}

func NewDepositAndMintInstruction(programID solana.PublicKey, accounts DepositAccounts, collateralAmount uint64) solana.Instruction {
	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.Owner, false, true),
		solana.NewAccountMeta(accounts.Vault, true, false),
		solana.NewAccountMeta(accounts.OwnerCollateral, true, false),
		solana.NewAccountMeta(accounts.CollateralHolding, true, false),
		solana.NewAccountMeta(accounts.OwnerDebt, true, false),
		solana.NewAccountMeta(accounts.DebtMint, true, false),
		solana.NewAccountMeta(tokenProgramOrDefault(accounts.TokenProgram), false, false),
		solana.NewAccountMeta(accounts.Authority, false, false),
	}, Instruction{Kind: KindDepositAndMint, Amount: collateralAmount}.Encode())
}

type RepayAccounts struct {
	Owner             solana.PublicKey
	Vault             solana.PublicKey
	OwnerDebt         solana.PublicKey
	DebtMint          solana.PublicKey
	OwnerCollateral   solana.PublicKey
	CollateralHolding solana.PublicKey
	TokenProgram      solana.PublicKey
	Authority         solana.PublicKey
}

func NewRepayAndWithdrawInstruction(programID solana.PublicKey, accounts RepayAccounts, debtAmount uint64) solana.Instruction {
	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.Owner, false, true),
		solana.NewAccountMeta(accounts.Vault, true, false),
		solana.NewAccountMeta(accounts.OwnerDebt, true, false),
		solana.NewAccountMeta(accounts.DebtMint, true, false),
		solana.NewAccountMeta(accounts.OwnerCollateral, true, false),
		solana.NewAccountMeta(accounts.CollateralHolding, true, false),
		solana.NewAccountMeta(tokenProgramOrDefault(accounts.TokenProgram), false, false),
		solana.NewAccountMeta(accounts.Authority, false, false),
	}, Instruction{Kind: KindRepayAndWithdraw, Amount: debtAmount}.Encode())
}

func tokenProgramOrDefault(key solana.PublicKey) solana.PublicKey {
	if key.IsZero() {
		return solana.TokenProgramID
	}
	return key
}
