package token

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/coldbell/vault/backend/internal/runtime"
	"github.com/coldbell/vault/backend/internal/store"
	"github.com/gagliardetto/solana-go"
)

// Instruction tags shared with the SPL token program.
const (
	instructionTransfer uint8 = 3
	instructionMintTo   uint8 = 7
	instructionBurn     uint8 = 8
)

// Program is the token program the executor dispatches to. It also binds
// ledgers for programs that move tokens as part of their own instruction.
type Program struct {
	id solana.PublicKey
}

var (
	_ runtime.Program = (*Program)(nil)
	_ Binder          = (*Program)(nil)
)

// NewProgram returns a token program living at id, or at the SPL token
// program ID when id is the zero key.
func NewProgram(id solana.PublicKey) *Program {
	if id.IsZero() {
		id = solana.TokenProgramID
	}
	return &Program{id: id}
}

func (p *Program) ProgramID() solana.PublicKey {
	return p.id
}

func (p *Program) Bind(rc *runtime.Context) Service {
	return &Ledger{programID: p.id, rc: rc}
}

// Process handles Transfer, MintTo and Burn submitted directly by wallets.
// Accounts follow the SPL ordering: [source|mint, destination|mint, authority].
func (p *Program) Process(ctx context.Context, rc *runtime.Context, data []byte) error {
	if len(data) != 9 {
		return fmt.Errorf("%w: %d bytes", ErrInvalidInstruction, len(data))
	}
	tag := data[0]
	amount := binary.LittleEndian.Uint64(data[1:])

	accounts := rc.Accounts()
	first, err := accounts.Next()
	if err != nil {
		return err
	}
	second, err := accounts.Next()
	if err != nil {
		return err
	}
	authorityInfo, err := accounts.Next()
	if err != nil {
		return err
	}
	signer, err := rc.SignerFor(authorityInfo.Key)
	if err != nil {
		return err
	}

	ledger := p.Bind(rc)
	switch tag {
	case instructionTransfer:
		return ledger.Transfer(ctx, first.Key, second.Key, signer, amount)
	case instructionMintTo:
		return ledger.MintTo(ctx, first.Key, second.Key, signer, amount)
	case instructionBurn:
		return ledger.Burn(ctx, first.Key, second.Key, signer, amount)
	default:
		return fmt.Errorf("%w: tag %d", ErrInvalidInstruction, tag)
	}
}

// NewMintAccount builds a rent exempt mint account ready to be stored.
func NewMintAccount(programID, key, mintAuthority solana.PublicKey, decimals uint8, supply uint64, rent runtime.Rent) (*store.Account, error) {
	auth := mintAuthority
	data, err := EncodeMint(&Mint{
		MintAuthority: &auth,
		Supply:        supply,
		Decimals:      decimals,
		IsInitialized: true,
	})
	if err != nil {
		return nil, err
	}
	return fundedAccount(programID, key, data, rent)
}

// NewTokenAccount builds a rent exempt token account holding amount of mint.
// The mint's supply is not adjusted.
func NewTokenAccount(programID, key, mint, owner solana.PublicKey, amount uint64, rent runtime.Rent) (*store.Account, error) {
	data, err := EncodeAccount(&Account{
		Mint:   mint,
		Owner:  owner,
		Amount: amount,
		State:  StateInitialized,
	})
	if err != nil {
		return nil, err
	}
	return fundedAccount(programID, key, data, rent)
}

func fundedAccount(programID, key solana.PublicKey, data []byte, rent runtime.Rent) (*store.Account, error) {
	lamports, err := rent.MinimumBalance(uint64(len(data)))
	if err != nil {
		return nil, err
	}
	return &store.Account{Key: key, Owner: programID, Lamports: lamports, Data: data}, nil
}
