package vault

import (
	"bytes"
	"encoding/binary"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// StateSize is the encoded size of State: four keys, two u64 amounts and the
// ratio byte.
const StateSize = 4*solana.PublicKeyLength + 8 + 8 + 1

const DefaultLTVRatio uint8 = 70

// State is the ledger record of one collateral position.
type State struct {
	Owner             solana.PublicKey `json:"owner"`
	CollateralMint    solana.PublicKey `json:"collateral_mint"`
	DebtMint          solana.PublicKey `json:"debt_mint"`
	CollateralHolding solana.PublicKey `json:"collateral_holding_account"`
	LockedCollateral  uint64           `json:"locked_collateral_amount"`
	OutstandingDebt   uint64           `json:"outstanding_debt_amount"`
	LTVRatio          uint8            `json:"ltv_ratio"`
}

// Initialized reports whether the record has been written by Initialize. A
// provisioned but unwritten account decodes to the zero owner.
func (s *State) Initialized() bool {
	return !s.Owner.IsZero()
}

func (s *State) sameIdentities(other *State) bool {
	return s.Owner.Equals(other.Owner) &&
		s.CollateralMint.Equals(other.CollateralMint) &&
		s.DebtMint.Equals(other.DebtMint) &&
		s.CollateralHolding.Equals(other.CollateralHolding)
}

func (s State) MarshalWithEncoder(encoder *bin.Encoder) error {
	for _, key := range []solana.PublicKey{s.Owner, s.CollateralMint, s.DebtMint, s.CollateralHolding} {
		if err := encoder.WriteBytes(key[:], false); err != nil {
			return err
		}
	}
	if err := encoder.WriteUint64(s.LockedCollateral, binary.LittleEndian); err != nil {
		return err
	}
	if err := encoder.WriteUint64(s.OutstandingDebt, binary.LittleEndian); err != nil {
		return err
	}
	return encoder.WriteUint8(s.LTVRatio)
}

func (s *State) UnmarshalWithDecoder(decoder *bin.Decoder) (err error) {
	for _, key := range []*solana.PublicKey{&s.Owner, &s.CollateralMint, &s.DebtMint, &s.CollateralHolding} {
		raw, err := decoder.ReadNBytes(solana.PublicKeyLength)
		if err != nil {
			return err
		}
		*key = solana.PublicKeyFromBytes(raw)
	}
	if s.LockedCollateral, err = decoder.ReadUint64(binary.LittleEndian); err != nil {
		return err
	}
	if s.OutstandingDebt, err = decoder.ReadUint64(binary.LittleEndian); err != nil {
		return err
	}
	s.LTVRatio, err = decoder.ReadUint8()
	return err
}

// DecodeState parses a vault record. Unwritten records decode without error;
// written ones must carry a ratio in 1..100.
func DecodeState(data []byte) (*State, error) {
	if len(data) != StateSize {
		return nil, fmt.Errorf("%w: %d bytes, want %d", ErrInvalidVaultData, len(data), StateSize)
	}
	var state State
	if err := state.UnmarshalWithDecoder(bin.NewBorshDecoder(data)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVaultData, err)
	}
	if state.Initialized() {
		if err := ValidateLTV(state.LTVRatio); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidVaultData, err)
		}
	}
	return &state, nil
}

func EncodeState(state *State) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Grow(StateSize)
	if err := state.MarshalWithEncoder(bin.NewBorshEncoder(buf)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func ValidateLTV(ratio uint8) error {
	if ratio == 0 || ratio > percentDenominator {
		return fmt.Errorf("ltv ratio %d outside 1..100", ratio)
	}
	return nil
}
