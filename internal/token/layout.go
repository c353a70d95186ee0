package token

import (
	"bytes"
	"encoding/binary"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// Layout sizes match the SPL token program so token accounts can be read with
// any SPL tooling.
const (
	MintSize    = 82
	AccountSize = 165
)

type AccountState uint8

const (
	StateUninitialized AccountState = iota
	StateInitialized
	StateFrozen
)

type Mint struct {
	MintAuthority   *solana.PublicKey
	Supply          uint64
	Decimals        uint8
	IsInitialized   bool
	FreezeAuthority *solana.PublicKey
}

type Account struct {
	Mint            solana.PublicKey
	Owner           solana.PublicKey
	Amount          uint64
	Delegate        *solana.PublicKey
	State           AccountState
	IsNative        *uint64
	DelegatedAmount uint64
	CloseAuthority  *solana.PublicKey
}

func (m Mint) MarshalWithEncoder(encoder *bin.Encoder) error {
	if err := writeOptionalKey(encoder, m.MintAuthority); err != nil {
		return err
	}
	if err := encoder.WriteUint64(m.Supply, binary.LittleEndian); err != nil {
		return err
	}
	if err := encoder.WriteUint8(m.Decimals); err != nil {
		return err
	}
	if err := encoder.WriteBool(m.IsInitialized); err != nil {
		return err
	}
	return writeOptionalKey(encoder, m.FreezeAuthority)
}

func (m *Mint) UnmarshalWithDecoder(decoder *bin.Decoder) (err error) {
	if m.MintAuthority, err = readOptionalKey(decoder); err != nil {
		return err
	}
	if m.Supply, err = decoder.ReadUint64(binary.LittleEndian); err != nil {
		return err
	}
	if m.Decimals, err = decoder.ReadUint8(); err != nil {
		return err
	}
	if m.IsInitialized, err = decoder.ReadBool(); err != nil {
		return err
	}
	m.FreezeAuthority, err = readOptionalKey(decoder)
	return err
}

func (a Account) MarshalWithEncoder(encoder *bin.Encoder) error {
	if err := writeKey(encoder, a.Mint); err != nil {
		return err
	}
	if err := writeKey(encoder, a.Owner); err != nil {
		return err
	}
	if err := encoder.WriteUint64(a.Amount, binary.LittleEndian); err != nil {
		return err
	}
	if err := writeOptionalKey(encoder, a.Delegate); err != nil {
		return err
	}
	if err := encoder.WriteUint8(uint8(a.State)); err != nil {
		return err
	}
	if err := writeOptionalU64(encoder, a.IsNative); err != nil {
		return err
	}
	if err := encoder.WriteUint64(a.DelegatedAmount, binary.LittleEndian); err != nil {
		return err
	}
	return writeOptionalKey(encoder, a.CloseAuthority)
}

func (a *Account) UnmarshalWithDecoder(decoder *bin.Decoder) (err error) {
	if a.Mint, err = readKey(decoder); err != nil {
		return err
	}
	if a.Owner, err = readKey(decoder); err != nil {
		return err
	}
	if a.Amount, err = decoder.ReadUint64(binary.LittleEndian); err != nil {
		return err
	}
	if a.Delegate, err = readOptionalKey(decoder); err != nil {
		return err
	}
	state, err := decoder.ReadUint8()
	if err != nil {
		return err
	}
	a.State = AccountState(state)
	if a.IsNative, err = readOptionalU64(decoder); err != nil {
		return err
	}
	if a.DelegatedAmount, err = decoder.ReadUint64(binary.LittleEndian); err != nil {
		return err
	}
	a.CloseAuthority, err = readOptionalKey(decoder)
	return err
}

func DecodeMint(data []byte) (*Mint, error) {
	if len(data) != MintSize {
		return nil, fmt.Errorf("%w: mint is %d bytes, want %d", ErrInvalidAccountData, len(data), MintSize)
	}
	var mint Mint
	if err := mint.UnmarshalWithDecoder(bin.NewBorshDecoder(data)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAccountData, err)
	}
	return &mint, nil
}

func EncodeMint(mint *Mint) ([]byte, error) {
	return encodeFixed(mint, MintSize)
}

func DecodeAccount(data []byte) (*Account, error) {
	if len(data) != AccountSize {
		return nil, fmt.Errorf("%w: token account is %d bytes, want %d", ErrInvalidAccountData, len(data), AccountSize)
	}
	var account Account
	if err := account.UnmarshalWithDecoder(bin.NewBorshDecoder(data)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAccountData, err)
	}
	return &account, nil
}

func EncodeAccount(account *Account) ([]byte, error) {
	return encodeFixed(account, AccountSize)
}

type marshaler interface {
	MarshalWithEncoder(encoder *bin.Encoder) error
}

func encodeFixed(value marshaler, size int) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Grow(size)
	if err := value.MarshalWithEncoder(bin.NewBorshEncoder(buf)); err != nil {
		return nil, err
	}
	if buf.Len() != size {
		return nil, fmt.Errorf("%w: encoded %d bytes, want %d", ErrInvalidAccountData, buf.Len(), size)
	}
	return buf.Bytes(), nil
}

// COption is encoded as a u32 tag followed by the full payload width, present
// or not.
func writeOptionalKey(encoder *bin.Encoder, key *solana.PublicKey) error {
	if key == nil {
		if err := encoder.WriteUint32(0, binary.LittleEndian); err != nil {
			return err
		}
		return writeKey(encoder, solana.PublicKey{})
	}
	if err := encoder.WriteUint32(1, binary.LittleEndian); err != nil {
		return err
	}
	return writeKey(encoder, *key)
}

func readOptionalKey(decoder *bin.Decoder) (*solana.PublicKey, error) {
	tag, err := decoder.ReadUint32(binary.LittleEndian)
	if err != nil {
		return nil, err
	}
	key, err := readKey(decoder)
	if err != nil {
		return nil, err
	}
	switch tag {
	case 0:
		return nil, nil
	case 1:
		return &key, nil
	default:
		return nil, fmt.Errorf("invalid option tag %d", tag)
	}
}

func writeOptionalU64(encoder *bin.Encoder, value *uint64) error {
	var tag uint32
	var payload uint64
	if value != nil {
		tag = 1
		payload = *value
	}
	if err := encoder.WriteUint32(tag, binary.LittleEndian); err != nil {
		return err
	}
	return encoder.WriteUint64(payload, binary.LittleEndian)
}

func readOptionalU64(decoder *bin.Decoder) (*uint64, error) {
	tag, err := decoder.ReadUint32(binary.LittleEndian)
	if err != nil {
		return nil, err
	}
	value, err := decoder.ReadUint64(binary.LittleEndian)
	if err != nil {
		return nil, err
	}
	switch tag {
	case 0:
		return nil, nil
	case 1:
		return &value, nil
	default:
		return nil, fmt.Errorf("invalid option tag %d", tag)
	}
}

func writeKey(encoder *bin.Encoder, key solana.PublicKey) error {
	return encoder.WriteBytes(key[:], false)
}

func readKey(decoder *bin.Decoder) (solana.PublicKey, error) {
	raw, err := decoder.ReadNBytes(solana.PublicKeyLength)
	if err != nil {
		return solana.PublicKey{}, err
	}
	return solana.PublicKeyFromBytes(raw), nil
}
