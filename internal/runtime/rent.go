package runtime

import (
	"fmt"
	"math/bits"
)

// AccountStorageOverhead is charged on top of the data length of every
// account.
const AccountStorageOverhead = 128

type Rent struct {
	LamportsPerByteYear uint64
	ExemptionThreshold  uint64
}

var DefaultRent = Rent{LamportsPerByteYear: 3480, ExemptionThreshold: 2}

// MinimumBalance is the balance that makes an account of space bytes exempt
// from rent collection.
func (r Rent) MinimumBalance(space uint64) (uint64, error) {
	size, carry := bits.Add64(space, AccountStorageOverhead, 0)
	if carry != 0 {
		return 0, fmt.Errorf("%w: space %d", ErrRentOverflow, space)
	}
	hi, perYear := bits.Mul64(size, r.LamportsPerByteYear)
	if hi != 0 {
		return 0, fmt.Errorf("%w: space %d", ErrRentOverflow, space)
	}
	hi, total := bits.Mul64(perYear, r.ExemptionThreshold)
	if hi != 0 {
		return 0, fmt.Errorf("%w: space %d", ErrRentOverflow, space)
	}
	return total, nil
}

func (r Rent) IsExempt(lamports, space uint64) bool {
	minimum, err := r.MinimumBalance(space)
	if err != nil {
		return false
	}
	return lamports >= minimum
}
