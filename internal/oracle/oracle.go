package oracle

import (
	"context"
	"errors"
)

// PriceDecimals is the fixed point precision of every price a Source returns.
const PriceDecimals = 6

// DefaultStaticPrice is 50,000 debt units per collateral unit.
const DefaultStaticPrice uint64 = 50_000_000_000

var (
	ErrNoPrice    = errors.New("oracle: no price available")
	ErrStalePrice = errors.New("oracle: price is stale")
	ErrBadPrice   = errors.New("oracle: price out of range")
)

// Source reports how many debt units (PriceDecimals fixed point) one unit of
// collateral is worth right now.
type Source interface {
	CurrentPrice(ctx context.Context) (uint64, error)
}

// Static always reports the same price.
type Static uint64

func (s Static) CurrentPrice(context.Context) (uint64, error) {
	if s == 0 {
		return 0, ErrNoPrice
	}
	return uint64(s), nil
}
