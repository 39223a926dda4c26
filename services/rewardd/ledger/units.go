package ledger

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
)

// Units converts between ledger token units and on-chain base units.
type Units struct {
	scale *uint256.Int
}

// NewUnits builds a converter for a token with the given number of decimals.
func NewUnits(decimals uint8) (Units, error) {
	if decimals > 77 {
		return Units{}, fmt.Errorf("ledger: %d decimals overflow uint256", decimals)
	}
	scale := new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(decimals)))
	return Units{scale: scale}, nil
}

// ToBase scales token units up to base units.
func (u Units) ToBase(amount int64) (*big.Int, error) {
	if amount < 0 {
		return nil, fmt.Errorf("ledger: negative amount %d", amount)
	}
	value, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(uint64(amount)), u.scaleOrOne())
	if overflow {
		return nil, fmt.Errorf("ledger: amount %d overflows uint256", amount)
	}
	return value.ToBig(), nil
}

// FromBase truncates base units to whole token units.
func (u Units) FromBase(amount *big.Int) (int64, error) {
	if amount == nil {
		return 0, nil
	}
	if amount.Sign() < 0 {
		return 0, fmt.Errorf("ledger: negative balance %s", amount)
	}
	value, overflow := uint256.FromBig(amount)
	if overflow {
		return 0, fmt.Errorf("ledger: balance %s overflows uint256", amount)
	}
	value.Div(value, u.scaleOrOne())
	if !value.IsUint64() || value.Uint64() > uint64(1<<63-1) {
		return 0, fmt.Errorf("ledger: balance %s exceeds int64 token units", amount)
	}
	return int64(value.Uint64()), nil
}

func (u Units) scaleOrOne() *uint256.Int {
	if u.scale == nil {
		return uint256.NewInt(1)
	}
	return u.scale
}
