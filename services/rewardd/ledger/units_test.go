package ledger

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUnitsRoundTrip(t *testing.T) {
	units, err := NewUnits(18)
	require.NoError(t, err)

	base, err := units.ToBase(60)
	require.NoError(t, err)
	expected, _ := new(big.Int).SetString("60000000000000000000", 10)
	require.Equal(t, 0, base.Cmp(expected))

	tokens, err := units.FromBase(base)
	require.NoError(t, err)
	require.EqualValues(t, 60, tokens)
}

func TestUnitsFromBaseTruncatesDust(t *testing.T) {
	units, err := NewUnits(2)
	require.NoError(t, err)
	tokens, err := units.FromBase(big.NewInt(1599))
	require.NoError(t, err)
	require.EqualValues(t, 15, tokens)
}

func TestUnitsRejectsInvalidInput(t *testing.T) {
	_, err := NewUnits(78)
	require.Error(t, err)

	units, err := NewUnits(0)
	require.NoError(t, err)
	_, err = units.ToBase(-1)
	require.Error(t, err)
	_, err = units.FromBase(big.NewInt(-5))
	require.Error(t, err)

	huge := new(big.Int).Lsh(big.NewInt(1), 70)
	_, err = units.FromBase(huge)
	require.Error(t, err)
}

func TestUnitsZeroValueIsIdentity(t *testing.T) {
	var units Units
	base, err := units.ToBase(7)
	require.NoError(t, err)
	require.EqualValues(t, 7, base.Int64())
}
