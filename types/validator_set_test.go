package types

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatorSetBasic(t *testing.T) {
	vals, privVals := RandValidatorSet(4, 10)
	require.NoError(t, vals.ValidateBasic())
	assert.Equal(t, 4, vals.Size())
	assert.EqualValues(t, 40, vals.TotalStake())
	assert.EqualValues(t, 27, vals.QuorumStake())

	// The set is address ordered, matching the sorted priv validators.
	assert.True(t, sort.IsSorted(ValidatorsByAddress(vals.Validators)))
	for i, pv := range privVals {
		pubKey, err := pv.GetPubKey()
		require.NoError(t, err)
		addr, val := vals.GetByIndex(int32(i))
		require.NotNil(t, val)
		assert.Equal(t, GetAddress(pubKey), addr)
	}
}

func TestValidatorSetGetByAddress(t *testing.T) {
	vals, _ := RandValidatorSet(3, 10)
	addr, want := vals.GetByIndex(1)

	idx, got := vals.GetByAddress(addr)
	assert.EqualValues(t, 1, idx)
	require.NotNil(t, got)
	assert.Equal(t, want.Address, got.Address)
	assert.True(t, vals.HasAddress(addr))

	idx, got = vals.GetByAddress(Address{0xde, 0xad})
	assert.EqualValues(t, -1, idx)
	assert.Nil(t, got)
	assert.False(t, vals.HasAddress(Address{0xde, 0xad}))
}

func TestGetLeaderDeterministic(t *testing.T) {
	vals, _ := RandValidatorSet(3, 10)
	other := vals.Copy()

	for slot := Slot(0); slot < 10; slot++ {
		a := vals.GetLeader(slot)
		b := other.GetLeader(slot)
		require.NotNil(t, a)
		require.NotNil(t, b)
		assert.Equal(t, a.Address, b.Address, "slot %d", slot)
	}
}

func TestGetLeaderStakeProportional(t *testing.T) {
	valA, _ := RandValidator(1)
	valB, _ := RandValidator(3)
	vals := NewValidatorSet([]*Validator{valA, valB})

	// Over one full pass of the cumulative stake range, each validator
	// leads in proportion to its stake.
	counts := make(map[string]int)
	for slot := Slot(0); slot < Slot(vals.TotalStake()); slot++ {
		leader := vals.GetLeader(slot)
		require.NotNil(t, leader)
		counts[leader.Address.Key()]++
	}
	assert.Equal(t, 1, counts[valA.Address.Key()])
	assert.Equal(t, 3, counts[valB.Address.Key()])
}

func TestGetLeaderEmptySet(t *testing.T) {
	vals := NewValidatorSet(nil)
	assert.Nil(t, vals.GetLeader(0))
}
