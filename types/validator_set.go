// adapted from github.com/tendermint/tendermint/types/validator_set.go
package types

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/tendermint/tendermint/crypto/merkle"
)

// ValidatorSet is the stake-weighted peer set. Validators are kept sorted
// by address; the leader schedule and the set hash both derive from that
// order, so it must be identical on every node.
//
// NOTE: Not goroutine-safe.
// NOTE: All get/set to validators should copy the value for safety.
type ValidatorSet struct {
	// NOTE: persisted via reflect, must be exported.
	Validators []*Validator `json:"validators"`
}

// NewValidatorSet copies valz into an address-sorted set. A nil or empty
// valz yields an empty set.
func NewValidatorSet(valz []*Validator) *ValidatorSet {
	vals := &ValidatorSet{}
	vals.Validators = make([]*Validator, 0, len(valz))
	vals.Validators = append(vals.Validators, valz...)
	sort.Sort(ValidatorsByAddress(vals.Validators))
	return vals
}

// ValidatorsByAddress sorts validators by address.
type ValidatorsByAddress []*Validator

func (valz ValidatorsByAddress) Len() int { return len(valz) }

func (valz ValidatorsByAddress) Less(i, j int) bool {
	return bytes.Compare(valz[i].Address, valz[j].Address) == -1
}

func (valz ValidatorsByAddress) Swap(i, j int) {
	valz[i], valz[j] = valz[j], valz[i]
}

func (vals *ValidatorSet) ValidateBasic() error {
	if vals.IsNilOrEmpty() {
		return errors.New("validator set is nil or empty")
	}
	for idx, val := range vals.Validators {
		if err := val.ValidateBasic(); err != nil {
			return fmt.Errorf("invalid validator #%d: %w", idx, err)
		}
	}
	return nil
}

func (vals *ValidatorSet) IsNilOrEmpty() bool {
	return vals == nil || len(vals.Validators) == 0
}

// Copy deep-copies the set.
func (vals *ValidatorSet) Copy() *ValidatorSet {
	valsCopy := make([]*Validator, len(vals.Validators))
	for i, val := range vals.Validators {
		valsCopy[i] = val.Copy()
	}
	return &ValidatorSet{Validators: valsCopy}
}

func (vals *ValidatorSet) HasAddress(address Address) bool {
	idx, _ := vals.GetByAddress(address)
	return idx != -1
}

// GetByAddress returns the index and a copy of the validator with the given
// address, or -1 and nil when absent.
func (vals *ValidatorSet) GetByAddress(address Address) (index int32, val *Validator) {
	for idx, val := range vals.Validators {
		if bytes.Equal(val.Address, address) {
			return int32(idx), val.Copy()
		}
	}
	return -1, nil
}

// GetByIndex returns the address and a copy of the validator at index, or
// nils when out of range.
func (vals *ValidatorSet) GetByIndex(index int32) (address Address, val *Validator) {
	if index < 0 || int(index) >= len(vals.Validators) {
		return nil, nil
	}
	val = vals.Validators[index]
	return val.Address, val.Copy()
}

func (vals *ValidatorSet) Size() int {
	return len(vals.Validators)
}

// TotalStake sums the stake of every validator in the set.
func (vals *ValidatorSet) TotalStake() int64 {
	var total int64
	for _, val := range vals.Validators {
		total += val.StakePower
	}
	return total
}

// QuorumStake returns the stake strictly required for a 2/3+ supermajority.
func (vals *ValidatorSet) QuorumStake() int64 {
	return vals.TotalStake()*2/3 + 1
}

// GetLeader returns the leader for a slot: the slot value is mapped into the
// cumulative stake distribution, so a validator leads in proportion to its
// stake. If the validator set is empty, nil is returned.
func (vals *ValidatorSet) GetLeader(slot Slot) (leader *Validator) {
	if len(vals.Validators) == 0 {
		return nil
	}

	total := vals.TotalStake()
	if total == 0 {
		idx := int(slot.Int64()) % len(vals.Validators)
		if idx < 0 {
			idx += len(vals.Validators)
		}
		return vals.Validators[idx].Copy()
	}

	point := slot.Int64() % total
	if point < 0 {
		point += total
	}
	var cum int64
	for _, val := range vals.Validators {
		cum += val.StakePower
		if point < cum {
			return val.Copy()
		}
	}
	return vals.Validators[len(vals.Validators)-1].Copy()
}

// Hash returns the merkle root over the validators as leaves.
func (vals *ValidatorSet) Hash() []byte {
	bzs := make([][]byte, len(vals.Validators))
	for i, val := range vals.Validators {
		bzs[i] = val.Bytes()
	}
	return merkle.HashFromByteSlices(bzs)
}

// Iterate runs fn over a copy of each validator until it returns true.
func (vals *ValidatorSet) Iterate(fn func(index int, val *Validator) bool) {
	for i, val := range vals.Validators {
		if fn(i, val.Copy()) {
			break
		}
	}
}

func (vals *ValidatorSet) String() string {
	return vals.StringIndented("")
}

func (vals *ValidatorSet) StringIndented(indent string) string {
	if vals == nil {
		return "nil-ValidatorSet"
	}
	var valStrings []string
	vals.Iterate(func(index int, val *Validator) bool {
		valStrings = append(valStrings, val.String())
		return false
	})
	return fmt.Sprintf(`ValidatorSet{
%s  Validators:
%s    %v
%s}`,
		indent,
		indent, strings.Join(valStrings, "\n"+indent+"    "),
		indent)
}

//----------------------------------------

// RandValidatorSet returns numValidators random validators, each with the
// given stake, plus their signers.
//
// EXPOSED FOR TESTING.
func RandValidatorSet(numValidators int, stakePower int64) (*ValidatorSet, []PrivValidator) {
	valz := make([]*Validator, numValidators)
	privValidators := make([]PrivValidator, numValidators)
	for i := 0; i < numValidators; i++ {
		valz[i], privValidators[i] = RandValidator(stakePower)
	}
	sort.Sort(PrivValidatorsByAddress(privValidators))
	return NewValidatorSet(valz), privValidators
}
