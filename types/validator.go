// adapted from github.com/tendermint/tendermint/types/validator.go
package types

import (
	"errors"
	"fmt"

	"github.com/tendermint/tendermint/crypto"
	tmjson "github.com/tendermint/tendermint/libs/json"
)

// Validator is one member of the stake-weighted peer set.
type Validator struct {
	Address    Address       `json:"address"`
	PubKey     crypto.PubKey `json:"pub_key"`
	StakePower int64         `json:"stake_power"`
}

// NewValidator returns a new validator with the given pubkey and stake.
func NewValidator(pubKey crypto.PubKey, stake int64) *Validator {
	return &Validator{
		Address:    GetAddress(pubKey),
		PubKey:     pubKey,
		StakePower: stake,
	}
}

// ValidateBasic performs basic validation.
func (v *Validator) ValidateBasic() error {
	if v == nil {
		return errors.New("nil validator")
	}
	if v.PubKey == nil {
		return errors.New("validator does not have a public key")
	}
	if v.StakePower < 0 {
		return errors.New("validator has negative stake")
	}
	if len(v.Address) != crypto.AddressSize {
		return fmt.Errorf("validator address is the wrong size: %v", v.Address)
	}
	return nil
}

// Copy creates a new copy of the validator.
// Panics if the validator is nil.
func (v *Validator) Copy() *Validator {
	vCopy := *v
	return &vCopy
}

func (v *Validator) String() string {
	if v == nil {
		return "nil-Validator"
	}
	return fmt.Sprintf("Validator{%v %v stake:%d}",
		v.Address,
		v.PubKey,
		v.StakePower)
}

// Bytes computes the unique encoding of a validator used as a hash leaf.
func (v *Validator) Bytes() []byte {
	bz, err := tmjson.Marshal(struct {
		PubKey crypto.PubKey `json:"pub_key"`
		Stake  int64         `json:"stake"`
	}{v.PubKey, v.StakePower})
	if err != nil {
		panic(err)
	}
	return bz
}
