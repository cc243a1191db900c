package types

import (
	"bytes"
	"fmt"

	"github.com/tendermint/tendermint/crypto"
)

// Address is the fixed-length public identifier of an account or validator.
type Address crypto.Address

func GetAddress(key crypto.PubKey) Address {
	return Address(key.Address())
}

func (addr Address) Equal(other Address) bool {
	if addr == nil || other == nil {
		return false
	}
	return bytes.Equal(crypto.Address(addr), crypto.Address(other))
}

func (addr Address) String() string {
	return fmt.Sprintf("%X", crypto.Address(addr))
}

// Key returns the address in a form usable as a map key.
func (addr Address) Key() string {
	return string(addr)
}
