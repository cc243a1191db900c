package bank

import (
	"towerbft/types"

	"github.com/tendermint/tendermint/crypto/tmhash"
)

// Account is the unit of ledger state. It is mutated only as a side effect
// of transaction execution through the lock-protected path.
type Account struct {
	Balance    int64         `json:"balance"`
	Data       []byte        `json:"data,omitempty"`
	Owner      types.Address `json:"owner,omitempty"`
	Executable bool          `json:"executable"`
	RentEpoch  uint64        `json:"rent_epoch"`
}

func NewAccount(balance int64) *Account {
	return &Account{Balance: balance}
}

func (acc *Account) Copy() *Account {
	if acc == nil {
		return nil
	}
	cp := *acc
	if acc.Data != nil {
		cp.Data = make([]byte, len(acc.Data))
		copy(cp.Data, acc.Data)
	}
	return &cp
}

// Bytes is the deterministic encoding hashed into the bank hash.
func (acc *Account) Bytes() []byte {
	h := tmhash.New()
	h.Write(types.Slot(acc.Balance).Bytes())
	h.Write(acc.Owner)
	if acc.Executable {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	h.Write(types.Slot(acc.RentEpoch).Bytes())
	h.Write(acc.Data)
	return h.Sum(nil)
}
