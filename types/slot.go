package types

import (
	"encoding/binary"

	"github.com/tendermint/tendermint/crypto/tmhash"
)

// Slot is the logical time unit of the chain. Exactly one leader may
// produce entries during a slot.
type Slot int64

const (
	SlotZero = Slot(0)

	// NoSlot marks the absence of a slot, e.g. a fork node without a parent.
	NoSlot = Slot(-1)
)

func (s Slot) Int64() int64 {
	return int64(s)
}

func (s Slot) Add(delta int64) Slot {
	return Slot(int64(s) + delta)
}

func (s Slot) Sub(other Slot) int64 {
	return int64(s) - int64(other)
}

func (s Slot) Equal(other Slot) bool {
	return int64(s) == int64(other)
}

func (s Slot) Greater(other Slot) bool {
	return int64(s) > int64(other)
}

func (s Slot) Bytes() []byte {
	bz := make([]byte, 8)
	binary.BigEndian.PutUint64(bz, uint64(s))
	return bz
}

func (s Slot) Hash() []byte {
	return tmhash.Sum(s.Bytes())
}

// SlotFromBytes decodes the big-endian form produced by Bytes.
func SlotFromBytes(bz []byte) Slot {
	if len(bz) != 8 {
		return NoSlot
	}
	return Slot(binary.BigEndian.Uint64(bz))
}
