package types

import (
	"errors"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"

	"github.com/tendermint/tendermint/crypto/merkle"
	"github.com/tendermint/tendermint/crypto/tmhash"
)

const (
	// TxKeySize is the size of the tx key index in maps.
	TxKeySize = tmhash.Size

	// MinComputeUnits is charged for a transaction that declares no
	// compute limit, so the fee/compute priority is always defined.
	MinComputeUnits = int64(1)
)

var (
	ErrNoSender       = errors.New("tx has no sender address")
	ErrNoReceiver     = errors.New("tx has no receiver address")
	ErrNegativeAmount = errors.New("tx amount is negative")
	ErrNegativeFee    = errors.New("tx fee is negative")
)

// Tx is a single transfer instruction together with the account sets it
// declares for scheduling. Sender and Receiver are write accounts; Reads
// lists extra accounts touched read-only. The declared sets are what the
// lock table arbitrates on, independent of what execution actually does.
type Tx struct {
	Sender   Address `json:"sender"`
	Receiver Address `json:"receiver"`
	Amount   int64   `json:"amount"`

	Fee          int64 `json:"fee"`
	ComputeLimit int64 `json:"compute_limit"`

	// MaxSlot is the last slot the tx may execute in. Zero means no bound.
	MaxSlot Slot `json:"max_slot"`

	Reads []Address `json:"reads,omitempty"`

	Nonce     uint64           `json:"nonce"`
	Signature tmbytes.HexBytes `json:"signature"`

	// Seq is the local arrival order, assigned by the mempool.
	// It breaks priority ties and never goes over the wire.
	Seq uint64 `json:"-"`
}

func (tx *Tx) Hash() []byte {
	h := tmhash.New()
	h.Write(tx.Sender)
	h.Write(tx.Receiver)
	h.Write(Slot(tx.Amount).Bytes())
	h.Write(Slot(tx.Fee).Bytes())
	h.Write(Slot(tx.ComputeLimit).Bytes())
	h.Write(tx.MaxSlot.Bytes())
	for _, r := range tx.Reads {
		h.Write(r)
	}
	h.Write(Slot(tx.Nonce).Bytes())
	return h.Sum(nil)
}

// Key is the fixed length array hash used as the key in maps.
func (tx *Tx) Key() [TxKeySize]byte {
	var key [TxKeySize]byte
	copy(key[:], tx.Hash())
	return key
}

// Priority is the declared fee per compute unit. Higher schedules first.
func (tx *Tx) Priority() int64 {
	cu := tx.ComputeLimit
	if cu < MinComputeUnits {
		cu = MinComputeUnits
	}
	return tx.Fee * 1000 / cu
}

// WriteAccounts returns the accounts the tx locks exclusively.
func (tx *Tx) WriteAccounts() []Address {
	return []Address{tx.Sender, tx.Receiver}
}

// ReadAccounts returns the accounts the tx locks shared.
func (tx *Tx) ReadAccounts() []Address {
	return tx.Reads
}

func (tx *Tx) ComputeSize() int64 {
	s := len(tx.Sender) + len(tx.Receiver) + len(tx.Signature)
	for _, r := range tx.Reads {
		s += len(r)
	}
	s += 5 * 8
	return int64(s)
}

func (tx *Tx) ValidateBasic() error {
	if len(tx.Sender) == 0 {
		return ErrNoSender
	}
	if len(tx.Receiver) == 0 {
		return ErrNoReceiver
	}
	if tx.Amount < 0 {
		return ErrNegativeAmount
	}
	if tx.Fee < 0 {
		return ErrNegativeFee
	}
	return nil
}

// ===== tx array =====

type Txs []*Tx

func (txs Txs) Append(other Txs) Txs {
	return append(txs, other...)
}

// Hash returns the merkle root over the tx hashes.
func (txs Txs) Hash() []byte {
	txBzs := make([][]byte, len(txs))
	for i := 0; i < len(txs); i++ {
		txBzs[i] = txs[i].Hash()
	}
	return merkle.HashFromByteSlices(txBzs)
}

func ComputeSizeForTxs(txs Txs) int64 {
	var dataSize int64
	for _, tx := range txs {
		dataSize += tx.ComputeSize()
	}
	return dataSize
}

// ComputeUnits sums the declared compute limits, for slot budgeting.
func (txs Txs) ComputeUnits() int64 {
	var cu int64
	for _, tx := range txs {
		limit := tx.ComputeLimit
		if limit < MinComputeUnits {
			limit = MinComputeUnits
		}
		cu += limit
	}
	return cu
}
