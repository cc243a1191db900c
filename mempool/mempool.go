package mempool

import (
	"fmt"

	"towerbft/types"

	"github.com/tendermint/tendermint/p2p"
)

// Mempool holds the pending transactions the execution scheduler draws
// from. Reaping hands ownership of the txs to the caller; txs the scheduler
// could not lock come back via Requeue, committed txs leave via Update.
type Mempool interface {
	// CheckTx validates a new transaction and adds it to the pool.
	CheckTx(tx *types.Tx, txInfo TxInfo) error

	// ReapPriority removes and returns up to max txs, highest declared
	// fee/compute priority first, arrival order breaking ties.
	ReapPriority(max int) types.Txs

	// Requeue puts reaped txs back, keeping their original arrival order.
	Requeue(txs types.Txs)

	// Update removes txs that were committed at the given slot.
	// NOTE: caller is responsible for Lock/Unlock.
	Update(slot types.Slot, txs types.Txs) error

	// Lock locks the mempool for Update.
	Lock()

	// Unlock unlocks the mempool.
	Unlock()

	// Flush removes all transactions and resets the cache.
	Flush()

	// Size returns the number of pending transactions.
	Size() int

	// TxsBytes returns the total byte size of pending transactions.
	TxsBytes() int64

	// TxsAvailable fires once per leader window when txs are pending.
	TxsAvailable() <-chan struct{}

	// EnableTxsAvailable must be called once to arm TxsAvailable.
	EnableTxsAvailable()
}

//--------------------------------------------------------------------------------

// PreCheckFunc is an optional filter run before a tx enters the pool.
type PreCheckFunc func(*types.Tx) error

// TxInfo are parameters that get passed when attempting to add a tx to the
// mempool.
type TxInfo struct {
	// SenderID is the internal peer ID used in the mempool to identify the
	// sender, storing 2 bytes with each tx instead of 20 bytes for the p2p.ID.
	SenderID uint16
	// SenderP2PID is the actual p2p.ID of the sender, used e.g. for logging.
	SenderP2PID p2p.ID
}

// ErrTxTooLarge defines an error when a tx is too big to be accepted.
type ErrTxTooLarge struct {
	Max    int64
	Actual int64
}

func (e ErrTxTooLarge) Error() string {
	return fmt.Sprintf("tx too large. Max size is %d, but got %d", e.Max, e.Actual)
}
