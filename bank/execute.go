package bank

import (
	"towerbft/types"
)

// TxResult records the outcome of executing one transaction. A failed tx is
// still included in the entry stream: it consumed its fee and its error is
// carried alongside, never escalated to the batch or the fork.
type TxResult struct {
	Tx  *types.Tx
	Err error

	FeeCharged int64
}

func (res *TxResult) Failed() bool {
	return res.Err != nil
}

// ExecuteTx applies one transfer payload to the bank. The caller must hold
// exclusive locks on the tx's write accounts; with that held, concurrent
// execution of other txs cannot observe partial state.
//
// Error semantics:
//   - expired validity window, insufficient funds: fee is consumed, the
//     failure is recorded, accounts beyond the fee stay untouched;
//   - unknown fee payer: nothing to charge, failure recorded.
func (b *Bank) ExecuteTx(tx *types.Tx) *TxResult {
	res := &TxResult{Tx: tx}

	sender, ok := b.GetAccount(tx.Sender)
	if !ok {
		res.Err = ErrUnknownAccount
		b.mtx.Lock()
		b.txCount++
		b.failedTxCount++
		b.mtx.Unlock()
		return res
	}

	// The fee is consumed before anything else can fail.
	fee := tx.Fee
	if fee > sender.Balance {
		fee = sender.Balance
	}
	sender.Balance -= fee
	res.FeeCharged = fee

	if tx.MaxSlot != types.SlotZero && b.slot.Greater(tx.MaxSlot) {
		res.Err = ErrTxExpired
		b.chargeFee(tx.Sender, sender, fee)
		return res
	}

	if sender.Balance < tx.Amount {
		res.Err = ErrInsufficientFunds
		b.chargeFee(tx.Sender, sender, fee)
		return res
	}

	// A self transfer works on the one account object, or the stores
	// would resurrect the pre-debit balance.
	receiver := sender
	if !tx.Receiver.Equal(tx.Sender) {
		var ok bool
		receiver, ok = b.GetAccount(tx.Receiver)
		if !ok {
			receiver = NewAccount(0)
		}
	}

	sender.Balance -= tx.Amount
	receiver.Balance += tx.Amount

	if err := b.StoreAccount(tx.Sender, sender); err != nil {
		res.Err = err
		return res
	}
	if err := b.StoreAccount(tx.Receiver, receiver); err != nil {
		res.Err = err
		return res
	}

	b.mtx.Lock()
	b.collectedFees += fee
	b.txCount++
	b.mtx.Unlock()

	return res
}

// chargeFee persists the fee debit of a failed tx and bumps the counters.
func (b *Bank) chargeFee(addr types.Address, sender *Account, fee int64) {
	_ = b.StoreAccount(addr, sender)
	b.mtx.Lock()
	b.collectedFees += fee
	b.txCount++
	b.failedTxCount++
	b.mtx.Unlock()
}
