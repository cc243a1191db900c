package bank

import "errors"

var (
	// ErrBankFrozen is returned for account mutations after Freeze.
	ErrBankFrozen = errors.New("bank is frozen")

	// ErrParentNotFrozen is returned when forking off a bank that is
	// still accepting writes.
	ErrParentNotFrozen = errors.New("parent bank is not frozen")

	// ErrBankNotFrozen is returned when reading the hash of a bank that
	// has not been frozen yet.
	ErrBankNotFrozen = errors.New("bank is not frozen")

	// Per-transaction execution errors. These are recorded with the tx,
	// consume the fee where possible, and never abort sibling txs.
	ErrUnknownAccount    = errors.New("fee payer account does not exist")
	ErrInsufficientFunds = errors.New("insufficient funds for transfer")
	ErrTxExpired         = errors.New("tx validity window expired")

	// ErrNegativeBalance is a ledger-invariant violation. During replay it
	// is fatal to the fork.
	ErrNegativeBalance = errors.New("account balance went negative")
)
