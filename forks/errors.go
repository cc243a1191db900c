package forks

import "errors"

var (
	ErrNoParent        = errors.New("parent slot is not in the fork table")
	ErrParentDead      = errors.New("parent fork is dead or pruned")
	ErrSlotNotInTable  = errors.New("slot is not in the fork table")
	ErrSlotBehindRoot  = errors.New("slot is at or behind the current root")
	ErrRootRegression  = errors.New("root slot may never decrease")
	ErrRootNotDescends = errors.New("new root does not descend from the current root")
	ErrBankNotFrozen   = errors.New("bank must be frozen before entering the fork table")

	// ErrReplayFailed wraps hash-mismatch and ledger-invariant failures.
	// The fork is marked dead and never silently retried.
	ErrReplayFailed = errors.New("entry replay failed")

	// ErrForkAbandoned is returned when the fork was marked dead while
	// its entries were still replaying.
	ErrForkAbandoned = errors.New("fork was marked dead during replay")
)
