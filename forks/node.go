package forks

import (
	"towerbft/bank"
	"towerbft/types"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

// Status is the state machine of one fork node.
//
// Active -> Dead on replay failure; Active -> Duplicate when two
// conflicting, independently valid banks are observed for the same slot;
// any non-root state -> Pruned when the root advances past it.
type Status uint8

const (
	StatusActive = Status(iota)
	StatusDead
	StatusDuplicate
	StatusPruned
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "Active"
	case StatusDead:
		return "Dead"
	case StatusDuplicate:
		return "Duplicate"
	case StatusPruned:
		return "Pruned"
	default:
		return "Unknown"
	}
}

// ForkNode wraps a frozen bank with the consensus bookkeeping around it.
// Nodes are indexed by slot and hold only the parent slot, not a raw
// reference, so concurrent reads of ancestors stay safe while a child is
// under construction.
type ForkNode struct {
	Slot       types.Slot
	ParentSlot types.Slot
	BankHash   tmbytes.HexBytes
	Status     Status

	// Weight is the stake behind this node as of the last recompute:
	// the sum over validators whose latest observed vote descends from it.
	Weight int64

	bank     *bank.Bank
	children []types.Slot
}

func (n *ForkNode) Bank() *bank.Bank {
	return n.bank
}

// VoteEligible reports whether this node may receive this validator's own
// vote. Dead, duplicate and pruned nodes are excluded.
func (n *ForkNode) VoteEligible() bool {
	return n.Status == StatusActive
}

func (n *ForkNode) copy() *ForkNode {
	cp := *n
	cp.children = append([]types.Slot(nil), n.children...)
	return &cp
}
