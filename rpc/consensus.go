package rpc

import (
	"sort"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"

	"towerbft/types"
)

type ResultForkTree struct {
	Root  types.Slot   `json:"root"`
	Forks []ResultFork `json:"forks"`
}

type ResultFork struct {
	Slot       types.Slot       `json:"slot"`
	ParentSlot types.Slot       `json:"parent_slot"`
	BankHash   tmbytes.HexBytes `json:"bank_hash"`
	Status     string           `json:"status"`
	Weight     int64            `json:"weight"`
}

// ForkTree dumps the current fork table, ordered by slot.
func ForkTree(ctx *rpctypes.Context) (*ResultForkTree, error) {
	env.ForkTable.ComputeWeights()
	nodes := env.ForkTable.AllNodes()

	forks := make([]ResultFork, 0, len(nodes))
	for _, n := range nodes {
		forks = append(forks, ResultFork{
			Slot:       n.Slot,
			ParentSlot: n.ParentSlot,
			BankHash:   n.BankHash,
			Status:     n.Status.String(),
			Weight:     n.Weight,
		})
	}
	sort.Slice(forks, func(i, j int) bool { return forks[i].Slot < forks[j].Slot })

	return &ResultForkTree{
		Root:  env.ForkTable.Root(),
		Forks: forks,
	}, nil
}

type ResultTower struct {
	Root      types.Slot      `json:"root"`
	LastVoted types.Slot      `json:"last_voted"`
	Lockouts  []ResultLockout `json:"lockouts"`
}

type ResultLockout struct {
	Slot          types.Slot `json:"slot"`
	Confirmations uint32     `json:"confirmations"`
	LockedUntil   types.Slot `json:"locked_until"`
}

// TowerStatus reports this validator's own lockout stack.
func TowerStatus(ctx *rpctypes.Context) (*ResultTower, error) {
	tower := env.Consensus.Tower()

	entries := tower.Entries()
	lockouts := make([]ResultLockout, 0, len(entries))
	for _, te := range entries {
		lockouts = append(lockouts, ResultLockout{
			Slot:          te.Slot,
			Confirmations: te.Confirmations,
			LockedUntil:   te.ExpirationSlot(),
		})
	}

	return &ResultTower{
		Root:      tower.Root(),
		LastVoted: tower.LastVotedSlot(),
		Lockouts:  lockouts,
	}, nil
}
