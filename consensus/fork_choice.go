package consensus

import (
	"towerbft/forks"
	"towerbft/types"
)

// SelectTip picks the head of the heaviest active fork. Starting from the
// root, the walk descends into the heaviest child at every level, since a
// node's weight already includes the stake voted on its whole subtree.
// Ties prefer the child on the fork of lastVoted, then the higher slot, so
// selection stays deterministic across nodes with the same view.
func SelectTip(ft *forks.ForkTable, lastVoted types.Slot) (types.Slot, bool) {
	ft.ComputeWeights()

	nodes := ft.ActiveNodes()
	if len(nodes) == 0 {
		return types.NoSlot, false
	}

	children := make(map[types.Slot][]*forks.ForkNode, len(nodes))
	active := make(map[types.Slot]bool, len(nodes))
	for _, n := range nodes {
		children[n.ParentSlot] = append(children[n.ParentSlot], n)
		active[n.Slot] = true
	}

	cur := ft.Root()
	if !active[cur] {
		return types.NoSlot, false
	}
	for {
		kids := children[cur]
		if len(kids) == 0 {
			return cur, true
		}
		best := kids[0]
		bestVoted := onVotedFork(ft, lastVoted, best.Slot)
		for _, kid := range kids[1:] {
			voted := onVotedFork(ft, lastVoted, kid.Slot)
			switch {
			case kid.Weight > best.Weight:
			case kid.Weight == best.Weight && voted && !bestVoted:
			case kid.Weight == best.Weight && voted == bestVoted && kid.Slot.Greater(best.Slot):
			default:
				continue
			}
			best = kid
			bestVoted = voted
		}
		cur = best.Slot
	}
}

// onVotedFork reports whether slot lies on the same fork as the last voted
// slot, in either direction.
func onVotedFork(ft *forks.ForkTable, lastVoted, slot types.Slot) bool {
	if lastVoted == types.NoSlot {
		return true
	}
	return ft.IsDescendant(lastVoted, slot) || ft.IsDescendant(slot, lastVoted)
}
