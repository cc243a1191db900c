package forks

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	"github.com/tendermint/tendermint/libs/log"

	"towerbft/bank"
	"towerbft/types"
)

// ForkTable maintains every candidate bank history not yet pruned: a tree
// of frozen banks rooted at the last finalized slot, one node per slot.
// Independent forks may replay concurrently; replay within one fork is
// strictly sequential because the recorded entry order is authoritative.
type ForkTable struct {
	mtx    sync.RWMutex
	logger log.Logger

	valset *types.ValidatorSet

	nodes    map[types.Slot]*ForkNode
	rootSlot types.Slot

	// latestVotes tracks each validator's most recent observed vote slot.
	// A vote for a descendant implicitly counts for all ancestors.
	latestVotes map[string]types.Slot

	// duplicateHashes remembers the competing bank hashes seen per slot.
	duplicateHashes map[types.Slot][]tmbytes.HexBytes

	// duplicateBanks retains every conflicting bank per slot, keyed by its
	// hash, until stake resolves which one survives.
	duplicateBanks map[types.Slot]map[string]*bank.Bank
}

func NewForkTable(rootBank *bank.Bank, valset *types.ValidatorSet) *ForkTable {
	rootHash, err := rootBank.Hash()
	if err != nil {
		panic(fmt.Sprintf("fork table root bank must be frozen: %v", err))
	}
	root := &ForkNode{
		Slot:       rootBank.Slot(),
		ParentSlot: types.NoSlot,
		BankHash:   rootHash,
		Status:     StatusActive,
		bank:       rootBank,
	}
	return &ForkTable{
		logger:          log.NewNopLogger(),
		valset:          valset,
		nodes:           map[types.Slot]*ForkNode{root.Slot: root},
		rootSlot:        root.Slot,
		latestVotes:     make(map[string]types.Slot),
		duplicateHashes: make(map[types.Slot][]tmbytes.HexBytes),
		duplicateBanks:  make(map[types.Slot]map[string]*bank.Bank),
	}
}

func (ft *ForkTable) SetLogger(logger log.Logger) {
	ft.logger = logger
}

func (ft *ForkTable) Root() types.Slot {
	ft.mtx.RLock()
	defer ft.mtx.RUnlock()
	return ft.rootSlot
}

// GetNode returns a copy of the node bookkeeping for a slot.
func (ft *ForkTable) GetNode(slot types.Slot) (*ForkNode, bool) {
	ft.mtx.RLock()
	defer ft.mtx.RUnlock()
	n, ok := ft.nodes[slot]
	if !ok {
		return nil, false
	}
	return n.copy(), true
}

// GetBank returns the frozen bank at a slot.
func (ft *ForkTable) GetBank(slot types.Slot) (*bank.Bank, bool) {
	ft.mtx.RLock()
	defer ft.mtx.RUnlock()
	n, ok := ft.nodes[slot]
	if !ok {
		return nil, false
	}
	return n.bank, true
}

// Size returns the number of retained nodes.
func (ft *ForkTable) Size() int {
	ft.mtx.RLock()
	defer ft.mtx.RUnlock()
	return len(ft.nodes)
}

// InsertBank adds a locally produced, frozen bank as a child of its
// parent. Observing a second, differing bank for an occupied slot marks
// the slot Duplicate.
func (ft *ForkTable) InsertBank(b *bank.Bank) error {
	if !b.IsFrozen() {
		return ErrBankNotFrozen
	}
	hash, err := b.Hash()
	if err != nil {
		return err
	}

	ft.mtx.Lock()
	defer ft.mtx.Unlock()

	if existing, ok := ft.nodes[b.Slot()]; ok {
		if bytes.Equal(existing.BankHash, hash) {
			return nil // idempotent
		}
		ft.markDuplicateLocked(existing, hash, b)
		return nil
	}

	parent, ok := ft.nodes[b.ParentSlot()]
	if !ok {
		return ErrNoParent
	}
	if parent.Status == StatusDead || parent.Status == StatusPruned {
		return ErrParentDead
	}

	node := &ForkNode{
		Slot:       b.Slot(),
		ParentSlot: parent.Slot,
		BankHash:   hash,
		Status:     StatusActive,
		bank:       b,
	}
	ft.nodes[node.Slot] = node
	parent.children = append(parent.children, node.Slot)
	return nil
}

// InsertChild replays a peer-produced entry sequence onto a copy of the
// parent bank, in strictly the recorded order, and inserts the resulting
// frozen bank. A hash mismatch or ledger-invariant violation is fatal to
// the candidate, never retried: a vacant slot is left with a dead
// placeholder, while an already-verified node for the slot is untouched.
func (ft *ForkTable) InsertChild(parentSlot, slot types.Slot, entries types.Entries) (*bank.Bank, error) {
	ft.mtx.RLock()
	parent, ok := ft.nodes[parentSlot]
	if !ok {
		ft.mtx.RUnlock()
		return nil, ErrNoParent
	}
	if parent.Status == StatusDead || parent.Status == StatusPruned {
		ft.mtx.RUnlock()
		return nil, ErrParentDead
	}
	if !slot.Greater(ft.rootSlot) {
		ft.mtx.RUnlock()
		return nil, ErrSlotBehindRoot
	}
	parentBank := parent.bank
	ft.mtx.RUnlock()

	// Replay outside the table lock; independent forks proceed in
	// parallel, each on its own bank copy, sharing no account locks.
	b, replayErr := replayEntries(parentBank, slot, entries)
	if replayErr != nil {
		ft.recordReplayFailure(parentSlot, slot)
		ft.logger.Error("replay failed", "slot", slot, "err", replayErr)
		return nil, errors.Wrapf(ErrReplayFailed, "slot %d: %v", slot, replayErr)
	}

	hash, err := b.Hash()
	if err != nil {
		return nil, err
	}

	ft.mtx.Lock()
	defer ft.mtx.Unlock()

	if existing, ok := ft.nodes[slot]; ok {
		if existing.Status == StatusDead {
			// Marked dead while we were replaying: discard the bank.
			return nil, ErrForkAbandoned
		}
		if bytes.Equal(existing.BankHash, hash) {
			return existing.bank, nil
		}
		ft.markDuplicateLocked(existing, hash, b)
		return nil, nil
	}

	node := &ForkNode{
		Slot:       slot,
		ParentSlot: parentSlot,
		BankHash:   hash,
		Status:     StatusActive,
		bank:       b,
	}
	ft.nodes[slot] = node
	// Re-read the parent: SetRoot may have run during replay.
	if p, ok := ft.nodes[parentSlot]; ok {
		p.children = append(p.children, slot)
	}
	return b, nil
}

// replayEntries applies the recorded entry sequence, verifying the entry
// hash chain and the ledger invariants. Per-tx execution errors are part
// of the recorded history and do not fail replay.
func replayEntries(parentBank *bank.Bank, slot types.Slot, entries types.Entries) (*bank.Bank, error) {
	b, err := bank.NewBankFromParent(parentBank, slot)
	if err != nil {
		return nil, err
	}

	prev := b.LastEntryHash()
	for i, entry := range entries {
		if err := entry.Verify(prev); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		for _, tx := range entry.Txs {
			// The recorded order is authoritative: strictly sequential,
			// no re-scheduling. Failed txs were failed at record time too.
			_ = b.ExecuteTx(tx)
		}
		prev = entry.Hash
	}
	if err := b.SetLastEntry(prev); err != nil {
		return nil, err
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	b.Freeze()
	return b, nil
}

// MarkDead flags a slot dead (replay failure observed elsewhere, or a
// resolved duplicate). Queued replay work for it will be discarded.
func (ft *ForkTable) MarkDead(slot types.Slot) {
	ft.mtx.Lock()
	defer ft.mtx.Unlock()
	if n, ok := ft.nodes[slot]; ok {
		n.Status = StatusDead
	}
}

// recordReplayFailure leaves a dead placeholder for a vacant slot so the
// corrupt candidate is never retried. An established node keeps its own
// verdict: the failed batch carried a different candidate, and a corrupt
// message must not reach a bank the node already verified.
func (ft *ForkTable) recordReplayFailure(parentSlot, slot types.Slot) {
	ft.mtx.Lock()
	defer ft.mtx.Unlock()
	if _, ok := ft.nodes[slot]; ok {
		return
	}
	ft.nodes[slot] = &ForkNode{
		Slot:       slot,
		ParentSlot: parentSlot,
		Status:     StatusDead,
	}
}

// markDuplicateLocked retains both conflicting banks for the slot but
// excludes the node from vote eligibility until stake resolves it.
func (ft *ForkTable) markDuplicateLocked(node *ForkNode, otherHash tmbytes.HexBytes, otherBank *bank.Bank) {
	node.Status = StatusDuplicate
	hashes := ft.duplicateHashes[node.Slot]
	if len(hashes) == 0 {
		hashes = append(hashes, node.BankHash)
	}
	seen := false
	for _, h := range hashes {
		if bytes.Equal(h, otherHash) {
			seen = true
			break
		}
	}
	if !seen {
		hashes = append(hashes, otherHash)
	}
	ft.duplicateHashes[node.Slot] = hashes

	banks := ft.duplicateBanks[node.Slot]
	if banks == nil {
		banks = make(map[string]*bank.Bank)
		ft.duplicateBanks[node.Slot] = banks
	}
	banks[node.BankHash.String()] = node.bank
	banks[otherHash.String()] = otherBank

	ft.logger.Info("duplicate slot observed", "slot", node.Slot,
		"hash", node.BankHash, "other", otherHash)
}

// DuplicateHashes returns the competing bank hashes seen for a slot.
func (ft *ForkTable) DuplicateHashes(slot types.Slot) []tmbytes.HexBytes {
	ft.mtx.RLock()
	defer ft.mtx.RUnlock()
	return append([]tmbytes.HexBytes(nil), ft.duplicateHashes[slot]...)
}

// ResolveDuplicate settles a duplicate slot once votes disambiguate. Every
// conflicting bank was retained, so when the stake winner is not the bank
// currently holding the slot, the winner is swapped in; the losing banks
// are discarded with the bookkeeping.
func (ft *ForkTable) ResolveDuplicate(slot types.Slot, winnerHash tmbytes.HexBytes) {
	ft.mtx.Lock()
	defer ft.mtx.Unlock()
	n, ok := ft.nodes[slot]
	if !ok || n.Status != StatusDuplicate {
		return
	}
	if !bytes.Equal(n.BankHash, winnerHash) {
		winner, retained := ft.duplicateBanks[slot][winnerHash.String()]
		if !retained {
			// Stake settled on a bank this node never observed; the slot
			// stays Duplicate until it arrives or the fork is pruned.
			return
		}
		n.bank = winner
		n.BankHash = winnerHash
	}
	n.Status = StatusActive
	delete(ft.duplicateHashes, slot)
	delete(ft.duplicateBanks, slot)
	ft.logger.Info("duplicate slot resolved", "slot", slot, "winner", winnerHash)
}

// ApplyVote records a validator's latest observed vote. Stale votes (for a
// slot at or behind the validator's previous vote) are ignored.
func (ft *ForkTable) ApplyVote(addr types.Address, slot types.Slot) bool {
	ft.mtx.Lock()
	defer ft.mtx.Unlock()

	if _, ok := ft.nodes[slot]; !ok {
		return false
	}
	prev, voted := ft.latestVotes[addr.Key()]
	if voted && !slot.Greater(prev) {
		return false
	}
	ft.latestVotes[addr.Key()] = slot
	return true
}

// ComputeWeights recomputes every node's stake weight from the latest
// observed votes: each validator's stake counts for its voted node and
// every ancestor of it.
func (ft *ForkTable) ComputeWeights() {
	ft.mtx.Lock()
	defer ft.mtx.Unlock()

	for _, n := range ft.nodes {
		n.Weight = 0
	}
	for addrKey, votedSlot := range ft.latestVotes {
		_, val := ft.valset.GetByAddress(types.Address(addrKey))
		if val == nil {
			continue
		}
		for cur, ok := ft.nodes[votedSlot]; ok; cur, ok = ft.nodes[cur.ParentSlot] {
			cur.Weight += val.StakePower
		}
	}
}

// Weight returns the node's stake weight as of the last ComputeWeights.
func (ft *ForkTable) Weight(slot types.Slot) int64 {
	ft.mtx.RLock()
	defer ft.mtx.RUnlock()
	if n, ok := ft.nodes[slot]; ok {
		return n.Weight
	}
	return 0
}

// IsDescendant reports whether desc descends from ancestor (a slot is its
// own descendant).
func (ft *ForkTable) IsDescendant(ancestor, desc types.Slot) bool {
	ft.mtx.RLock()
	defer ft.mtx.RUnlock()
	return ft.isDescendantLocked(ancestor, desc)
}

func (ft *ForkTable) isDescendantLocked(ancestor, desc types.Slot) bool {
	for cur, ok := ft.nodes[desc]; ok; cur, ok = ft.nodes[cur.ParentSlot] {
		if cur.Slot.Equal(ancestor) {
			return true
		}
	}
	return false
}

// AllNodes returns copies of every retained node, dead ones included.
func (ft *ForkTable) AllNodes() []*ForkNode {
	ft.mtx.RLock()
	defer ft.mtx.RUnlock()
	out := make([]*ForkNode, 0, len(ft.nodes))
	for _, n := range ft.nodes {
		out = append(out, n.copy())
	}
	return out
}

// ActiveNodes returns copies of every node still eligible for fork choice.
func (ft *ForkTable) ActiveNodes() []*ForkNode {
	ft.mtx.RLock()
	defer ft.mtx.RUnlock()
	out := make([]*ForkNode, 0, len(ft.nodes))
	for _, n := range ft.nodes {
		if n.Status == StatusActive {
			out = append(out, n.copy())
		}
	}
	return out
}

// SetRoot advances the root to a confirmed ancestor of the current tip.
// Every node not descending from the new root is pruned and returned.
// The root is monotonic: moving it backward is a programming error.
func (ft *ForkTable) SetRoot(slot types.Slot) ([]types.Slot, error) {
	ft.mtx.Lock()
	defer ft.mtx.Unlock()

	if slot.Equal(ft.rootSlot) {
		return nil, nil
	}
	if !slot.Greater(ft.rootSlot) {
		return nil, ErrRootRegression
	}
	newRoot, ok := ft.nodes[slot]
	if !ok {
		return nil, ErrSlotNotInTable
	}
	if !ft.isDescendantLocked(ft.rootSlot, slot) {
		return nil, ErrRootNotDescends
	}

	pruned := make([]types.Slot, 0)
	for s, n := range ft.nodes {
		if ft.isDescendantLocked(slot, s) {
			continue
		}
		n.Status = StatusPruned
		delete(ft.nodes, s)
		delete(ft.duplicateHashes, s)
		delete(ft.duplicateBanks, s)
		pruned = append(pruned, s)
	}

	ft.rootSlot = slot
	newRoot.ParentSlot = types.NoSlot
	newRoot.bank.Squash()

	ft.logger.Info("root advanced", "root", slot, "pruned", len(pruned))
	return pruned, nil
}
