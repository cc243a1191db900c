package forks

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"

	"towerbft/bank"
	"towerbft/types"
)

func addr(b byte) types.Address {
	a := make(types.Address, 20)
	a[0] = b
	return a
}

func transferTx(from, to byte, amount, fee int64) *types.Tx {
	return &types.Tx{
		Sender:       addr(from),
		Receiver:     addr(to),
		Amount:       amount,
		Fee:          fee,
		ComputeLimit: 1,
	}
}

func genesisBank(t *testing.T, balances map[byte]int64) *bank.Bank {
	accounts := make([]types.GenesisAccount, 0, len(balances))
	for b, bal := range balances {
		accounts = append(accounts, types.GenesisAccount{Address: addr(b), Balance: bal})
	}
	return bank.NewGenesisBank("fork-test-chain", types.SlotZero, accounts)
}

// makeEntries chains one entry per tx onto the parent's recorded tip.
func makeEntries(parent *bank.Bank, txs ...*types.Tx) types.Entries {
	entries := make(types.Entries, 0, len(txs))
	prev := []byte(parent.LastEntryHash())
	for _, tx := range txs {
		e := types.NextEntry(prev, types.Txs{tx})
		entries = append(entries, e)
		prev = e.Hash
	}
	return entries
}

// childBank executes the entries locally, the way a leader window would,
// and freezes the result.
func childBank(t *testing.T, parent *bank.Bank, slot types.Slot, entries types.Entries) *bank.Bank {
	b, err := bank.NewBankFromParent(parent, slot)
	require.NoError(t, err)
	for _, e := range entries {
		for _, tx := range e.Txs {
			_ = b.ExecuteTx(tx)
		}
	}
	require.NoError(t, b.SetLastEntry(entries.LastHash(parent.LastEntryHash())))
	b.Freeze()
	return b
}

func newTestTable(t *testing.T, balances map[byte]int64, numVals int) (*ForkTable, *bank.Bank, *types.ValidatorSet) {
	root := genesisBank(t, balances)
	valset, _ := types.RandValidatorSet(numVals, 10)
	return NewForkTable(root, valset), root, valset
}

func TestForkTableInsertBank(t *testing.T) {
	ft, root, _ := newTestTable(t, map[byte]int64{1: 100}, 1)

	entries := makeEntries(root, transferTx(1, 2, 10, 1))
	child := childBank(t, root, 1, entries)
	require.NoError(t, ft.InsertBank(child))
	assert.Equal(t, 2, ft.Size())

	node, ok := ft.GetNode(1)
	require.True(t, ok)
	assert.Equal(t, StatusActive, node.Status)
	assert.Equal(t, types.SlotZero, node.ParentSlot)

	// Re-inserting the same bank is a no-op.
	require.NoError(t, ft.InsertBank(child))
	assert.Equal(t, 2, ft.Size())
}

func TestForkTableInsertBankRejects(t *testing.T) {
	ft, root, _ := newTestTable(t, map[byte]int64{1: 100}, 1)

	unfrozen, err := bank.NewBankFromParent(root, 1)
	require.NoError(t, err)
	assert.ErrorIs(t, ft.InsertBank(unfrozen), ErrBankNotFrozen)

	// A child of a slot the table has never seen.
	orphanParent := genesisBank(t, map[byte]int64{9: 1})
	orphan := childBank(t, orphanParent, 7, makeEntries(orphanParent, transferTx(9, 8, 1, 0)))
	assert.ErrorIs(t, ft.InsertBank(orphan), ErrNoParent)
}

func TestForkTableReplayMatchesLocalExecution(t *testing.T) {
	ft, root, _ := newTestTable(t, map[byte]int64{1: 100, 3: 50}, 1)

	entries := makeEntries(root,
		transferTx(1, 2, 10, 2),
		transferTx(3, 2, 5, 1),
		transferTx(1, 3, 99, 1), // fails on funds, still part of history
	)
	local := childBank(t, root, 1, entries)
	localHash, err := local.Hash()
	require.NoError(t, err)

	replayed, err := ft.InsertChild(types.SlotZero, 1, entries)
	require.NoError(t, err)
	require.NotNil(t, replayed)

	replayedHash, err := replayed.Hash()
	require.NoError(t, err)
	assert.Equal(t, localHash, replayedHash)

	acc, ok := replayed.GetAccount(addr(2))
	require.True(t, ok)
	assert.EqualValues(t, 15, acc.Balance)
	assert.EqualValues(t, 2, replayed.TxCount()-replayed.FailedTxCount())
}

func TestForkTableReplayFailureMarksDead(t *testing.T) {
	ft, root, _ := newTestTable(t, map[byte]int64{1: 100}, 1)

	entries := makeEntries(root, transferTx(1, 2, 10, 1))
	entries[0].Hash[0] ^= 0xff

	_, err := ft.InsertChild(types.SlotZero, 1, entries)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrReplayFailed))

	node, ok := ft.GetNode(1)
	require.True(t, ok)
	assert.Equal(t, StatusDead, node.Status)

	// The slot stays dead: a second attempt with good entries is refused.
	good := makeEntries(root, transferTx(1, 2, 10, 1))
	_, err = ft.InsertChild(types.SlotZero, 1, good)
	assert.ErrorIs(t, err, ErrForkAbandoned)

	// Children of a dead fork are refused too.
	_, err = ft.InsertChild(1, 2, good)
	assert.ErrorIs(t, err, ErrParentDead)
}

func TestForkTableReplayFailureKeepsVerifiedFork(t *testing.T) {
	ft, root, _ := newTestTable(t, map[byte]int64{1: 100}, 1)

	entries := makeEntries(root, transferTx(1, 2, 10, 1))
	good, err := ft.InsertChild(types.SlotZero, 1, entries)
	require.NoError(t, err)
	require.NotNil(t, good)
	goodHash, err := good.Hash()
	require.NoError(t, err)

	// A corrupt batch for an occupied slot carries a different candidate;
	// it must not touch the bank this node already verified.
	bad := makeEntries(root, transferTx(1, 2, 10, 1))
	bad[0].Hash[0] ^= 0xff
	_, err = ft.InsertChild(types.SlotZero, 1, bad)
	assert.True(t, errors.Is(err, ErrReplayFailed))

	node, ok := ft.GetNode(1)
	require.True(t, ok)
	assert.Equal(t, StatusActive, node.Status)
	assert.Equal(t, goodHash, node.BankHash)

	// The fork is still extendable.
	b1, _ := ft.GetBank(1)
	_, err = ft.InsertChild(1, 2, makeEntries(b1, transferTx(1, 2, 5, 1)))
	assert.NoError(t, err)
}

func TestForkTableInsertChildBehindRoot(t *testing.T) {
	root := genesisBank(t, map[byte]int64{1: 100})
	valset, _ := types.RandValidatorSet(1, 10)
	rooted := childBank(t, root, 5, makeEntries(root, transferTx(1, 2, 10, 1)))
	ft := NewForkTable(rooted, valset)

	_, err := ft.InsertChild(5, 5, nil)
	assert.ErrorIs(t, err, ErrSlotBehindRoot)
	_, err = ft.InsertChild(5, 3, nil)
	assert.ErrorIs(t, err, ErrSlotBehindRoot)
}

func TestForkTableDuplicateSlot(t *testing.T) {
	ft, root, _ := newTestTable(t, map[byte]int64{1: 100}, 1)

	a := childBank(t, root, 1, makeEntries(root, transferTx(1, 2, 10, 1)))
	b := childBank(t, root, 1, makeEntries(root, transferTx(1, 2, 20, 1)))
	aHash, err := a.Hash()
	require.NoError(t, err)
	bHash, err := b.Hash()
	require.NoError(t, err)
	require.NotEqual(t, aHash, bHash)

	require.NoError(t, ft.InsertBank(a))
	require.NoError(t, ft.InsertBank(b))

	node, ok := ft.GetNode(1)
	require.True(t, ok)
	assert.Equal(t, StatusDuplicate, node.Status)
	assert.False(t, node.VoteEligible())
	assert.Len(t, ft.DuplicateHashes(1), 2)

	ft.ResolveDuplicate(1, aHash)
	node, _ = ft.GetNode(1)
	assert.Equal(t, StatusActive, node.Status)
	assert.Empty(t, ft.DuplicateHashes(1))
}

func TestForkTableResolveDuplicateSwapsWinner(t *testing.T) {
	ft, root, _ := newTestTable(t, map[byte]int64{1: 100}, 1)

	a := childBank(t, root, 1, makeEntries(root, transferTx(1, 2, 10, 1)))
	b := childBank(t, root, 1, makeEntries(root, transferTx(1, 2, 20, 1)))
	require.NoError(t, ft.InsertBank(a))
	require.NoError(t, ft.InsertBank(b))

	bHash, err := b.Hash()
	require.NoError(t, err)

	// Stake settling on a hash the table never retained cannot resolve
	// anything; both candidates stay on ice.
	unknown := append(tmbytes.HexBytes(nil), bHash...)
	unknown[0] ^= 0xff
	ft.ResolveDuplicate(1, unknown)
	node, _ := ft.GetNode(1)
	assert.Equal(t, StatusDuplicate, node.Status)

	// a was inserted first and holds the slot, but b won the vote: the
	// retained competitor is swapped in and the slot goes back to Active.
	ft.ResolveDuplicate(1, bHash)
	node, _ = ft.GetNode(1)
	assert.Equal(t, StatusActive, node.Status)
	assert.Equal(t, bHash, node.BankHash)
	assert.Empty(t, ft.DuplicateHashes(1))

	// The winning bank's state is the one served from now on.
	winner, ok := ft.GetBank(1)
	require.True(t, ok)
	acc, ok := winner.GetAccount(addr(2))
	require.True(t, ok)
	assert.EqualValues(t, 20, acc.Balance)

	// And the winning fork is extendable locally.
	_, err = ft.InsertChild(1, 2, makeEntries(winner, transferTx(1, 2, 5, 1)))
	assert.NoError(t, err)
}

func TestForkTableVoteWeights(t *testing.T) {
	ft, root, valset := newTestTable(t, map[byte]int64{1: 1000}, 3)

	// root -> 1 -> 2, and a competing root -> 3.
	b1 := childBank(t, root, 1, makeEntries(root, transferTx(1, 2, 10, 1)))
	require.NoError(t, ft.InsertBank(b1))
	b2 := childBank(t, b1, 2, makeEntries(b1, transferTx(1, 2, 10, 1)))
	require.NoError(t, ft.InsertBank(b2))
	b3 := childBank(t, root, 3, makeEntries(root, transferTx(1, 2, 30, 1)))
	require.NoError(t, ft.InsertBank(b3))

	addr0, _ := valset.GetByIndex(0)
	addr1, _ := valset.GetByIndex(1)

	require.True(t, ft.ApplyVote(addr0, 2))
	require.True(t, ft.ApplyVote(addr1, 3))
	ft.ComputeWeights()

	// A vote for a descendant counts for every ancestor.
	assert.EqualValues(t, 10, ft.Weight(2))
	assert.EqualValues(t, 10, ft.Weight(1))
	assert.EqualValues(t, 10, ft.Weight(3))
	assert.EqualValues(t, 20, ft.Weight(types.SlotZero))

	// Stale and unknown-slot votes are ignored.
	assert.False(t, ft.ApplyVote(addr0, 1))
	assert.False(t, ft.ApplyVote(addr0, 2))
	assert.False(t, ft.ApplyVote(addr0, 9))

	// Switching the vote moves the stake off the abandoned branch.
	require.True(t, ft.ApplyVote(addr0, 3))
	ft.ComputeWeights()
	assert.EqualValues(t, 0, ft.Weight(2))
	assert.EqualValues(t, 20, ft.Weight(3))
}

func TestForkTableIsDescendant(t *testing.T) {
	ft, root, _ := newTestTable(t, map[byte]int64{1: 100}, 1)

	b1 := childBank(t, root, 1, makeEntries(root, transferTx(1, 2, 10, 1)))
	require.NoError(t, ft.InsertBank(b1))
	b2 := childBank(t, b1, 2, makeEntries(b1, transferTx(1, 2, 10, 1)))
	require.NoError(t, ft.InsertBank(b2))
	b3 := childBank(t, root, 3, makeEntries(root, transferTx(1, 2, 30, 1)))
	require.NoError(t, ft.InsertBank(b3))

	assert.True(t, ft.IsDescendant(types.SlotZero, 2))
	assert.True(t, ft.IsDescendant(1, 2))
	assert.True(t, ft.IsDescendant(2, 2))
	assert.False(t, ft.IsDescendant(2, 1))
	assert.False(t, ft.IsDescendant(1, 3))
}

func TestForkTableSetRoot(t *testing.T) {
	ft, root, _ := newTestTable(t, map[byte]int64{1: 100}, 1)

	b1 := childBank(t, root, 1, makeEntries(root, transferTx(1, 2, 10, 1)))
	require.NoError(t, ft.InsertBank(b1))
	b2 := childBank(t, b1, 2, makeEntries(b1, transferTx(1, 2, 10, 1)))
	require.NoError(t, ft.InsertBank(b2))
	b3 := childBank(t, root, 3, makeEntries(root, transferTx(1, 2, 30, 1)))
	require.NoError(t, ft.InsertBank(b3))

	wantHash, err := b2.Hash()
	require.NoError(t, err)

	pruned, err := ft.SetRoot(2)
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.Slot{types.SlotZero, 1, 3}, pruned)
	assert.Equal(t, types.Slot(2), ft.Root())
	assert.Equal(t, 1, ft.Size())

	// The new root bank is squashed in place: same hash, no parent chain.
	node, ok := ft.GetNode(2)
	require.True(t, ok)
	assert.Equal(t, types.NoSlot, node.ParentSlot)
	gotHash, err := node.Bank().Hash()
	require.NoError(t, err)
	assert.Equal(t, wantHash, gotHash)
	assert.Nil(t, node.Bank().Parent())

	acc, ok := node.Bank().GetAccount(addr(2))
	require.True(t, ok)
	assert.EqualValues(t, 20, acc.Balance)

	// Monotonic: the root never moves backward, and re-setting is a no-op.
	pruned, err = ft.SetRoot(2)
	require.NoError(t, err)
	assert.Empty(t, pruned)
	_, err = ft.SetRoot(1)
	assert.ErrorIs(t, err, ErrRootRegression)
	_, err = ft.SetRoot(9)
	assert.ErrorIs(t, err, ErrSlotNotInTable)
}
