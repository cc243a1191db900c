package consensus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"towerbft/bank"
	"towerbft/forks"
	"towerbft/types"
)

func testAddr(b byte) types.Address {
	a := make(types.Address, 20)
	a[0] = b
	return a
}

// growFork extends the table with an empty-payload child carrying a single
// distinguishing transfer, so sibling slots never collide on bank hash.
func growFork(t *testing.T, ft *forks.ForkTable, parentSlot, slot types.Slot, amount int64) {
	parent, ok := ft.GetBank(parentSlot)
	require.True(t, ok)

	tx := &types.Tx{
		Sender:       testAddr(1),
		Receiver:     testAddr(2),
		Amount:       amount,
		Fee:          1,
		ComputeLimit: 1,
	}
	entry := types.NextEntry(parent.LastEntryHash(), types.Txs{tx})

	b, err := bank.NewBankFromParent(parent, slot)
	require.NoError(t, err)
	_ = b.ExecuteTx(tx)
	require.NoError(t, b.SetLastEntry(entry.Hash))
	b.Freeze()
	require.NoError(t, ft.InsertBank(b))
}

func newChoiceTable(t *testing.T, numVals int) (*forks.ForkTable, *types.ValidatorSet) {
	root := bank.NewGenesisBank("choice-test-chain", types.SlotZero,
		[]types.GenesisAccount{{Address: testAddr(1), Balance: 1 << 30}})
	valset, _ := types.RandValidatorSet(numVals, 10)
	return forks.NewForkTable(root, valset), valset
}

func TestSelectTipRootOnly(t *testing.T) {
	ft, _ := newChoiceTable(t, 1)
	tip, ok := SelectTip(ft, types.NoSlot)
	require.True(t, ok)
	assert.Equal(t, types.SlotZero, tip)
}

func TestSelectTipHeaviestBranch(t *testing.T) {
	ft, valset := newChoiceTable(t, 3)

	// root -> 1 -> 2 against root -> 3.
	growFork(t, ft, types.SlotZero, 1, 10)
	growFork(t, ft, 1, 2, 10)
	growFork(t, ft, types.SlotZero, 3, 30)

	a0, _ := valset.GetByIndex(0)
	a1, _ := valset.GetByIndex(1)
	a2, _ := valset.GetByIndex(2)
	require.True(t, ft.ApplyVote(a0, 2))
	require.True(t, ft.ApplyVote(a1, 2))
	require.True(t, ft.ApplyVote(a2, 3))

	tip, ok := SelectTip(ft, types.NoSlot)
	require.True(t, ok)
	assert.Equal(t, types.Slot(2), tip)
}

func TestSelectTipSubtreeWeight(t *testing.T) {
	ft, valset := newChoiceTable(t, 3)

	growFork(t, ft, types.SlotZero, 1, 10)
	growFork(t, ft, 1, 2, 10)
	growFork(t, ft, types.SlotZero, 3, 30)

	// Two validators spread over one branch beat one on the other, even
	// though no single node on the winning branch has more direct votes.
	a0, _ := valset.GetByIndex(0)
	a1, _ := valset.GetByIndex(1)
	a2, _ := valset.GetByIndex(2)
	require.True(t, ft.ApplyVote(a0, 1))
	require.True(t, ft.ApplyVote(a1, 2))
	require.True(t, ft.ApplyVote(a2, 3))

	tip, ok := SelectTip(ft, types.NoSlot)
	require.True(t, ok)
	assert.Equal(t, types.Slot(2), tip)
}

func TestSelectTipTieBreaks(t *testing.T) {
	ft, _ := newChoiceTable(t, 1)
	growFork(t, ft, types.SlotZero, 1, 10)
	growFork(t, ft, types.SlotZero, 2, 20)

	// No votes anywhere: the higher slot wins the tie.
	tip, ok := SelectTip(ft, types.NoSlot)
	require.True(t, ok)
	assert.Equal(t, types.Slot(2), tip)

	// With a previous vote, the voted fork wins the tie instead.
	tip, ok = SelectTip(ft, 1)
	require.True(t, ok)
	assert.Equal(t, types.Slot(1), tip)
}

func TestSelectTipSkipsDeadForks(t *testing.T) {
	ft, valset := newChoiceTable(t, 1)
	growFork(t, ft, types.SlotZero, 1, 10)
	growFork(t, ft, types.SlotZero, 2, 20)

	a0, _ := valset.GetByIndex(0)
	require.True(t, ft.ApplyVote(a0, 2))
	ft.MarkDead(2)

	tip, ok := SelectTip(ft, types.NoSlot)
	require.True(t, ok)
	assert.Equal(t, types.Slot(1), tip)
}

func TestSelectTipStopsAboveDuplicate(t *testing.T) {
	ft, _ := newChoiceTable(t, 1)
	growFork(t, ft, types.SlotZero, 1, 10)
	growFork(t, ft, 1, 2, 10)

	// A conflicting bank for slot 2 makes it a duplicate; fork choice must
	// not descend into a slot whose content is unresolved.
	parent, ok := ft.GetBank(1)
	require.True(t, ok)
	tx := &types.Tx{Sender: testAddr(1), Receiver: testAddr(2), Amount: 99, Fee: 1, ComputeLimit: 1}
	other, err := bank.NewBankFromParent(parent, 2)
	require.NoError(t, err)
	_ = other.ExecuteTx(tx)
	require.NoError(t, other.SetLastEntry(types.NextEntry(parent.LastEntryHash(), types.Txs{tx}).Hash))
	other.Freeze()
	require.NoError(t, ft.InsertBank(other))

	tip, ok := SelectTip(ft, types.NoSlot)
	require.True(t, ok)
	assert.Equal(t, types.Slot(1), tip)
}
