package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"
	memdb "github.com/tendermint/tm-db/memdb"

	"towerbft/bank"
	"towerbft/types"
)

func addr(b byte) types.Address {
	a := make(types.Address, 20)
	a[0] = b
	return a
}

func newTestStore() *Store {
	return NewStoreWithDB(memdb.NewDB(), log.TestingLogger())
}

func TestStoreNoRoot(t *testing.T) {
	s := newTestStore()
	_, _, err := s.LoadRoot()
	assert.ErrorIs(t, err, ErrNoRoot)
}

func TestStoreSaveLoadRoot(t *testing.T) {
	s := newTestStore()

	root := bank.NewGenesisBank("store-test-chain", 5, []types.GenesisAccount{
		{Address: addr(1), Balance: 100},
		{Address: addr(2), Balance: 50},
	})
	wantHash, err := root.Hash()
	require.NoError(t, err)

	require.NoError(t, s.SaveRoot(root))

	slot, hash, err := s.LoadRoot()
	require.NoError(t, err)
	assert.Equal(t, types.Slot(5), slot)
	assert.Equal(t, wantHash, hash)

	acc, err := s.LoadAccount(addr(1))
	require.NoError(t, err)
	require.NotNil(t, acc)
	assert.EqualValues(t, 100, acc.Balance)

	missing, err := s.LoadAccount(addr(9))
	require.NoError(t, err)
	assert.Nil(t, missing)

	loaded := map[string]int64{}
	require.NoError(t, s.LoadAccounts(func(a types.Address, acc *bank.Account) error {
		loaded[a.Key()] = acc.Balance
		return nil
	}))
	assert.Len(t, loaded, 2)
	assert.EqualValues(t, 100, loaded[addr(1).Key()])
	assert.EqualValues(t, 50, loaded[addr(2).Key()])
}

func TestStoreRejectsUnfrozenBank(t *testing.T) {
	s := newTestStore()
	root := bank.NewGenesisBank("store-test-chain", 0, nil)
	child, err := bank.NewBankFromParent(root, 1)
	require.NoError(t, err)
	assert.Error(t, s.SaveRoot(child))
}

func TestStoreRootOverwrite(t *testing.T) {
	s := newTestStore()

	first := bank.NewGenesisBank("store-test-chain", 1, []types.GenesisAccount{
		{Address: addr(1), Balance: 100},
	})
	require.NoError(t, s.SaveRoot(first))

	// A later root overwrites the metadata and updates touched accounts.
	second := bank.NewGenesisBank("store-test-chain", 2, []types.GenesisAccount{
		{Address: addr(1), Balance: 80},
		{Address: addr(3), Balance: 20},
	})
	require.NoError(t, s.SaveRoot(second))

	slot, _, err := s.LoadRoot()
	require.NoError(t, err)
	assert.Equal(t, types.Slot(2), slot)

	acc, err := s.LoadAccount(addr(1))
	require.NoError(t, err)
	assert.EqualValues(t, 80, acc.Balance)
	acc, err = s.LoadAccount(addr(3))
	require.NoError(t, err)
	assert.EqualValues(t, 20, acc.Balance)
}
