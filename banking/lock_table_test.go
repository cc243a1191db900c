package banking

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"towerbft/types"
)

func addr(b byte) types.Address {
	a := make([]byte, 20)
	a[0] = b
	return types.Address(a)
}

func TestLockTableExclusiveWrite(t *testing.T) {
	lt := NewLockTable()

	h1, err := lt.Acquire(nil, []types.Address{addr(1)})
	require.NoError(t, err)

	_, err = lt.Acquire(nil, []types.Address{addr(1)})
	assert.ErrorIs(t, err, ErrLockConflict)

	// Readers are blocked by the writer too.
	_, err = lt.Acquire([]types.Address{addr(1)}, nil)
	assert.ErrorIs(t, err, ErrLockConflict)

	h1.Release()
	h2, err := lt.Acquire(nil, []types.Address{addr(1)})
	require.NoError(t, err)
	h2.Release()
}

func TestLockTableSharedReads(t *testing.T) {
	lt := NewLockTable()

	h1, err := lt.Acquire([]types.Address{addr(1)}, nil)
	require.NoError(t, err)
	h2, err := lt.Acquire([]types.Address{addr(1)}, nil)
	require.NoError(t, err)

	// A writer cannot enter while readers hold the account.
	_, err = lt.Acquire(nil, []types.Address{addr(1)})
	assert.ErrorIs(t, err, ErrLockConflict)

	h1.Release()
	_, err = lt.Acquire(nil, []types.Address{addr(1)})
	assert.ErrorIs(t, err, ErrLockConflict, "one reader still holds")

	h2.Release()
	h3, err := lt.Acquire(nil, []types.Address{addr(1)})
	require.NoError(t, err)
	h3.Release()

	assert.Equal(t, 0, lt.Size())
}

func TestLockTableAllOrNothing(t *testing.T) {
	lt := NewLockTable()

	h1, err := lt.Acquire(nil, []types.Address{addr(2)})
	require.NoError(t, err)

	// Account 1 is free, account 2 is held: the request must leave no
	// trace of account 1 behind.
	_, err = lt.Acquire(nil, []types.Address{addr(1), addr(2)})
	require.ErrorIs(t, err, ErrLockConflict)
	assert.Equal(t, 1, lt.Size())

	h2, err := lt.Acquire(nil, []types.Address{addr(1)})
	require.NoError(t, err)

	h1.Release()
	h2.Release()
	assert.Equal(t, 0, lt.Size())
}

func TestLockTableWriteSubsumesRead(t *testing.T) {
	lt := NewLockTable()

	// The same account in both sets is a single exclusive grant.
	h, err := lt.Acquire([]types.Address{addr(1)}, []types.Address{addr(1)})
	require.NoError(t, err)
	assert.Equal(t, 1, lt.Size())

	h.Release()
	assert.Equal(t, 0, lt.Size())
}

func TestLockHandleReleaseIdempotent(t *testing.T) {
	lt := NewLockTable()

	h, err := lt.Acquire([]types.Address{addr(2)}, []types.Address{addr(1)})
	require.NoError(t, err)

	h.Release()
	h.Release()
	assert.Equal(t, 0, lt.Size())

	// A double release must not free somebody else's later grant.
	h2, err := lt.Acquire(nil, []types.Address{addr(1)})
	require.NoError(t, err)
	h.Release()
	_, err = lt.Acquire(nil, []types.Address{addr(1)})
	assert.ErrorIs(t, err, ErrLockConflict)
	h2.Release()
}

// Hammer the table from many goroutines; for each account at any moment
// there is either one writer or any number of readers, all grants drain.
func TestLockTableConcurrent(t *testing.T) {
	lt := NewLockTable()
	accounts := []types.Address{addr(1), addr(2), addr(3), addr(4)}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 500; i++ {
				w := accounts[rng.Intn(len(accounts))]
				r := accounts[rng.Intn(len(accounts))]
				h, err := lt.Acquire([]types.Address{r}, []types.Address{w})
				if err != nil {
					continue
				}
				h.Release()
			}
		}(int64(g))
	}
	wg.Wait()

	assert.Equal(t, 0, lt.Size(), "all grants must drain")
}
