package consensus

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"towerbft/types"
)

func sameFork(ancestor, desc types.Slot) bool { return true }

func otherFork(ancestor, desc types.Slot) bool { return ancestor.Equal(desc) }

func TestTowerLockoutsDeepen(t *testing.T) {
	tw := NewTower(32)

	require.Equal(t, types.NoSlot, tw.LastVotedSlot())
	require.Equal(t, types.NoSlot, tw.RecordVote(1))
	require.Equal(t, types.NoSlot, tw.RecordVote(2))
	require.Equal(t, types.NoSlot, tw.RecordVote(3))

	entries := tw.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, TowerEntry{Slot: 1, Confirmations: 3}, entries[0])
	assert.Equal(t, TowerEntry{Slot: 2, Confirmations: 2}, entries[1])
	assert.Equal(t, TowerEntry{Slot: 3, Confirmations: 1}, entries[2])

	// Lockout doubles per confirmation: the oldest vote binds the longest.
	assert.Equal(t, types.Slot(8), entries[0].Lockout())
	assert.Equal(t, types.Slot(9), entries[0].ExpirationSlot())
	assert.Equal(t, types.Slot(6), entries[1].ExpirationSlot())
	assert.Equal(t, types.Slot(5), entries[2].ExpirationSlot())

	assert.Equal(t, types.Slot(3), tw.LastVotedSlot())
	assert.Equal(t, types.NoSlot, tw.Root())
}

func TestTowerExpiredVotesPop(t *testing.T) {
	tw := NewTower(32)
	tw.RecordVote(1)
	tw.RecordVote(2)

	// Slot 10 is past every expiration: the whole stack pops first, so the
	// abandoned votes never deepen.
	tw.RecordVote(10)
	entries := tw.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, TowerEntry{Slot: 10, Confirmations: 1}, entries[0])
}

func TestTowerCheckVote(t *testing.T) {
	tw := NewTower(32)
	tw.RecordVote(20)
	tw.RecordVote(21) // entries: (20,2) locked through 24, (21,1) locked through 23

	// Voting at or behind the last vote is never allowed.
	assert.ErrorIs(t, tw.CheckVote(21, sameFork), ErrVoteBehindTower)
	assert.ErrorIs(t, tw.CheckVote(20, sameFork), ErrVoteBehindTower)

	// On the voted fork the lockouts are satisfied by descent.
	assert.NoError(t, tw.CheckVote(22, sameFork))

	// A conflicting fork is forbidden while any lockout still binds.
	err := tw.CheckVote(22, otherFork)
	assert.ErrorIs(t, err, ErrVoteLockedOut)
	err = tw.CheckVote(24, otherFork) // (21,1) expired, (20,2) still binds
	assert.ErrorIs(t, err, ErrVoteLockedOut)

	// Past the deepest expiration the tower no longer objects.
	assert.NoError(t, tw.CheckVote(26, otherFork))
}

func TestTowerRootAdvance(t *testing.T) {
	tw := NewTower(3)

	assert.Equal(t, types.NoSlot, tw.RecordVote(1))
	assert.Equal(t, types.NoSlot, tw.RecordVote(2))

	// The third consecutive vote gives slot 1 three confirmations, the
	// configured max depth, and commits it as the tower root.
	assert.Equal(t, types.Slot(1), tw.RecordVote(3))
	assert.Equal(t, types.Slot(1), tw.Root())

	entries := tw.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, types.Slot(2), entries[0].Slot)

	// Each further consecutive vote advances the root by one.
	assert.Equal(t, types.Slot(2), tw.RecordVote(4))
	assert.Equal(t, types.Slot(2), tw.Root())
}

func TestTowerConfirmationsCapped(t *testing.T) {
	tw := NewTower(3)
	for s := types.Slot(1); s <= 10; s++ {
		tw.RecordVote(s)
	}
	for _, te := range tw.Entries() {
		assert.LessOrEqual(t, te.Confirmations, uint32(3))
	}
}

func TestTowerCheckSwitch(t *testing.T) {
	tw := NewTower(32)

	// An empty tower may vote anywhere.
	assert.NoError(t, tw.CheckSwitch(5, otherFork, func(types.Slot) int64 { return 0 }, 100, 0.38))

	tw.RecordVote(5)

	// Staying on the voted fork needs no stake.
	assert.NoError(t, tw.CheckSwitch(6, sameFork, func(types.Slot) int64 { return 0 }, 100, 0.38))

	// Switching forks needs the threshold fraction of total stake behind
	// the candidate.
	err := tw.CheckSwitch(6, otherFork, func(types.Slot) int64 { return 37 }, 100, 0.38)
	assert.ErrorIs(t, err, ErrSwitchThreshold)
	assert.NoError(t, tw.CheckSwitch(6, otherFork, func(types.Slot) int64 { return 38 }, 100, 0.38))
}

func TestTowerSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tower.json")

	fresh, err := LoadTower(path, 3)
	require.NoError(t, err)
	assert.Empty(t, fresh.Entries())
	assert.Equal(t, types.NoSlot, fresh.Root())

	tw := NewTower(3)
	tw.SetFilePath(path)
	tw.RecordVote(1)
	tw.RecordVote(2)
	tw.RecordVote(3)

	// Restart must never forget lockouts.
	loaded, err := LoadTower(path, 3)
	require.NoError(t, err)
	assert.Equal(t, tw.Entries(), loaded.Entries())
	assert.Equal(t, tw.Root(), loaded.Root())
	assert.Equal(t, tw.LastVotedSlot(), loaded.LastVotedSlot())
}
