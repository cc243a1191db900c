package consensus

import (
	"fmt"
	"io/ioutil"
	"sync"

	"github.com/pkg/errors"
	tmjson "github.com/tendermint/tendermint/libs/json"
	tmos "github.com/tendermint/tendermint/libs/os"
	"github.com/tendermint/tendermint/libs/tempfile"

	"towerbft/types"
)

var (
	ErrVoteLockedOut   = errors.New("vote would violate an active lockout")
	ErrSwitchThreshold = errors.New("switch threshold not reached")
	ErrVoteBehindTower = errors.New("vote slot not newer than last tower vote")
)

// TowerEntry is one rung of the lockout tower. A vote with N confirmations
// commits its owner to the voted fork for 2^N slots.
type TowerEntry struct {
	Slot          types.Slot `json:"slot"`
	Confirmations uint32     `json:"confirmations"`
}

// Lockout returns the number of slots past Slot during which a conflicting
// vote is forbidden.
func (te TowerEntry) Lockout() types.Slot {
	return types.Slot(1) << te.Confirmations
}

// ExpirationSlot is the last slot at which the lockout still binds.
func (te TowerEntry) ExpirationSlot() types.Slot {
	return te.Slot.Add(int64(te.Lockout()))
}

// Tower holds this validator's own vote history with exponential lockouts.
// Entries are ordered oldest first; confirmations strictly decrease toward
// the top, so the newest vote sits last with 1 confirmation.
type Tower struct {
	mtx sync.Mutex

	maxDepth int

	entries []TowerEntry
	root    types.Slot

	filePath string
}

func NewTower(maxDepth int) *Tower {
	return &Tower{
		maxDepth: maxDepth,
		root:     types.NoSlot,
	}
}

// towerJSON is the persisted form.
type towerJSON struct {
	MaxDepth int          `json:"max_depth"`
	Entries  []TowerEntry `json:"entries"`
	Root     types.Slot   `json:"root"`
}

// LoadTower reads a persisted tower, or returns a fresh one if the file
// does not exist. Restart must never forget lockouts.
func LoadTower(filePath string, maxDepth int) (*Tower, error) {
	t := NewTower(maxDepth)
	t.filePath = filePath
	if !tmos.FileExists(filePath) {
		return t, nil
	}
	bz, err := ioutil.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	var tj towerJSON
	if err := tmjson.Unmarshal(bz, &tj); err != nil {
		return nil, fmt.Errorf("error reading tower from %v: %w", filePath, err)
	}
	if tj.MaxDepth > 0 {
		t.maxDepth = tj.MaxDepth
	}
	t.entries = tj.Entries
	t.root = tj.Root
	return t, nil
}

// SetFilePath enables persistence on every recorded vote.
func (t *Tower) SetFilePath(filePath string) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.filePath = filePath
}

func (t *Tower) saveLocked() {
	if t.filePath == "" {
		return
	}
	tj := towerJSON{MaxDepth: t.maxDepth, Entries: t.entries, Root: t.root}
	bz, err := tmjson.MarshalIndent(tj, "", "  ")
	if err != nil {
		panic(err)
	}
	if err := tempfile.WriteFileAtomic(t.filePath, bz, 0600); err != nil {
		panic(err)
	}
}

// Root returns the highest slot the tower has committed to, NoSlot if none.
func (t *Tower) Root() types.Slot {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.root
}

// LastVotedSlot returns the newest voted slot, NoSlot if the tower is empty.
func (t *Tower) LastVotedSlot() types.Slot {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if len(t.entries) == 0 {
		return types.NoSlot
	}
	return t.entries[len(t.entries)-1].Slot
}

// Entries returns a copy of the lockout stack, oldest first.
func (t *Tower) Entries() []TowerEntry {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return append([]TowerEntry(nil), t.entries...)
}

// CheckVote reports whether voting for slot is permitted: every lockout
// whose expiration has not passed must cover a fork the vote descends from.
// isDescendant answers "does slot descend from ancestor" over the fork table.
func (t *Tower) CheckVote(slot types.Slot, isDescendant func(ancestor, desc types.Slot) bool) error {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	if len(t.entries) > 0 && !slot.Greater(t.entries[len(t.entries)-1].Slot) {
		return ErrVoteBehindTower
	}
	for _, te := range t.entries {
		if slot.Greater(te.ExpirationSlot()) {
			continue // lockout expired
		}
		if !isDescendant(te.Slot, slot) {
			return errors.Wrapf(ErrVoteLockedOut,
				"slot %d conflicts with vote at %d (locked until %d)",
				slot, te.Slot, te.ExpirationSlot())
		}
	}
	return nil
}

// RecordVote pushes a vote for slot onto the tower: expired lockouts pop
// first, surviving entries deepen by one confirmation, and an entry that
// reaches maxDepth confirms the tower root. The new root slot is returned,
// NoSlot when the root did not move.
func (t *Tower) RecordVote(slot types.Slot) types.Slot {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	// Pop entries whose lockout expired before this vote.
	for len(t.entries) > 0 {
		top := t.entries[len(t.entries)-1]
		if slot.Greater(top.ExpirationSlot()) {
			t.entries = t.entries[:len(t.entries)-1]
			continue
		}
		break
	}

	// Surviving entries gain a confirmation, capped at the max depth.
	for i := range t.entries {
		if int(t.entries[i].Confirmations) < t.maxDepth {
			t.entries[i].Confirmations++
		}
	}
	t.entries = append(t.entries, TowerEntry{Slot: slot, Confirmations: 1})

	newRoot := types.NoSlot
	if len(t.entries) > 0 && int(t.entries[0].Confirmations) >= t.maxDepth {
		newRoot = t.entries[0].Slot
		t.entries = t.entries[1:]
		if newRoot.Greater(t.root) {
			t.root = newRoot
		} else {
			newRoot = types.NoSlot
		}
	}

	t.saveLocked()
	return newRoot
}

// CheckSwitch gates abandoning the last-voted fork. Switching to a fork
// that does not descend from the last vote requires that the candidate's
// observed stake weight meet the threshold fraction of total stake.
func (t *Tower) CheckSwitch(
	slot types.Slot,
	isDescendant func(ancestor, desc types.Slot) bool,
	weight func(slot types.Slot) int64,
	totalStake int64,
	threshold float64,
) error {
	t.mtx.Lock()
	last := types.NoSlot
	if len(t.entries) > 0 {
		last = t.entries[len(t.entries)-1].Slot
	}
	t.mtx.Unlock()

	if last == types.NoSlot || isDescendant(last, slot) {
		return nil // same fork, no switch
	}
	if totalStake <= 0 {
		return ErrSwitchThreshold
	}
	if float64(weight(slot)) < threshold*float64(totalStake) {
		return errors.Wrapf(ErrSwitchThreshold,
			"slot %d weight %d below %.2f of %d", slot, weight(slot), threshold, totalStake)
	}
	return nil
}
