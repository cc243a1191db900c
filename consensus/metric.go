package consensus

import (
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"

	"towerbft/types"
)

func newConsensusMetric(mode string) *consensusMetric {
	return &consensusMetric{
		Slot:     0,
		Root:     types.NoSlot.Int64(),
		Tip:      types.NoSlot.Int64(),
		LastVote: types.NoSlot.Int64(),
		Mode:     mode,
	}
}

type consensusMetric struct {
	Slot          int64     `json:"current_slot"`
	SlotStartTime time.Time `json:"slot_start_time"`
	Root          int64     `json:"root_slot"`
	Tip           int64     `json:"tip_slot"`
	LastVote      int64     `json:"last_voted_slot"`

	IsLeader      bool   `json:"is_leader"`
	LeaderAddress string `json:"leader_address"`
	Mode          string `json:"mode"`

	DeadForks      int64 `json:"dead_forks"`
	DuplicateSlots int64 `json:"duplicate_slots"`
	VotesSeen      int64 `json:"votes_seen"`
}

func (cm *consensusMetric) JSONString() string {
	s, _ := jsoniter.MarshalToString(cm)
	return s
}

func (cm *consensusMetric) MarkSlot(slot types.Slot) {
	atomic.StoreInt64(&cm.Slot, slot.Int64())
}

func (cm *consensusMetric) MarkSlotStartTime(t time.Time) {
	cm.SlotStartTime = t
}

func (cm *consensusMetric) MarkRoot(slot types.Slot) {
	atomic.StoreInt64(&cm.Root, slot.Int64())
}

func (cm *consensusMetric) MarkTip(slot types.Slot) {
	atomic.StoreInt64(&cm.Tip, slot.Int64())
}

func (cm *consensusMetric) MarkLastVote(slot types.Slot) {
	atomic.StoreInt64(&cm.LastVote, slot.Int64())
}

func (cm *consensusMetric) MarkIsLeader(v bool) {
	cm.IsLeader = v
}

func (cm *consensusMetric) MarkLeaderAddr(addr string) {
	cm.LeaderAddress = addr
}

func (cm *consensusMetric) MarkDeadFork() {
	atomic.AddInt64(&cm.DeadForks, 1)
}

func (cm *consensusMetric) MarkDuplicateSlot() {
	atomic.AddInt64(&cm.DuplicateSlots, 1)
}

func (cm *consensusMetric) MarkVotesSeen() {
	atomic.AddInt64(&cm.VotesSeen, 1)
}
