package consensus

import (
	"fmt"

	"github.com/tendermint/tendermint/libs/events"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/p2p"

	"towerbft/config"
	"towerbft/types"
)

const (
	VoteChannel  = byte(0x22)
	EntryChannel = byte(0x23)

	maxMsgSize = 1048576 // 1MB
)

// Events fired by the consensus state for the reactor to relay.
const (
	EventNewVote       = "NewVote"
	EventEntryBatch    = "EntryBatch"
	EventRootAdvance   = "RootAdvance"
	EventDeadFork      = "DeadFork"
	EventDuplicateSlot = "DuplicateSlot"
)

// Reactor bridges the consensus state and the p2p switch: inbound channel
// bytes decode into messages for the state machine, and state events fan
// out as broadcasts.
type Reactor struct {
	p2p.BaseReactor

	consensus *ConsensusState
	mode      string
}

type ReactorOption func(*Reactor)

func NewReactor(cs *ConsensusState, options ...ReactorOption) *Reactor {
	conR := &Reactor{
		consensus: cs,
		mode:      cs.config.Mode,
	}
	conR.BaseReactor = *p2p.NewBaseReactor("Consensus", conR)

	for _, option := range options {
		option(conR)
	}
	return conR
}

func (conR *Reactor) OnStart() error {
	conR.subscribeToBroadcastEvents()
	if !conR.consensus.IsRunning() {
		if err := conR.consensus.Start(); err != nil {
			return err
		}
	}
	return nil
}

func (conR *Reactor) OnStop() {
	conR.consensus.eventSwitch.RemoveListener(subscriber)
	if err := conR.consensus.Stop(); err != nil {
		conR.Logger.Error("failed to stop consensus state", "err", err)
	}
}

func (conR *Reactor) GetChannels() []*p2p.ChannelDescriptor {
	return []*p2p.ChannelDescriptor{
		{
			ID:                 VoteChannel,
			Priority:           10,
			SendQueueCapacity:  100,
			RecvBufferCapacity: maxMsgSize,
		},
		{
			ID:                 EntryChannel,
			Priority:           8,
			SendQueueCapacity:  100,
			RecvBufferCapacity: maxMsgSize,
		},
	}
}

func (conR *Reactor) AddPeer(peer p2p.Peer) {}

func (conR *Reactor) RemovePeer(peer p2p.Peer, reason interface{}) {}

func (conR *Reactor) Receive(chID byte, src p2p.Peer, msgBytes []byte) {
	if !conR.IsRunning() {
		return
	}

	switch chID {
	case VoteChannel:
		var vote types.Vote
		if err := tmjson.Unmarshal(msgBytes, &vote); err != nil {
			conR.Logger.Error("failed to decode vote", "err", err, "src", src.ID())
			return
		}
		conR.consensus.peerMsgQueue <- msgInfo{
			Msg:    &VoteMessage{Vote: &vote},
			PeerID: src.ID(),
		}

	case EntryChannel:
		var batch EntryBatchMessage
		if err := tmjson.Unmarshal(msgBytes, &batch); err != nil {
			conR.Logger.Error("failed to decode entry batch", "err", err, "src", src.ID())
			return
		}
		conR.consensus.peerMsgQueue <- msgInfo{
			Msg:    &batch,
			PeerID: src.ID(),
		}

	default:
		conR.Logger.Error(fmt.Sprintf("unknown chID %X", chID))
	}
}

const subscriber = "consensus-reactor"

// subscribeToBroadcastEvents relays state events to peers. The state has
// already verified everything it fires; receivers re-verify anyway.
func (conR *Reactor) subscribeToBroadcastEvents() {
	if conR.mode == config.ModeRepair {
		// Repair nodes serve stored data on request and relay nothing.
		return
	}

	conR.consensus.eventSwitch.AddListenerForEvent(subscriber, EventNewVote,
		func(data events.EventData) {
			conR.broadcastVote(data.(*types.Vote))
		})

	conR.consensus.eventSwitch.AddListenerForEvent(subscriber, EventEntryBatch,
		func(data events.EventData) {
			conR.broadcastEntryBatch(data.(*EntryBatchMessage))
		})
}

func (conR *Reactor) broadcastVote(vote *types.Vote) {
	bz, err := tmjson.Marshal(vote)
	if err != nil {
		conR.Logger.Error("failed to marshal vote", "err", err)
		return
	}
	conR.Switch.Broadcast(VoteChannel, bz)
}

func (conR *Reactor) broadcastEntryBatch(batch *EntryBatchMessage) {
	bz, err := tmjson.Marshal(batch)
	if err != nil {
		conR.Logger.Error("failed to marshal entry batch", "err", err)
		return
	}
	conR.Switch.Broadcast(EntryChannel, bz)
}
