package consensus

import (
	"github.com/pkg/errors"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	"github.com/tendermint/tendermint/p2p"

	"towerbft/types"
)

// Message is anything the reactor can hand to the consensus state.
type Message interface {
	ValidateBasic() error
}

// msgInfo pairs a message with its origin; an empty PeerID marks an
// internally generated message.
type msgInfo struct {
	Msg    Message
	PeerID p2p.ID
}

// VoteMessage carries one validator vote.
type VoteMessage struct {
	Vote *types.Vote `json:"vote"`
}

func (m *VoteMessage) ValidateBasic() error {
	if m.Vote == nil {
		return errors.New("vote message without vote")
	}
	return m.Vote.ValidateBasic()
}

// EntryBatchMessage carries the full recorded entry sequence of one slot,
// produced by that slot's leader. Receivers replay it to build the fork.
type EntryBatchMessage struct {
	Slot       types.Slot       `json:"slot"`
	ParentSlot types.Slot       `json:"parent_slot"`
	Entries    types.Entries    `json:"entries"`
	BankHash   tmbytes.HexBytes `json:"bank_hash"`
}

func (m *EntryBatchMessage) ValidateBasic() error {
	if m.Slot < 0 {
		return errors.New("entry batch with negative slot")
	}
	if !m.Slot.Greater(m.ParentSlot) {
		return errors.New("entry batch slot not greater than parent slot")
	}
	if len(m.BankHash) == 0 {
		return errors.New("entry batch without bank hash")
	}
	for i, e := range m.Entries {
		if len(e.Hash) == 0 {
			return errors.Errorf("entry %d without hash", i)
		}
	}
	return nil
}
