package mempool

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/tendermint/tendermint/libs/clist"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/p2p"

	"towerbft/config"
	"towerbft/types"
)

const (
	MempoolChannel = byte(0x20)

	// UnknownPeerID marks a tx with no originating peer, e.g. one submitted
	// over RPC.
	UnknownPeerID uint16 = 0

	maxTxMsgSize = 1024 * 1024

	peerBackoff = 100 * time.Millisecond
)

// Reactor gossips pending transactions between peers. A tx is never sent
// back to the peer it came from.
type Reactor struct {
	p2p.BaseReactor

	config  *config.MempoolConfig
	mempool *PriorityMempool
	peerIDs *peerIDRegistry
}

// peerIDRegistry hands out compact uint16 IDs so per-tx sender sets do not
// hold full p2p IDs. ID 0 stays reserved for UnknownPeerID.
type peerIDRegistry struct {
	mtx    sync.RWMutex
	byPeer map[p2p.ID]uint16
	inUse  map[uint16]struct{}
	cursor uint16
}

func newPeerIDRegistry() *peerIDRegistry {
	return &peerIDRegistry{
		byPeer: make(map[p2p.ID]uint16),
		inUse:  map[uint16]struct{}{UnknownPeerID: {}},
		cursor: 1,
	}
}

// Claim assigns the peer the lowest free ID at or after the cursor.
func (r *peerIDRegistry) Claim(peer p2p.Peer) uint16 {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if len(r.inUse) == math.MaxUint16 {
		panic(fmt.Sprintf("all %d mempool peer IDs in use", math.MaxUint16))
	}
	for {
		if _, taken := r.inUse[r.cursor]; !taken {
			break
		}
		r.cursor++
	}
	id := r.cursor
	r.cursor++
	r.byPeer[peer.ID()] = id
	r.inUse[id] = struct{}{}
	return id
}

// Release frees the peer's ID for reuse.
func (r *peerIDRegistry) Release(peer p2p.Peer) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if id, ok := r.byPeer[peer.ID()]; ok {
		delete(r.inUse, id)
		delete(r.byPeer, peer.ID())
	}
}

func (r *peerIDRegistry) Lookup(peer p2p.Peer) uint16 {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	return r.byPeer[peer.ID()]
}

func NewReactor(cfg *config.MempoolConfig, mempool *PriorityMempool) *Reactor {
	memR := &Reactor{
		config:  cfg,
		mempool: mempool,
		peerIDs: newPeerIDRegistry(),
	}
	memR.BaseReactor = *p2p.NewBaseReactor("Mempool", memR)
	return memR
}

// SetLogger sets the Logger on the reactor and the underlying mempool.
func (memR *Reactor) SetLogger(l log.Logger) {
	memR.Logger = l
	memR.mempool.SetLogger(l)
}

// GetChannels implements Reactor.
func (memR *Reactor) GetChannels() []*p2p.ChannelDescriptor {
	return []*p2p.ChannelDescriptor{
		{
			ID:                  MempoolChannel,
			Priority:            5,
			RecvMessageCapacity: maxTxMsgSize,
		},
	}
}

// InitPeer implements Reactor.
func (memR *Reactor) InitPeer(peer p2p.Peer) p2p.Peer {
	memR.peerIDs.Claim(peer)
	return peer
}

// AddPeer implements Reactor. Starts the gossip routine for the peer.
func (memR *Reactor) AddPeer(peer p2p.Peer) {
	go memR.gossipTxRoutine(peer)
}

// RemovePeer implements Reactor. The gossip routine notices the peer quit
// and exits on its own.
func (memR *Reactor) RemovePeer(peer p2p.Peer, reason interface{}) {
	memR.peerIDs.Release(peer)
}

// Receive implements Reactor. Decodes the tx and feeds it to CheckTx.
func (memR *Reactor) Receive(chID byte, src p2p.Peer, msgBytes []byte) {
	var tx types.Tx
	if err := tmjson.Unmarshal(msgBytes, &tx); err != nil {
		memR.Logger.Error("failed to decode tx", "src", src, "chID", chID, "err", err)
		memR.Switch.StopPeerForError(src, err)
		return
	}

	txInfo := TxInfo{SenderID: memR.peerIDs.Lookup(src)}
	if src != nil {
		txInfo.SenderP2PID = src.ID()
	}
	if err := memR.mempool.CheckTx(&tx, txInfo); err != nil {
		memR.Logger.Debug("could not add tx", "tx", tx.Hash(), "err", err)
	}
}

// gossipTxRoutine walks the arrival-order clist and forwards each tx the
// peer did not itself send us. It blocks on TxsWaitChan when the pool is
// empty and on NextWaitChan at the tail of the list.
func (memR *Reactor) gossipTxRoutine(peer p2p.Peer) {
	peerID := memR.peerIDs.Lookup(peer)

	var cursor *clist.CElement
	for memR.IsRunning() && peer.IsRunning() {
		if cursor == nil {
			select {
			case <-memR.mempool.TxsWaitChan():
				cursor = memR.mempool.TxsFront()
				continue
			case <-peer.Quit():
				return
			case <-memR.Quit():
				return
			}
		}

		memTx := cursor.Value.(*mempoolTx)
		if _, fromPeer := memTx.senders.Load(peerID); !fromPeer {
			bz, err := tmjson.Marshal(memTx.tx)
			if err != nil {
				memR.Logger.Error("failed to marshal tx", "err", err)
				return
			}
			if !peer.Send(MempoolChannel, bz) {
				time.Sleep(peerBackoff)
				continue
			}
		}

		select {
		case <-cursor.NextWaitChan():
			// NextWaitChan closes once the element has a successor.
			cursor = cursor.Next()
		case <-peer.Quit():
			return
		case <-memR.Quit():
			return
		}
	}
}
