package mempool

import (
	"sync"
	"sync/atomic"

	"towerbft/config"
	"towerbft/types"

	"github.com/google/btree"
	"github.com/tendermint/tendermint/libs/clist"
	"github.com/tendermint/tendermint/libs/log"
)

const btreeDegree = 8

// PriorityMempool keeps pending txs in two shapes: a clist in arrival
// order for gossip, and a btree ordered by declared fee/compute priority
// for the scheduler. Ties in priority fall back to arrival order, which
// keeps this node's scheduling decisions reproducible.
type PriorityMempool struct {
	// Atomic integers
	txsBytes int64  // total size of mempool, in bytes
	seq      uint64 // arrival counter, assigned once per tx

	txsAvailable         chan struct{} // fires once per window when the mempool is not empty
	notifiedTxsAvailable bool

	config *config.MempoolConfig

	updateMtx sync.RWMutex
	preCheck  PreCheckFunc

	txs    *clist.CList // gossip order
	txsMap sync.Map     // tx key -> *clist.CElement

	// The btree is not safe for concurrent use; the clist and txsMap
	// synchronize themselves, so CheckTx may run under the read lock.
	priorityMtx sync.Mutex
	priority    *btree.BTree // *mempoolTx ordered by (priority, arrival)

	// Keep a cache of already-seen txs so rebroadcasts don't re-enter.
	cache txCache

	logger log.Logger
}

var _ Mempool = (*PriorityMempool)(nil)

type PriorityMempoolOption func(*PriorityMempool)

func NewPriorityMempool(cfg *config.MempoolConfig, options ...PriorityMempoolOption) *PriorityMempool {
	mem := &PriorityMempool{
		config:   cfg,
		txs:      clist.New(),
		priority: btree.New(btreeDegree),
		logger:   log.NewNopLogger(),
	}

	if cfg.CacheSize > 0 {
		mem.cache = newMapTxCache(cfg.CacheSize)
	} else {
		mem.cache = nopTxCache{}
	}

	for _, option := range options {
		option(mem)
	}

	return mem
}

func SetPreCheck(precheck PreCheckFunc) PriorityMempoolOption {
	return func(mem *PriorityMempool) {
		mem.preCheck = precheck
	}
}

func (mem *PriorityMempool) SetLogger(logger log.Logger) {
	mem.logger = logger
}

func (mem *PriorityMempool) CheckTx(tx *types.Tx, txInfo TxInfo) error {
	mem.updateMtx.RLock()
	defer mem.updateMtx.RUnlock()

	if err := tx.ValidateBasic(); err != nil {
		return err
	}

	if mem.preCheck != nil {
		if err := mem.preCheck(tx); err != nil {
			return err
		}
	}

	if mem.txs.Len() >= mem.config.Size {
		return ErrMempoolIsFull
	}

	if !mem.cache.Push(tx) {
		return ErrTxInCache
	}

	if _, ok := mem.txsMap.Load(tx.Key()); ok {
		return ErrTxInCache
	}

	if tx.Seq == 0 {
		tx.Seq = atomic.AddUint64(&mem.seq, 1)
	}

	memTx := &mempoolTx{tx: tx}
	memTx.senders.Store(txInfo.SenderID, struct{}{})
	mem.addTx(memTx)

	mem.logger.Debug("added tx", "tx", tx.Hash(), "priority", tx.Priority())
	mem.notifyTxsAvailable()

	return nil
}

// ReapPriority implements Mempool. The reaped txs leave the pool; the
// scheduler owns them until Requeue or Update.
func (mem *PriorityMempool) ReapPriority(max int) types.Txs {
	mem.updateMtx.Lock()
	defer mem.updateMtx.Unlock()

	mem.priorityMtx.Lock()
	if max < 0 {
		max = mem.priority.Len()
	}
	reaped := make(types.Txs, 0, max)
	mem.priority.Descend(func(item btree.Item) bool {
		if len(reaped) >= max {
			return false
		}
		reaped = append(reaped, item.(*mempoolTx).tx)
		return true
	})
	mem.priorityMtx.Unlock()

	for _, tx := range reaped {
		mem.removeTx(tx)
	}
	return reaped
}

// Requeue implements Mempool. The txs keep their arrival sequence so their
// position relative to newer txs is unchanged.
func (mem *PriorityMempool) Requeue(txs types.Txs) {
	mem.updateMtx.Lock()
	defer mem.updateMtx.Unlock()

	for _, tx := range txs {
		if _, ok := mem.txsMap.Load(tx.Key()); ok {
			continue
		}
		mem.addTx(&mempoolTx{tx: tx})
	}
}

// Lock locks the mempool for Update.
func (mem *PriorityMempool) Lock() {
	mem.updateMtx.Lock()
}

// Unlock unlocks the mempool.
func (mem *PriorityMempool) Unlock() {
	mem.updateMtx.Unlock()
}

// Update implements Mempool. Committed txs leave the pool but stay in the
// cache so a late rebroadcast cannot re-enter.
func (mem *PriorityMempool) Update(slot types.Slot, txs types.Txs) error {
	for _, tx := range txs {
		mem.cache.Push(tx)
		mem.removeTx(tx)
	}
	mem.notifiedTxsAvailable = false
	return nil
}

func (mem *PriorityMempool) Flush() {
	mem.updateMtx.Lock()
	defer mem.updateMtx.Unlock()

	mem.priorityMtx.Lock()
	mem.priority.Clear(false)
	mem.priorityMtx.Unlock()
	for e := mem.txs.Front(); e != nil; e = e.Next() {
		mem.txs.Remove(e)
		e.DetachPrev()
	}
	mem.txsMap.Range(func(key, _ interface{}) bool {
		mem.txsMap.Delete(key)
		return true
	})
	atomic.StoreInt64(&mem.txsBytes, 0)
	mem.cache.Reset()
}

func (mem *PriorityMempool) Size() int {
	return mem.txs.Len()
}

func (mem *PriorityMempool) TxsBytes() int64 {
	return atomic.LoadInt64(&mem.txsBytes)
}

func (mem *PriorityMempool) EnableTxsAvailable() {
	mem.txsAvailable = make(chan struct{}, 1)
}

func (mem *PriorityMempool) TxsAvailable() <-chan struct{} {
	return mem.txsAvailable
}

func (mem *PriorityMempool) notifyTxsAvailable() {
	if mem.txsAvailable != nil && !mem.notifiedTxsAvailable {
		mem.notifiedTxsAvailable = true
		select {
		case mem.txsAvailable <- struct{}{}:
		default:
		}
	}
}

// addTx appends the tx to the gossip clist and the priority index.
// Caller holds updateMtx, at least for reading.
func (mem *PriorityMempool) addTx(memTx *mempoolTx) {
	e := mem.txs.PushBack(memTx)
	mem.txsMap.Store(memTx.tx.Key(), e)
	mem.priorityMtx.Lock()
	mem.priority.ReplaceOrInsert(memTx)
	mem.priorityMtx.Unlock()
	atomic.AddInt64(&mem.txsBytes, memTx.tx.ComputeSize())
}

// removeTx drops the tx from every index. Caller holds updateMtx.
func (mem *PriorityMempool) removeTx(tx *types.Tx) {
	v, ok := mem.txsMap.Load(tx.Key())
	if !ok {
		return
	}
	e := v.(*clist.CElement)
	memTx := e.Value.(*mempoolTx)

	mem.txs.Remove(e)
	e.DetachPrev()
	mem.txsMap.Delete(tx.Key())
	mem.priorityMtx.Lock()
	mem.priority.Delete(memTx)
	mem.priorityMtx.Unlock()
	atomic.AddInt64(&mem.txsBytes, -memTx.tx.ComputeSize())
}

// TxsWaitChan returns the clist wait channel, for the gossip routine.
func (mem *PriorityMempool) TxsWaitChan() <-chan struct{} {
	return mem.txs.WaitChan()
}

// TxsFront returns the first element of the gossip clist.
func (mem *PriorityMempool) TxsFront() *clist.CElement {
	return mem.txs.Front()
}

//--------------------------------------------------------------------------------

type mempoolTx struct {
	tx      *types.Tx
	senders sync.Map
}

// Less orders mempoolTxs by (priority asc, arrival desc) so descending
// iteration yields highest priority first, oldest first among equals.
func (memTx *mempoolTx) Less(than btree.Item) bool {
	other := than.(*mempoolTx)
	p, q := memTx.tx.Priority(), other.tx.Priority()
	if p != q {
		return p < q
	}
	return memTx.tx.Seq > other.tx.Seq
}
