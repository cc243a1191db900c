package mempool

import (
	"container/list"
	"sync"

	"towerbft/types"
)

// txCache defines an interface for raw transaction caching in a mempool.
// Currently, a mapTxCache with a fixed size is used.
type txCache interface {
	// Reset resets the cache to an empty state.
	Reset()

	// Push adds the given tx to the cache and returns true if it was
	// newly added. Otherwise, it returns false.
	Push(tx *types.Tx) bool

	// Remove removes the given tx from the cache.
	Remove(tx *types.Tx)
}

// mapTxCache maintains a LRU cache of transactions. This only stores the
// hash of the tx, due to memory concerns.
type mapTxCache struct {
	mtx      sync.Mutex
	size     int
	cacheMap map[[types.TxKeySize]byte]*list.Element
	list     *list.List
}

var _ txCache = (*mapTxCache)(nil)

// newMapTxCache returns a new mapTxCache.
func newMapTxCache(cacheSize int) *mapTxCache {
	return &mapTxCache{
		size:     cacheSize,
		cacheMap: make(map[[types.TxKeySize]byte]*list.Element, cacheSize),
		list:     list.New(),
	}
}

// Reset resets the cache to an empty state.
func (cache *mapTxCache) Reset() {
	cache.mtx.Lock()
	cache.cacheMap = make(map[[types.TxKeySize]byte]*list.Element, cache.size)
	cache.list.Init()
	cache.mtx.Unlock()
}

// Push adds the given tx to the cache and returns true. It returns
// false if tx is already in the cache.
func (cache *mapTxCache) Push(tx *types.Tx) bool {
	cache.mtx.Lock()
	defer cache.mtx.Unlock()

	key := tx.Key()
	moved, exists := cache.cacheMap[key]
	if exists {
		cache.list.MoveToBack(moved)
		return false
	}

	if cache.list.Len() >= cache.size {
		popped := cache.list.Front()
		if popped != nil {
			poppedKey := popped.Value.([types.TxKeySize]byte)
			delete(cache.cacheMap, poppedKey)
			cache.list.Remove(popped)
		}
	}
	e := cache.list.PushBack(key)
	cache.cacheMap[key] = e
	return true
}

// Remove removes the given tx from the cache.
func (cache *mapTxCache) Remove(tx *types.Tx) {
	cache.mtx.Lock()
	key := tx.Key()
	popped := cache.cacheMap[key]
	delete(cache.cacheMap, key)
	if popped != nil {
		cache.list.Remove(popped)
	}
	cache.mtx.Unlock()
}

type nopTxCache struct{}

var _ txCache = (*nopTxCache)(nil)

func (nopTxCache) Reset()              {}
func (nopTxCache) Push(*types.Tx) bool { return true }
func (nopTxCache) Remove(*types.Tx)    {}
