package banking

import (
	"errors"
	"sync"

	"towerbft/types"
)

var (
	// ErrLockConflict is returned when any account in a request is held
	// incompatibly. The request is rejected whole; nothing was granted.
	ErrLockConflict = errors.New("account lock conflict")
)

// accountLock is the lock state of one account inside the active slot's
// execution window: shared readers or a single exclusive writer.
type accountLock struct {
	readers int
	writer  bool
}

// LockTable arbitrates per-account read/write access for one bank's
// execution window. Acquisition is all-or-nothing and non-blocking: a
// request whose full account set cannot be granted is rejected without
// holding anything, so partial execution and deadlock cannot arise.
type LockTable struct {
	mtx   sync.Mutex
	locks map[string]*accountLock
}

func NewLockTable() *LockTable {
	return &LockTable{
		locks: make(map[string]*accountLock),
	}
}

// Acquire takes shared locks on reads and exclusive locks on writes.
// Either every account is granted and a handle is returned, or nothing is
// granted and ErrLockConflict is returned.
func (lt *LockTable) Acquire(reads, writes []types.Address) (*LockHandle, error) {
	lt.mtx.Lock()
	defer lt.mtx.Unlock()

	writeSet := make(map[string]struct{}, len(writes))
	for _, addr := range writes {
		writeSet[addr.Key()] = struct{}{}
	}

	// First pass: check the whole request before granting anything.
	for key := range writeSet {
		if l, ok := lt.locks[key]; ok && (l.writer || l.readers > 0) {
			return nil, ErrLockConflict
		}
	}
	for _, addr := range reads {
		key := addr.Key()
		if _, dup := writeSet[key]; dup {
			// A write request on the same account subsumes the read.
			continue
		}
		if l, ok := lt.locks[key]; ok && l.writer {
			return nil, ErrLockConflict
		}
	}

	// Second pass: grant.
	for key := range writeSet {
		lt.locks[key] = &accountLock{writer: true}
	}
	for _, addr := range reads {
		key := addr.Key()
		if _, dup := writeSet[key]; dup {
			continue
		}
		l, ok := lt.locks[key]
		if !ok {
			l = &accountLock{}
			lt.locks[key] = l
		}
		l.readers++
	}

	return &LockHandle{lt: lt, reads: reads, writeSet: writeSet}, nil
}

// AcquireForTx locks the declared account sets of one transaction.
func (lt *LockTable) AcquireForTx(tx *types.Tx) (*LockHandle, error) {
	return lt.Acquire(tx.ReadAccounts(), tx.WriteAccounts())
}

func (lt *LockTable) release(h *LockHandle) {
	lt.mtx.Lock()
	defer lt.mtx.Unlock()

	for key := range h.writeSet {
		delete(lt.locks, key)
	}
	for _, addr := range h.reads {
		key := addr.Key()
		if _, dup := h.writeSet[key]; dup {
			continue
		}
		l, ok := lt.locks[key]
		if !ok {
			continue
		}
		l.readers--
		if l.readers <= 0 && !l.writer {
			delete(lt.locks, key)
		}
	}
}

// Size returns the number of accounts currently locked.
func (lt *LockTable) Size() int {
	lt.mtx.Lock()
	defer lt.mtx.Unlock()
	return len(lt.locks)
}

// LockHandle releases one granted request. Release must happen on every
// exit path before the accounts become eligible for a later batch.
type LockHandle struct {
	lt       *LockTable
	reads    []types.Address
	writeSet map[string]struct{}

	releaseOnce sync.Once
}

// Release is idempotent.
func (h *LockHandle) Release() {
	h.releaseOnce.Do(func() {
		h.lt.release(h)
	})
}
