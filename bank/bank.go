package bank

import (
	"sort"
	"sync"

	"towerbft/types"

	"github.com/tendermint/tendermint/crypto/tmhash"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

// Bank is the snapshot of all accounts "as of" a slot. A bank forks off a
// frozen parent and records only the accounts written during its own slot;
// reads fall through to the ancestor chain. Once frozen a bank is immutable
// and its hash is fixed; before that, account mutations are accepted only
// through the lock-protected execution path.
//
// Banks form a tree through the parent edge, never a cycle. The fork table
// owns every frozen bank; the execution scheduler only references the active
// leader bank until it freezes.
type Bank struct {
	slot   types.Slot
	parent *Bank // nil for the root

	mtx      sync.RWMutex
	accounts map[string]*Account // accounts written in this slot only
	frozen   bool

	hash          tmbytes.HexBytes // set on Freeze
	lastEntryHash tmbytes.HexBytes

	collectedFees int64
	txCount       int64
	failedTxCount int64
}

// NewGenesisBank builds the root bank from the genesis accounts. The root
// is born frozen: it never executes transactions.
func NewGenesisBank(chainID string, slot types.Slot, genAccounts []types.GenesisAccount) *Bank {
	accounts := make(map[string]*Account, len(genAccounts))
	for _, ga := range genAccounts {
		accounts[ga.Address.Key()] = NewAccount(ga.Balance)
	}
	b := &Bank{
		slot:          slot,
		accounts:      accounts,
		lastEntryHash: tmhash.Sum([]byte(chainID)),
	}
	b.freeze()
	return b
}

// NewBankFromParent forks a fresh, unfrozen bank for the given slot.
// The parent must already be frozen.
func NewBankFromParent(parent *Bank, slot types.Slot) (*Bank, error) {
	if !parent.IsFrozen() {
		return nil, ErrParentNotFrozen
	}
	return &Bank{
		slot:          slot,
		parent:        parent,
		accounts:      make(map[string]*Account),
		lastEntryHash: parent.LastEntryHash(),
	}, nil
}

func (b *Bank) Slot() types.Slot {
	return b.slot
}

func (b *Bank) Parent() *Bank {
	return b.parent
}

func (b *Bank) ParentSlot() types.Slot {
	if b.parent == nil {
		return types.NoSlot
	}
	return b.parent.slot
}

func (b *Bank) IsFrozen() bool {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	return b.frozen
}

// Hash returns the bank hash. It is only defined once the bank is frozen.
func (b *Bank) Hash() (tmbytes.HexBytes, error) {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	if !b.frozen {
		return nil, ErrBankNotFrozen
	}
	return b.hash, nil
}

func (b *Bank) LastEntryHash() tmbytes.HexBytes {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	return b.lastEntryHash
}

// SetLastEntry advances the entry chain tip recorded in the bank hash.
func (b *Bank) SetLastEntry(hash []byte) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.frozen {
		return ErrBankFrozen
	}
	b.lastEntryHash = hash
	return nil
}

// GetAccount returns a copy of the account, walking the ancestor chain.
// Ancestors are frozen, so concurrent reads need no coordination there.
func (b *Bank) GetAccount(addr types.Address) (*Account, bool) {
	key := addr.Key()
	for cur := b; cur != nil; cur = cur.parent {
		cur.mtx.RLock()
		acc, ok := cur.accounts[key]
		cur.mtx.RUnlock()
		if ok {
			return acc.Copy(), true
		}
	}
	return nil, false
}

// StoreAccount writes an account into this bank's slot delta. Only the
// execution path calls this, under the account's exclusive lock.
func (b *Bank) StoreAccount(addr types.Address, acc *Account) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.frozen {
		return ErrBankFrozen
	}
	b.accounts[addr.Key()] = acc.Copy()
	return nil
}

// Delta returns a copy of the accounts written in this slot, for
// persistence when the slot becomes rooted.
func (b *Bank) Delta() map[string]*Account {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	out := make(map[string]*Account, len(b.accounts))
	for k, v := range b.accounts {
		out[k] = v.Copy()
	}
	return out
}

func (b *Bank) CollectedFees() int64 {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	return b.collectedFees
}

func (b *Bank) TxCount() int64 {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	return b.txCount
}

func (b *Bank) FailedTxCount() int64 {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	return b.failedTxCount
}

// Freeze marks the bank immutable and fixes its hash. Idempotent.
func (b *Bank) Freeze() {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.frozen {
		return
	}
	b.freezeLocked()
}

func (b *Bank) freeze() {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.freezeLocked()
}

func (b *Bank) freezeLocked() {
	h := tmhash.New()
	if b.parent != nil {
		h.Write(b.parent.hash)
	}
	h.Write(b.slot.Bytes())
	h.Write(b.deltaHashLocked())
	h.Write(b.lastEntryHash)
	b.hash = h.Sum(nil)
	b.frozen = true
}

// deltaHashLocked hashes the slot's account writes in sorted key order so
// the result does not depend on execution concurrency.
func (b *Bank) deltaHashLocked() []byte {
	keys := make([]string, 0, len(b.accounts))
	for k := range b.accounts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := tmhash.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write(b.accounts[k].Bytes())
	}
	return h.Sum(nil)
}

// Squash folds every ancestor delta into this bank and drops the parent
// edge, so pruned ancestor banks become collectable. The logical account
// content and the already-fixed hash are unchanged; only the root of the
// retained tree is ever squashed.
func (b *Bank) Squash() {
	ancestors := []*Bank{}
	for cur := b.parent; cur != nil; cur = cur.parent {
		ancestors = append(ancestors, cur)
	}

	b.mtx.Lock()
	defer b.mtx.Unlock()
	// Nearest delta wins, so fill from the oldest ancestor upward.
	merged := make(map[string]*Account)
	for i := len(ancestors) - 1; i >= 0; i-- {
		anc := ancestors[i]
		anc.mtx.RLock()
		for k, v := range anc.accounts {
			merged[k] = v
		}
		anc.mtx.RUnlock()
	}
	for k, v := range b.accounts {
		merged[k] = v
	}
	b.accounts = merged
	b.parent = nil
}

// Validate checks the ledger invariants over this bank's delta. A failure
// during replay marks the fork dead.
func (b *Bank) Validate() error {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	for _, acc := range b.accounts {
		if acc.Balance < 0 {
			return ErrNegativeBalance
		}
	}
	return nil
}
