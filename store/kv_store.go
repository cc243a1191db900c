package store

import (
	"fmt"

	"github.com/pkg/errors"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/libs/log"
	tmdb "github.com/tendermint/tm-db"
	leveldb "github.com/tendermint/tm-db/goleveldb"

	"towerbft/bank"
	"towerbft/types"
)

var (
	keyRootSlot = []byte("meta/root_slot")
	keyRootHash = []byte("meta/root_hash")

	accountPrefix = []byte("acc/")
)

var ErrNoRoot = errors.New("store has no persisted root")

// Store persists the finalized ledger: the account state as of the root
// bank plus the root slot and bank hash. Unrooted forks live only in the
// fork table and are never written here.
type Store struct {
	db     tmdb.DB
	logger log.Logger
}

func NewStore(name, dir string, logger log.Logger) (*Store, error) {
	db, err := leveldb.NewDB(name, dir)
	if err != nil {
		return nil, err
	}
	return NewStoreWithDB(db, logger), nil
}

func NewStoreWithDB(db tmdb.DB, logger log.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// SaveRoot writes the root bank's account delta and the root metadata in
// one batch. The bank must be squashed first so its delta holds every
// account change since the previous persisted root.
func (s *Store) SaveRoot(b *bank.Bank) error {
	if !b.IsFrozen() {
		return errors.New("cannot persist an unfrozen bank")
	}
	hash, err := b.Hash()
	if err != nil {
		return err
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	for key, acc := range b.Delta() {
		bz, err := tmjson.Marshal(acc)
		if err != nil {
			return fmt.Errorf("marshal account %X: %w", key, err)
		}
		if err := batch.Set(accountKey(key), bz); err != nil {
			return err
		}
	}
	if err := batch.Set(keyRootSlot, b.Slot().Bytes()); err != nil {
		return err
	}
	if err := batch.Set(keyRootHash, hash); err != nil {
		return err
	}
	if err := batch.WriteSync(); err != nil {
		return err
	}

	s.logger.Info("root persisted", "slot", b.Slot(), "hash", hash,
		"accounts", len(b.Delta()))
	return nil
}

// LoadRoot returns the persisted root slot and bank hash.
func (s *Store) LoadRoot() (types.Slot, tmbytes.HexBytes, error) {
	slotBz, err := s.db.Get(keyRootSlot)
	if err != nil {
		return types.NoSlot, nil, err
	}
	if slotBz == nil {
		return types.NoSlot, nil, ErrNoRoot
	}
	hash, err := s.db.Get(keyRootHash)
	if err != nil {
		return types.NoSlot, nil, err
	}
	return types.SlotFromBytes(slotBz), hash, nil
}

// LoadAccount reads one persisted account, nil if absent.
func (s *Store) LoadAccount(addr types.Address) (*bank.Account, error) {
	bz, err := s.db.Get(accountKey(addr.Key()))
	if err != nil {
		return nil, err
	}
	if bz == nil {
		return nil, nil
	}
	var acc bank.Account
	if err := tmjson.Unmarshal(bz, &acc); err != nil {
		return nil, err
	}
	return &acc, nil
}

// LoadAccounts iterates every persisted account.
func (s *Store) LoadAccounts(fn func(addr types.Address, acc *bank.Account) error) error {
	it, err := tmdb.IteratePrefix(s.db, accountPrefix)
	if err != nil {
		return err
	}
	defer it.Close()

	for ; it.Valid(); it.Next() {
		var acc bank.Account
		if err := tmjson.Unmarshal(it.Value(), &acc); err != nil {
			return err
		}
		addr := types.Address(it.Key()[len(accountPrefix):])
		if err := fn(addr, &acc); err != nil {
			return err
		}
	}
	return it.Error()
}

func (s *Store) Close() error {
	return s.db.Close()
}

func accountKey(addrKey string) []byte {
	return append(accountPrefix, addrKey...)
}
