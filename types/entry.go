package types

import (
	"bytes"
	"errors"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"

	"github.com/tendermint/tendermint/crypto/tmhash"
)

var (
	ErrEntryHashMismatch = errors.New("entry hash does not extend the previous entry hash")
)

// Entry is an ordered batch of executed transactions, chained on the hash
// of the previous entry. The tx order recorded here is authoritative: every
// replica replays strictly in this order, whatever schedule produced it.
// Entries are append-only once produced.
type Entry struct {
	PrevHash tmbytes.HexBytes `json:"prev_hash"`
	Hash     tmbytes.HexBytes `json:"hash"`
	Txs      Txs              `json:"txs"`
}

// NextEntry chains a new entry with the given txs onto prevHash.
func NextEntry(prevHash []byte, txs Txs) *Entry {
	return &Entry{
		PrevHash: prevHash,
		Hash:     entryHash(prevHash, txs),
		Txs:      txs,
	}
}

func entryHash(prevHash []byte, txs Txs) []byte {
	h := tmhash.New()
	h.Write(prevHash)
	h.Write(txs.Hash())
	return h.Sum(nil)
}

// Verify recomputes the entry hash against prevHash. A mismatch is a
// replay-integrity error and is fatal to the fork being replayed.
func (e *Entry) Verify(prevHash []byte) error {
	if !bytes.Equal(e.PrevHash, prevHash) {
		return ErrEntryHashMismatch
	}
	if !bytes.Equal(e.Hash, entryHash(prevHash, e.Txs)) {
		return ErrEntryHashMismatch
	}
	return nil
}

type Entries []*Entry

// VerifyChain checks the whole sequence starting from prevHash.
func (es Entries) VerifyChain(prevHash []byte) error {
	prev := prevHash
	for _, e := range es {
		if err := e.Verify(prev); err != nil {
			return err
		}
		prev = e.Hash
	}
	return nil
}

// LastHash returns the hash of the final entry, or prevHash if empty.
func (es Entries) LastHash(prevHash []byte) []byte {
	if len(es) == 0 {
		return prevHash
	}
	return es[len(es)-1].Hash
}

// NumTxs counts the transactions across all entries.
func (es Entries) NumTxs() int {
	n := 0
	for _, e := range es {
		n += len(e.Txs)
	}
	return n
}
