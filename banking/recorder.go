package banking

import (
	"sync"

	"towerbft/types"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

// Recorder turns executed batches into the slot's entry stream. The order
// handed to Record is the order the entry carries, and that recorded order
// is the only order replay ever sees.
type Recorder struct {
	mtx      sync.Mutex
	prevHash tmbytes.HexBytes
	entries  types.Entries
}

func NewRecorder(lastEntryHash []byte) *Recorder {
	return &Recorder{prevHash: lastEntryHash}
}

// Record appends a new entry chaining the executed txs onto the stream.
func (rec *Recorder) Record(txs types.Txs) *types.Entry {
	rec.mtx.Lock()
	defer rec.mtx.Unlock()

	entry := types.NextEntry(rec.prevHash, txs)
	rec.entries = append(rec.entries, entry)
	rec.prevHash = entry.Hash
	return entry
}

// Entries returns the entry stream recorded so far.
func (rec *Recorder) Entries() types.Entries {
	rec.mtx.Lock()
	defer rec.mtx.Unlock()

	out := make(types.Entries, len(rec.entries))
	copy(out, rec.entries)
	return out
}

// LastHash returns the hash chaining the next entry.
func (rec *Recorder) LastHash() tmbytes.HexBytes {
	rec.mtx.Lock()
	defer rec.mtx.Unlock()
	return rec.prevHash
}
