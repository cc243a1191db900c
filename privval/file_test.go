package privval

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendermint/tendermint/crypto/tmhash"

	"towerbft/types"
)

func newTestFilePV(t *testing.T) *FilePV {
	dir := t.TempDir()
	return GenFilePV(
		filepath.Join(dir, "priv_validator_key.json"),
		filepath.Join(dir, "priv_validator_state.json"),
	)
}

func voteForSlot(pv *FilePV, slot types.Slot, seed string) *types.Vote {
	return &types.Vote{
		Slot:             slot,
		BankHash:         tmhash.Sum([]byte(seed)),
		ValidatorAddress: pv.GetAddress(),
	}
}

func TestFilePVSignVote(t *testing.T) {
	pv := newTestFilePV(t)
	pubKey, err := pv.GetPubKey()
	require.NoError(t, err)

	vote := voteForSlot(pv, 5, "bank-5")
	require.NoError(t, pv.SignVote("test-chain", vote))
	assert.True(t, pubKey.VerifySignature(types.VoteSignBytes("test-chain", vote), vote.Signature))
	assert.Equal(t, types.Slot(5), pv.LastSignState.Slot)
}

func TestFilePVNoDoubleSign(t *testing.T) {
	pv := newTestFilePV(t)

	vote := voteForSlot(pv, 5, "bank-5")
	require.NoError(t, pv.SignVote("test-chain", vote))

	// A different bank for the same slot is refused.
	conflicting := voteForSlot(pv, 5, "bank-5-other")
	err := pv.SignVote("test-chain", conflicting)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conflicting vote")

	// An earlier slot is refused outright.
	regression := voteForSlot(pv, 4, "bank-4")
	err = pv.SignVote("test-chain", regression)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "slot regression")

	// Re-signing the identical vote reuses the stored signature.
	again := voteForSlot(pv, 5, "bank-5")
	require.NoError(t, pv.SignVote("test-chain", again))
	assert.Equal(t, vote.Signature, again.Signature)
}

func TestFilePVLoadOrGen(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "priv_validator_key.json")
	statePath := filepath.Join(dir, "priv_validator_state.json")

	pv := LoadOrGenFilePV(keyPath, statePath)
	vote := voteForSlot(pv, 3, "bank-3")
	require.NoError(t, pv.SignVote("test-chain", vote))

	// The sign state survives a reload; the double-sign guard still holds.
	reloaded := LoadOrGenFilePV(keyPath, statePath)
	assert.Equal(t, pv.GetAddress(), reloaded.GetAddress())
	assert.Equal(t, types.Slot(3), reloaded.LastSignState.Slot)

	conflicting := voteForSlot(reloaded, 3, "bank-3-other")
	assert.Error(t, reloaded.SignVote("test-chain", conflicting))

	same := voteForSlot(reloaded, 3, "bank-3")
	require.NoError(t, reloaded.SignVote("test-chain", same))
	assert.Equal(t, vote.Signature, same.Signature)
}

func TestFilePVReset(t *testing.T) {
	pv := newTestFilePV(t)
	require.NoError(t, pv.SignVote("test-chain", voteForSlot(pv, 5, "bank-5")))

	pv.Reset()
	assert.Equal(t, types.NoSlot, pv.LastSignState.Slot)
	require.NoError(t, pv.SignVote("test-chain", voteForSlot(pv, 1, "bank-1")))
}
