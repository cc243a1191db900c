package privval

import (
	"bytes"
	"fmt"
	"io/ioutil"

	"github.com/tendermint/tendermint/crypto"
	"github.com/tendermint/tendermint/crypto/ed25519"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	tmjson "github.com/tendermint/tendermint/libs/json"
	tmos "github.com/tendermint/tendermint/libs/os"
	"github.com/tendermint/tendermint/libs/tempfile"

	"towerbft/types"
)

// FilePVKey stores the immutable part of PrivValidator.
type FilePVKey struct {
	Address types.Address  `json:"address"`
	PubKey  crypto.PubKey  `json:"pub_key"`
	PrivKey crypto.PrivKey `json:"priv_key"`

	filePath string
}

// Save persists the FilePVKey to its filePath.
func (pvKey FilePVKey) Save() {
	outFile := pvKey.filePath
	if outFile == "" {
		panic("cannot save PrivValidator key: filePath not set")
	}

	jsonBytes, err := tmjson.MarshalIndent(pvKey, "", "  ")
	if err != nil {
		panic(err)
	}
	if err := tempfile.WriteFileAtomic(outFile, jsonBytes, 0600); err != nil {
		panic(err)
	}
}

// FilePVLastSignState stores the most recent vote signed, so a restarted
// validator can never sign two different banks for the same slot.
type FilePVLastSignState struct {
	Slot      types.Slot       `json:"slot"`
	BankHash  tmbytes.HexBytes `json:"bank_hash"`
	Signature tmbytes.HexBytes `json:"signature"`
	SignBytes tmbytes.HexBytes `json:"signbytes"`

	filePath string
}

// checkSlotRegression returns an error if signing for slot would conflict
// with the last signed vote, and whether the exact same vote was already
// signed (its signature can be reused).
func (lss *FilePVLastSignState) checkSlotRegression(slot types.Slot, signBytes []byte) (bool, error) {
	if slot.Greater(lss.Slot) {
		return false, nil
	}
	if !slot.Equal(lss.Slot) {
		return false, fmt.Errorf("slot regression: last signed %v, new %v", lss.Slot, slot)
	}
	if lss.SignBytes != nil && bytes.Equal(lss.SignBytes, signBytes) {
		return true, nil
	}
	return false, fmt.Errorf("conflicting vote for slot %v already signed", slot)
}

func (lss *FilePVLastSignState) Save() {
	outFile := lss.filePath
	if outFile == "" {
		panic("cannot save sign state: filePath not set")
	}
	jsonBytes, err := tmjson.MarshalIndent(lss, "", "  ")
	if err != nil {
		panic(err)
	}
	if err := tempfile.WriteFileAtomic(outFile, jsonBytes, 0600); err != nil {
		panic(err)
	}
}

// FilePV implements PrivValidator using data persisted to disk to prevent
// double signing. The directories containing the file paths must exist.
type FilePV struct {
	Key           FilePVKey
	LastSignState FilePVLastSignState
}

var _ types.PrivValidator = (*FilePV)(nil)

// NewFilePV generates a new validator from the given key and paths.
func NewFilePV(privKey crypto.PrivKey, keyFilePath, stateFilePath string) *FilePV {
	return &FilePV{
		Key: FilePVKey{
			Address:  types.Address(privKey.PubKey().Address()),
			PubKey:   privKey.PubKey(),
			PrivKey:  privKey,
			filePath: keyFilePath,
		},
		LastSignState: FilePVLastSignState{
			Slot:     types.NoSlot,
			filePath: stateFilePath,
		},
	}
}

// GenFilePV generates a validator with a fresh ed25519 key. Does not Save.
func GenFilePV(keyFilePath, stateFilePath string) *FilePV {
	return NewFilePV(ed25519.GenPrivKey(), keyFilePath, stateFilePath)
}

// LoadFilePV loads a FilePV from disk. Exits on a missing or corrupt file.
func LoadFilePV(keyFilePath, stateFilePath string) *FilePV {
	keyJSONBytes, err := ioutil.ReadFile(keyFilePath)
	if err != nil {
		tmos.Exit(err.Error())
	}
	pvKey := FilePVKey{}
	if err := tmjson.Unmarshal(keyJSONBytes, &pvKey); err != nil {
		tmos.Exit(fmt.Sprintf("Error reading PrivValidator key from %v: %v\n", keyFilePath, err))
	}

	// overwrite pubkey and address for convenience
	pvKey.PubKey = pvKey.PrivKey.PubKey()
	pvKey.Address = types.Address(pvKey.PubKey.Address())
	pvKey.filePath = keyFilePath

	pvState := FilePVLastSignState{Slot: types.NoSlot}
	if tmos.FileExists(stateFilePath) {
		stateJSONBytes, err := ioutil.ReadFile(stateFilePath)
		if err != nil {
			tmos.Exit(err.Error())
		}
		if err := tmjson.Unmarshal(stateJSONBytes, &pvState); err != nil {
			tmos.Exit(fmt.Sprintf("Error reading PrivValidator state from %v: %v\n", stateFilePath, err))
		}
	}
	pvState.filePath = stateFilePath

	return &FilePV{Key: pvKey, LastSignState: pvState}
}

// LoadOrGenFilePV loads a FilePV from the given filePaths or else generates
// a new one and saves it.
func LoadOrGenFilePV(keyFilePath, stateFilePath string) *FilePV {
	var pv *FilePV
	if tmos.FileExists(keyFilePath) {
		pv = LoadFilePV(keyFilePath, stateFilePath)
	} else {
		pv = GenFilePV(keyFilePath, stateFilePath)
		pv.Save()
	}
	return pv
}

// GetAddress returns the address of the validator.
func (pv *FilePV) GetAddress() types.Address {
	return pv.Key.Address
}

// GetPubKey returns the public key of the validator.
// Implements PrivValidator.
func (pv *FilePV) GetPubKey() (crypto.PubKey, error) {
	return pv.Key.PubKey, nil
}

// SignVote signs a canonical representation of the vote, along with the
// chainID, refusing any vote that conflicts with the persisted sign state.
// Implements PrivValidator.
func (pv *FilePV) SignVote(chainID string, vote *types.Vote) error {
	signBytes := types.VoteSignBytes(chainID, vote)

	sameVote, err := pv.LastSignState.checkSlotRegression(vote.Slot, signBytes)
	if err != nil {
		return fmt.Errorf("error signing vote: %w", err)
	}
	if sameVote {
		vote.Signature = pv.LastSignState.Signature
		return nil
	}

	sig, err := pv.Key.PrivKey.Sign(signBytes)
	if err != nil {
		return fmt.Errorf("error signing vote: %w", err)
	}

	pv.LastSignState.Slot = vote.Slot
	pv.LastSignState.BankHash = vote.BankHash
	pv.LastSignState.Signature = sig
	pv.LastSignState.SignBytes = signBytes
	pv.LastSignState.Save()

	vote.Signature = sig
	return nil
}

// Save persists the key and the sign state to disk.
func (pv *FilePV) Save() {
	pv.Key.Save()
	pv.LastSignState.Save()
}

// Reset wipes the sign state. Dangerous outside of tests.
func (pv *FilePV) Reset() {
	pv.LastSignState.Slot = types.NoSlot
	pv.LastSignState.BankHash = nil
	pv.LastSignState.Signature = nil
	pv.LastSignState.SignBytes = nil
	pv.LastSignState.Save()
}

func (pv *FilePV) String() string {
	return fmt.Sprintf("PrivValidator{%v LH:%v}", pv.GetAddress(), pv.LastSignState.Slot)
}
