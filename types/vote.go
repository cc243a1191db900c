package types

import (
	"errors"
	"fmt"
	"time"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"

	tmjson "github.com/tendermint/tendermint/libs/json"
)

var (
	ErrVoteNoBankHash = errors.New("vote has no bank hash")
	ErrVoteNoAddress  = errors.New("vote has no validator address")
)

// Vote endorses the frozen bank at a slot. A vote for a slot implicitly
// counts for every ancestor of that slot's fork.
type Vote struct {
	Slot             Slot             `json:"slot"`
	BankHash         tmbytes.HexBytes `json:"bank_hash"`
	Timestamp        time.Time        `json:"timestamp"`
	ValidatorAddress Address          `json:"validator_address"`
	ValidatorIndex   int32            `json:"validator_index"`
	Signature        tmbytes.HexBytes `json:"signature"`
}

func (vote *Vote) ValidateBasic() error {
	if vote.BankHash == nil || len(vote.BankHash) == 0 {
		return ErrVoteNoBankHash
	}
	if vote.ValidatorAddress == nil || len(vote.ValidatorAddress) == 0 {
		return ErrVoteNoAddress
	}
	return nil
}

func (vote *Vote) String() string {
	return fmt.Sprintf("Vote{%d/%X by %v}", vote.Slot, tmbytes.Fingerprint(vote.BankHash), vote.ValidatorAddress)
}

// VoteSignBytes returns the canonical bytes a validator signs over.
// The signature excludes itself.
func VoteSignBytes(chainID string, vote *Vote) []byte {
	canonical := struct {
		ChainID   string           `json:"chain_id"`
		Slot      Slot             `json:"slot"`
		BankHash  tmbytes.HexBytes `json:"bank_hash"`
		Validator Address          `json:"validator_address"`
	}{chainID, vote.Slot, vote.BankHash, vote.ValidatorAddress}

	bz, err := tmjson.Marshal(canonical)
	if err != nil {
		panic(err)
	}
	return bz
}
