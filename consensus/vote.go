package consensus

import (
	"fmt"

	"github.com/mezonai/posnode/errors"
	"github.com/mezonai/posnode/jsonx"
	"github.com/mezonai/posnode/wallet"
)

type Phase string

const (
	PhasePrepare Phase = "prepare"
	PhaseCommit  Phase = "commit"
)

// Vote is a validator's prepare or commit vote for a block of one round.
type Vote struct {
	Validator string `json:"validator"`
	BlockHash string `json:"blockHash"`
	Height    uint64 `json:"height"`
	Round     uint32 `json:"round"`
	Phase     Phase  `json:"phase"`
	Signature string `json:"signature"`
}

func NewVote(signer wallet.Signer, phase Phase, height uint64, round uint32, blockHash string) *Vote {
	v := &Vote{
		Validator: signer.Address(),
		BlockHash: blockHash,
		Height:    height,
		Round:     round,
		Phase:     phase,
	}
	v.Sign(signer)
	return v
}

// serializeVote to sign and verify (without Signature + Validator to keep the same message)
func (v *Vote) serializeVote() []byte {
	data, _ := jsonx.Marshal(struct {
		BlockHash string `json:"blockHash"`
		Height    uint64 `json:"height"`
		Round     uint32 `json:"round"`
		Phase     Phase  `json:"phase"`
	}{
		BlockHash: v.BlockHash,
		Height:    v.Height,
		Round:     v.Round,
		Phase:     v.Phase,
	})
	return data
}

// Sign vote with the voter's key
func (v *Vote) Sign(signer wallet.Signer) {
	v.Signature = signer.Sign(v.serializeVote())
}

// VerifySignature checks the signature against the validator address
func (v *Vote) VerifySignature() bool {
	return wallet.Verify(v.Validator, v.serializeVote(), v.Signature)
}

// Validate basic checks
func (v *Vote) Validate() error {
	if v.Phase != PhasePrepare && v.Phase != PhaseCommit {
		return errors.Validation(errors.ErrCodeInvalidRequest, fmt.Sprintf("unknown vote phase %q", v.Phase))
	}
	if v.BlockHash == "" {
		return errors.Validation(errors.ErrCodeInvalidHash, "vote without block hash")
	}
	if len(v.Signature) == 0 {
		return errors.Validation(errors.ErrCodeInvalidSignature, "missing signature")
	}
	if !v.VerifySignature() {
		return errors.Validation(errors.ErrCodeInvalidSignature, fmt.Sprintf("vote signature of %s does not verify", v.Validator))
	}
	return nil
}
