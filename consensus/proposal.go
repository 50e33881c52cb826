package consensus

import (
	"fmt"

	"github.com/mezonai/posnode/block"
	"github.com/mezonai/posnode/errors"
	"github.com/mezonai/posnode/wallet"
)

// Proposal carries the proposer's block for one round.
type Proposal struct {
	Height    uint64       `json:"height"`
	Round     uint32       `json:"round"`
	Block     *block.Block `json:"block"`
	Signature string       `json:"signature"`
}

func NewProposal(signer wallet.Signer, height uint64, round uint32, b *block.Block) *Proposal {
	p := &Proposal{Height: height, Round: round, Block: b}
	p.Signature = signer.Sign(p.signingBytes())
	return p
}

func (p *Proposal) signingBytes() []byte {
	return []byte(fmt.Sprintf("propose|%d|%d|%s", p.Height, p.Round, p.Block.BlockHash))
}

// Validate checks shape and the proposer's signature.
func (p *Proposal) Validate() error {
	if p.Block == nil {
		return errors.Validation(errors.ErrCodeInvalidBlock, "proposal without block")
	}
	if p.Block.Index != p.Height {
		return errors.Validation(errors.ErrCodeInvalidIndex, fmt.Sprintf("proposal height %d carries block %d", p.Height, p.Block.Index))
	}
	if !wallet.Verify(p.Block.Proposer, p.signingBytes(), p.Signature) {
		return errors.Validation(errors.ErrCodeInvalidSignature, fmt.Sprintf("proposal signature of %s does not verify", p.Block.Proposer))
	}
	return nil
}

// RoundState is the ROUND_SYNC payload, signed by the validator reporting it.
type RoundState struct {
	Height    uint64 `json:"height"`
	Round     uint32 `json:"round"`
	Step      Step   `json:"step"`
	Validator string `json:"validator"`
	Signature string `json:"signature"`
}

func (s *RoundState) signingBytes() []byte {
	return []byte(fmt.Sprintf("round|%d|%d|%s", s.Height, s.Round, s.Step))
}

func (s *RoundState) Sign(signer wallet.Signer) {
	s.Validator = signer.Address()
	s.Signature = signer.Sign(s.signingBytes())
}

func (s *RoundState) Validate() error {
	if s.Validator == "" || s.Signature == "" {
		return errors.Validation(errors.ErrCodeInvalidSignature, "unsigned round state")
	}
	if !wallet.Verify(s.Validator, s.signingBytes(), s.Signature) {
		return errors.Validation(errors.ErrCodeInvalidSignature, fmt.Sprintf("round state signature of %s does not verify", s.Validator))
	}
	return nil
}
