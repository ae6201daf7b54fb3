package rand

import (
	"bytes"
	"fmt"

	"github.com/zeebo/blake3"

	"Kestrel/internal/bls"
	"Kestrel/internal/types"
)

// Producer creates this validator's own shares.
type Producer struct {
	author types.Author
	key    *bls.ThresholdShare
}

// NewProducer creates a producer signing with the validator's threshold
// key share.
func NewProducer(author types.Author, key *bls.ThresholdShare) *Producer {
	return &Producer{author: author, key: key}
}

// Share signs the metadata's message with the threshold key share.
func (p *Producer) Share(md Metadata) (*Share, error) {
	payload, err := p.key.Sign(md.SigningMessage())
	if err != nil {
		return nil, fmt.Errorf("sign share for %s:\n%w", md, err)
	}

	return &Share{
		Author:   p.author,
		Metadata: md,
		Payload:  payload,
	}, nil
}

// VerifyShare checks a share's partial signature against the cluster's
// threshold key and that the partial was produced with the share index
// dealt to its author.
func VerifyShare(share *Share, validators *types.ValidatorSet, public *bls.ThresholdPublic) bool {
	idx := validators.Index(share.Author)
	if idx < 0 {
		return false
	}

	partialIdx, err := public.PartialIndex(share.Payload)
	if err != nil || partialIdx != idx {
		return false
	}

	return public.VerifyPartial(share.Metadata.SigningMessage(), share.Payload) == nil
}

// VerifyDecision checks a decision end to end: the signature must be the
// cluster's threshold signature over the slot, and the randomness must be
// derived from it. Uniqueness of the threshold signature means a valid
// decision is the only one possible for its slot.
func VerifyDecision(decision *Decision, public *bls.ThresholdPublic) bool {
	derived := blake3.Sum256(decision.Signature)
	if !bytes.Equal(derived[:], decision.Randomness) {
		return false
	}

	return public.Verify(decision.Metadata.SigningMessage(), decision.Signature) == nil
}
