package rand

import (
	"errors"
	"fmt"

	"github.com/zeebo/blake3"

	"Kestrel/internal/bls"
)

// thresholdAggregator recovers the cluster's unique threshold signature
// from the collected partials and derives the round's randomness from it.
// Recovery interpolates the same signature from any threshold-sized
// subset, so every validator that decides a round decides the same bytes.
type thresholdAggregator struct {
	public *bls.ThresholdPublic
}

// NewThresholdAggregator creates a ProofAggregator backed by the
// cluster's threshold key.
func NewThresholdAggregator(public *bls.ThresholdPublic) ProofAggregator {
	return &thresholdAggregator{public: public}
}

func (a *thresholdAggregator) Aggregate(md Metadata, shares []*Share) (*Decision, error) {
	if len(shares) == 0 {
		return nil, fmt.Errorf("no shares to aggregate")
	}

	partials := make([][]byte, len(shares))
	for i, share := range shares {
		partials[i] = share.Payload
	}

	signature, err := a.public.Recover(md.SigningMessage(), partials)
	if err != nil {
		if errors.Is(err, bls.ErrBelowThreshold) {
			return nil, err
		}
		return nil, fmt.Errorf("recover from %d shares:\n%w", len(shares), err)
	}

	randomness := blake3.Sum256(signature)

	return &Decision{
		Metadata:   md,
		Randomness: randomness[:],
		Signature:  signature,
	}, nil
}
