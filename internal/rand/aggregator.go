package rand

import (
	"Kestrel/internal/types"
)

// ProofAggregator turns a set of shares carrying threshold weight into a
// decision. Cryptographic correctness is its concern; the store only
// decides when aggregation is attempted.
type ProofAggregator interface {
	Aggregate(md Metadata, shares []*Share) (*Decision, error)
}

// shareAggregator collects shares for one round, weighting each author once.
type shareAggregator struct {
	shares map[types.Author]*Share
	weight uint64
}

func newShareAggregator() *shareAggregator {
	return &shareAggregator{
		shares: make(map[types.Author]*Share),
	}
}

// add folds in a share. Re-adding an author is a no-op for weight
// accounting; the first share stands.
func (a *shareAggregator) add(share *Share, weight uint64) {
	if _, exists := a.shares[share.Author]; exists {
		return
	}

	a.shares[share.Author] = share
	a.weight += weight
}

// retain drops shares whose metadata does not match and recomputes the
// weight. Used when a round's real block becomes known after shares for
// other candidates were buffered.
func (a *shareAggregator) retain(md Metadata, validators *types.ValidatorSet) {
	for author, share := range a.shares {
		if share.Metadata != md {
			delete(a.shares, author)
		}
	}

	a.weight = 0
	for author := range a.shares {
		a.weight += validators.Weight(author)
	}
}

// all returns the collected shares in unspecified order.
func (a *shareAggregator) all() []*Share {
	result := make([]*Share, 0, len(a.shares))
	for _, share := range a.shares {
		result = append(result, share)
	}

	return result
}
