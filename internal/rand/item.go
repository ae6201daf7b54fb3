package rand

import (
	"fmt"

	"Kestrel/internal/types"
)

type itemState uint8

const (
	// pendingMetadata: shares seen, but the round's block is not known yet.
	pendingMetadata itemState = iota

	// pendingDecision: the block is known; shares are filtered to match it.
	pendingDecision

	// decided: terminal. Further shares and metadata are ignored.
	decided
)

// randItem tracks one round's progress towards a randomness decision.
// State only moves forward: pendingMetadata, pendingDecision, decided.
type randItem struct {
	state    itemState
	agg      *shareAggregator
	metadata Metadata
	decision *Decision
}

func newRandItem() *randItem {
	return &randItem{agg: newShareAggregator()}
}

// addShare folds in a share. Before metadata is known any share for the
// round is buffered; afterwards only shares matching the metadata are
// accepted. Decided items ignore input.
func (i *randItem) addShare(share *Share, weight uint64) error {
	switch i.state {
	case pendingMetadata:
		i.agg.add(share, weight)
	case pendingDecision:
		if share.Metadata != i.metadata {
			return fmt.Errorf("share %s does not match block %s", share.Metadata, i.metadata)
		}
		i.agg.add(share, weight)
	case decided:
	}

	return nil
}

// addMetadata moves the item to pendingDecision, dropping buffered shares
// that were for a different candidate block. A no-op in later states.
func (i *randItem) addMetadata(md Metadata, validators *types.ValidatorSet) {
	if i.state != pendingMetadata {
		return
	}

	i.metadata = md
	i.agg.retain(md, validators)
	i.state = pendingDecision
}

// tryAggregate produces a decision once the collected weight reaches the
// threshold. Returns nil without error when there is nothing to do.
func (i *randItem) tryAggregate(threshold uint64, proof ProofAggregator) (*Decision, error) {
	if i.state != pendingDecision || i.agg.weight < threshold {
		return nil, nil
	}

	decision, err := proof.Aggregate(i.metadata, i.agg.all())
	if err != nil {
		return nil, fmt.Errorf("aggregate shares for %s:\n%w", i.metadata, err)
	}

	i.markDecided(decision)

	return decision, nil
}

// markDecided moves the item to its terminal state. A no-op if already
// decided: the first decision stands.
func (i *randItem) markDecided(decision *Decision) {
	if i.state == decided {
		return
	}

	i.state = decided
	i.decision = decision
	i.agg = nil
}

// getDecision returns the decision, or nil if the item is not decided.
func (i *randItem) getDecision() *Decision {
	return i.decision
}

// pendingShares returns the shares collected so far, or nil once decided.
func (i *randItem) pendingShares() []*Share {
	if i.agg == nil {
		return nil
	}

	return i.agg.all()
}
