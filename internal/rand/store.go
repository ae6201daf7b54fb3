package rand

import (
	"errors"
	"fmt"

	"Kestrel/internal/bls"
	"Kestrel/internal/logger"
	"Kestrel/internal/types"
)

var (
	// ErrWrongEpoch is returned for shares and decisions from a different epoch.
	ErrWrongEpoch = errors.New("randomness input from a different epoch")

	// ErrUnknownAuthor is returned when a share's author is not in the
	// validator set.
	ErrUnknownAuthor = errors.New("share author not in validator set")
)

// Store owns the per-round aggregation state of the current epoch: it
// persists shares and decisions, folds them into per-round items, and
// releases ordered blocks once their randomness resolves.
//
// Store is not safe for concurrent use: one goroutine owns it, and all
// methods complete without blocking on anything but storage.
type Store struct {
	epoch      uint64
	author     types.Author
	validators *types.ValidatorSet
	config     Config
	storage    Storage
	proof      ProofAggregator

	items map[types.Round]*randItem
	queue *BlockQueue
}

// New builds a store and rebuilds its state from persisted shares and
// decisions. Entries from other epochs are discarded and deleted.
func New(epoch uint64, author types.Author, validators *types.ValidatorSet, cfg Config, db Storage, proof ProofAggregator) (*Store, error) {
	s := &Store{
		epoch:      epoch,
		author:     author,
		validators: validators,
		config:     cfg,
		storage:    db,
		proof:      proof,
		items:      make(map[types.Round]*randItem),
		queue:      NewBlockQueue(),
	}

	if err := s.replay(); err != nil {
		return nil, fmt.Errorf("rebuild randomness state:\n%w", err)
	}

	return s, nil
}

// replay folds persisted entries for the current epoch back in and
// removes everything else. Decisions go first so that shares of already
// decided rounds can be dropped instead of refilled.
func (s *Store) replay() error {
	decisions, err := s.storage.AllDecisions()
	if err != nil {
		return err
	}

	var staleDecisions []*Decision
	for _, decision := range decisions {
		if decision.Metadata.Epoch != s.epoch {
			staleDecisions = append(staleDecisions, decision)
			continue
		}

		s.item(decision.Metadata.Round).markDecided(decision)
	}

	shares, err := s.storage.AllShares()
	if err != nil {
		return err
	}

	var staleShares []*Share
	replayed := 0
	for _, share := range shares {
		weight := s.validators.Weight(share.Author)
		if share.Metadata.Epoch != s.epoch || weight == 0 {
			staleShares = append(staleShares, share)
			continue
		}

		item := s.item(share.Metadata.Round)
		if item.getDecision() != nil {
			staleShares = append(staleShares, share) // superseded by the decision
			continue
		}

		if err := item.addShare(share, weight); err != nil {
			return err
		}
		replayed++
	}

	if len(staleShares) > 0 {
		if err := s.storage.RemoveShares(staleShares); err != nil {
			return err
		}
	}
	if len(staleDecisions) > 0 {
		if err := s.storage.RemoveDecisions(staleDecisions); err != nil {
			return err
		}
	}

	if replayed > 0 || len(staleShares) > 0 || len(staleDecisions) > 0 {
		logger.Info("replayed randomness state",
			"epoch", s.epoch,
			"shares", replayed,
			"decisions", len(decisions)-len(staleDecisions),
			"stale_shares", len(staleShares),
			"stale_decisions", len(staleDecisions),
		)
	}

	return nil
}

// AddShare persists a share, folds it in, and attempts aggregation.
// The share is persisted before anything else so it survives a crash
// even if aggregation never completes.
//
// Returns the round's decision if one is already known, so a duplicate
// share from a slow peer learns the outcome without another round-trip.
func (s *Store) AddShare(share *Share) (*Decision, error) {
	if share.Metadata.Epoch != s.epoch {
		return nil, fmt.Errorf("share epoch %d, store epoch %d: %w", share.Metadata.Epoch, s.epoch, ErrWrongEpoch)
	}

	weight := s.validators.Weight(share.Author)
	if weight == 0 {
		return nil, fmt.Errorf("author %s: %w", share.Author.Short(), ErrUnknownAuthor)
	}

	if err := s.storage.SaveShare(share); err != nil {
		return nil, fmt.Errorf("persist share from %s:\n%w", share.Author.Short(), err)
	}

	item := s.item(share.Metadata.Round)
	if err := item.addShare(share, weight); err != nil {
		return nil, err
	}

	if err := s.tryAggregate(share.Metadata.Round, item); err != nil {
		return nil, err
	}

	return item.getDecision(), nil
}

// AddDecision records a decision received pre-aggregated from a peer.
// Idempotent: if the round already has a decision, the call is ignored
// and the first decision stands.
func (s *Store) AddDecision(decision *Decision) error {
	if decision.Metadata.Epoch != s.epoch {
		return fmt.Errorf("decision epoch %d, store epoch %d: %w", decision.Metadata.Epoch, s.epoch, ErrWrongEpoch)
	}

	round := decision.Metadata.Round
	item := s.item(round)
	if item.getDecision() != nil {
		return nil
	}

	if err := s.storage.SaveDecision(decision); err != nil {
		return fmt.Errorf("persist decision for round %d:\n%w", round, err)
	}

	consumed := item.pendingShares()
	s.queue.SetRandomness(round, decision.Randomness)
	item.markDecided(decision)

	return s.dropConsumedShares(consumed)
}

// dropConsumedShares removes share records that a persisted decision has
// made redundant. The decision must already be durable when this runs.
func (s *Store) dropConsumedShares(consumed []*Share) error {
	if len(consumed) == 0 {
		return nil
	}

	return s.storage.RemoveShares(consumed)
}

// AddBlocks enqueues a batch of ordered blocks and registers each
// block's metadata, which may immediately resolve rounds whose shares
// or decisions arrived first.
func (s *Store) AddBlocks(batch *QueueItem) error {
	metas := batch.AllMetadata()
	s.queue.PushBack(batch)

	for _, md := range metas {
		if err := s.addMetadata(md); err != nil {
			return err
		}
	}

	return nil
}

// addMetadata registers one block's randomness slot. If the round is
// already decided the queue learns the randomness right away; otherwise
// the item moves to pendingDecision and an aggregation is attempted.
func (s *Store) addMetadata(md Metadata) error {
	item := s.item(md.Round)

	if d := item.getDecision(); d != nil {
		s.queue.SetRandomness(md.Round, d.Randomness)
		return nil
	}

	item.addMetadata(md, s.validators)

	return s.tryAggregate(md.Round, item)
}

// DequeueReadyPrefix returns the blocks of every leading queue item
// whose rounds are all resolved, in enqueue order.
func (s *Store) DequeueReadyPrefix() []*Block {
	return s.queue.DequeueReadyPrefix()
}

// Decision returns the decision for a round, or nil.
func (s *Store) Decision(round types.Round) *Decision {
	item, exists := s.items[round]
	if !exists {
		return nil
	}

	return item.getDecision()
}

// QueuedItems returns the number of block batches still held back.
func (s *Store) QueuedItems() int {
	return s.queue.Len()
}

// Prune drops per-round state and persisted entries below the given
// round. Call it once ordering has moved past those rounds for good.
func (s *Store) Prune(below types.Round) error {
	var shares []*Share
	var decisions []*Decision

	for round, item := range s.items {
		if round >= below {
			continue
		}

		shares = append(shares, item.pendingShares()...)
		if d := item.getDecision(); d != nil {
			decisions = append(decisions, d)
		}

		delete(s.items, round)
	}

	if len(shares) > 0 {
		if err := s.storage.RemoveShares(shares); err != nil {
			return err
		}
	}
	if len(decisions) > 0 {
		if err := s.storage.RemoveDecisions(decisions); err != nil {
			return err
		}
	}

	return nil
}

// item returns the round's item, creating it on first touch.
func (s *Store) item(round types.Round) *randItem {
	item, exists := s.items[round]
	if !exists {
		item = newRandItem()
		s.items[round] = item
	}

	return item
}

// tryAggregate attempts aggregation and, on success, persists the fresh
// decision and unblocks the queue. Re-run after every insertion so a
// decision becomes visible in the same step that crosses the threshold.
// With unequal weights the threshold weight can be reached by fewer
// authors than signature recovery needs; that is not an error, the round
// just waits for more shares.
func (s *Store) tryAggregate(round types.Round, item *randItem) error {
	consumed := item.pendingShares()

	decision, err := item.tryAggregate(s.config.ThresholdWeight, s.proof)
	if errors.Is(err, bls.ErrBelowThreshold) {
		return nil
	}
	if err != nil {
		return err
	}
	if decision == nil {
		return nil
	}

	if err := s.storage.SaveDecision(decision); err != nil {
		return fmt.Errorf("persist aggregated decision for round %d:\n%w", round, err)
	}

	s.queue.SetRandomness(round, decision.Randomness)

	logger.Debug("randomness decided", "round", round, "weight", s.config.ThresholdWeight)

	return s.dropConsumedShares(consumed)
}
