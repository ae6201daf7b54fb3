package rand

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"Kestrel/internal/types"
)

// testAuthor creates a deterministic author from a single byte.
func testAuthor(n byte) types.Author {
	var a types.Author
	a[0] = n
	return a
}

// newTestValidators creates a validator set with the given weights.
// Authors are testAuthor(1), testAuthor(2), ...
func newTestValidators(t *testing.T, weights ...uint64) *types.ValidatorSet {
	t.Helper()

	members := make([]types.ValidatorInfo, len(weights))
	for i, w := range weights {
		members[i] = types.ValidatorInfo{Author: testAuthor(byte(i + 1)), Weight: w}
	}

	vs, err := types.NewValidatorSet(members)
	if err != nil {
		t.Fatalf("failed to build validator set: %v", err)
	}

	return vs
}

// testMetadata builds a metadata for epoch 1 with a digest derived from
// the round.
func testMetadata(round types.Round) Metadata {
	md := Metadata{Epoch: 1, Round: round}
	md.BlockDigest[0] = byte(round)
	return md
}

func testShare(author byte, md Metadata) *Share {
	return &Share{
		Author:   testAuthor(author),
		Metadata: md,
		Payload:  []byte{author, byte(md.Round)},
	}
}

func testDecision(md Metadata, randomness string) *Decision {
	return &Decision{Metadata: md, Randomness: []byte(randomness)}
}

// memStorage is an in-memory Storage for tests. It can be told to fail
// saves to exercise persistence error paths.
type memStorage struct {
	shares    map[string]*Share
	decisions map[string]*Decision
	failSaves bool
}

func newMemStorage() *memStorage {
	return &memStorage{
		shares:    make(map[string]*Share),
		decisions: make(map[string]*Decision),
	}
}

func memShareKey(s *Share) string {
	return fmt.Sprintf("%d/%d/%x", s.Metadata.Epoch, s.Metadata.Round, s.Author[:1])
}

func memDecisionKey(md Metadata) string {
	return fmt.Sprintf("%d/%d", md.Epoch, md.Round)
}

func (m *memStorage) SaveShare(s *Share) error {
	if m.failSaves {
		return errors.New("storage unavailable")
	}
	m.shares[memShareKey(s)] = s
	return nil
}

func (m *memStorage) SaveDecision(d *Decision) error {
	if m.failSaves {
		return errors.New("storage unavailable")
	}
	m.decisions[memDecisionKey(d.Metadata)] = d
	return nil
}

func (m *memStorage) AllShares() ([]*Share, error) {
	var result []*Share
	for _, s := range m.shares {
		result = append(result, s)
	}
	return result, nil
}

func (m *memStorage) AllDecisions() ([]*Decision, error) {
	var result []*Decision
	for _, d := range m.decisions {
		result = append(result, d)
	}
	return result, nil
}

func (m *memStorage) RemoveShares(shares []*Share) error {
	for _, s := range shares {
		delete(m.shares, memShareKey(s))
	}
	return nil
}

func (m *memStorage) RemoveDecisions(decisions []*Decision) error {
	for _, d := range decisions {
		delete(m.decisions, memDecisionKey(d.Metadata))
	}
	return nil
}

// fakeProof counts aggregations and returns a decision derived from the
// metadata, without any cryptography.
type fakeProof struct {
	calls int
}

func (f *fakeProof) Aggregate(md Metadata, shares []*Share) (*Decision, error) {
	f.calls++
	return &Decision{
		Metadata:   md,
		Randomness: []byte(fmt.Sprintf("rand-%d", md.Round)),
	}, nil
}

func newTestStore(t *testing.T, vs *types.ValidatorSet, cfg Config) (*Store, *memStorage, *fakeProof) {
	t.Helper()

	mem := newMemStorage()
	proof := &fakeProof{}

	s, err := New(1, testAuthor(1), vs, cfg, mem, proof)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	return s, mem, proof
}

func mustAddShare(t *testing.T, s *Store, share *Share) *Decision {
	t.Helper()

	ack, err := s.AddShare(share)
	if err != nil {
		t.Fatalf("AddShare from %s failed: %v", share.Author.Short(), err)
	}

	return ack
}

func rounds(blocks []*Block) []types.Round {
	result := make([]types.Round, len(blocks))
	for i, b := range blocks {
		result[i] = b.Metadata.Round
	}
	return result
}

// TestOrderedReleaseScenario walks the full release discipline with seven
// single-weight validators and a threshold of one, so any single share
// decides a round.
func TestOrderedReleaseScenario(t *testing.T) {
	vs := newTestValidators(t, 1, 1, 1, 1, 1, 1, 1)
	s, _, _ := newTestStore(t, vs, Config{ThresholdWeight: 1})

	// Shares arriving before their block is known decide nothing.
	md1 := testMetadata(1)
	if ack := mustAddShare(t, s, testShare(1, md1)); ack != nil {
		t.Errorf("share before block returned decision %v", ack)
	}
	if got := s.DequeueReadyPrefix(); len(got) != 0 {
		t.Errorf("dequeue before any block returned %v", rounds(got))
	}

	// The block arrives: its round decides and releases immediately.
	if err := s.AddBlocks(NewQueueItem([]Metadata{md1})); err != nil {
		t.Fatalf("AddBlocks failed: %v", err)
	}
	got := s.DequeueReadyPrefix()
	if len(got) != 1 || got[0].Metadata.Round != 1 {
		t.Fatalf("dequeue returned rounds %v, want [1]", rounds(got))
	}
	if got[0].Randomness == nil {
		t.Error("released block has no randomness")
	}

	// A batch spanning two rounds releases only as a whole.
	md2, md3 := testMetadata(2), testMetadata(3)
	if err := s.AddBlocks(NewQueueItem([]Metadata{md2, md3})); err != nil {
		t.Fatalf("AddBlocks failed: %v", err)
	}
	if got := s.DequeueReadyPrefix(); len(got) != 0 {
		t.Errorf("dequeue without shares returned %v", rounds(got))
	}

	mustAddShare(t, s, testShare(2, md2))
	if got := s.DequeueReadyPrefix(); len(got) != 0 {
		t.Errorf("dequeue with round 3 unresolved returned %v", rounds(got))
	}

	mustAddShare(t, s, testShare(2, md3))
	got = s.DequeueReadyPrefix()
	if len(got) != 2 || got[0].Metadata.Round != 2 || got[1].Metadata.Round != 3 {
		t.Fatalf("dequeue returned rounds %v, want [2 3]", rounds(got))
	}

	// A three-round batch resolved by out-of-order decisions releases
	// everything in one call once the last round resolves.
	md5, md8, md13 := testMetadata(5), testMetadata(8), testMetadata(13)
	if err := s.AddBlocks(NewQueueItem([]Metadata{md5, md8, md13})); err != nil {
		t.Fatalf("AddBlocks failed: %v", err)
	}

	if err := s.AddDecision(testDecision(md5, "d5")); err != nil {
		t.Fatalf("AddDecision failed: %v", err)
	}
	if got := s.DequeueReadyPrefix(); len(got) != 0 {
		t.Errorf("dequeue after first decision returned %v", rounds(got))
	}

	if err := s.AddDecision(testDecision(md13, "d13")); err != nil {
		t.Fatalf("AddDecision failed: %v", err)
	}
	if got := s.DequeueReadyPrefix(); len(got) != 0 {
		t.Errorf("dequeue after first and third decisions returned %v", rounds(got))
	}

	if err := s.AddDecision(testDecision(md8, "d8")); err != nil {
		t.Fatalf("AddDecision failed: %v", err)
	}
	got = s.DequeueReadyPrefix()
	if len(rounds(got)) != 3 {
		t.Fatalf("dequeue returned rounds %v, want [5 8 13]", rounds(got))
	}
	for i, want := range []types.Round{5, 8, 13} {
		if got[i].Metadata.Round != want {
			t.Errorf("released round[%d] = %d, want %d", i, got[i].Metadata.Round, want)
		}
	}
}

func TestShareWeightCountedOncePerAuthor(t *testing.T) {
	vs := newTestValidators(t, 1, 1, 1)
	s, _, _ := newTestStore(t, vs, Config{ThresholdWeight: 2})

	md := testMetadata(1)
	if err := s.AddBlocks(NewQueueItem([]Metadata{md})); err != nil {
		t.Fatalf("AddBlocks failed: %v", err)
	}

	mustAddShare(t, s, testShare(1, md))
	if w := s.items[1].agg.weight; w != 1 {
		t.Errorf("weight after first share = %d, want 1", w)
	}

	// The same author again: weight must not move.
	if ack := mustAddShare(t, s, testShare(1, md)); ack != nil {
		t.Errorf("duplicate share returned decision %v", ack)
	}
	if w := s.items[1].agg.weight; w != 1 {
		t.Errorf("weight after duplicate share = %d, want 1", w)
	}

	// A second distinct author crosses the threshold.
	if ack := mustAddShare(t, s, testShare(2, md)); ack == nil {
		t.Error("threshold crossing returned no decision")
	}
}

func TestAggregationRunsAfterEveryInsertion(t *testing.T) {
	vs := newTestValidators(t, 1, 1, 1)
	s, _, proof := newTestStore(t, vs, Config{ThresholdWeight: 2})

	md := testMetadata(1)

	// Shares first: the threshold is already met when the block arrives,
	// so registering the metadata must aggregate without further input.
	mustAddShare(t, s, testShare(1, md))
	mustAddShare(t, s, testShare(2, md))
	if proof.calls != 0 {
		t.Fatalf("aggregated %d times before metadata was known", proof.calls)
	}

	if err := s.AddBlocks(NewQueueItem([]Metadata{md})); err != nil {
		t.Fatalf("AddBlocks failed: %v", err)
	}
	if proof.calls != 1 {
		t.Errorf("aggregated %d times, want 1", proof.calls)
	}
	if got := s.DequeueReadyPrefix(); len(got) != 1 {
		t.Errorf("dequeue returned %d blocks, want 1", len(got))
	}
}

func TestDecisionImmutable(t *testing.T) {
	vs := newTestValidators(t, 1, 1, 1)
	s, _, _ := newTestStore(t, vs, Config{ThresholdWeight: 1})

	md := testMetadata(4)

	first := testDecision(md, "first")
	if err := s.AddDecision(first); err != nil {
		t.Fatalf("AddDecision failed: %v", err)
	}

	if err := s.AddDecision(testDecision(md, "second")); err != nil {
		t.Fatalf("second AddDecision failed: %v", err)
	}
	if d := s.Decision(4); !bytes.Equal(d.Randomness, []byte("first")) {
		t.Errorf("decision changed to %q", d.Randomness)
	}

	// Aggregation cannot replace it either: a share added now just
	// acknowledges the existing decision.
	ack := mustAddShare(t, s, testShare(1, md))
	if ack == nil || !bytes.Equal(ack.Randomness, []byte("first")) {
		t.Errorf("share acknowledgement = %v, want the first decision", ack)
	}

	// A block queued after the fact gets the original randomness.
	if err := s.AddBlocks(NewQueueItem([]Metadata{md})); err != nil {
		t.Fatalf("AddBlocks failed: %v", err)
	}
	got := s.DequeueReadyPrefix()
	if len(got) != 1 || !bytes.Equal(got[0].Randomness, []byte("first")) {
		t.Errorf("released block carries %q, want %q", got[0].Randomness, "first")
	}
}

func TestAddShareRejections(t *testing.T) {
	vs := newTestValidators(t, 1, 1, 1)
	s, _, _ := newTestStore(t, vs, Config{ThresholdWeight: 2})

	wrongEpoch := testShare(1, Metadata{Epoch: 9, Round: 1})
	if _, err := s.AddShare(wrongEpoch); !errors.Is(err, ErrWrongEpoch) {
		t.Errorf("wrong epoch returned %v, want %v", err, ErrWrongEpoch)
	}

	unknown := testShare(99, testMetadata(1))
	if _, err := s.AddShare(unknown); !errors.Is(err, ErrUnknownAuthor) {
		t.Errorf("unknown author returned %v, want %v", err, ErrUnknownAuthor)
	}

	if err := s.AddDecision(testDecision(Metadata{Epoch: 3, Round: 1}, "x")); !errors.Is(err, ErrWrongEpoch) {
		t.Errorf("wrong epoch decision returned %v, want %v", err, ErrWrongEpoch)
	}
}

func TestMismatchedSharesDropOnBlockArrival(t *testing.T) {
	vs := newTestValidators(t, 1, 1, 1)
	s, _, _ := newTestStore(t, vs, Config{ThresholdWeight: 2})

	real := testMetadata(1)
	other := real
	other.BlockDigest[31] = 0xFF // a different candidate block, same round

	// Buffered before the block is known: accepted.
	mustAddShare(t, s, testShare(1, other))
	mustAddShare(t, s, testShare(2, real))

	// The real block arrives: the mismatched share is dropped.
	if err := s.AddBlocks(NewQueueItem([]Metadata{real})); err != nil {
		t.Fatalf("AddBlocks failed: %v", err)
	}
	if w := s.items[1].agg.weight; w != 1 {
		t.Errorf("weight after filtering = %d, want 1", w)
	}

	// From now on mismatched shares are rejected outright.
	if _, err := s.AddShare(testShare(3, other)); err == nil {
		t.Error("mismatched share accepted after block was known")
	}

	// A matching share still completes the round.
	if ack := mustAddShare(t, s, testShare(3, real)); ack == nil {
		t.Error("matching share did not complete the round")
	}
}

func TestShareNotFoldedWhenPersistFails(t *testing.T) {
	vs := newTestValidators(t, 1, 1, 1)
	s, mem, _ := newTestStore(t, vs, Config{ThresholdWeight: 2})

	md := testMetadata(1)

	mem.failSaves = true
	if _, err := s.AddShare(testShare(1, md)); err == nil {
		t.Fatal("AddShare succeeded with failing storage")
	}
	if _, exists := s.items[1]; exists {
		t.Error("failed AddShare left in-memory state behind")
	}

	// After storage recovers the same share counts exactly once.
	mem.failSaves = false
	if err := s.AddBlocks(NewQueueItem([]Metadata{md})); err != nil {
		t.Fatalf("AddBlocks failed: %v", err)
	}
	mustAddShare(t, s, testShare(1, md))
	if w := s.items[1].agg.weight; w != 1 {
		t.Errorf("weight = %d, want 1", w)
	}
}

func TestReplayFiltersAndFolds(t *testing.T) {
	vs := newTestValidators(t, 1, 1, 1)
	mem := newMemStorage()

	// Current-epoch share for round 1, stale-epoch share, decision for
	// round 2, stale decision, and a share already superseded by the
	// round 2 decision.
	mem.SaveShare(testShare(1, testMetadata(1)))
	mem.SaveShare(testShare(2, Metadata{Epoch: 99, Round: 9}))
	mem.SaveDecision(testDecision(testMetadata(2), "d2"))
	mem.SaveDecision(testDecision(Metadata{Epoch: 99, Round: 3}, "stale"))
	mem.SaveShare(testShare(3, testMetadata(2)))

	s, err := New(1, testAuthor(1), vs, Config{ThresholdWeight: 1}, mem, &fakeProof{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if len(mem.shares) != 1 {
		t.Errorf("storage holds %d shares after replay, want 1", len(mem.shares))
	}
	if len(mem.decisions) != 1 {
		t.Errorf("storage holds %d decisions after replay, want 1", len(mem.decisions))
	}

	if s.Decision(2) == nil {
		t.Error("replayed decision for round 2 missing")
	}
	if s.Decision(9) != nil || s.Decision(3) != nil {
		t.Error("stale-epoch state survived replay")
	}

	// The replayed round 1 share still counts: registering the block
	// decides immediately at threshold 1.
	if err := s.AddBlocks(NewQueueItem([]Metadata{testMetadata(1)})); err != nil {
		t.Fatalf("AddBlocks failed: %v", err)
	}
	if got := s.DequeueReadyPrefix(); len(got) != 1 {
		t.Errorf("dequeue after replayed share returned %d blocks, want 1", len(got))
	}
}

func TestDecidedRoundDropsShareRecords(t *testing.T) {
	vs := newTestValidators(t, 1, 1, 1)
	s, mem, _ := newTestStore(t, vs, Config{ThresholdWeight: 2})

	md := testMetadata(1)
	if err := s.AddBlocks(NewQueueItem([]Metadata{md})); err != nil {
		t.Fatalf("AddBlocks failed: %v", err)
	}

	mustAddShare(t, s, testShare(1, md))
	if len(mem.shares) != 1 {
		t.Fatalf("storage holds %d shares, want 1", len(mem.shares))
	}

	mustAddShare(t, s, testShare(2, md))

	// The decision is durable and the share records are gone.
	if len(mem.decisions) != 1 {
		t.Errorf("storage holds %d decisions, want 1", len(mem.decisions))
	}
	if len(mem.shares) != 0 {
		t.Errorf("storage holds %d shares after decision, want 0", len(mem.shares))
	}
}

func TestPrune(t *testing.T) {
	vs := newTestValidators(t, 1, 1, 1)
	s, mem, _ := newTestStore(t, vs, Config{ThresholdWeight: 2})

	mustAddShare(t, s, testShare(1, testMetadata(1)))
	mustAddShare(t, s, testShare(1, testMetadata(5)))
	if err := s.AddDecision(testDecision(testMetadata(2), "d2")); err != nil {
		t.Fatalf("AddDecision failed: %v", err)
	}

	if err := s.Prune(5); err != nil {
		t.Fatalf("Prune failed: %v", err)
	}

	if _, exists := s.items[1]; exists {
		t.Error("round 1 item survived pruning")
	}
	if _, exists := s.items[2]; exists {
		t.Error("round 2 item survived pruning")
	}
	if _, exists := s.items[5]; !exists {
		t.Error("round 5 item was pruned")
	}

	if len(mem.shares) != 1 {
		t.Errorf("storage holds %d shares after prune, want 1", len(mem.shares))
	}
	if len(mem.decisions) != 0 {
		t.Errorf("storage holds %d decisions after prune, want 0", len(mem.decisions))
	}
}
