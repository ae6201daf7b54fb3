package dag

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"Kestrel/internal/bls"
	"Kestrel/internal/types"
)

var (
	// ErrWrongEpoch is returned for nodes from a different epoch.
	ErrWrongEpoch = errors.New("node from a different epoch")

	// ErrUnknownAuthor is returned when a node's author is not in the validator set.
	ErrUnknownAuthor = errors.New("node author not in validator set")

	// ErrRoundPruned is returned for rounds below the retention window.
	ErrRoundPruned = errors.New("round below retention window")

	// ErrDigestMismatch is returned when a node's declared digest does not
	// match its recomputed digest.
	ErrDigestMismatch = errors.New("node digest mismatch")

	// ErrWeakCert is returned when a certificate's signers do not reach quorum weight.
	ErrWeakCert = errors.New("certificate signer weight below quorum")

	// ErrWeakParents is returned when a node's parents do not reach quorum weight.
	ErrWeakParents = errors.New("parent weight below quorum")

	// ErrConflictingNode is returned when an author already has a different
	// certified node at the same round.
	ErrConflictingNode = errors.New("conflicting node for author and round")
)

// MissingParentsError reports parents that must be fetched before a node
// can be inserted.
type MissingParentsError struct {
	Node    NodeMeta
	Parents []types.Hash
}

func (e *MissingParentsError) Error() string {
	return fmt.Sprintf("node %s: %d parents missing", e.Node, len(e.Parents))
}

// Store holds the certified nodes of the current epoch within a sliding
// window of rounds. Rounds below the window floor have been pruned.
// It is safe for concurrent access.
type Store struct {
	mu         sync.RWMutex
	epoch      uint64
	validators *types.ValidatorSet

	byRound  map[types.Round]map[int]*CertifiedNode // round -> validator index -> node
	byDigest map[types.Hash]*CertifiedNode

	lowest  types.Round // window floor, inclusive
	highest types.Round // highest round holding any node
}

// NewStore creates an empty store for the given epoch and validator set.
func NewStore(epoch uint64, validators *types.ValidatorSet) *Store {
	return &Store{
		epoch:      epoch,
		validators: validators,
		byRound:    make(map[types.Round]map[int]*CertifiedNode),
		byDigest:   make(map[types.Hash]*CertifiedNode),
	}
}

// Epoch returns the epoch the store serves.
func (s *Store) Epoch() uint64 {
	return s.epoch
}

// AddNode validates and inserts a certified node.
// Re-adding a node that is already present returns nil.
//
// Nodes above the window floor must carry parents that all exist in the
// store and together reach quorum weight; a *MissingParentsError names
// any absent ones so the caller can fetch them. Nodes at the window
// floor skip parent checks, since their parents may have been pruned.
func (s *Store) AddNode(cn *CertifiedNode) error {
	meta := cn.Node.Meta

	if meta.Epoch != s.epoch {
		return fmt.Errorf("node epoch %d, store epoch %d: %w", meta.Epoch, s.epoch, ErrWrongEpoch)
	}

	idx := s.validators.Index(meta.Author)
	if idx < 0 {
		return fmt.Errorf("author %s: %w", meta.Author.Short(), ErrUnknownAuthor)
	}

	if got := cn.Node.ComputeDigest(); got != meta.Digest {
		return fmt.Errorf("declared %s, computed %s: %w", meta.Digest.Short(), got.Short(), ErrDigestMismatch)
	}

	signers := bls.ParseSignerBitmap(cn.Cert.SignerBitmap)
	if weight := s.validators.SubsetWeight(signers); weight < s.validators.QuorumWeight() {
		return fmt.Errorf("weight %d of %d: %w", weight, s.validators.QuorumWeight(), ErrWeakCert)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byDigest[meta.Digest]; exists {
		return nil
	}

	if meta.Round < s.lowest {
		return fmt.Errorf("round %d, floor %d: %w", meta.Round, s.lowest, ErrRoundPruned)
	}

	if prev, exists := s.byRound[meta.Round][idx]; exists {
		return fmt.Errorf("author %s round %d already holds %s: %w",
			meta.Author.Short(), meta.Round, prev.Node.Meta.Digest.Short(), ErrConflictingNode)
	}

	if meta.Round > s.lowest {
		if err := s.checkParentsLocked(cn); err != nil {
			return err
		}
	}

	row, exists := s.byRound[meta.Round]
	if !exists {
		row = make(map[int]*CertifiedNode, s.validators.Len())
		s.byRound[meta.Round] = row
	}
	row[idx] = cn
	s.byDigest[meta.Digest] = cn

	if meta.Round > s.highest {
		s.highest = meta.Round
	}

	return nil
}

// checkParentsLocked verifies that all parents exist one round below the
// node and that their authors reach quorum weight.
func (s *Store) checkParentsLocked(cn *CertifiedNode) error {
	meta := cn.Node.Meta
	parentRound := meta.Round - 1

	var missing []types.Hash
	var parentAuthors []int

	for _, digest := range cn.Node.Parents {
		parent, exists := s.byDigest[digest]
		if !exists || parent.Node.Meta.Round != parentRound {
			missing = append(missing, digest)
			continue
		}
		parentAuthors = append(parentAuthors, s.validators.Index(parent.Node.Meta.Author))
	}

	if len(missing) > 0 {
		return &MissingParentsError{Node: meta, Parents: missing}
	}

	if weight := s.validators.SubsetWeight(parentAuthors); weight < s.validators.QuorumWeight() {
		return fmt.Errorf("node %s parent weight %d of %d: %w",
			meta, weight, s.validators.QuorumWeight(), ErrWeakParents)
	}

	return nil
}

// Contains reports whether a node with the given digest is present.
func (s *Store) Contains(digest types.Hash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.byDigest[digest]
	return exists
}

// Get returns the certified node with the given digest, or nil.
func (s *Store) Get(digest types.Hash) *CertifiedNode {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.byDigest[digest]
}

// FilterMissing returns the subset of digests whose nodes are absent.
func (s *Store) FilterMissing(digests []types.Hash) []types.Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var missing []types.Hash
	for _, digest := range digests {
		if _, exists := s.byDigest[digest]; !exists {
			missing = append(missing, digest)
		}
	}

	return missing
}

// NodesAtRound returns all certified nodes of a round, ordered by
// validator index.
func (s *Store) NodesAtRound(round types.Round) []*CertifiedNode {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.byRound[round]
	if len(row) == 0 {
		return nil
	}

	indices := make([]int, 0, len(row))
	for idx := range row {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	nodes := make([]*CertifiedNode, len(indices))
	for i, idx := range indices {
		nodes[i] = row[idx]
	}

	return nodes
}

// LowestRound returns the window floor. Rounds below it have been pruned.
func (s *Store) LowestRound() types.Round {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.lowest
}

// HighestRound returns the highest round holding any node.
func (s *Store) HighestRound() types.Round {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.highest
}

// LowestIncompleteRound returns the lowest round in the window that is
// missing at least one author, or one past the highest round when every
// retained round is complete.
func (s *Store) LowestIncompleteRound() types.Round {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.lowestIncompleteLocked()
}

func (s *Store) lowestIncompleteLocked() types.Round {
	for r := s.lowest; r <= s.highest; r++ {
		if len(s.byRound[r]) < s.validators.Len() {
			return r
		}
	}

	return s.highest + 1
}

// ExistsBitmask builds a bitmask of held positions covering the window
// from the lowest incomplete round through targetRound. Fails if
// targetRound has already been pruned.
func (s *Store) ExistsBitmask(targetRound types.Round) (*Bitmask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if targetRound < s.lowest {
		return nil, fmt.Errorf("target round %d, floor %d: %w", targetRound, s.lowest, ErrRoundPruned)
	}

	first := s.lowestIncompleteLocked()
	if first > targetRound {
		first = targetRound
	}

	mask := NewBitmask(first, int(targetRound-first)+1, s.validators.Len())
	for r := first; r <= targetRound; r++ {
		for idx := range s.byRound[r] {
			mask.Set(r, idx)
		}
	}

	return mask, nil
}

// Reachable collects every node reachable from the targets by following
// parent links, skipping positions the exclude bitmask marks as held and
// stopping at its first round. Targets absent from the store are skipped;
// callers reject those up front with FilterMissing. The result is ordered
// newest round first so receivers can apply it in reverse.
func (s *Store) Reachable(targets []types.Hash, exclude *Bitmask) []*CertifiedNode {
	s.mu.RLock()
	defer s.mu.RUnlock()

	visited := make(map[types.Hash]bool)
	var queue []*CertifiedNode

	enqueue := func(digest types.Hash) {
		if visited[digest] {
			return
		}

		node, exists := s.byDigest[digest]
		if !exists {
			return
		}

		meta := node.Node.Meta
		if meta.Round < exclude.FirstRound {
			return
		}
		if exclude.Has(meta.Round, s.validators.Index(meta.Author)) {
			return
		}

		visited[digest] = true
		queue = append(queue, node)
	}

	for _, digest := range targets {
		enqueue(digest)
	}

	var result []*CertifiedNode
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		result = append(result, node)

		if node.Node.Meta.Round == exclude.FirstRound {
			continue
		}
		for _, parent := range node.Node.Parents {
			enqueue(parent)
		}
	}

	sort.SliceStable(result, func(i, j int) bool {
		ri, rj := result[i].Node.Meta.Round, result[j].Node.Meta.Round
		if ri != rj {
			return ri > rj
		}
		return bytes.Compare(result[i].Node.Meta.Digest[:], result[j].Node.Meta.Digest[:]) < 0
	})

	return result
}

// Prune removes all rounds below the given one and raises the window
// floor. Returns the number of nodes removed.
func (s *Store) Prune(below types.Round) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for r := s.lowest; r < below; r++ {
		for _, node := range s.byRound[r] {
			delete(s.byDigest, node.Node.Meta.Digest)
			removed++
		}
		delete(s.byRound, r)
	}

	if below > s.lowest {
		s.lowest = below
	}

	return removed
}
