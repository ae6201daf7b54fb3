package types

import "fmt"

// ValidatorInfo describes one member of the validator set.
type ValidatorInfo struct {
	Author       Author // Author is the validator's ed25519 public key
	Weight       uint64 // Weight is the validator's voting weight (stake)
	BLSPublicKey []byte // BLSPublicKey is the compressed 48-byte BLS key
	Address      string // Address is the validator's QUIC dial address
}

// ValidatorSet holds the validators of one epoch with their voting weights.
// The set is immutable after construction and safe for concurrent reads.
type ValidatorSet struct {
	ordered []Author
	infos   map[Author]*ValidatorInfo
	index   map[Author]int
	total   uint64
}

// NewValidatorSet builds a validator set from the given members.
// Order is preserved: it defines each validator's index in signer bitmaps.
func NewValidatorSet(members []ValidatorInfo) (*ValidatorSet, error) {
	if len(members) == 0 {
		return nil, fmt.Errorf("validator set is empty")
	}

	vs := &ValidatorSet{
		ordered: make([]Author, len(members)),
		infos:   make(map[Author]*ValidatorInfo, len(members)),
		index:   make(map[Author]int, len(members)),
	}

	for i := range members {
		m := members[i]

		if m.Weight == 0 {
			return nil, fmt.Errorf("validator %s has zero weight", m.Author.Short())
		}

		if _, exists := vs.index[m.Author]; exists {
			return nil, fmt.Errorf("duplicate validator %s", m.Author.Short())
		}

		vs.ordered[i] = m.Author
		vs.infos[m.Author] = &m
		vs.index[m.Author] = i
		vs.total += m.Weight
	}

	return vs, nil
}

// Len returns the number of validators.
func (vs *ValidatorSet) Len() int {
	return len(vs.ordered)
}

// Contains reports whether the author belongs to the set.
func (vs *ValidatorSet) Contains(author Author) bool {
	_, exists := vs.index[author]
	return exists
}

// Weight returns the author's voting weight, or 0 if unknown.
func (vs *ValidatorSet) Weight(author Author) uint64 {
	info, exists := vs.infos[author]
	if !exists {
		return 0
	}

	return info.Weight
}

// Index returns the author's position in the ordered set, or -1 if unknown.
// The index is the author's bit position in signer bitmaps.
func (vs *ValidatorSet) Index(author Author) int {
	if idx, exists := vs.index[author]; exists {
		return idx
	}

	return -1
}

// AuthorAt returns the author at the given index.
func (vs *ValidatorSet) AuthorAt(idx int) (Author, bool) {
	if idx < 0 || idx >= len(vs.ordered) {
		return Author{}, false
	}

	return vs.ordered[idx], true
}

// Get returns the full info for an author, or nil if unknown.
func (vs *ValidatorSet) Get(author Author) *ValidatorInfo {
	return vs.infos[author]
}

// OrderedAuthors returns all authors in index order.
func (vs *ValidatorSet) OrderedAuthors() []Author {
	result := make([]Author, len(vs.ordered))
	copy(result, vs.ordered)

	return result
}

// TotalWeight returns the sum of all voting weights.
func (vs *ValidatorSet) TotalWeight() uint64 {
	return vs.total
}

// QuorumWeight returns the minimum cumulative weight for a quorum (>2/3).
func (vs *ValidatorSet) QuorumWeight() uint64 {
	return vs.total*2/3 + 1
}

// SubsetWeight returns the cumulative weight of the validators at the
// given indices. Out-of-range and repeated indices are ignored.
func (vs *ValidatorSet) SubsetWeight(indices []int) uint64 {
	seen := make(map[int]bool, len(indices))

	var weight uint64
	for _, idx := range indices {
		if idx < 0 || idx >= len(vs.ordered) || seen[idx] {
			continue
		}

		seen[idx] = true
		weight += vs.infos[vs.ordered[idx]].Weight
	}

	return weight
}

// EpochState binds an epoch number to its validator set.
type EpochState struct {
	Epoch      uint64
	Validators *ValidatorSet
}
