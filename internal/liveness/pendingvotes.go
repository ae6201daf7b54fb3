package liveness

import (
	"errors"
	"sort"

	"Kestrel/internal/types"
)

// ErrUnknownVoter is returned for votes and timeouts whose author is not
// in the validator set.
var ErrUnknownVoter = errors.New("voter not in validator set")

// VoteResult classifies the outcome of inserting a vote or timeout.
type VoteResult uint8

const (
	// VoteAdded means the vote was counted.
	VoteAdded VoteResult = iota

	// VoteDuplicate means the author had already sent the same vote.
	VoteDuplicate

	// VoteEquivocation means the author had already voted for a different
	// digest. The first vote stands.
	VoteEquivocation

	// VoteQuorumReached means the vote was counted and its digest or
	// timeout now carries quorum weight.
	VoteQuorumReached
)

func (r VoteResult) String() string {
	switch r {
	case VoteAdded:
		return "added"
	case VoteDuplicate:
		return "duplicate"
	case VoteEquivocation:
		return "equivocation"
	case VoteQuorumReached:
		return "quorum-reached"
	default:
		return "unknown"
	}
}

// PendingVotes accumulates the votes and round timeouts of one round,
// weighting each author once.
type PendingVotes struct {
	validators *types.ValidatorSet
	round      types.Round

	votes          map[types.Author]*Vote
	weightByDigest map[types.Hash]uint64

	timeouts       map[types.Author]*RoundTimeout
	weightByReason map[TimeoutReason]uint64
	timeoutWeight  uint64
}

// NewPendingVotes creates an empty accumulator for the given round.
func NewPendingVotes(validators *types.ValidatorSet, round types.Round) *PendingVotes {
	return &PendingVotes{
		validators:     validators,
		round:          round,
		votes:          make(map[types.Author]*Vote),
		weightByDigest: make(map[types.Hash]uint64),
		timeouts:       make(map[types.Author]*RoundTimeout),
		weightByReason: make(map[TimeoutReason]uint64),
	}
}

// InsertVote counts a vote. Each author is weighted once per round; a
// second vote for a different digest is reported as equivocation and not
// counted.
func (p *PendingVotes) InsertVote(v *Vote) (VoteResult, error) {
	weight := p.validators.Weight(v.Author)
	if weight == 0 {
		return 0, ErrUnknownVoter
	}

	if prev, exists := p.votes[v.Author]; exists {
		if prev.Digest == v.Digest {
			return VoteDuplicate, nil
		}
		return VoteEquivocation, nil
	}

	p.votes[v.Author] = v
	p.weightByDigest[v.Digest] += weight

	if p.weightByDigest[v.Digest] >= p.validators.QuorumWeight() {
		return VoteQuorumReached, nil
	}

	return VoteAdded, nil
}

// InsertTimeout counts a round timeout. Each author is weighted once; the
// first timeout an author sends stands.
func (p *PendingVotes) InsertTimeout(t *RoundTimeout) (VoteResult, error) {
	weight := p.validators.Weight(t.Author)
	if weight == 0 {
		return 0, ErrUnknownVoter
	}

	if _, exists := p.timeouts[t.Author]; exists {
		return VoteDuplicate, nil
	}

	p.timeouts[t.Author] = t
	p.weightByReason[t.Reason] += weight
	p.timeoutWeight += weight

	if p.timeoutWeight >= p.validators.QuorumWeight() {
		return VoteQuorumReached, nil
	}

	return VoteAdded, nil
}

// QuorumVotes returns the votes for the digest if they carry quorum
// weight, ordered by validator index, or nil otherwise.
func (p *PendingVotes) QuorumVotes(digest types.Hash) []*Vote {
	if p.weightByDigest[digest] < p.validators.QuorumWeight() {
		return nil
	}

	var result []*Vote
	for _, v := range p.votes {
		if v.Digest == digest {
			result = append(result, v)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return p.validators.Index(result[i].Author) < p.validators.Index(result[j].Author)
	})

	return result
}

// TimeoutWeight returns the cumulative weight of all timeouts received.
func (p *PendingVotes) TimeoutWeight() uint64 {
	return p.timeoutWeight
}

// Drain returns everything accumulated: all votes ordered by validator
// index, and an aggregate of the timeouts, or nil if there were none.
func (p *PendingVotes) Drain() ([]*Vote, *TimeoutAggregate) {
	votes := make([]*Vote, 0, len(p.votes))
	for _, v := range p.votes {
		votes = append(votes, v)
	}
	sort.Slice(votes, func(i, j int) bool {
		return p.validators.Index(votes[i].Author) < p.validators.Index(votes[j].Author)
	})

	if len(p.timeouts) == 0 {
		return votes, nil
	}

	agg := &TimeoutAggregate{
		Round:  p.round,
		Reason: p.dominantReason(),
		Weight: p.timeoutWeight,
	}

	return votes, agg
}

// dominantReason picks the timeout reason carrying the most weight.
// Ties go to the lower-valued reason.
func (p *PendingVotes) dominantReason() TimeoutReason {
	best := TimeoutUnknown
	var bestWeight uint64

	for reason := TimeoutUnknown; reason <= TimeoutPayloadUnavailable; reason++ {
		if w := p.weightByReason[reason]; w > bestWeight {
			best = reason
			bestWeight = w
		}
	}

	return best
}
