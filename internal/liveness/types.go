package liveness

import (
	"fmt"
	"time"

	"Kestrel/internal/types"
)

// Vote is a validator's signature over a node digest for one round.
type Vote struct {
	Author    types.Author
	Round     types.Round
	Digest    types.Hash
	Signature []byte
}

// TimeoutReason explains why a validator gave up on a round.
type TimeoutReason uint8

const (
	// TimeoutUnknown is used when no better reason is known.
	TimeoutUnknown TimeoutReason = iota

	// TimeoutNoQC means no quorum certificate formed for the round.
	TimeoutNoQC

	// TimeoutProposalNotReceived means the round's proposal never arrived.
	TimeoutProposalNotReceived

	// TimeoutPayloadUnavailable means the proposal arrived but its payload
	// could not be retrieved.
	TimeoutPayloadUnavailable
)

func (r TimeoutReason) String() string {
	switch r {
	case TimeoutUnknown:
		return "unknown"
	case TimeoutNoQC:
		return "no-qc"
	case TimeoutProposalNotReceived:
		return "proposal-not-received"
	case TimeoutPayloadUnavailable:
		return "payload-unavailable"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}

// RoundTimeout is a validator's signed statement that a round timed out.
type RoundTimeout struct {
	Author    types.Author
	Epoch     uint64
	Round     types.Round
	Reason    TimeoutReason
	Signature []byte
}

// SyncInfo summarises a node's view of consensus progress.
type SyncInfo struct {
	HighestCertifiedRound types.Round
	HighestOrderedRound   types.Round
	HighestTimeoutRound   types.Round
}

// HighestRound returns the highest round that can justify advancing,
// whether by certificate or by timeout.
func (s SyncInfo) HighestRound() types.Round {
	if s.HighestTimeoutRound > s.HighestCertifiedRound {
		return s.HighestTimeoutRound
	}
	return s.HighestCertifiedRound
}

// AdvanceReason says what justified entering a new round.
type AdvanceReason uint8

const (
	// AdvanceQCReady means a quorum certificate for the previous round.
	AdvanceQCReady AdvanceReason = iota

	// AdvanceTimeout means a timeout on the previous round.
	AdvanceTimeout
)

func (r AdvanceReason) String() string {
	if r == AdvanceQCReady {
		return "qc-ready"
	}
	return "timeout"
}

// TimeoutAggregate summarises the round timeouts collected for one round.
// Reason is the one carried by the most weight, ties broken by enum order.
type TimeoutAggregate struct {
	Round  types.Round
	Reason TimeoutReason
	Weight uint64
}

// NewRoundEvent reports entry into a new round. PrevVotes and PrevTimeout
// carry whatever the previous round had accumulated when it ended.
type NewRoundEvent struct {
	Round         types.Round
	Reason        AdvanceReason
	TimeoutReason TimeoutReason // meaningful when Reason is AdvanceTimeout
	Timeout       time.Duration
	PrevVotes     []*Vote
	PrevTimeout   *TimeoutAggregate
}

// UnexpectedRoundError reports a message whose round does not match the
// round currently being driven.
type UnexpectedRoundError struct {
	Got     types.Round
	Current types.Round
}

func (e *UnexpectedRoundError) Error() string {
	return fmt.Sprintf("unexpected round %d, current round is %d", e.Got, e.Current)
}
