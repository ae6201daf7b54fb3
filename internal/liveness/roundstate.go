package liveness

import (
	"time"

	"Kestrel/internal/logger"
	"Kestrel/internal/types"
)

const (
	// timeoutChannelBuffer bounds the timeout notification channel.
	timeoutChannelBuffer = 8

	// orderingGraceRounds is how many rounds past the highest ordered
	// round may elapse before timeouts start growing.
	orderingGraceRounds = 3
)

// RoundState drives the local round state machine. It tracks the current
// round, keeps exactly one timeout armed for it, and accumulates the votes
// and timeouts that justify moving on.
//
// RoundState is not safe for concurrent use: one goroutine owns it. The
// armed timer only writes to the timeout channel, never to the state.
type RoundState struct {
	interval   ExponentialTimeInterval
	clock      TimeService
	validators *types.ValidatorSet

	current        types.Round
	highestOrdered types.Round
	pending        *PendingVotes

	sentVote    *Vote
	sentTimeout *RoundTimeout

	cancelTimer func()
	deadline    time.Time
	timeoutCh   chan types.Round
}

// NewRoundState creates a round state at round zero. No timer is armed
// until the first ProcessCertificates call advances the round.
func NewRoundState(interval ExponentialTimeInterval, clock TimeService, validators *types.ValidatorSet) *RoundState {
	return &RoundState{
		interval:   interval,
		clock:      clock,
		validators: validators,
		pending:    NewPendingVotes(validators, 0),
		timeoutCh:  make(chan types.Round, timeoutChannelBuffer),
	}
}

// Current returns the round being driven.
func (s *RoundState) Current() types.Round {
	return s.current
}

// Deadline returns when the current round's armed timeout fires. Zero
// until the first round is entered.
func (s *RoundState) Deadline() time.Time {
	return s.deadline
}

// TimeoutChannel delivers the round number whenever an armed timeout
// fires. The owner feeds these into ProcessLocalTimeout.
func (s *RoundState) TimeoutChannel() <-chan types.Round {
	return s.timeoutCh
}

// ProcessCertificates advances the round if the sync info justifies a
// higher one. Returns the new round event, or nil when the info is stale.
// Rounds only move forward.
func (s *RoundState) ProcessCertificates(info SyncInfo) *NewRoundEvent {
	if info.HighestOrderedRound > s.highestOrdered {
		s.highestOrdered = info.HighestOrderedRound
	}

	newRound := info.HighestRound() + 1
	if newRound <= s.current {
		return nil
	}

	prevVotes, prevTimeout := s.pending.Drain()

	s.current = newRound
	s.pending = NewPendingVotes(s.validators, newRound)
	s.sentVote = nil
	s.sentTimeout = nil

	timeout := s.armTimeout()

	event := &NewRoundEvent{
		Round:       newRound,
		Reason:      AdvanceTimeout,
		Timeout:     timeout,
		PrevVotes:   prevVotes,
		PrevTimeout: prevTimeout,
	}

	if info.HighestCertifiedRound+1 == newRound {
		event.Reason = AdvanceQCReady
	} else {
		event.TimeoutReason = TimeoutUnknown
		if prevTimeout != nil {
			event.TimeoutReason = prevTimeout.Reason
		}
	}

	logger.Debug("entering round",
		"round", newRound,
		"reason", event.Reason.String(),
		"timeout", timeout,
	)

	return event
}

// ProcessLocalTimeout handles a fired timeout. It returns false for any
// round other than the current one. For the current round it re-arms the
// timeout and returns true, telling the owner to broadcast a round
// timeout message.
func (s *RoundState) ProcessLocalTimeout(round types.Round) bool {
	if round != s.current {
		return false
	}

	s.armTimeout()

	return true
}

// InsertVote counts a vote for the current round.
func (s *RoundState) InsertVote(v *Vote) (VoteResult, error) {
	if v.Round != s.current {
		return 0, &UnexpectedRoundError{Got: v.Round, Current: s.current}
	}

	return s.pending.InsertVote(v)
}

// InsertTimeout counts a round timeout for the current round.
func (s *RoundState) InsertTimeout(t *RoundTimeout) (VoteResult, error) {
	if t.Round != s.current {
		return 0, &UnexpectedRoundError{Got: t.Round, Current: s.current}
	}

	return s.pending.InsertTimeout(t)
}

// QuorumVotes returns the current round's votes for the digest once they
// reach quorum weight, or nil.
func (s *RoundState) QuorumVotes(digest types.Hash) []*Vote {
	return s.pending.QuorumVotes(digest)
}

// RecordVote remembers the vote this validator sent. Votes for any round
// other than the current one are ignored.
func (s *RoundState) RecordVote(v *Vote) {
	if v.Round == s.current {
		s.sentVote = v
	}
}

// SentVote returns the vote recorded for the current round, or nil.
func (s *RoundState) SentVote() *Vote {
	return s.sentVote
}

// RecordTimeout remembers the round timeout this validator sent. Timeouts
// for any round other than the current one are ignored.
func (s *RoundState) RecordTimeout(t *RoundTimeout) {
	if t.Round == s.current {
		s.sentTimeout = t
	}
}

// SentTimeout returns the round timeout recorded for the current round,
// or nil.
func (s *RoundState) SentTimeout() *RoundTimeout {
	return s.sentTimeout
}

// armTimeout cancels any live timer and arms a fresh one for the current
// round. At most one timer is live at a time.
func (s *RoundState) armTimeout() time.Duration {
	if s.cancelTimer != nil {
		s.cancelTimer()
	}

	round := s.current
	d := s.interval.Duration(s.timeoutIndex())
	s.deadline = s.clock.Now().Add(d)

	s.cancelTimer = s.clock.RunAfter(d, func() {
		select {
		case s.timeoutCh <- round:
		default:
			logger.Warn("timeout channel full, dropping notification", "round", round)
		}
	})

	return d
}

// timeoutIndex returns how many growth steps the current round's timeout
// gets. Before anything has been ordered it grows with the round itself;
// afterwards it grows with the distance from the highest ordered round,
// less a grace window.
func (s *RoundState) timeoutIndex() uint {
	if s.highestOrdered == 0 {
		return uint(s.current - 1)
	}

	if s.current <= s.highestOrdered+orderingGraceRounds {
		return 0
	}

	return uint(s.current - s.highestOrdered - orderingGraceRounds)
}
