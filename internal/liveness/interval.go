package liveness

import (
	"math"
	"time"
)

// ExponentialTimeInterval computes round timeouts that grow exponentially
// with the number of rounds since ordering last made progress.
type ExponentialTimeInterval struct {
	base         time.Duration
	exponentBase float64
	maxExponent  uint
}

// NewExponentialTimeInterval creates an interval starting at base and
// multiplied by exponentBase for each step, capped at maxExponent steps.
// An exponentBase of 1.0 yields a constant timeout.
func NewExponentialTimeInterval(base time.Duration, exponentBase float64, maxExponent uint) ExponentialTimeInterval {
	return ExponentialTimeInterval{
		base:         base,
		exponentBase: exponentBase,
		maxExponent:  maxExponent,
	}
}

// Duration returns the timeout for the given step, rounded up to a whole
// millisecond.
func (e ExponentialTimeInterval) Duration(idx uint) time.Duration {
	if idx > e.maxExponent {
		idx = e.maxExponent
	}

	pow := math.Pow(e.exponentBase, float64(idx))
	ms := math.Ceil(pow * float64(e.base.Milliseconds()))

	return time.Duration(ms) * time.Millisecond
}

// TimeService abstracts timer scheduling so tests can control time.
type TimeService interface {
	// Now returns the current time.
	Now() time.Time

	// RunAfter schedules f to run once after d. The returned function
	// cancels the run if it has not started yet.
	RunAfter(d time.Duration, f func()) (cancel func())
}

type clockTimeService struct{}

// NewTimeService returns a TimeService backed by the wall clock.
func NewTimeService() TimeService {
	return clockTimeService{}
}

func (clockTimeService) Now() time.Time {
	return time.Now()
}

func (clockTimeService) RunAfter(d time.Duration, f func()) func() {
	timer := time.AfterFunc(d, f)
	return func() { timer.Stop() }
}
