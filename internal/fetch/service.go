package fetch

import (
	"context"
	"fmt"
	"sync"

	"Kestrel/internal/dag"
	"Kestrel/internal/logger"
	"Kestrel/internal/types"
)

// ServiceConfig tunes the fetch service loop.
type ServiceConfig struct {
	// QueueSize bounds the local request queue.
	QueueSize int

	// MaxConcurrentFetches caps distinct network fetches in flight. New
	// requests wait in the queue while the cap is reached.
	MaxConcurrentFetches int
}

// DefaultServiceConfig returns the loop tuning used in production.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		QueueSize:            16,
		MaxConcurrentFetches: 4,
	}
}

// fetchKey identifies the shape of a fetch: the round it reaches for and
// the exact window of positions already held. Requests with equal keys
// would hit the network for the same data, so they share one fetch.
type fetchKey struct {
	round types.Round
	mask  string
}

type fetchResult struct {
	key fetchKey
	err error
}

// Service runs the fetch event loop. One goroutine owns all state:
// it accepts local requests, deduplicates them against fetches already
// in flight, and resolves every waiter when its fetch completes.
type Service struct {
	cfg        ServiceConfig
	store      *dag.Store
	fetcher    *Fetcher
	validators *types.ValidatorSet

	requests chan *LocalFetchRequest
	finished chan fetchResult
	inflight map[fetchKey][]*LocalFetchRequest

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a fetch service. Call Start to run the loop.
func NewService(cfg ServiceConfig, store *dag.Store, fetcher *Fetcher, validators *types.ValidatorSet) *Service {
	ctx, cancel := context.WithCancel(context.Background())

	return &Service{
		cfg:        cfg,
		store:      store,
		fetcher:    fetcher,
		validators: validators,
		requests:   make(chan *LocalFetchRequest, cfg.QueueSize),
		finished:   make(chan fetchResult),
		inflight:   make(map[fetchKey][]*LocalFetchRequest),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Requester returns the producer-side handle feeding this service.
func (s *Service) Requester() *Requester {
	return &Requester{requests: s.requests, stopped: s.ctx.Done()}
}

// Start begins the event loop.
func (s *Service) Start() {
	s.wg.Add(1)
	go s.loop()
}

// Stop ends the loop and waits for in-flight fetches to wind down.
// Unresolved waiters never fire.
func (s *Service) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *Service) loop() {
	defer s.wg.Done()

	for {
		requests := s.requests
		if len(s.inflight) >= s.cfg.MaxConcurrentFetches {
			requests = nil // stop accepting until a fetch completes
		}

		select {
		case <-s.ctx.Done():
			return

		case result := <-s.finished:
			s.finish(result)

		case req := <-requests:
			s.accept(req)
		}
	}
}

// accept resolves a request locally when possible, attaches it to an
// in-flight fetch with the same shape, or starts a new fetch.
func (s *Service) accept(req *LocalFetchRequest) {
	if req.meta.Round == 0 {
		req.notify(nil) // genesis nodes have no history to fetch
		return
	}

	missing := s.store.FilterMissing(req.parents)
	if len(missing) == 0 {
		req.notify(nil)
		return
	}

	exists, err := s.store.ExistsBitmask(req.meta.Round - 1)
	if err != nil {
		req.notify(fmt.Errorf("fetch for %s:\n%w", req.meta, err))
		return
	}

	key := fetchKey{round: exists.LastRound(), mask: exists.Key()}
	if waiters, ok := s.inflight[key]; ok {
		s.inflight[key] = append(waiters, req)
		return
	}
	s.inflight[key] = []*LocalFetchRequest{req}

	remote := &RemoteFetchRequest{
		Epoch:   s.store.Epoch(),
		Targets: missing,
		Exists:  exists,
	}
	responders := req.Responders(s.validators)

	logger.Debug("starting fetch",
		"round", key.round,
		"targets", len(missing),
		"responders", len(responders),
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		err := s.fetcher.Fetch(s.ctx, remote, responders)
		select {
		case s.finished <- fetchResult{key: key, err: err}:
		case <-s.ctx.Done():
		}
	}()
}

// finish resolves every waiter coalesced onto the completed fetch. A
// failed fetch is not retried here; waiters see the error and re-issue
// if they still need the data.
func (s *Service) finish(result fetchResult) {
	waiters := s.inflight[result.key]
	delete(s.inflight, result.key)

	if result.err != nil {
		logger.Warn("fetch failed",
			"round", result.key.round,
			"waiters", len(waiters),
			"error", result.err,
		)
	}

	for _, req := range waiters {
		req.notify(result.err)
	}
}
