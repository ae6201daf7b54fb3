package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"Kestrel/internal/dag"
	"Kestrel/internal/logger"
	"Kestrel/internal/types"
)

var (
	// ErrNoResponders is returned when a request names no peer that
	// could serve it.
	ErrNoResponders = errors.New("no responders to fetch from")

	// ErrFetchFailed is returned when every responder was tried and the
	// targets are still missing.
	ErrFetchFailed = errors.New("all responders exhausted")
)

// Config tunes the responder fan-out of a Fetcher.
type Config struct {
	// RetryInterval is how long to wait on the current responders
	// before widening the fan-out by one peer.
	RetryInterval time.Duration

	// RPCTimeout bounds each individual peer round-trip.
	RPCTimeout time.Duration

	// MinConcurrentResponders is how many peers are contacted up front.
	MinConcurrentResponders int

	// MaxConcurrentResponders caps peers contacted at the same time.
	MaxConcurrentResponders int
}

// DefaultConfig returns the fan-out tuning used in production.
func DefaultConfig() Config {
	return Config{
		RetryInterval:           500 * time.Millisecond,
		RPCTimeout:              5 * time.Second,
		MinConcurrentResponders: 1,
		MaxConcurrentResponders: 4,
	}
}

// Client sends one fetch request to one peer and returns its response.
type Client interface {
	Fetch(ctx context.Context, peer types.Author, req *RemoteFetchRequest) (*FetchResponse, error)
}

// Fetcher pulls missing DAG history from a set of responders. It starts
// with a few peers and widens the fan-out on every retry interval, so a
// single slow or silent peer cannot stall the fetch.
type Fetcher struct {
	cfg        Config
	client     Client
	store      *dag.Store
	validators *types.ValidatorSet
}

// NewFetcher creates a fetcher applying results to the given store.
func NewFetcher(cfg Config, client Client, store *dag.Store, validators *types.ValidatorSet) *Fetcher {
	return &Fetcher{
		cfg:        cfg,
		client:     client,
		store:      store,
		validators: validators,
	}
}

// Fetch contacts responders until the store holds every target, the
// responder list is exhausted, or the context ends. One verified
// response usually settles it; a response that leaves targets missing
// just widens the fan-out to the next peer.
func (f *Fetcher) Fetch(ctx context.Context, req *RemoteFetchRequest, responders []types.Author) error {
	if len(responders) == 0 {
		return ErrNoResponders
	}

	// Cancelling on return reels in responders still being queried.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Buffered for every responder so late results never block a
	// goroutine after Fetch returns.
	results := make(chan *FetchResponse, len(responders))

	next := 0
	inFlight := 0
	launch := func(n int) {
		for i := 0; i < n && next < len(responders) && inFlight < f.cfg.MaxConcurrentResponders; i++ {
			peer := responders[next]
			next++
			inFlight++

			go func() {
				resp, err := f.query(ctx, peer, req)
				if err != nil {
					logger.Debug("fetch rpc failed", "peer", peer.Short(), "error", err)
					results <- nil
					return
				}
				results <- resp
			}()
		}
	}

	launch(f.cfg.MinConcurrentResponders)

	ticker := time.NewTicker(f.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			launch(1)

		case resp := <-results:
			inFlight--
			if resp != nil && f.apply(resp, req) {
				return nil
			}

			launch(1)
			if inFlight == 0 && next >= len(responders) {
				return fmt.Errorf("round %d, %d targets, %d responders: %w",
					req.TargetRound(), len(req.Targets), len(responders), ErrFetchFailed)
			}
		}
	}
}

// query performs one peer round-trip and verifies the response.
func (f *Fetcher) query(ctx context.Context, peer types.Author, req *RemoteFetchRequest) (*FetchResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.RPCTimeout)
	defer cancel()

	resp, err := f.client.Fetch(ctx, peer, req)
	if err != nil {
		return nil, err
	}

	if err := resp.Verify(req, f.validators); err != nil {
		return nil, fmt.Errorf("invalid response:\n%w", err)
	}

	return resp, nil
}

// apply adds the fetched nodes back to front, oldest round first, so
// each node finds its parents already present. Reports whether the
// store now holds every target.
func (f *Fetcher) apply(resp *FetchResponse, req *RemoteFetchRequest) bool {
	nodes := resp.CertifiedNodes
	for i := len(nodes) - 1; i >= 0; i-- {
		if err := f.store.AddNode(nodes[i]); err != nil {
			logger.Debug("fetched node rejected", "node", nodes[i].Node.Meta.String(), "error", err)
		}
	}

	return len(f.store.FilterMissing(req.Targets)) == 0
}
