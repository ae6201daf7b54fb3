package fetch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"Kestrel/internal/dag"
	"Kestrel/internal/types"
)

// gatedClient blocks every fetch until the test feeds it a token, so
// tests control exactly when in-flight fetches complete.
type gatedClient struct {
	gate   chan struct{}
	handle func(ctx context.Context, peer types.Author, req *RemoteFetchRequest) (*FetchResponse, error)

	mu    sync.Mutex
	calls int
}

func (c *gatedClient) Fetch(ctx context.Context, peer types.Author, req *RemoteFetchRequest) (*FetchResponse, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()

	select {
	case <-c.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return c.handle(ctx, peer, req)
}

func (c *gatedClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.calls
}

func awaitOutcome(t *testing.T, done <-chan error) error {
	t.Helper()

	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("fetch request never resolved")
		return nil
	}
}

func testServiceConfig() ServiceConfig {
	return ServiceConfig{QueueSize: 16, MaxConcurrentFetches: 4}
}

// newTestService wires a service over the given local store, answering
// fetches from a fully populated remote store through the gated client.
func newTestService(t *testing.T, g *testGraph, local *dag.Store, cfg ServiceConfig) (*Service, *Requester, *gatedClient) {
	t.Helper()

	remote := dag.NewStore(1, g.validators)
	g.populate(t, remote)

	client := &gatedClient{
		gate:   make(chan struct{}, 16),
		handle: serveFromStore(remote),
	}

	fetcher := NewFetcher(testFetchConfig(), client, local, g.validators)
	svc := NewService(cfg, local, fetcher, g.validators)
	t.Cleanup(svc.Stop)

	return svc, svc.Requester(), client
}

func TestServiceCoalescesIdenticalFetches(t *testing.T) {
	g := buildTestGraph(t)

	// The local store holds round 0 only, so both tips miss the same
	// round 1 parents and map to the same fetch shape.
	local := dag.NewStore(1, g.validators)
	for _, cn := range g.round0 {
		if err := local.AddNode(cn); err != nil {
			t.Fatalf("AddNode failed: %v", err)
		}
	}

	svc, requester, client := newTestService(t, g, local, testServiceConfig())

	secondTip := certify(t, g.keys, makeNode(2, testAuthor(2), digests(g.round1), []byte("tip2")))

	// Both requests are queued before the loop runs, so the second is
	// guaranteed to arrive while the first fetch is still gated.
	done1, err := requester.RequestForCertifiedNode(g.tip)
	if err != nil {
		t.Fatalf("RequestForCertifiedNode failed: %v", err)
	}
	done2, err := requester.RequestForCertifiedNode(secondTip)
	if err != nil {
		t.Fatalf("RequestForCertifiedNode failed: %v", err)
	}

	svc.Start()
	client.gate <- struct{}{}

	if err := awaitOutcome(t, done1); err != nil {
		t.Errorf("first request failed: %v", err)
	}
	if err := awaitOutcome(t, done2); err != nil {
		t.Errorf("coalesced request failed: %v", err)
	}

	if got := client.callCount(); got != 1 {
		t.Errorf("network saw %d fetches, want 1", got)
	}
	if missing := local.FilterMissing(digests(g.round1)); len(missing) != 0 {
		t.Errorf("%d targets still missing", len(missing))
	}
}

func TestServiceShortCircuitsWhenNothingMissing(t *testing.T) {
	g := buildTestGraph(t)

	local := dag.NewStore(1, g.validators)
	g.populate(t, local)

	svc, requester, client := newTestService(t, g, local, testServiceConfig())
	svc.Start()

	done, err := requester.RequestForCertifiedNode(g.tip)
	if err != nil {
		t.Fatalf("RequestForCertifiedNode failed: %v", err)
	}

	if err := awaitOutcome(t, done); err != nil {
		t.Errorf("request resolved with %v, want nil", err)
	}
	if got := client.callCount(); got != 0 {
		t.Errorf("network saw %d fetches, want 0", got)
	}
}

func TestServiceGenesisNeedsNoFetch(t *testing.T) {
	g := buildTestGraph(t)
	local := dag.NewStore(1, g.validators)

	svc, requester, client := newTestService(t, g, local, testServiceConfig())
	svc.Start()

	done, err := requester.RequestForCertifiedNode(g.round0[0])
	if err != nil {
		t.Fatalf("RequestForCertifiedNode failed: %v", err)
	}

	if err := awaitOutcome(t, done); err != nil {
		t.Errorf("request resolved with %v, want nil", err)
	}
	if got := client.callCount(); got != 0 {
		t.Errorf("network saw %d fetches, want 0", got)
	}
}

func TestServiceRejectsPrunedWindow(t *testing.T) {
	g := buildTestGraph(t)

	local := dag.NewStore(1, g.validators)
	g.populate(t, local)
	local.Prune(3)

	svc, requester, client := newTestService(t, g, local, testServiceConfig())
	svc.Start()

	// The tip's parents live below the pruned floor; the request must
	// fail fast without a network fetch.
	done, err := requester.RequestForCertifiedNode(g.tip)
	if err != nil {
		t.Fatalf("RequestForCertifiedNode failed: %v", err)
	}

	outcome := awaitOutcome(t, done)
	if !errors.Is(outcome, dag.ErrRoundPruned) {
		t.Errorf("request resolved with %v, want %v", outcome, dag.ErrRoundPruned)
	}
	if got := client.callCount(); got != 0 {
		t.Errorf("network saw %d fetches, want 0", got)
	}
}

func TestServiceBoundsConcurrentFetches(t *testing.T) {
	g := buildTestGraph(t)

	local := dag.NewStore(1, g.validators)
	for _, cn := range g.round0 {
		if err := local.AddNode(cn); err != nil {
			t.Fatalf("AddNode failed: %v", err)
		}
	}

	cfg := ServiceConfig{QueueSize: 16, MaxConcurrentFetches: 1}
	svc, requester, client := newTestService(t, g, local, cfg)

	// Two fetches with different shapes: one reaching for round 1, one
	// for round 2. Plain node requests keep each fetch on one peer.
	first := makeNode(2, testAuthor(1), digests(g.round1), nil)
	second := makeNode(3, testAuthor(1), []types.Hash{g.tip.Node.Meta.Digest}, nil)

	done1, err := requester.RequestForNode(first)
	if err != nil {
		t.Fatalf("RequestForNode failed: %v", err)
	}
	done2, err := requester.RequestForNode(second)
	if err != nil {
		t.Fatalf("RequestForNode failed: %v", err)
	}

	svc.Start()

	// The cap holds the second fetch back while the first is gated.
	time.Sleep(50 * time.Millisecond)
	if got := client.callCount(); got != 1 {
		t.Fatalf("network saw %d fetches under the cap, want 1", got)
	}

	client.gate <- struct{}{}
	if err := awaitOutcome(t, done1); err != nil {
		t.Errorf("first request failed: %v", err)
	}

	client.gate <- struct{}{}
	if err := awaitOutcome(t, done2); err != nil {
		t.Errorf("second request failed: %v", err)
	}

	if got := client.callCount(); got != 2 {
		t.Errorf("network saw %d fetches in total, want 2", got)
	}
}

func TestServiceReportsFetchFailure(t *testing.T) {
	g := buildTestGraph(t)

	local := dag.NewStore(1, g.validators)
	for _, cn := range g.round0 {
		if err := local.AddNode(cn); err != nil {
			t.Fatalf("AddNode failed: %v", err)
		}
	}

	remote := dag.NewStore(1, g.validators) // empty: every fetch misses
	client := &gatedClient{
		gate:   make(chan struct{}, 16),
		handle: serveFromStore(remote),
	}
	fetcher := NewFetcher(testFetchConfig(), client, local, g.validators)
	svc := NewService(testServiceConfig(), local, fetcher, g.validators)
	t.Cleanup(svc.Stop)
	svc.Start()

	for i := 0; i < 8; i++ {
		client.gate <- struct{}{}
	}

	done, err := svc.Requester().RequestForNode(makeNode(2, testAuthor(1), digests(g.round1), nil))
	if err != nil {
		t.Fatalf("RequestForNode failed: %v", err)
	}

	outcome := awaitOutcome(t, done)
	if !errors.Is(outcome, ErrFetchFailed) {
		t.Errorf("request resolved with %v, want %v", outcome, ErrFetchFailed)
	}
}

func TestRequesterAfterStop(t *testing.T) {
	g := buildTestGraph(t)
	local := dag.NewStore(1, g.validators)

	svc, requester, _ := newTestService(t, g, local, testServiceConfig())
	svc.Start()
	svc.Stop()

	_, err := requester.RequestForNode(makeNode(2, testAuthor(1), digests(g.round1), nil))
	if !errors.Is(err, ErrStopped) {
		t.Errorf("RequestForNode returned %v, want %v", err, ErrStopped)
	}
}

func TestWaiterMergesCompletions(t *testing.T) {
	w := NewWaiter[int]()
	defer w.Close()

	chans := make([]chan int, 3)
	for i := range chans {
		chans[i] = make(chan int, 1)
		w.Watch(chans[i])
	}

	for i, ch := range chans {
		ch <- i + 1
	}

	sum := 0
	for i := 0; i < 3; i++ {
		select {
		case v := <-w.Stream():
			sum += v
		case <-time.After(2 * time.Second):
			t.Fatal("stream delivered too few completions")
		}
	}
	if sum != 6 {
		t.Errorf("stream delivered sum %d, want 6", sum)
	}
}

func TestWaiterIgnoresClosedChannels(t *testing.T) {
	w := NewWaiter[int]()
	defer w.Close()

	closed := make(chan int)
	close(closed)
	w.Watch(closed)

	live := make(chan int, 1)
	w.Watch(live)
	live <- 42

	select {
	case v := <-w.Stream():
		if v != 42 {
			t.Errorf("stream delivered %d, want 42", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream delivered nothing")
	}
}

func TestWaiterCloseReleasesWatchers(t *testing.T) {
	w := NewWaiter[int]()

	// A channel that never delivers; Close must not hang on it.
	w.Watch(make(chan int))

	finished := make(chan struct{})
	go func() {
		w.Close()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("Close hung on a pending watcher")
	}
}
