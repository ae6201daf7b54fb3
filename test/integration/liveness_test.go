package integration

import (
	"sync"
	"testing"
	"time"

	"Kestrel/internal/bls"
	"Kestrel/internal/codec"
	"Kestrel/internal/liveness"
	"Kestrel/internal/network"
	"Kestrel/internal/types"
)

// livenessHarness drives one validator's round state over the mesh:
// local timeouts become signed round-timeout broadcasts, and a quorum of
// received timeouts advances the round.
type livenessHarness struct {
	mu    sync.Mutex
	state *liveness.RoundState
	node  *valNode
	stop  chan struct{}
	wg    sync.WaitGroup
}

func newLivenessHarness(t *testing.T, c *cluster, n *valNode, interval time.Duration) *livenessHarness {
	t.Helper()

	h := &livenessHarness{
		state: liveness.NewRoundState(
			liveness.NewExponentialTimeInterval(interval, 1.0, 4),
			liveness.NewTimeService(),
			c.validators,
		),
		node: n,
		stop: make(chan struct{}),
	}

	n.net.Subscribe(codec.MsgRoundTimeout, func(msg network.Message) {
		var timeout liveness.RoundTimeout
		if err := codec.Decode(msg.Wire, &timeout); err != nil {
			return
		}

		info := c.validators.Get(timeout.Author)
		if info == nil || !bls.Verify(timeout.Signature, timeoutTag(timeout.Round), info.BLSPublicKey) {
			return
		}

		h.insertTimeout(&timeout)
	})

	t.Cleanup(h.close)

	return h
}

// start enters round 1 and begins reacting to fired timeouts.
func (h *livenessHarness) start() {
	h.mu.Lock()
	h.state.ProcessCertificates(liveness.SyncInfo{})
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		for {
			select {
			case <-h.stop:
				return
			case round := <-h.state.TimeoutChannel():
				h.onLocalTimeout(round)
			}
		}
	}()
}

func (h *livenessHarness) close() {
	select {
	case <-h.stop:
	default:
		close(h.stop)
	}
	h.wg.Wait()
}

// onLocalTimeout re-arms the round and broadcasts a signed timeout,
// counting it locally as well.
func (h *livenessHarness) onLocalTimeout(round types.Round) {
	h.mu.Lock()
	fired := h.state.ProcessLocalTimeout(round)
	h.mu.Unlock()

	if !fired {
		return
	}

	timeout := &liveness.RoundTimeout{
		Author: h.node.author,
		Epoch:  clusterEpoch,
		Round:  round,
		Reason: liveness.TimeoutNoQC,
	}
	timeout.Signature = h.node.bls.Sign(timeoutTag(round))

	h.insertTimeout(timeout)

	data, err := codec.Encode(codec.MsgRoundTimeout, timeout)
	if err != nil {
		return
	}
	_ = h.node.net.Broadcast(data)
}

// insertTimeout tallies a timeout and advances when it completes a quorum.
func (h *livenessHarness) insertTimeout(timeout *liveness.RoundTimeout) {
	h.mu.Lock()
	defer h.mu.Unlock()

	result, err := h.state.InsertTimeout(timeout)
	if err != nil || result != liveness.VoteQuorumReached {
		return
	}

	h.state.ProcessCertificates(liveness.SyncInfo{HighestTimeoutRound: timeout.Round})
}

func (h *livenessHarness) current() types.Round {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.state.Current()
}

// timeoutTag is the signed message for a round timeout in this harness.
func timeoutTag(round types.Round) []byte {
	tag := []byte("timeout-tag-")
	for i := 0; i < 8; i++ {
		tag = append(tag, byte(round>>(8*i)))
	}

	return tag
}

// TestTimeoutQuorumAdvancesRounds runs four round states over QUIC with a
// short constant timeout and checks that exchanged timeout quorums keep
// rounds moving on every validator, in strictly increasing order.
func TestTimeoutQuorumAdvancesRounds(t *testing.T) {
	c := newCluster(t, 4)

	harnesses := make([]*livenessHarness, len(c.nodes))
	for i, n := range c.nodes {
		harnesses[i] = newLivenessHarness(t, c, n, 100*time.Millisecond)
	}

	for _, h := range harnesses {
		h.start()
	}

	const targetRound = 4

	waitFor(t, 15*time.Second, "every validator past the target round", func() bool {
		for _, h := range harnesses {
			if h.current() < targetRound {
				return false
			}
		}
		return true
	})

	// No validator may ever observe its round move backward.
	for i, h := range harnesses {
		before := h.current()
		time.Sleep(200 * time.Millisecond)
		if after := h.current(); after < before {
			t.Errorf("node %d round went backward: %d -> %d", i, before, after)
		}
	}
}
