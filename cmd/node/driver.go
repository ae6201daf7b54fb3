package main

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"sync"

	"github.com/zeebo/blake3"

	"Kestrel/internal/codec"
	"Kestrel/internal/dag"
	"Kestrel/internal/fetch"
	"Kestrel/internal/liveness"
	"Kestrel/internal/logger"
	"Kestrel/internal/rand"
	"Kestrel/internal/types"
)

const (
	// driverQueueSize bounds the driver's event channel.
	driverQueueSize = 256

	// retainRounds is how many rounds behind ordering the DAG window and
	// randomness state are kept before pruning.
	retainRounds = 64
)

// nodeAdded tells the driver a certified node landed in the DAG.
type nodeAdded struct {
	round types.Round
}

// driver is the single goroutine that owns the round state machine and
// the randomness store. Network handlers feed it decoded messages; it
// advances rounds, produces shares, and releases rounds whose randomness
// resolved.
type driver struct {
	node  *Node
	state *liveness.RoundState

	// waiter merges fetch completions from any number of requests.
	waiter *fetch.Waiter[error]

	events chan any

	highestCertified types.Round
	highestOrdered   types.Round
	enqueued         map[types.Round]bool // rounds handed to the rand store
	announced        map[types.Round]bool // decisions already broadcast

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// newDriver builds the driver around a fresh round state.
func newDriver(n *Node) *driver {
	cluster := n.cfg.Cluster

	interval := liveness.NewExponentialTimeInterval(
		cluster.RoundBase,
		cluster.RoundExponentBase,
		cluster.RoundMaxExponent,
	)

	return &driver{
		node:      n,
		state:     liveness.NewRoundState(interval, liveness.NewTimeService(), n.validators),
		waiter:    fetch.NewWaiter[error](),
		events:    make(chan any, driverQueueSize),
		enqueued:  make(map[types.Round]bool),
		announced: make(map[types.Round]bool),
		stopCh:    make(chan struct{}),
	}
}

// start launches the driver loop and enters the first round.
func (d *driver) start() {
	d.wg.Add(1)
	go d.loop()
}

// stop ends the loop and drops unconsumed events.
func (d *driver) stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
	d.waiter.Close()
}

// submit hands a decoded message to the driver. Blocks while the driver
// is saturated so the network layer applies backpressure.
func (d *driver) submit(ev any) {
	select {
	case d.events <- ev:
	case <-d.stopCh:
	}
}

// watchFetch registers a fetch completion channel with the driver.
func (d *driver) watchFetch(done <-chan error) {
	d.waiter.Watch(done)
}

func (d *driver) loop() {
	defer d.wg.Done()

	// Genesis entry: nothing is certified yet, so this arms round 1.
	d.onNewRound(d.state.ProcessCertificates(liveness.SyncInfo{}))

	for {
		select {
		case <-d.stopCh:
			return

		case round := <-d.state.TimeoutChannel():
			if d.state.ProcessLocalTimeout(round) {
				d.broadcastTimeout(round)
			}

		case err := <-d.waiter.Stream():
			d.onFetchDone(err)

		case ev := <-d.events:
			d.handle(ev)
		}
	}
}

func (d *driver) handle(ev any) {
	switch msg := ev.(type) {
	case nodeAdded:
		d.onNodeAdded(msg.round)

	case *liveness.Vote:
		d.onVote(msg)

	case *liveness.RoundTimeout:
		d.onRoundTimeout(msg)

	case *rand.Share:
		d.addShare(msg)

	case *rand.Decision:
		d.addDecision(msg)

	default:
		logger.Error("driver received unknown event", "event", ev)
	}
}

// onNodeAdded re-checks the round's weight and, once a quorum of authors
// has a node there, treats the round as certified: the round state may
// advance and the round's randomness slot opens.
func (d *driver) onNodeAdded(round types.Round) {
	if round <= d.highestCertified {
		return
	}

	var weight uint64
	for _, cn := range d.node.dagStore.NodesAtRound(round) {
		weight += d.node.validators.Weight(cn.Node.Meta.Author)
	}

	if weight < d.node.validators.QuorumWeight() {
		return
	}

	d.highestCertified = round
	d.openRandSlot(round)
	d.advance(liveness.SyncInfo{})
}

// openRandSlot enqueues a certified round into the randomness pipeline
// and contributes this validator's own share.
//
// Block ordering itself is an external concern; the driver derives a
// deterministic per-round anchor so every validator signs the same slot.
func (d *driver) openRandSlot(round types.Round) {
	if d.enqueued[round] {
		return
	}
	d.enqueued[round] = true

	md := rand.Metadata{
		Epoch:       d.node.cfg.Cluster.Epoch,
		Round:       round,
		BlockDigest: roundAnchor(d.node.cfg.Cluster.Epoch, round),
	}

	if err := d.node.randStore.AddBlocks(rand.NewQueueItem([]rand.Metadata{md})); err != nil {
		logger.Error("enqueue round for randomness", "round", round, "error", err)
		return
	}

	share, err := d.node.producer.Share(md)
	if err != nil {
		logger.Error("produce own share", "round", round, "error", err)
		return
	}

	d.addShare(share)
	d.node.broadcast(codec.MsgRandShare, share)
}

// addShare folds one share into the randomness store and broadcasts the
// decision the moment this validator first holds one for the round.
func (d *driver) addShare(share *rand.Share) {
	round := share.Metadata.Round

	decision, err := d.node.randStore.AddShare(share)
	if err != nil {
		logger.Debug("share rejected", "author", share.Author.Short(), "round", round, "error", err)
		return
	}

	if decision != nil && !d.announced[round] {
		d.announced[round] = true
		d.node.broadcast(codec.MsgRandDecision, decision)
	}

	d.releaseReady()
}

// addDecision records a pre-aggregated decision from a peer.
func (d *driver) addDecision(decision *rand.Decision) {
	round := decision.Metadata.Round

	if err := d.node.randStore.AddDecision(decision); err != nil {
		logger.Debug("decision rejected", "round", round, "error", err)
		return
	}

	d.announced[round] = true
	d.releaseReady()
}

// releaseReady hands released rounds downstream, moves the ordering
// frontier, and prunes state the window no longer needs.
func (d *driver) releaseReady() {
	blocks := d.node.randStore.DequeueReadyPrefix()
	if len(blocks) == 0 {
		return
	}

	for _, block := range blocks {
		if block.Metadata.Round > d.highestOrdered {
			d.highestOrdered = block.Metadata.Round
		}

		logger.Info("round released",
			"round", block.Metadata.Round,
			"randomness", hex.EncodeToString(block.Randomness[:8]),
		)
	}

	d.prune()
	d.advance(liveness.SyncInfo{})
}

// prune drops DAG and randomness state below the retention window.
func (d *driver) prune() {
	if d.highestOrdered <= retainRounds {
		return
	}

	floor := d.highestOrdered - retainRounds

	removed := d.node.dagStore.Prune(floor)
	if removed > 0 {
		logger.Debug("pruned DAG window", "floor", floor, "nodes", removed)
	}

	if err := d.node.randStore.Prune(floor); err != nil {
		logger.Warn("randomness prune failed", "floor", floor, "error", err)
	}

	for round := range d.enqueued {
		if round < floor {
			delete(d.enqueued, round)
			delete(d.announced, round)
		}
	}
}

// onVote tallies a consensus vote for the current round. Signatures are
// checked at message ingress; everything reaching the driver is verified.
func (d *driver) onVote(v *liveness.Vote) {
	result, err := d.state.InsertVote(v)
	if err != nil {
		logger.Debug("vote not counted", "author", v.Author.Short(), "round", v.Round, "error", err)
		return
	}

	if result == liveness.VoteQuorumReached {
		logger.Debug("vote quorum reached", "round", v.Round, "digest", v.Digest.Short())
	}
}

// onRoundTimeout tallies a peer's round timeout. A quorum of timeouts
// justifies entering the next round without a certificate.
func (d *driver) onRoundTimeout(t *liveness.RoundTimeout) {
	result, err := d.state.InsertTimeout(t)
	if err != nil {
		logger.Debug("timeout not counted", "author", t.Author.Short(), "round", t.Round, "error", err)
		return
	}

	if result == liveness.VoteQuorumReached {
		d.advance(liveness.SyncInfo{HighestTimeoutRound: t.Round})
	}
}

// broadcastTimeout signs and sends this validator's own round timeout,
// counting it locally as well.
func (d *driver) broadcastTimeout(round types.Round) {
	timeout := &liveness.RoundTimeout{
		Author: d.node.author,
		Epoch:  d.node.cfg.Cluster.Epoch,
		Round:  round,
		Reason: liveness.TimeoutNoQC,
	}
	timeout.Signature = d.node.blsKey.Sign(timeoutMessage(timeout.Epoch, timeout.Round, timeout.Reason))

	d.state.RecordTimeout(timeout)

	result, err := d.state.InsertTimeout(timeout)
	if err != nil {
		logger.Warn("own timeout not counted", "round", round, "error", err)
	}

	logger.Info("round timed out", "round", round)

	d.node.broadcast(codec.MsgRoundTimeout, timeout)

	if result == liveness.VoteQuorumReached {
		d.advance(liveness.SyncInfo{HighestTimeoutRound: round})
	}
}

// advance tries to enter a new round, folding the driver's certified and
// ordered frontiers into the sync info.
func (d *driver) advance(info liveness.SyncInfo) {
	if d.highestCertified > info.HighestCertifiedRound {
		info.HighestCertifiedRound = d.highestCertified
	}
	if d.highestOrdered > info.HighestOrderedRound {
		info.HighestOrderedRound = d.highestOrdered
	}

	d.onNewRound(d.state.ProcessCertificates(info))
}

// onNewRound reacts to entering a new round. Proposal and voting logic
// live outside this core; the driver just reports progress.
func (d *driver) onNewRound(event *liveness.NewRoundEvent) {
	if event == nil {
		return
	}

	logger.Info("entered round",
		"round", event.Round,
		"reason", event.Reason.String(),
		"timeout", event.Timeout,
		"prev_votes", len(event.PrevVotes),
	)
}

// onFetchDone runs when an anti-entropy fetch settles. A successful fetch
// replays the pending buffer; nodes still incomplete go back with a fresh
// request, failed fetches are dropped and re-issued by the next arrival.
func (d *driver) onFetchDone(err error) {
	if err != nil {
		logger.Debug("fetch settled with error", "error", err)
		return
	}

	for _, cn := range d.node.pending.Drain() {
		addErr := d.node.dagStore.AddNode(cn)
		if addErr == nil {
			d.onNodeAdded(cn.Node.Meta.Round)
			continue
		}

		var missing *dag.MissingParentsError
		if errors.As(addErr, &missing) && d.node.pending.Add(cn) {
			d.node.requestHistory(cn)
		}
	}
}

// voteMessage returns the bytes a validator signs for a vote.
func voteMessage(round types.Round, digest types.Hash) []byte {
	h := blake3.New()
	h.Write([]byte("kestrel-vote"))

	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], uint64(round))
	h.Write(scratch[:])
	h.Write(digest[:])

	var out [32]byte
	h.Sum(out[:0])

	return out[:]
}

// timeoutMessage returns the bytes a validator signs for a round timeout.
func timeoutMessage(epoch uint64, round types.Round, reason liveness.TimeoutReason) []byte {
	h := blake3.New()
	h.Write([]byte("kestrel-timeout"))

	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], epoch)
	h.Write(scratch[:])
	binary.BigEndian.PutUint64(scratch[:], uint64(round))
	h.Write(scratch[:])
	h.Write([]byte{byte(reason)})

	var out [32]byte
	h.Sum(out[:0])

	return out[:]
}

// roundAnchor derives the deterministic randomness slot digest of a round.
func roundAnchor(epoch uint64, round types.Round) types.Hash {
	h := blake3.New()
	h.Write([]byte("kestrel-round-anchor"))

	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], epoch)
	h.Write(scratch[:])
	binary.BigEndian.PutUint64(scratch[:], uint64(round))
	h.Write(scratch[:])

	var out types.Hash
	h.Sum(out[:0])

	return out
}
