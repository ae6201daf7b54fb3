package network

import (
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

// dedupRotate is how often the seen-set generations rotate. A frame is
// remembered for at least one and at most two rotations.
const dedupRotate = 3 * time.Second

// dedup suppresses re-delivery of frames the node already dispatched.
// Gossip relays the same frame along many paths; only the first copy may
// reach the subscribers. Seen hashes live in two generations and rotation
// discards the older generation wholesale, so there is no per-entry
// timestamp bookkeeping.
type dedup struct {
	mu    sync.Mutex
	fresh map[[32]byte]struct{}
	stale map[[32]byte]struct{}

	stop chan struct{}
	wg   sync.WaitGroup
}

func newDedup() *dedup {
	d := &dedup{
		fresh: make(map[[32]byte]struct{}),
		stale: make(map[[32]byte]struct{}),
		stop:  make(chan struct{}),
	}

	d.wg.Add(1)
	go d.rotateLoop()

	return d
}

// check reports whether the frame is new, recording it when it is.
func (d *dedup) check(wire []byte) bool {
	sum := blake3.Sum256(wire)

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.fresh[sum]; ok {
		return false
	}
	if _, ok := d.stale[sum]; ok {
		return false
	}

	d.fresh[sum] = struct{}{}

	return true
}

// rotate ages the fresh generation out and starts an empty one.
func (d *dedup) rotate() {
	d.mu.Lock()
	d.stale = d.fresh
	d.fresh = make(map[[32]byte]struct{})
	d.mu.Unlock()
}

func (d *dedup) rotateLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(dedupRotate)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.rotate()
		case <-d.stop:
			return
		}
	}
}

func (d *dedup) close() {
	close(d.stop)
	d.wg.Wait()
}
