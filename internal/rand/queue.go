package rand

import (
	"Kestrel/internal/types"
)

// Block is one ordered block waiting for its randomness.
type Block struct {
	Metadata   Metadata
	Randomness []byte
}

// QueueItem is a batch of ordered blocks that must be released together,
// and only once every block in it has randomness.
type QueueItem struct {
	blocks    []*Block
	undecided int
}

// NewQueueItem creates a queue item for blocks with the given metadata,
// in order.
func NewQueueItem(metas []Metadata) *QueueItem {
	blocks := make([]*Block, len(metas))
	for i, md := range metas {
		blocks[i] = &Block{Metadata: md}
	}

	return &QueueItem{blocks: blocks, undecided: len(blocks)}
}

// AllMetadata returns the metadata of every block in the item.
func (q *QueueItem) AllMetadata() []Metadata {
	metas := make([]Metadata, len(q.blocks))
	for i, b := range q.blocks {
		metas[i] = b.Metadata
	}

	return metas
}

// setRandomness fills the randomness of the block at the given round.
// Later assignments to an already-filled block are ignored.
func (q *QueueItem) setRandomness(round types.Round, randomness []byte) {
	for _, b := range q.blocks {
		if b.Metadata.Round != round || b.Randomness != nil {
			continue
		}
		b.Randomness = randomness
		q.undecided--
	}
}

// fullyDecided reports whether every block in the item has randomness.
func (q *QueueItem) fullyDecided() bool {
	return q.undecided == 0
}

// BlockQueue holds ordered blocks until their randomness resolves.
// Release is strictly in queue order: one unresolved block holds back
// everything behind it.
type BlockQueue struct {
	items   []*QueueItem
	byRound map[types.Round]*QueueItem
}

// NewBlockQueue creates an empty queue.
func NewBlockQueue() *BlockQueue {
	return &BlockQueue{
		byRound: make(map[types.Round]*QueueItem),
	}
}

// PushBack appends an item to the queue.
func (q *BlockQueue) PushBack(item *QueueItem) {
	q.items = append(q.items, item)
	for _, b := range item.blocks {
		q.byRound[b.Metadata.Round] = item
	}
}

// SetRandomness assigns randomness to the queued block of the given
// round. A no-op if no queued block needs it.
func (q *BlockQueue) SetRandomness(round types.Round, randomness []byte) {
	item, exists := q.byRound[round]
	if !exists {
		return
	}

	item.setRandomness(round, randomness)
}

// DequeueReadyPrefix pops the maximal prefix of fully-decided items and
// returns their blocks in order. An unresolved item stops the scan, so
// blocks are always released in the order they were enqueued.
func (q *BlockQueue) DequeueReadyPrefix() []*Block {
	var released []*Block

	for len(q.items) > 0 && q.items[0].fullyDecided() {
		item := q.items[0]
		q.items = q.items[1:]

		for _, b := range item.blocks {
			delete(q.byRound, b.Metadata.Round)
			released = append(released, b)
		}
	}

	return released
}

// Len returns the number of queued items.
func (q *BlockQueue) Len() int {
	return len(q.items)
}
