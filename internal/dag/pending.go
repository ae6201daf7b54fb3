package dag

import (
	"sort"
	"sync"

	"Kestrel/internal/types"
)

// PendingNodes buffers certified nodes that could not be inserted yet
// because their parents have not arrived. It deduplicates by digest.
type PendingNodes struct {
	mu    sync.RWMutex
	nodes map[types.Hash]*CertifiedNode
}

// NewPendingNodes creates an empty buffer.
func NewPendingNodes() *PendingNodes {
	return &PendingNodes{
		nodes: make(map[types.Hash]*CertifiedNode),
	}
}

// Add stores a node in the buffer.
// Returns true if the node was new, false if it was a duplicate.
func (b *PendingNodes) Add(cn *CertifiedNode) bool {
	digest := cn.Node.Meta.Digest

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.nodes[digest]; exists {
		return false
	}

	b.nodes[digest] = cn
	return true
}

// Len returns the number of buffered nodes.
func (b *PendingNodes) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.nodes)
}

// Drain removes and returns all buffered nodes ordered by ascending
// round, so parents come before children on re-insertion.
func (b *PendingNodes) Drain() []*CertifiedNode {
	b.mu.Lock()
	defer b.mu.Unlock()

	result := make([]*CertifiedNode, 0, len(b.nodes))
	for _, cn := range b.nodes {
		result = append(result, cn)
	}
	b.nodes = make(map[types.Hash]*CertifiedNode)

	sort.Slice(result, func(i, j int) bool {
		return result[i].Node.Meta.Round < result[j].Node.Meta.Round
	})

	return result
}
