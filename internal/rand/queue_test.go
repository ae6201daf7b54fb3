package rand

import (
	"testing"

	"Kestrel/internal/types"
)

func pushBatch(q *BlockQueue, roundList ...types.Round) *QueueItem {
	metas := make([]Metadata, len(roundList))
	for i, r := range roundList {
		metas[i] = testMetadata(r)
	}
	item := NewQueueItem(metas)
	q.PushBack(item)
	return item
}

func TestQueueReleasesContiguousPrefix(t *testing.T) {
	q := NewBlockQueue()
	pushBatch(q, 1)
	pushBatch(q, 2, 3)
	pushBatch(q, 4)

	if got := q.DequeueReadyPrefix(); len(got) != 0 {
		t.Fatalf("dequeue with nothing decided returned %v", rounds(got))
	}

	// Deciding a later batch releases nothing while the head is blocked.
	q.SetRandomness(4, []byte("r4"))
	if got := q.DequeueReadyPrefix(); len(got) != 0 {
		t.Fatalf("dequeue with blocked head returned %v", rounds(got))
	}

	q.SetRandomness(1, []byte("r1"))
	got := q.DequeueReadyPrefix()
	if len(got) != 1 || got[0].Metadata.Round != 1 {
		t.Fatalf("dequeue returned %v, want [1]", rounds(got))
	}

	// The middle batch needs both of its rounds.
	q.SetRandomness(2, []byte("r2"))
	if got := q.DequeueReadyPrefix(); len(got) != 0 {
		t.Fatalf("dequeue with half-decided batch returned %v", rounds(got))
	}

	q.SetRandomness(3, []byte("r3"))
	got = q.DequeueReadyPrefix()
	if len(got) != 3 {
		t.Fatalf("dequeue returned %v, want [2 3 4]", rounds(got))
	}
	for i, want := range []types.Round{2, 3, 4} {
		if got[i].Metadata.Round != want {
			t.Errorf("released round[%d] = %d, want %d", i, got[i].Metadata.Round, want)
		}
	}

	if q.Len() != 0 {
		t.Errorf("queue holds %d items after full release, want 0", q.Len())
	}
}

func TestQueueSetRandomnessUnknownRound(t *testing.T) {
	q := NewBlockQueue()
	pushBatch(q, 1)

	// An unknown round is a no-op, not a panic.
	q.SetRandomness(42, []byte("x"))
	if got := q.DequeueReadyPrefix(); len(got) != 0 {
		t.Errorf("unknown round unblocked the queue: %v", rounds(got))
	}
}

func TestQueueSetRandomnessIsSticky(t *testing.T) {
	q := NewBlockQueue()
	pushBatch(q, 1, 2)

	q.SetRandomness(1, []byte("first"))
	q.SetRandomness(1, []byte("second"))
	q.SetRandomness(2, []byte("r2"))

	got := q.DequeueReadyPrefix()
	if len(got) != 2 {
		t.Fatalf("dequeue returned %v, want [1 2]", rounds(got))
	}
	if string(got[0].Randomness) != "first" {
		t.Errorf("round 1 randomness = %q, want %q", got[0].Randomness, "first")
	}
}

func TestQueueItemAllMetadata(t *testing.T) {
	metas := []Metadata{testMetadata(7), testMetadata(9)}
	item := NewQueueItem(metas)

	got := item.AllMetadata()
	if len(got) != 2 || got[0].Round != 7 || got[1].Round != 9 {
		t.Errorf("AllMetadata returned %v", got)
	}
}

func TestQueueDequeueIdempotentWhenEmpty(t *testing.T) {
	q := NewBlockQueue()
	if got := q.DequeueReadyPrefix(); got != nil {
		t.Errorf("empty queue dequeued %v", rounds(got))
	}
}
