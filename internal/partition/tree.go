// Package partition implements the fixed fan-out routing tree: a
// read-only-shaped tree over the queue's hash partition space whose
// interior nodes track how many workers are waiting beneath them, so the
// matching engine can re-home an offer when its natural partition is idle
// but another one isn't.
package partition

import (
	"sync/atomic"
)

type node struct {
	waiting  atomic.Int64
	parent   *node
	children []*node
	index    int // position among its parent's children; Route breaks ties by slice order
}

// Tree is a fixed fan-out tree over N leaf partitions. N must be a power of
// fanout. It is built once at startup and never reshaped; only the waiting
// counters mutate afterward, lock-free.
type Tree struct {
	fanout int
	leaves []*node
	root   *node
}

// New builds a tree with leafCount leaves and the given fanout. leafCount
// must be a positive power of fanout (typical fanout 4).
func New(leafCount, fanout int) *Tree {
	if fanout < 2 {
		fanout = 2
	}
	if leafCount < 1 {
		leafCount = 1
	}

	leaves := make([]*node, leafCount)
	level := make([]*node, leafCount)
	for i := 0; i < leafCount; i++ {
		n := &node{index: i % fanout}
		leaves[i] = n
		level[i] = n
	}

	for len(level) > 1 {
		var next []*node
		for i := 0; i < len(level); i += fanout {
			end := i + fanout
			if end > len(level) {
				end = len(level)
			}
			parent := &node{index: len(next) % fanout}
			for j := i; j < end; j++ {
				level[j].parent = parent
				parent.children = append(parent.children, level[j])
			}
			next = append(next, parent)
		}
		level = next
	}

	root := level[0]
	return &Tree{fanout: fanout, leaves: leaves, root: root}
}

func (t *Tree) leaf(partition int) *node {
	if partition < 0 {
		partition = 0
	}
	if partition >= len(t.leaves) {
		partition = len(t.leaves) - 1
	}
	return t.leaves[partition]
}

// OnWorkerWait increments the leaf counter for partition and propagates the
// increment up to the root.
func (t *Tree) OnWorkerWait(partition int) {
	n := t.leaf(partition)
	for cur := n; cur != nil; cur = cur.parent {
		cur.waiting.Add(1)
	}
}

// OnWorkerLeave decrements the leaf counter for partition and propagates the
// decrement up to the root. It never drives a counter negative.
func (t *Tree) OnWorkerLeave(partition int) {
	n := t.leaf(partition)
	for cur := n; cur != nil; cur = cur.parent {
		for {
			v := cur.waiting.Load()
			if v <= 0 {
				break
			}
			if cur.waiting.CompareAndSwap(v, v-1) {
				break
			}
		}
	}
}

// Route traverses down from the root, at each interior node descending into
// the child with the greatest waiting count (ties broken by child index),
// and returns the leaf partition reached. If the root count is zero it
// returns partitionHint unchanged, so callers always get a valid partition
// back even with no waiters anywhere.
func (t *Tree) Route(partitionHint int) int {
	if t.root.waiting.Load() <= 0 {
		return partitionHint
	}

	cur := t.root
	for len(cur.children) > 0 {
		best := cur.children[0]
		bestWaiting := best.waiting.Load()
		for _, c := range cur.children[1:] {
			w := c.waiting.Load()
			if w > bestWaiting {
				best, bestWaiting = c, w
			}
		}
		if bestWaiting <= 0 {
			// Counters briefly inconsistent with waiter lists; a positive
			// root with no positive child is a benign miss.
			return partitionHint
		}
		cur = best
	}

	for i, l := range t.leaves {
		if l == cur {
			return i
		}
	}
	return partitionHint
}

// WaitingAt returns the current waiting-worker count for a single leaf
// partition.
func (t *Tree) WaitingAt(partition int) int64 {
	return t.leaf(partition).waiting.Load()
}

// RootWaiting returns the tree's total waiting-worker count; it converges
// to the true waiter count when no waiter operation is in flight.
func (t *Tree) RootWaiting() int64 {
	return t.root.waiting.Load()
}

// LeafCount returns the number of leaf partitions the tree was built with.
func (t *Tree) LeafCount() int {
	return len(t.leaves)
}
