package workflow

import (
	"container/heap"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"sync"

	"github.com/cortexflow/engine/taskcontext"
)

// WorkItem is a schedulable unit of work in the execution frontier: a node
// to run, the context to run it with, and provenance for deterministic
// ordering. Adapted from the teacher's WorkItem[S] (graph/scheduler.go),
// generalized from a generic state snapshot to a *taskcontext.TaskContext
// plus a branch-relative ParentNodeID/EdgeIndex pair used for the parallel
// join tie-break in spec §4.4.7.
type WorkItem struct {
	OrderKey     uint64
	NodeID       string
	Context      *taskcontext.TaskContext
	Attempt      int
	ParentNodeID string
	EdgeIndex    int
}

// ComputeOrderKey generates a deterministic sort key from the parent node
// id and edge index so that concurrent completion never perturbs replay
// order (teacher: graph/scheduler.go ComputeOrderKey).
func ComputeOrderKey(parentNodeID string, edgeIndex int) uint64 {
	h := sha256.New()
	h.Write([]byte(parentNodeID))
	edgeBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(edgeBytes, uint32(edgeIndex))
	h.Write(edgeBytes)
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}

type workHeap []WorkItem

func (h workHeap) Len() int            { return len(h) }
func (h workHeap) Less(i, j int) bool  { return h[i].OrderKey < h[j].OrderKey }
func (h workHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *workHeap) Push(x interface{}) { *h = append(*h, x.(WorkItem)) }
func (h *workHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Frontier is the bounded, deterministically-ordered work queue driving
// concurrent node execution (teacher: graph/scheduler.go Frontier[S]). A
// heap keeps items sorted by OrderKey; a buffered channel provides
// capacity-bounded backpressure and lets Enqueue/Dequeue select on ctx
// cancellation without busy-waiting.
type Frontier struct {
	mu    sync.Mutex
	heap  workHeap
	ready chan struct{}
	cap   int
}

// NewFrontier creates an empty frontier bounded to capacity items (0 means
// unbounded).
func NewFrontier(capacity int) *Frontier {
	f := &Frontier{cap: capacity, ready: make(chan struct{}, 1)}
	heap.Init(&f.heap)
	return f
}

func (f *Frontier) signal() {
	select {
	case f.ready <- struct{}{}:
	default:
	}
}

// Enqueue adds an item, blocking while the frontier is at capacity unless
// ctx is cancelled first.
func (f *Frontier) Enqueue(ctx context.Context, item WorkItem) error {
	for {
		f.mu.Lock()
		if f.cap == 0 || len(f.heap) < f.cap {
			heap.Push(&f.heap, item)
			f.mu.Unlock()
			f.signal()
			return nil
		}
		f.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.ready:
			f.signal() // let any other waiter re-check too
		}
	}
}

// Dequeue removes and returns the item with the smallest OrderKey,
// blocking until one is available or ctx is cancelled.
func (f *Frontier) Dequeue(ctx context.Context) (WorkItem, bool) {
	for {
		f.mu.Lock()
		if len(f.heap) > 0 {
			item := heap.Pop(&f.heap).(WorkItem)
			f.mu.Unlock()
			f.signal()
			return item, true
		}
		f.mu.Unlock()

		select {
		case <-ctx.Done():
			return WorkItem{}, false
		case <-f.ready:
		}
	}
}

// Len reports the current queue depth.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.heap)
}
