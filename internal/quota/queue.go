package quota

import (
	"container/heap"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/state"
)

// DeferredCall is a provider call that could not get a permit and waits on
// the durable queue. Priority is descending: under scarce capacity the
// least important symbols miss their refresh first.
type DeferredCall struct {
	Endpoint   string    `json:"endpoint"`
	Symbol     string    `json:"symbol"`
	Priority   float64   `json:"priority"` // e.g. volume x open interest rank
	EnqueuedAt time.Time `json:"enqueued_at"`
}

type callHeap []DeferredCall

func (h callHeap) Len() int { return len(h) }
func (h callHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].EnqueuedAt.Before(h[j].EnqueuedAt)
}
func (h callHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *callHeap) Push(x any)   { *h = append(*h, x.(DeferredCall)) }
func (h *callHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

type queueState struct {
	Calls []DeferredCall `json:"calls"`
}

const queueSchemaVersion = 1

// DeferredQueue is the durable, priority-ordered holding pen for calls
// deferred under rate limiting. It persists on every mutation so a restart
// mid-cooldown replays exactly what was owed.
type DeferredQueue struct {
	mu    sync.Mutex
	heap  callHeap
	store *state.Store[queueState]
}

// NewDeferredQueue loads any persisted backlog from path.
func NewDeferredQueue(path string) *DeferredQueue {
	q := &DeferredQueue{
		store: state.NewStore[queueState](path, queueSchemaVersion, nil),
	}
	var persisted queueState
	loaded, err := q.store.LoadOrReset(&persisted)
	if err != nil {
		log.Error().Err(err).Msg("deferred queue reset to empty")
	}
	if loaded {
		q.heap = persisted.Calls
		heap.Init(&q.heap)
		log.Info().Int("backlog", len(q.heap)).Msg("restored deferred call backlog")
	}
	return q
}

// Enqueue adds a call and persists the backlog. A call for the same
// endpoint+symbol already queued is replaced, keeping the higher priority.
func (q *DeferredQueue) Enqueue(call DeferredCall) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.heap {
		if q.heap[i].Endpoint == call.Endpoint && q.heap[i].Symbol == call.Symbol {
			if call.Priority > q.heap[i].Priority {
				q.heap[i].Priority = call.Priority
				heap.Fix(&q.heap, i)
			}
			q.persistLocked()
			return
		}
	}

	heap.Push(&q.heap, call)
	q.persistLocked()
}

// Drain pops up to n calls in priority order and persists the remainder.
func (q *DeferredQueue) Drain(n int) []DeferredCall {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n > len(q.heap) {
		n = len(q.heap)
	}
	out := make([]DeferredCall, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, heap.Pop(&q.heap).(DeferredCall))
	}
	if len(out) > 0 {
		q.persistLocked()
	}
	return out
}

// Len returns the backlog size.
func (q *DeferredQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

func (q *DeferredQueue) persistLocked() {
	calls := make([]DeferredCall, len(q.heap))
	copy(calls, q.heap)
	if err := q.store.Save(&queueState{Calls: calls}); err != nil {
		log.Error().Err(err).Msg("failed to persist deferred queue")
	}
}
