package jobs

import (
	"context"
	"sync"
)

// MemoryQueue delivers jobs to consumers in-process. Delivery is
// synchronous inside Enqueue, which keeps tests deterministic.
type MemoryQueue struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	enqueued []*Job
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue creates an empty in-process queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{handlers: make(map[string][]Handler)}
}

// Enqueue records the job and delivers it to every consumer of its kind.
func (q *MemoryQueue) Enqueue(ctx context.Context, kind string, payload interface{}) error {
	job, err := newJob(kind, payload)
	if err != nil {
		return err
	}

	q.mu.Lock()
	q.enqueued = append(q.enqueued, job)
	handlers := append([]Handler(nil), q.handlers[kind]...)
	q.mu.Unlock()

	for _, h := range handlers {
		if err := h(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

// Consume registers a handler for a kind.
func (q *MemoryQueue) Consume(kind string, handler Handler) (Unsubscribe, error) {
	q.mu.Lock()
	q.handlers[kind] = append(q.handlers[kind], handler)
	q.mu.Unlock()
	return func() error { return nil }, nil
}

// Enqueued returns all jobs enqueued so far, for test assertions.
func (q *MemoryQueue) Enqueued(kind string) []*Job {
	q.mu.RLock()
	defer q.mu.RUnlock()
	var out []*Job
	for _, j := range q.enqueued {
		if j.Kind == kind {
			out = append(out, j)
		}
	}
	return out
}

// Close is a no-op.
func (q *MemoryQueue) Close() {}
