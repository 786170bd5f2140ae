package queue

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultVisibilityTimeout matches the SQS queue's default.
const DefaultVisibilityTimeout = 90 * time.Second

// MemoryQueue is an in-process Queue and Consumer. Delayed jobs are held on
// timers and become receivable when they fire. A received job that is not
// acked within the visibility timeout is made receivable again, the way SQS
// redelivers. Nothing survives a restart, so it is meant for local runs and
// tests; production uses SQS.
type MemoryQueue struct {
	ready      chan Message
	done       chan struct{}
	seq        atomic.Int64
	receipts   atomic.Int64
	now        func() time.Time
	visibility time.Duration

	mu       sync.Mutex
	timers   map[int64]*time.Timer
	inflight map[string]*time.Timer
	closed   bool
}

// NewMemoryQueue creates a queue that buffers up to size ready jobs. A zero
// visibility uses DefaultVisibilityTimeout.
func NewMemoryQueue(size int, visibility time.Duration) *MemoryQueue {
	if size <= 0 {
		size = 256
	}
	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}
	return &MemoryQueue{
		ready:      make(chan Message, size),
		done:       make(chan struct{}),
		now:        time.Now,
		visibility: visibility,
		timers:     make(map[int64]*time.Timer),
		inflight:   make(map[string]*time.Timer),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job Job, delay time.Duration) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}

	id := q.seq.Add(1)
	job.EnqueuedAt = q.now().UnixNano()
	msg := Message{ID: strconv.FormatInt(id, 10), Job: job}

	if delay > 0 {
		q.timers[id] = time.AfterFunc(delay, func() {
			q.mu.Lock()
			delete(q.timers, id)
			q.mu.Unlock()
			q.push(context.Background(), msg)
		})
		q.mu.Unlock()
		return nil
	}
	q.mu.Unlock()

	return q.push(ctx, msg)
}

func (q *MemoryQueue) push(ctx context.Context, msg Message) error {
	select {
	case q.ready <- msg:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive blocks until a job is ready. The returned message carries a
// receipt handle that Ack must be given before the visibility timeout.
func (q *MemoryQueue) Receive(ctx context.Context) ([]Message, error) {
	select {
	case msg := <-q.ready:
		return []Message{q.track(msg)}, nil
	case <-q.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *MemoryQueue) track(msg Message) Message {
	msg.Handle = "r" + strconv.FormatInt(q.receipts.Add(1), 10)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return msg
	}

	handle := msg.Handle
	q.inflight[handle] = time.AfterFunc(q.visibility, func() {
		q.mu.Lock()
		_, pending := q.inflight[handle]
		delete(q.inflight, handle)
		q.mu.Unlock()
		if pending {
			redelivered := msg
			redelivered.Handle = ""
			q.push(context.Background(), redelivered)
		}
	})
	return msg
}

// Ack removes a received job for good. Acking a handle whose visibility
// timeout already passed is a no-op; the job has been handed out again.
func (q *MemoryQueue) Ack(_ context.Context, msg Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok := q.inflight[msg.Handle]; ok {
		t.Stop()
		delete(q.inflight, msg.Handle)
	}
	return nil
}

// Scheduled returns the number of delayed jobs not yet ready.
func (q *MemoryQueue) Scheduled() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.timers)
}

// InFlight returns the number of received jobs not yet acked.
func (q *MemoryQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

// Close stops pending timers and wakes blocked receivers.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for id, t := range q.timers {
		t.Stop()
		delete(q.timers, id)
	}
	for handle, t := range q.inflight {
		t.Stop()
		delete(q.inflight, handle)
	}
	close(q.done)
}
