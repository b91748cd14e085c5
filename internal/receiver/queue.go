package receiver

import (
	"sync"
	"time"

	"receiverlink/internal/deferred"
)

// operation is one queued request awaiting its correlated reply.
type operation struct {
	name   string
	words  []string
	decode func(reply string) (string, error)
	result *deferred.Result[string]
}

func (op *operation) fail(err error) {
	op.result.Reject(err)
}

// opQueue is a bounded FIFO of operations. Each operation leaves the queue
// exactly once, either through pop or through drain.
type opQueue struct {
	ch chan *operation

	mu     sync.Mutex
	closed bool
}

func newOpQueue(size int) *opQueue {
	return &opQueue{ch: make(chan *operation, size)}
}

// push enqueues op. It fails once the queue is drained or when full.
func (q *opQueue) push(op *operation) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.ch <- op:
		return nil
	default:
		return ErrQueueFull
	}
}

// pop waits up to wait for the oldest operation. It returns early when
// stop is closed.
func (q *opQueue) pop(wait time.Duration, stop <-chan struct{}) (*operation, bool) {
	select {
	case op := <-q.ch:
		return op, true
	default:
	}
	if wait <= 0 {
		return nil, false
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case op := <-q.ch:
		return op, true
	case <-timer.C:
		return nil, false
	case <-stop:
		return nil, false
	}
}

// drain closes the queue to new operations and fails those still queued.
func (q *opQueue) drain(err error) int {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	n := 0
	for {
		select {
		case op := <-q.ch:
			op.fail(err)
			n++
		default:
			return n
		}
	}
}

func (q *opQueue) len() int {
	return len(q.ch)
}
