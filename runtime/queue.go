package runtime

import (
	"channel-hub/domain"
	"context"
	"sync"
	"time"

	"github.com/samber/lo"
)

// Queue buffers envelopes for a long-polling client. Push never blocks and
// never fails. A nil envelope only wakes the listener up.
type Queue struct {
	mu     sync.Mutex
	items  []*domain.Envelope
	closed bool
	wake   chan struct{}
}

func NewQueue() *Queue {
	return &Queue{wake: make(chan struct{}, 1)}
}

func (q *Queue) Push(envs ...*domain.Envelope) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, envs...)
	q.mu.Unlock()
	q.signal()
}

func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
	q.signal()
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) ready() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed || len(q.items) > 0
}

func (q *Queue) take() []*domain.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// Wait blocks until something is queued or wakeAfter elapses. Once woken it
// waits for the drain window so that envelopes queued in quick succession
// are returned together.
func (q *Queue) Wait(ctx context.Context, wakeAfter, drain time.Duration) []*domain.Envelope {
	timer := time.NewTimer(wakeAfter)
	defer timer.Stop()

	for !q.ready() {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			return nil
		case <-q.wake:
		}
	}

	if drain > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(drain):
		}
	}
	return lo.Filter(q.take(), func(e *domain.Envelope, _ int) bool { return e != nil })
}
