package approval

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Pending is a request waiting for an operator.
type Pending struct {
	ID      string
	Request Request
	AskedAt time.Time
}

// Queue parks requests until Answer is called with their id. Several
// requests may be pending at once (one per concurrently running thread).
type Queue struct {
	// OnPending, when set, is called (without locks held) for every new request.
	OnPending func(Pending)

	mu       sync.Mutex
	pending  map[string]*parked
	seq      uint64
	cancelCh chan struct{}
}

type parked struct {
	Pending
	answerCh chan Decision
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{
		pending:  make(map[string]*parked),
		cancelCh: make(chan struct{}),
	}
}

// Name returns "operator".
func (q *Queue) Name() string { return "operator" }

// Request parks req and blocks until it is answered, ctx ends or the queue is cancelled.
func (q *Queue) Request(ctx context.Context, req Request) (Decision, error) {
	q.mu.Lock()
	q.seq++
	id := fmt.Sprintf("a-%d", q.seq)
	p := &parked{
		Pending:  Pending{ID: id, Request: req, AskedAt: time.Now().UTC()},
		answerCh: make(chan Decision, 1),
	}
	q.pending[id] = p
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		delete(q.pending, id)
		q.mu.Unlock()
	}()

	if q.OnPending != nil {
		q.OnPending(p.Pending)
	}

	select {
	case d := <-p.answerCh:
		return d, nil
	case <-ctx.Done():
		return Deny(q.Name(), "no decision: "+ctx.Err().Error()), nil
	case <-q.cancelCh:
		return Deny(q.Name(), "approval queue closed"), nil
	}
}

// Pending lists parked requests, oldest first.
func (q *Queue) Pending() []Pending {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Pending, 0, len(q.pending))
	for _, p := range q.pending {
		out = append(out, p.Pending)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].AskedAt.Before(out[j].AskedAt) || (out[i].AskedAt.Equal(out[j].AskedAt) && out[i].ID < out[j].ID)
	})
	return out
}

// Answer delivers a decision. It returns false for unknown or already
// answered ids, so duplicate answers are ignored.
func (q *Queue) Answer(id string, d Decision) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.pending[id]
	if !ok {
		return false
	}
	select {
	case p.answerCh <- d:
		delete(q.pending, id)
		return true
	default:
		return false
	}
}

// Cancel denies every in-flight request. Safe to call multiple times.
func (q *Queue) Cancel() {
	q.mu.Lock()
	defer q.mu.Unlock()
	select {
	case <-q.cancelCh:
	default:
		close(q.cancelCh)
	}
}
