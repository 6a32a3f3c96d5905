// Package queue gates admission to the session pool.
//
// A fixed number of requests may be in flight at once; the rest poll for a
// slot and are rejected once they have waited too long. This keeps a burst
// of API callers from stacking up behind the handful of browser sessions.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	. "github.com/roelfdiedericks/chatrelay/internal/logging"
	. "github.com/roelfdiedericks/chatrelay/internal/metrics"
)

// ErrTimeout is returned when a caller waited past the configured maximum.
// It maps to a client-visible rejection, not a server fault.
var ErrTimeout = errors.New("request timed out waiting in queue")

// Ticket is one caller's place in line
type Ticket string

// Queue is the bounded admission gate
type Queue struct {
	capacity     int
	maxWait      time.Duration
	pollInterval time.Duration

	mu      sync.Mutex
	waiting []Ticket
}

// New creates a queue admitting at most capacity concurrent requests
func New(capacity int, maxWait, pollInterval time.Duration) *Queue {
	return &Queue{
		capacity:     capacity,
		maxWait:      maxWait,
		pollInterval: pollInterval,
	}
}

// Enter blocks until the caller is admitted, then returns its ticket.
// Callers that wait longer than the configured maximum get ErrTimeout;
// a cancelled context returns ctx.Err(). Every admitted ticket must be
// handed back through Leave exactly once.
func (q *Queue) Enter(ctx context.Context) (Ticket, error) {
	ticket := Ticket(uuid.New().String())
	start := time.Now()

	for {
		q.mu.Lock()
		if len(q.waiting) < q.capacity {
			q.waiting = append(q.waiting, ticket)
			depth := len(q.waiting)
			q.mu.Unlock()
			MetricSet("queue/depth", int64(depth))
			MetricInc("queue/admitted")
			return ticket, nil
		}
		q.mu.Unlock()

		if time.Since(start) > q.maxWait {
			L_warn("queue: admission timed out", "ticket", string(ticket), "waited", time.Since(start))
			MetricInc("queue/timeouts")
			return "", ErrTimeout
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

// Leave removes the ticket from the queue. Safe to call for a ticket in any
// position; the ticket is guaranteed absent afterwards.
func (q *Queue) Leave(ticket Ticket) {
	q.mu.Lock()
	for i, t := range q.waiting {
		if t == ticket {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			break
		}
	}
	depth := len(q.waiting)
	q.mu.Unlock()

	MetricSet("queue/depth", int64(depth))
	L_debug("queue: request finished", "ticket", string(ticket), "depth", depth)
}

// Len returns the current number of admitted, unfinished tickets
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting)
}
