// Package pool manages the fixed set of browser sessions shared by all
// API requests.
//
// Sessions are checked out exclusively for one conversation turn and
// returned afterwards. A burst beyond the pool size creates temporary
// overflow sessions that are destroyed on return instead of pooled.
package pool

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/roelfdiedericks/chatrelay/internal/browser"
	. "github.com/roelfdiedericks/chatrelay/internal/logging"
	. "github.com/roelfdiedericks/chatrelay/internal/metrics"
)

// Factory creates one session driver, navigated to the chat page and
// (best-effort) ready for input. Readiness failures are the factory's to
// absorb: a logged-in-but-slow page is still a usable session.
type Factory func() (browser.PageDriver, error)

// Session is one checked-out-able browser tab
type Session struct {
	ID     string
	Driver browser.PageDriver
}

// Pool owns the idle sessions
type Pool struct {
	size          int
	sweepSchedule string
	factory       Factory

	mu     sync.Mutex
	idle   []*Session
	closed bool

	cron *cron.Cron
}

// New creates a pool of the given size. Call Start to populate it.
func New(size int, sweepSchedule string, factory Factory) *Pool {
	return &Pool{
		size:          size,
		sweepSchedule: sweepSchedule,
		factory:       factory,
	}
}

// Start eagerly creates the configured number of sessions and schedules
// the liveness sweep.
func (p *Pool) Start() error {
	for i := 0; i < p.size; i++ {
		sess, err := p.newSession()
		if err != nil {
			return fmt.Errorf("failed to create initial session %d: %w", i, err)
		}
		p.mu.Lock()
		p.idle = append(p.idle, sess)
		p.mu.Unlock()
	}
	MetricSet("pool/idle", int64(p.size))
	L_info("pool: initialized", "size", p.size)

	if p.sweepSchedule != "" {
		p.cron = cron.New()
		if _, err := p.cron.AddFunc(p.sweepSchedule, p.Sweep); err != nil {
			return fmt.Errorf("invalid sweep schedule %q: %w", p.sweepSchedule, err)
		}
		p.cron.Start()
		L_debug("pool: liveness sweep scheduled", "schedule", p.sweepSchedule)
	}

	return nil
}

func (p *Pool) newSession() (*Session, error) {
	driver, err := p.factory()
	if err != nil {
		return nil, err
	}
	sess := &Session{
		ID:     uuid.New().String()[:8],
		Driver: driver,
	}
	MetricInc("pool/created")
	L_debug("pool: session created", "session", sess.ID)
	return sess, nil
}

// Acquire returns an idle session, or creates a fresh overflow one when the
// pool is empty. No liveness check happens here: a dead session surfaces
// through the turn's own retries.
func (p *Pool) Acquire() (*Session, error) {
	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		sess := p.idle[n-1]
		p.idle = p.idle[:n-1]
		depth := len(p.idle)
		p.mu.Unlock()
		MetricSet("pool/idle", int64(depth))
		L_debug("pool: session acquired", "session", sess.ID, "idle", depth)
		return sess, nil
	}
	p.mu.Unlock()

	// Session creation is slow; done outside the lock since the overflow
	// session never touches pool state until it is released.
	L_info("pool: empty, creating overflow session")
	MetricInc("pool/overflow")
	return p.newSession()
}

// Release hands a session back. It is pooled if there is room and the pool
// is still open, destroyed otherwise. Safe to call with sessions the pool
// never created.
func (p *Pool) Release(sess *Session) {
	if sess == nil {
		return
	}

	p.mu.Lock()
	if !p.closed && len(p.idle) < p.size {
		p.idle = append(p.idle, sess)
		depth := len(p.idle)
		p.mu.Unlock()
		MetricSet("pool/idle", int64(depth))
		L_debug("pool: session returned", "session", sess.ID, "idle", depth)
		return
	}
	p.mu.Unlock()

	p.destroy(sess)
}

// Discard destroys a session instead of returning it, for callers that
// know the session is no longer usable.
func (p *Pool) Discard(sess *Session) {
	if sess == nil {
		return
	}
	L_warn("pool: discarding session", "session", sess.ID)
	p.destroy(sess)
}

func (p *Pool) destroy(sess *Session) {
	if err := sess.Driver.Close(); err != nil {
		L_warn("pool: session close failed", "session", sess.ID, "error", err)
	}
	MetricInc("pool/destroyed")
	L_debug("pool: session destroyed", "session", sess.ID)
}

// Sweep probes every idle session and drops the dead ones. Advisory
// cleanup: acquire and release stay correct without it.
func (p *Pool) Sweep() {
	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.idle[:0]
	for _, sess := range p.idle {
		if sess.Driver.Alive() {
			kept = append(kept, sess)
			continue
		}
		L_warn("pool: sweep found dead session", "session", sess.ID)
		if err := sess.Driver.Close(); err != nil {
			L_debug("pool: dead session close failed", "session", sess.ID, "error", err)
		}
		MetricInc("pool/swept")
	}
	p.idle = kept
	MetricSet("pool/idle", int64(len(p.idle)))
}

// IdleCount returns the number of sessions currently idle in the pool
func (p *Pool) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Close destroys every idle session and marks the pool closed; sessions
// released after this point are destroyed instead of pooled, so in-flight
// turns drain cleanly.
func (p *Pool) Close() {
	if p.cron != nil {
		p.cron.Stop()
	}

	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, sess := range idle {
		p.destroy(sess)
	}
	MetricSet("pool/idle", 0)
	L_info("pool: closed", "destroyed", len(idle))
}
