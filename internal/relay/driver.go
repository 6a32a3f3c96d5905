// Package relay drives one conversation turn against an acquired browser
// session: reset to a fresh conversation, suppress the injected greeting,
// submit the prompt, then observe the reply either whole or as a stream
// of deltas.
package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roelfdiedericks/chatrelay/internal/browser"
	"github.com/roelfdiedericks/chatrelay/internal/config"
	. "github.com/roelfdiedericks/chatrelay/internal/logging"
	. "github.com/roelfdiedericks/chatrelay/internal/metrics"
	"github.com/roelfdiedericks/chatrelay/internal/text"
)

// ErrSessionDead marks a session whose underlying tab no longer responds.
// The handler destroys such a session instead of pooling it.
var ErrSessionDead = errors.New("browser session is dead")

var errNotFound = errors.New("element not found")

// Driver runs conversation turns on one page
type Driver struct {
	page  browser.PageDriver
	sel   config.PageConfig
	poll  time.Duration
	find  time.Duration
	retry RetryPolicy
}

// New creates a driver for the given page
func New(page browser.PageDriver, sel config.PageConfig, cfg config.RelayConfig) *Driver {
	return &Driver{
		page: page,
		sel:  sel,
		poll: cfg.PollInterval.D(),
		find: cfg.FindTimeout.D(),
		retry: RetryPolicy{
			MaxAttempts: cfg.RetryMax,
			Delay:       cfg.RetryDelay.D(),
			// A cancelled request is not a flaky page
			Classify: func(err error) bool {
				return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
			},
		},
	}
}

// Turn is one in-flight prompt/response exchange. Single use.
type Turn struct {
	d *Driver
}

// StartTurn resets the page to a new conversation, clears the injected
// greeting and submits the prompt. The reply is then observed through the
// returned Turn.
func (d *Driver) StartTurn(ctx context.Context, prompt string) (*Turn, error) {
	start := time.Now()

	if err := d.step(ctx, "reset", d.reset); err != nil {
		return nil, err
	}
	if err := d.step(ctx, "suppress greeting", d.suppressGreeting); err != nil {
		return nil, err
	}
	if err := d.step(ctx, "submit", func(ctx context.Context) error {
		return d.submit(ctx, prompt)
	}); err != nil {
		return nil, err
	}

	MetricSince("relay/start_turn", start)
	return &Turn{d: d}, nil
}

// step wraps one turn phase in the retry policy. When the budget is spent
// it probes the session so a crashed tab is reported as dead rather than
// as yet another flaky element lookup.
func (d *Driver) step(ctx context.Context, name string, fn func(context.Context) error) error {
	err := d.retry.Do(name, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fn(ctx)
	})
	if err == nil {
		return nil
	}
	if ctx.Err() == nil && !d.page.Alive() {
		return fmt.Errorf("%s: %w", name, ErrSessionDead)
	}
	return err
}

// reset starts a new conversation and lets the UI settle
func (d *Driver) reset(ctx context.Context) error {
	btn, err := d.waitForOne(ctx, d.sel.NewChatSelector)
	if err != nil {
		return err
	}
	if err := btn.Click(); err != nil {
		return fmt.Errorf("new chat click failed: %w", err)
	}
	sleepCtx(ctx, 300*time.Millisecond)
	return nil
}

// suppressGreeting removes the auto-injected greeting so it cannot be
// mistaken for the assistant's reply. Absence is fine.
func (d *Driver) suppressGreeting(ctx context.Context) error {
	sleepCtx(ctx, 500*time.Millisecond)
	els, err := d.page.FindAll(d.sel.GreetingSelector)
	if err != nil {
		return err
	}
	for _, el := range els {
		if err := el.Remove(); err != nil {
			L_debug("relay: greeting removal failed", "error", err)
		}
	}
	return nil
}

// submit writes the prompt into the input and activates the send control.
// The value is assigned directly with a synthetic input event; the page
// does not require typed keystrokes.
func (d *Driver) submit(ctx context.Context, prompt string) error {
	input, err := d.waitForOne(ctx, d.sel.InputSelector)
	if err != nil {
		return err
	}
	if err := input.SetValueAndNotify(text.Sanitize(prompt)); err != nil {
		return fmt.Errorf("prompt input failed: %w", err)
	}

	send, err := d.waitForOne(ctx, d.sel.SendSelector)
	if err != nil {
		return err
	}
	if err := send.Click(); err != nil {
		return fmt.Errorf("send click failed: %w", err)
	}
	return nil
}

// CollectFull blocks until the reply is complete, then returns its text
func (t *Turn) CollectFull(ctx context.Context) (string, error) {
	d := t.d
	var reply string

	err := d.step(ctx, "observe", func(ctx context.Context) error {
		// The send control re-enters its disabled state when generation
		// has finished
		if _, err := d.waitForOne(ctx, d.sel.SendDisabledSelector); err != nil {
			return err
		}

		body, found, err := d.replyText()
		if err != nil {
			return err
		}
		if !found || body == "" {
			return fmt.Errorf("reply container: %w", errNotFound)
		}
		reply = body
		return nil
	})
	if err != nil {
		return "", err
	}

	MetricInc("relay/turns")
	return reply, nil
}

// Stream polls the page and emits the reply as it grows: one opening
// event, suffix deltas, then a terminal event. The channel closes when the
// turn is done or fails; the stream is single pass and cannot be replayed.
func (t *Turn) Stream(ctx context.Context) <-chan Event {
	d := t.d
	ch := make(chan Event)

	go func() {
		defer close(ch)

		engine := NewEngine()
		failures := 0

		for {
			snap, snapErr := d.snapshot()
			if snapErr != nil {
				// A flaky poll reads as "no change"; a run of them past
				// the retry budget ends the stream
				failures++
				if failures > d.retry.MaxAttempts {
					err := fmt.Errorf("observe failed after %d attempts: %w", failures, snapErr)
					if !d.page.Alive() {
						err = fmt.Errorf("stream: %w", ErrSessionDead)
					}
					ch <- Event{Type: EventError, Err: err}
					return
				}
			} else {
				failures = 0
			}

			events, err := engine.Tick(snap)
			for _, ev := range events {
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				ch <- Event{Type: EventError, Err: err}
				return
			}
			if engine.State() == StateDone {
				MetricInc("relay/turns")
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(d.poll):
			}
		}
	}()

	return ch
}

// snapshot reads the page once: latest reply text plus terminal state
func (d *Driver) snapshot() (Snapshot, error) {
	var snap Snapshot

	body, found, err := d.replyText()
	if err != nil {
		return snap, err
	}
	snap.Text = body
	snap.TextFound = found

	done, err := d.page.FindAll(d.sel.SendDisabledSelector)
	if err != nil {
		return snap, err
	}
	snap.Terminal = len(done) > 0

	return snap, nil
}

// replyText returns the visible text of the latest reply container
func (d *Driver) replyText() (string, bool, error) {
	els, err := d.page.FindAll(d.sel.ReplySelector)
	if err != nil {
		return "", false, err
	}
	if len(els) == 0 {
		return "", false, nil
	}
	body, err := els[len(els)-1].Text()
	if err != nil {
		return "", false, err
	}
	return body, true, nil
}

// waitForOne polls for selector until a match appears or the find timeout
// passes, returning the first match.
func (d *Driver) waitForOne(ctx context.Context, selector string) (browser.Element, error) {
	deadline := time.Now().Add(d.find)
	for {
		els, err := d.page.FindAll(selector)
		if err == nil && len(els) > 0 {
			return els[0], nil
		}
		if time.Now().After(deadline) {
			if err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("%q: %w", selector, errNotFound)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d.poll):
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
