// Package browsertest provides a scripted in-memory PageDriver for tests.
package browsertest

import (
	"fmt"
	"sync"

	"github.com/roelfdiedericks/chatrelay/internal/browser"
)

// FakeElement is a scriptable element handle
type FakeElement struct {
	mu      sync.Mutex
	text    string
	value   string
	clicks  int
	removed bool

	ClickErr error
	OnClick  func()
}

// NewElement returns an element with the given visible text
func NewElement(text string) *FakeElement {
	return &FakeElement{text: text}
}

func (e *FakeElement) Text() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.text, nil
}

func (e *FakeElement) Click() error {
	e.mu.Lock()
	e.clicks++
	onClick := e.OnClick
	err := e.ClickErr
	e.mu.Unlock()

	if err != nil {
		return err
	}
	if onClick != nil {
		onClick()
	}
	return nil
}

func (e *FakeElement) SetValueAndNotify(value string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.value = value
	return nil
}

func (e *FakeElement) Remove() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = true
	return nil
}

// SetText changes the element's visible text
func (e *FakeElement) SetText(text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.text = text
}

// Value returns the last value assigned through SetValueAndNotify
func (e *FakeElement) Value() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value
}

// Clicks returns how many times the element was clicked
func (e *FakeElement) Clicks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clicks
}

// Removed reports whether Remove was called
func (e *FakeElement) Removed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.removed
}

// FakePage is a scriptable PageDriver backed by a selector map
type FakePage struct {
	mu        sync.Mutex
	alive     bool
	closed    bool
	navigated []string
	elements  map[string][]*FakeElement
	findErr   map[string]error

	// OnFind, when set, runs before each lookup so tests can advance
	// page state as the driver polls
	OnFind func(selector string)
}

// NewPage returns an empty, alive page
func NewPage() *FakePage {
	return &FakePage{
		alive:    true,
		elements: make(map[string][]*FakeElement),
		findErr:  make(map[string]error),
	}
}

func (p *FakePage) Navigate(url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("page is closed")
	}
	p.navigated = append(p.navigated, url)
	return nil
}

func (p *FakePage) FindAll(selector string) ([]browser.Element, error) {
	p.mu.Lock()
	onFind := p.OnFind
	p.mu.Unlock()
	if onFind != nil {
		onFind(selector)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.findErr[selector]; err != nil {
		return nil, err
	}
	els := p.elements[selector]
	out := make([]browser.Element, 0, len(els))
	for _, el := range els {
		out = append(out, el)
	}
	return out, nil
}

func (p *FakePage) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive && !p.closed
}

func (p *FakePage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// SetElements scripts the matches for a selector
func (p *FakePage) SetElements(selector string, els ...*FakeElement) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.elements[selector] = els
}

// SetFindErr makes lookups for selector fail
func (p *FakePage) SetFindErr(selector string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.findErr, selector)
	} else {
		p.findErr[selector] = err
	}
}

// SetAlive scripts the liveness probe
func (p *FakePage) SetAlive(alive bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alive = alive
}

// Closed reports whether Close was called
func (p *FakePage) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Navigated returns the URLs the page visited
func (p *FakePage) Navigated() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.navigated...)
}
