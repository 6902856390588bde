// Package deck holds the ordered stack of billet ids a user swipes through and
// the cursor pointing at the current candidate.
package deck

import (
	"context"
	"fmt"
	"sync"
)

// Loader returns the ordered billet ids of a fresh deck.
type Loader interface {
	LoadIDs(ctx context.Context) ([]string, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context) ([]string, error)

func (f LoaderFunc) LoadIDs(ctx context.Context) ([]string, error) { return f(ctx) }

// Deck is safe for concurrent use. The cursor never exceeds len(stack). It
// moves forward one step per decision and back one step per undo.
type Deck struct {
	loader Loader

	mu      sync.RWMutex
	stack   []string
	cursor  int
	lastErr error
}

// New creates an empty deck.
func New(loader Loader) *Deck {
	return &Deck{loader: loader}
}

// Fetch replaces the stack and resets the cursor. On failure the previous
// stack and cursor are kept and the error is remembered until the next
// successful fetch.
func (d *Deck) Fetch(ctx context.Context) error {
	ids, err := d.loader.LoadIDs(ctx)

	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil {
		d.lastErr = fmt.Errorf("fetching deck: %w", err)
		return d.lastErr
	}
	d.stack = append([]string(nil), ids...)
	d.cursor = 0
	d.lastErr = nil
	return nil
}

// Advance moves the cursor one position forward, capped at len(stack).
func (d *Deck) Advance() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cursor < len(d.stack) {
		d.cursor++
	}
}

// Back moves the cursor one position back and returns the billet id it now
// points at. It reports false at the start of the deck.
func (d *Deck) Back() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cursor == 0 {
		return "", false
	}
	d.cursor--
	return d.stack[d.cursor], true
}

// Current returns the billet id at the cursor, or false when exhausted.
func (d *Deck) Current() (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.cursor >= len(d.stack) {
		return "", false
	}
	return d.stack[d.cursor], true
}

// Cursor returns the current position.
func (d *Deck) Cursor() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cursor
}

// Stack returns a copy of the billet ids.
func (d *Deck) Stack() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.stack...)
}

func (d *Deck) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.stack)
}

// Exhausted reports whether every billet has been decided.
func (d *Deck) Exhausted() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cursor >= len(d.stack)
}

// Err returns the last fetch error, or nil after a successful fetch.
func (d *Deck) Err() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastErr
}

// Clear empties the deck.
func (d *Deck) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stack = nil
	d.cursor = 0
	d.lastErr = nil
}
