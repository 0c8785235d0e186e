// Package flight serializes work per content key. Only one holder of a key
// runs at a time; later callers for the same key wait their turn, while
// callers for other keys proceed independently.
package flight

import (
	"context"
	"sync"

	"github.com/obot-platform/scriptsmith/server/internal/contentkey"
)

// Group maps keys to reference-counted locks. A lock is created on first
// Acquire and removed once no holder or waiter references it.
// The zero value is ready to use.
type Group struct {
	mu      sync.Mutex
	entries map[contentkey.Key]*entry
}

type entry struct {
	sem  chan struct{} // capacity 1; a send takes the lock
	refs int           // holder plus waiters
}

// Acquire blocks until the caller holds key or ctx is done. The returned
// release func must be called exactly once on every path; extra calls are
// no-ops.
func (g *Group) Acquire(ctx context.Context, key contentkey.Key) (func(), error) {
	e := g.ref(key)

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		g.unref(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			g.unref(key, e)
		})
	}, nil
}

// Len returns the number of live key locks.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

func (g *Group) ref(key contentkey.Key) *entry {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.entries == nil {
		g.entries = make(map[contentkey.Key]*entry)
	}
	e, ok := g.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		g.entries[key] = e
	}
	e.refs++
	return e
}

func (g *Group) unref(key contentkey.Key, e *entry) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(g.entries, key)
	}
}
