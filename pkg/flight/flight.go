// Package flight collapses concurrent requests for the same canonical URL
// into one download. The first claimant becomes the leader and does the
// work; everyone else blocks on the same call and receives the leader's
// result. A waiter abandoning its wait never cancels the leader.
package flight

import (
	"context"
	"errors"
	"sync"

	"github.com/dreamcatchered/dreamDownloader/pkg/store"
)

// ErrDeferred is returned to a waiter whose deadline expired while the
// leader is still working. The call itself keeps running.
var ErrDeferred = errors.New("result deferred: download still in progress")

// Result is what a completed call hands to every waiter.
type Result struct {
	TransportIDs []string
	Kind         store.MediaKind
	CacheID      int64
}

// Call is one in-flight download shared by all claimants of a URL.
type Call struct {
	done chan struct{}
	once sync.Once

	res Result
	err error
}

// Wait blocks until the call completes or ctx expires. Expiry yields
// ErrDeferred; the underlying work is unaffected.
func (c *Call) Wait(ctx context.Context) (Result, error) {
	select {
	case <-c.done:
		return c.res, c.err
	case <-ctx.Done():
		return Result{}, ErrDeferred
	}
}

// Done exposes the completion channel for select-based waiters.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Result returns the outcome after Done is closed. Calling it earlier
// races with the leader.
func (c *Call) Result() (Result, error) {
	return c.res, c.err
}

// Registry tracks in-flight calls keyed by canonical URL.
type Registry struct {
	mu    sync.Mutex
	calls map[string]*Call
}

func NewRegistry() *Registry {
	return &Registry{calls: make(map[string]*Call)}
}

// Claim returns the call for a key. The boolean reports leadership: true
// means the caller must do the work and Fulfill the call, false means it
// should Wait.
func (r *Registry) Claim(key string) (*Call, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.calls[key]; ok {
		return c, false
	}
	c := &Call{done: make(chan struct{})}
	r.calls[key] = c
	return c, true
}

// Fulfill publishes the result, wakes every waiter and retires the key.
// Only the first call has any effect.
func (r *Registry) Fulfill(key string, c *Call, res Result, err error) {
	c.once.Do(func() {
		c.res = res
		c.err = err

		r.mu.Lock()
		delete(r.calls, key)
		r.mu.Unlock()

		close(c.done)
	})
}

// Len reports the number of in-flight calls. The sweeper uses it to tell
// idle from busy.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}
