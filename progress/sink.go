// Package progress defines the monotonic byte-counter sink the core
// reports transfer progress through (spec §6). Rendering is an external
// collaborator: this module never prints anything itself.
package progress

import "sync/atomic"

// Sink receives transfer progress. Implementations must be non-blocking
// and safe for concurrent use — workers call Add from many goroutines.
type Sink interface {
	Add(bytes int64)
	SetTotal(bytes int64)
}

// Nop discards all progress, for callers that don't care.
type Nop struct{}

// Add implements Sink.
func (Nop) Add(int64) {}

// SetTotal implements Sink.
func (Nop) SetTotal(int64) {}

// Counter is a simple in-memory Sink, useful for tests and for embedding
// in a richer renderer.
type Counter struct {
	total int64
	done  int64
}

// Add implements Sink.
func (c *Counter) Add(n int64) { atomic.AddInt64(&c.done, n) }

// SetTotal implements Sink.
func (c *Counter) SetTotal(n int64) { atomic.StoreInt64(&c.total, n) }

// Done returns bytes reported so far.
func (c *Counter) Done() int64 { return atomic.LoadInt64(&c.done) }

// Total returns the last total set.
func (c *Counter) Total() int64 { return atomic.LoadInt64(&c.total) }
