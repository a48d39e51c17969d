// Package retry implements the exponential-backoff-with-jitter harness
// around idempotent operations (spec §4.H, §7). The decay/attack state
// machine and connection-token gating are grounded on
// backend/../lib/pacer's Pacer/Default (observed through its retained
// tests: pacer_test.go's TestDecay/TestAttack/TestBeginCall and
// tokens_test.go's TestTokenDispenser), and the call-site idiom
// (`f.pacer.Call(func() (bool, error) { ... })`) is grounded on every
// xpan.go/b2/upload.go API call.
package retry

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// State is the pacer's mutable backoff state.
type State struct {
	SleepTime          time.Duration
	ConsecutiveRetries int
}

// Calculator computes the next sleep time from the current state.
type Calculator interface {
	Calculate(State) time.Duration
}

// Default is the decay/attack calculator: sleep time decays geometrically
// toward minSleep on success and grows geometrically toward maxSleep on
// error.
type Default struct {
	minSleep, maxSleep            time.Duration
	decayConstant, attackConstant uint
}

// DefaultOption configures a Default calculator.
type DefaultOption func(*Default)

// MinSleep sets the floor sleep time.
func MinSleep(d time.Duration) DefaultOption { return func(c *Default) { c.minSleep = d } }

// MaxSleep sets the ceiling sleep time.
func MaxSleep(d time.Duration) DefaultOption { return func(c *Default) { c.maxSleep = d } }

// DecayConstant sets how fast the sleep time decays on success; bigger is
// slower decay.
func DecayConstant(k uint) DefaultOption { return func(c *Default) { c.decayConstant = k } }

// AttackConstant sets how fast the sleep time grows on error; bigger is
// slower growth. 0 jumps straight to maxSleep.
func AttackConstant(k uint) DefaultOption { return func(c *Default) { c.attackConstant = k } }

// NewDefault builds a Default calculator.
func NewDefault(opts ...DefaultOption) *Default {
	c := &Default{
		minSleep:      10 * time.Millisecond,
		maxSleep:      2 * time.Second,
		decayConstant: 2,
		attackConstant: 1,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Calculate implements Calculator.
func (c *Default) Calculate(state State) time.Duration {
	if state.ConsecutiveRetries > 0 {
		if c.attackConstant == 0 {
			return c.maxSleep
		}
		denom := (time.Duration(1) << c.attackConstant) - 1
		if denom <= 0 {
			return c.maxSleep
		}
		sleep := state.SleepTime + state.SleepTime/denom
		if sleep > c.maxSleep {
			sleep = c.maxSleep
		}
		return sleep
	}
	sleep := state.SleepTime - (state.SleepTime >> c.decayConstant)
	if sleep < c.minSleep {
		sleep = c.minSleep
	}
	return sleep
}

// Option configures a Pacer.
type Option func(*Pacer)

// RetriesOption sets the max number of retries per call.
func RetriesOption(n int) Option { return func(p *Pacer) { p.retries = n } }

// MaxConnectionsOption bounds concurrent in-flight calls across all
// callers sharing this Pacer (0 disables the bound).
func MaxConnectionsOption(n int) Option {
	return func(p *Pacer) {
		p.maxConnections = n
		if n > 0 {
			p.connTokens = make(chan struct{}, n)
		} else {
			p.connTokens = nil
		}
	}
}

// CalculatorOption overrides the backoff calculator.
func CalculatorOption(c Calculator) Option { return func(p *Pacer) { p.calculator = c } }

// Pacer serializes the pacing of a stream of calls: at most one call
// "in the pace" at a time, each waiting state.SleepTime since the last,
// plus an optional bound on total concurrent in-flight calls.
type Pacer struct {
	mu             sync.Mutex
	state          State
	calculator     Calculator
	retries        int
	maxConnections int
	connTokens     chan struct{}
	pacer          chan struct{}
}

// New builds a Pacer with the Default calculator unless overridden.
func New(opts ...Option) *Pacer {
	d := NewDefault()
	p := &Pacer{
		calculator: d,
		retries:    3,
		state:      State{SleepTime: d.minSleep},
		pacer:      make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(p)
	}
	p.pacer <- struct{}{}
	return p
}

// SetRetries changes the max retry count.
func (p *Pacer) SetRetries(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retries = n
}

// SetMaxConnections changes the concurrent in-flight call bound.
func (p *Pacer) SetMaxConnections(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxConnections = n
	if n > 0 {
		p.connTokens = make(chan struct{}, n)
	} else {
		p.connTokens = nil
	}
}

func (p *Pacer) beginCall(ctx context.Context) error {
	select {
	case <-p.pacer:
	case <-ctx.Done():
		return ctx.Err()
	}
	if p.connTokens != nil {
		select {
		case p.connTokens <- struct{}{}:
		case <-ctx.Done():
			p.pacer <- struct{}{}
			return ctx.Err()
		}
	}
	p.mu.Lock()
	sleep := p.state.SleepTime
	p.mu.Unlock()
	if sleep > 0 {
		t := time.NewTimer(jitter(sleep))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
		}
	}
	go func() { p.pacer <- struct{}{} }()
	return nil
}

func (p *Pacer) endCall(retry bool) {
	if p.connTokens != nil {
		<-p.connTokens
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if retry {
		p.state.ConsecutiveRetries++
	} else {
		p.state.ConsecutiveRetries = 0
	}
	p.state.SleepTime = p.calculator.Calculate(p.state)
}

// jitter perturbs d by up to ±10%, matching spec §4.H's "base·2^attempt ± jitter".
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	delta := time.Duration(rand.Int63n(int64(d)/5+1)) - d/10
	out := d + delta
	if out < 0 {
		return 0
	}
	return out
}

// Call runs fn, retrying while fn reports retry=true, up to the configured
// retry count, pacing calls per the backoff state. fn's own shouldRetry
// logic (classification, see Classify) decides retryability; Call only
// implements the mechanical pacing and retry-count bookkeeping.
func (p *Pacer) Call(ctx context.Context, fn func() (retry bool, err error)) error {
	var lastErr error
	p.mu.Lock()
	maxRetries := p.retries
	p.mu.Unlock()
	for attempt := 0; ; attempt++ {
		if err := p.beginCall(ctx); err != nil {
			return err
		}
		retry, err := fn()
		p.endCall(retry)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry || attempt >= maxRetries {
			return lastErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}
