// Package poller re-queries the index at a fixed interval while a response is
// outstanding.
package poller

import (
	"context"
	"sync"
	"time"
)

const DefaultInterval = 10 * time.Second

type Result int

const (
	// Continue keeps polling.
	Continue Result = iota
	// Done stops polling because the expected responses arrived.
	Done
	// TimedOut stops polling because the request went stale.
	TimedOut
)

func (r Result) String() string {
	switch r {
	case Continue:
		return "continue"
	case Done:
		return "done"
	case TimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// TickFunc runs one poll for requestID. ctx is cancelled as soon as the loop is
// stopped or replaced.
type TickFunc func(ctx context.Context, requestID string) Result

// Poller runs at most one loop at a time. Starting a loop cancels the previous
// one first.
type Poller struct {
	interval time.Duration

	mu        sync.Mutex
	cancel    context.CancelFunc
	requestID string
	gen       uint64
	done      chan struct{}
}

func New(interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{interval: interval}
}

// Start begins polling requestID. The first tick fires after one interval.
func (p *Poller) Start(ctx context.Context, requestID string, tick TickFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
	p.gen++
	gen := p.gen
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel = cancel
	p.requestID = requestID
	p.done = done

	go p.run(loopCtx, gen, requestID, tick, done)
}

func (p *Poller) run(ctx context.Context, gen uint64, requestID string, tick TickFunc, done chan struct{}) {
	defer close(done)
	defer p.finish(gen)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if tick(ctx, requestID) != Continue {
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (p *Poller) finish(gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen != gen {
		return
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.cancel = nil
	p.requestID = ""
}

// Stop cancels the active loop without waiting for an in-flight tick; the tick
// observes a cancelled context.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gen++
	if p.cancel != nil {
		p.cancel()
	}
	p.cancel = nil
	p.requestID = ""
}

// Active returns the request being polled, if any.
func (p *Poller) Active() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requestID, p.cancel != nil
}

// Wait blocks until the most recently started loop has exited or ctx ends.
func (p *Poller) Wait(ctx context.Context) error {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
