package listener

import (
	"log/slog"
	"sync"
	"time"

	"rnsh/internal/metrics"
	"rnsh/internal/overlay"
)

const (
	tryLimit      = 15
	minWaitDelay  = time.Second
	rttWaitFactor = 5
	notifyPayload = "data available"
)

// chain is one in-flight retry chain for a single link-id, per spec.md
// §4.4. Exactly one chain exists per link-id at a time.
type chain struct {
	mu        sync.Mutex
	link      overlay.Link
	tryCount  int
	receipt   overlay.SendReceipt
	timer     *time.Timer
	cancelled bool
}

// RetryEngine is the shared notification retry timer (C4). One
// RetryEngine instance is shared by every link on a listener.
type RetryEngine struct {
	log     *slog.Logger
	metrics *metrics.Registry

	mu     sync.Mutex
	chains map[string]*chain
}

// NewRetryEngine constructs an engine; log and m may be nil in tests.
func NewRetryEngine(log *slog.Logger, m *metrics.Registry) *RetryEngine {
	if log == nil {
		log = slog.Default()
	}
	return &RetryEngine{log: log, metrics: m, chains: make(map[string]*chain)}
}

// NotifyDataAvailable begins a retry chain for link if none already
// exists; a call while a chain is in flight is a no-op (coalescing,
// spec.md §4.4).
func (e *RetryEngine) NotifyDataAvailable(link overlay.Link) {
	e.mu.Lock()
	if _, exists := e.chains[link.ID()]; exists {
		e.mu.Unlock()
		return
	}
	c := &chain{link: link}
	e.chains[link.ID()] = c
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.NotifyChains.Inc()
	}
	e.attempt(link.ID(), c)
}

func (e *RetryEngine) waitDelay(link overlay.Link) time.Duration {
	rtt := link.RTT()
	d := time.Duration(rtt * float64(rttWaitFactor) * float64(time.Second))
	if rtt <= 0 || d < minWaitDelay {
		d = minWaitDelay
	}
	return d
}

func (e *RetryEngine) attempt(linkID string, c *chain) {
	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		return
	}
	if c.link.State() != overlay.LinkActive {
		c.mu.Unlock()
		e.Cancel(linkID)
		return
	}
	if c.receipt != nil && c.receipt.Status() == overlay.StatusDelivered {
		c.mu.Unlock()
		if e.metrics != nil {
			e.metrics.NotifyDelivered.Inc()
		}
		e.Cancel(linkID)
		return
	}
	c.tryCount++
	if c.tryCount > tryLimit {
		c.mu.Unlock()
		if e.metrics != nil {
			e.metrics.NotifyExhausted.Inc()
		}
		e.log.Warn("notification retry limit exceeded, tearing down link", "link", linkID)
		c.link.Teardown()
		e.Cancel(linkID)
		return
	}

	receipt, err := c.link.Send([]byte(notifyPayload))
	if err != nil {
		e.log.Debug("notify send failed", "link", linkID, "err", err)
	} else {
		c.receipt = receipt
		if e.metrics != nil {
			e.metrics.NotifyAttempts.Inc()
		}
	}
	delay := e.waitDelay(c.link)
	c.timer = time.AfterFunc(delay, func() { e.attempt(linkID, c) })
	c.mu.Unlock()
}

// Cancel tears down the retry chain for linkID, if any (spec.md §4.4
// "Cancellation points"). Idempotent (P6).
func (e *RetryEngine) Cancel(linkID string) {
	e.mu.Lock()
	c, ok := e.chains[linkID]
	if ok {
		delete(e.chains, linkID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	c.mu.Lock()
	c.cancelled = true
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()
}

// activeChains reports how many links currently have an in-flight
// retry chain; used only by tests (P4: at most one per link-id, which
// is structural here since chains is keyed by link-id).
func (e *RetryEngine) activeChains() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.chains)
}
