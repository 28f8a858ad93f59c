package listener

import (
	"log/slog"
	"sync"
	"time"

	"rnsh/internal/metrics"
	"rnsh/internal/overlay"
	"rnsh/internal/registry"
)

// postExitGrace is how long a Session survives after its child exits,
// so a slow client can still drain buffered stdout (spec.md §3
// "Session... Lifecycle").
const postExitGrace = 300 * time.Second

// Config gathers what a Listener needs to serve the "data" path for one
// run: the child argv, the service name, and the identity allow-list.
type Config struct {
	Argv        []string
	ServiceName string
	DisableAuth bool
	Allow       []string // identity hashes permitted when DisableAuth is false
}

// RequestPath is the fixed overlay request path name (spec.md §6).
const RequestPath = "data"

// Listener is the per-run listener context (spec.md §9 "Global
// process-wide state" re-architected as an explicit object rather than
// module-level singletons).
type Listener struct {
	cfg Config
	log *slog.Logger

	reg     *registry.Registry
	retry   *RetryEngine
	metrics *metrics.Registry
	handler *Handler

	mu       sync.Mutex
	shutdown bool
}

// New builds a Listener for cfg. It is not attached to any destination
// until Bind is called with an IN destination from the overlay transport.
func New(cfg Config, m *metrics.Registry, log *slog.Logger) *Listener {
	reg := registry.New()
	retry := NewRetryEngine(log, m)
	l := &Listener{
		cfg:     cfg,
		log:     log,
		reg:     reg,
		retry:   retry,
		metrics: m,
	}
	l.handler = &Handler{Argv: cfg.Argv, Reg: reg, Retry: retry, Metrics: m, Log: log}
	l.handler.OnChildExit = l.ScheduleExpiry
	return l
}

// Bind wires the Listener's request handler and lifecycle callbacks
// onto dest. Call once per run, before the transport starts accepting.
func (l *Listener) Bind(dest overlay.Destination) error {
	if err := dest.Accept(RequestPath, l.allowList(), l.handler.HandleRequest); err != nil {
		return err
	}
	dest.OnLinkEstablished(func(link overlay.Link) {
		link.OnClosed(func() { l.onLinkClosed(link.ID()) })
	})
	return nil
}

func (l *Listener) allowList() []string {
	if l.cfg.DisableAuth {
		return nil
	}
	return l.cfg.Allow
}

// onLinkClosed runs both from the transport's real OnClosed callback and,
// 300 seconds later, from ScheduleExpiry's grace timer. registry.Clear
// reports whether an entry actually existed so only the call that really
// removed the Session decrements the gauge; the later, redundant call
// finds nothing left to clear.
func (l *Listener) onLinkClosed(linkID string) {
	l.retry.Cancel(linkID)
	cleared := l.reg.Clear(linkID)
	if cleared && l.metrics != nil {
		l.metrics.ActiveSessions.Dec()
	}
}

// ScheduleExpiry arms the 300-second post-exit grace for a Session once
// its child has exited; called from the onExit callback wired in
// Handler.resolveSession in a full wiring (kept here so the grace
// policy lives in one place rather than duplicated per call site).
func (l *Listener) ScheduleExpiry(linkID string) {
	time.AfterFunc(postExitGrace, func() {
		l.onLinkClosed(linkID)
	})
}

// Shutdown implements SIGINT handling (spec.md §5 "Cancellation &
// timeouts"): terminate every running child, wait one second, then tear
// down any link not already closed. A second call is a no-op. Shutdown
// does not stop the transport from accepting new links; cmd/rnsh stops
// its HTTP server only after Shutdown returns.
func (l *Listener) Shutdown(links func() []overlay.Link) {
	l.mu.Lock()
	if l.shutdown {
		l.mu.Unlock()
		return
	}
	l.shutdown = true
	l.mu.Unlock()

	for _, link := range links() {
		if s := l.reg.Get(link.ID()); s != nil {
			s.Close()
		}
	}
	time.Sleep(time.Second)
	for _, link := range links() {
		if link.State() != overlay.LinkClosed {
			link.Teardown()
		}
	}
}
