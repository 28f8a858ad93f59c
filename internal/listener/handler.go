package listener

import (
	"encoding/json"
	"log/slog"

	"rnsh/internal/metrics"
	"rnsh/internal/overlay"
	"rnsh/internal/ptysup"
	"rnsh/internal/registry"
	"rnsh/internal/wire"
)

// Handler serves the "data" request path (spec.md §4.3, C3). One
// Handler is constructed per listener run and shared across all links.
type Handler struct {
	Argv    []string
	Reg     *registry.Registry
	Retry   *RetryEngine
	Metrics *metrics.Registry
	Log     *slog.Logger

	// OnChildExit, if set, is invoked with the link-id once a Session's
	// child has been reaped, so the caller can arm the post-exit grace
	// timer (spec.md §3 Session lifecycle).
	OnChildExit func(linkID string)
}

// HandleRequest implements overlay.RequestHandler.
func (h *Handler) HandleRequest(link overlay.Link, remote overlay.Identity, data []byte) (respData []byte) {
	// spec.md §4.3 step 7: any failure while processing tears down the
	// child and falls back to a default response rather than propagating.
	defer func() {
		if r := recover(); r != nil {
			h.Log.Error("panic handling request", "link", link.ID(), "recover", r)
			if s := h.Reg.Get(link.ID()); s != nil {
				s.Close()
			}
			respData = h.defaultResponse()
		}
	}()

	h.Retry.Cancel(link.ID()) // step 1: the request itself proves liveness

	var req wire.Request
	if err := json.Unmarshal(data, &req); err != nil {
		h.Log.Warn("malformed request, returning default response", "link", link.ID(), "err", err)
		return h.defaultResponse()
	}

	sess, created, err := h.resolveSession(link, &req)
	if err != nil {
		h.Log.Error("failed to spawn child", "link", link.ID(), "err", err)
		return h.defaultResponse()
	}
	if created && h.Metrics != nil {
		h.Metrics.ActiveSessions.Inc()
	}

	ts := termState{
		termios: req.Termios,
		rows:    intOr(req.Rows, 0),
		cols:    intOr(req.Cols, 0),
		hpixels: intOr(req.HPixels, 0),
		vpixels: intOr(req.VPixels, 0),
	}
	if hasGeometry(&req) {
		if err := sess.ApplyTermState(ts); err != nil {
			h.Log.Error("set_winsize failed", "link", link.ID(), "err", err)
			sess.Close()
			return h.defaultResponse()
		}
	}

	if len(req.Stdin) > 0 {
		sess.Write(req.Stdin)
	}

	readSize := link.MDU() * 3 / 2
	if readSize <= 0 {
		readSize = 1024
	}
	chunk, remaining := sess.Drain(readSize)
	if h.Metrics != nil {
		h.Metrics.ObserveBuffered(remaining)
	}

	running := sess.Running()
	var returnCode *int
	if !running {
		if rc, ok := sess.ReturnCode(); ok {
			returnCode = &rc
		}
	}

	resp := wire.Response{
		Running:    running,
		ReturnCode: returnCode,
		ReadyBytes: remaining,
		Stdout:     chunk,
		ServerTime: wire.Now(),
	}
	out, err := json.Marshal(&resp)
	if err != nil {
		h.Log.Error("failed to encode response", "link", link.ID(), "err", err)
		return h.defaultResponse()
	}
	return out
}

func (h *Handler) defaultResponse() []byte {
	resp := wire.Response{Running: false, ReadyBytes: 0, ServerTime: wire.Now()}
	out, _ := json.Marshal(&resp)
	return out
}

func (h *Handler) resolveSession(link overlay.Link, req *wire.Request) (*Session, bool, error) {
	if existing := h.Reg.Get(link.ID()); existing != nil {
		return existing.(*Session), false, nil
	}

	term := "xterm-256color"
	if req.Term != nil && *req.Term != "" {
		term = *req.Term
	}

	sess := &Session{linkID: link.ID()}
	sup, err := ptysup.New(h.Argv, term, sess,
		func(total int) { h.Retry.NotifyDataAvailable(link) },
		func(code int) {
			h.Log.Info("child exited", "link", link.ID(), "code", code)
			if h.OnChildExit != nil {
				h.OnChildExit(link.ID())
			}
		},
	)
	if err != nil {
		return nil, false, err
	}
	sess.sup = sup

	h.Reg.Put(link.ID(), sess)
	return sess, true, nil
}

func hasGeometry(req *wire.Request) bool {
	return req.Rows != nil || req.Cols != nil || req.HPixels != nil || req.VPixels != nil || len(req.Termios) > 0
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}
