//go:build darwin || linux

// Package client implements the client session loop (C5, spec.md
// §4.5): it puts the local terminal into raw mode, pumps stdin into
// periodic requests, writes returned stdout locally, and reacts to
// out-of-band "data available" notifications and terminal resizes.
//
// Grounded on the teacher's connect.go (the client-side dial/handshake
// shape) and stream.go (stdin-to-remote / remote-to-stdout pumping),
// generalized from "one persistent stream" to "poll-driven
// request/response cycles with a wake event", per spec.md §4.5.
package client

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"rnsh/internal/identity"
	"rnsh/internal/overlay"
	"rnsh/internal/termstate"
	"rnsh/internal/wire"
)

// Config gathers the CLI-derived settings for one client run.
type Config struct {
	DestinationHashHex string
	DisableIdentify    bool
	Mirror             bool
	Timeout            time.Duration
}

// Session is the client's per-run context (spec.md §9: re-architect
// module-level singletons as an explicit object).
type Session struct {
	cfg  Config
	dest overlay.Destination
	id   *identity.Identity
	log  *slog.Logger

	link overlay.Link

	mu        sync.Mutex
	stdinBuf  []byte
	firstDone bool
	ttyFD     int

	wake chan struct{}
}

// ValidateDestinationHash checks hash against the fixed hex length
// derived from hashLenBytes (spec.md §4.5 "Setup" / S6).
func ValidateDestinationHash(hash string, hashLenBytes int) error {
	want := hashLenBytes * 2
	if len(hash) != want {
		return fmt.Errorf("destination hash must be %d hexadecimal characters", want)
	}
	if _, err := hex.DecodeString(hash); err != nil {
		return fmt.Errorf("destination hash must be %d hexadecimal characters", want)
	}
	return nil
}

// New builds a client Session. dest must already be an OUT destination
// dialable via dest.Link().
func New(cfg Config, dest overlay.Destination, id *identity.Identity, log *slog.Logger) *Session {
	return &Session{
		cfg:   cfg,
		dest:  dest,
		id:    id,
		log:   log,
		wake:  make(chan struct{}, 1),
		ttyFD: int(os.Stdin.Fd()),
	}
}

// Run performs the full client lifecycle and returns the process exit
// code (spec.md §6 "Exit codes").
func (s *Session) Run() int {
	rawState, err := termstate.MakeRaw(s.ttyFD)
	if err != nil {
		// stdin is not a terminal (e.g. a pipe): relay it as-is, with no
		// raw mode to restore.
		s.log.Warn("failed to set raw mode, continuing without it", "err", err)
		rawState = nil
	}
	defer func() { _ = termstate.Restore(s.ttyFD, rawState) }()

	if err := s.setup(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 255
	}
	defer s.link.Teardown()

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGWINCH, syscall.SIGINT)
	defer signal.Stop(sigCh)
	go s.handleSignals(sigCh)

	go s.pumpStdin()

	return s.exchangeLoop()
}

func (s *Session) setup() error {
	if !s.dest.HasPath() {
		if err := s.dest.RequestPath(); err != nil {
			return fmt.Errorf("rnsh: path request failed: %w", err)
		}
		deadline := time.Now().Add(s.cfg.Timeout)
		for !s.dest.HasPath() {
			if time.Now().After(deadline) {
				return fmt.Errorf("rnsh: no path to destination within %s", s.cfg.Timeout)
			}
			time.Sleep(50 * time.Millisecond)
		}
	}

	link, err := s.dest.Link()
	if err != nil {
		return fmt.Errorf("rnsh: link establishment failed: %w", err)
	}
	s.link = link

	deadline := time.Now().Add(s.cfg.Timeout)
	for link.State() != overlay.LinkActive {
		if link.State() == overlay.LinkClosed {
			return fmt.Errorf("rnsh: link closed before activation")
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("rnsh: link did not activate within %s", s.cfg.Timeout)
		}
		time.Sleep(20 * time.Millisecond)
	}

	if !s.cfg.DisableIdentify {
		if err := link.Identify(s.id); err != nil {
			return fmt.Errorf("rnsh: identify failed: %w", err)
		}
	}

	link.OnPacket(func(payload []byte) {
		if string(payload) == "data available" {
			s.setWake()
		}
	})

	return nil
}

func (s *Session) setWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) handleSignals(ch <-chan os.Signal) {
	for sig := range ch {
		switch sig {
		case syscall.SIGWINCH:
			s.setWake()
		case syscall.SIGINT:
			s.mu.Lock()
			first := s.firstDone
			s.mu.Unlock()
			if first {
				// In-band Ctrl-C: forward \x03 to the remote shell instead
				// of letting SIGINT kill this process (spec.md §4.5, §7).
				s.mu.Lock()
				s.stdinBuf = append(s.stdinBuf, 0x03)
				s.mu.Unlock()
				s.setWake()
			}
		}
	}
}

func (s *Session) pumpStdin() {
	buf := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			s.mu.Lock()
			s.stdinBuf = append(s.stdinBuf, buf[:n]...)
			s.mu.Unlock()
			s.setWake()
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) takeStdin() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.stdinBuf) == 0 {
		return nil
	}
	out := s.stdinBuf
	s.stdinBuf = nil
	return out
}

// exchangeLoop implements spec.md §4.5's seven numbered exchange steps.
func (s *Session) exchangeLoop() int {
	for {
		stdin := s.takeStdin()
		select {
		case <-s.wake:
		default:
		}

		req := s.buildRequest(stdin)

		timeout := s.cfg.Timeout + time.Duration(s.link.RTT()*4*float64(time.Second)) + 2*time.Second
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		receipt, err := s.link.Request(wireDataPath, mustMarshal(&req))
		if err != nil {
			cancel()
			fmt.Fprintf(os.Stderr, "rnsh: remote execution error: %v\n", err)
			return 255
		}

		respData, err := receipt.Response(ctx)
		cancel()
		if err != nil || receipt.Status() == overlay.StatusFailed {
			fmt.Fprintf(os.Stderr, "rnsh: remote execution error: %v\n", err)
			return 255
		}

		var resp wire.Response
		if err := unmarshalResponse(respData, &resp); err != nil {
			fmt.Fprintf(os.Stderr, "rnsh: remote execution error: %v\n", err)
			return 255
		}

		s.mu.Lock()
		s.firstDone = true
		s.mu.Unlock()

		if len(resp.Stdout) > 0 {
			os.Stdout.Write(resp.Stdout)
		}

		if resp.ReadyBytes > 0 {
			s.setWake()
			continue
		}

		if !resp.Running && resp.ReturnCode != nil {
			code := *resp.ReturnCode
			if !s.cfg.Mirror {
				return 0
			}
			return code
		}

		select {
		case <-s.wake:
		case <-time.After(5 * time.Second):
		}
	}
}

const wireDataPath = "data"

func (s *Session) buildRequest(stdin []byte) wire.Request {
	req := wire.Request{Stdin: stdin}
	termEnv := os.Getenv("TERM")
	snap, err := termstate.Capture(s.ttyFD, termEnv)
	if err != nil {
		s.log.Warn("failed to capture local terminal state", "err", err)
		return req
	}
	term := snap.Term
	rows, cols, hp, vp := snap.Rows, snap.Cols, snap.HPixels, snap.VPixels
	req.Term = &term
	req.Termios = snap.Termios
	req.Rows = &rows
	req.Cols = &cols
	req.HPixels = &hp
	req.VPixels = &vp
	return req
}

func mustMarshal(req *wire.Request) []byte {
	data, err := json.Marshal(req)
	if err != nil {
		// wire.Request.MarshalJSON never fails on a populated struct; this
		// is only reachable if json itself is broken.
		panic(err)
	}
	return data
}

func unmarshalResponse(data []byte, resp *wire.Response) error {
	return json.Unmarshal(data, resp)
}
