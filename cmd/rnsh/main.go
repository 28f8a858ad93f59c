//go:build darwin || linux

// Command rnsh is the listener/client binary described in spec.md §6.
// CLI parsing follows the teacher's own flag-based style (connect.go,
// stream.go) rather than adopting a CLI framework the teacher never
// used.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rnsh/internal/client"
	"rnsh/internal/identity"
	"rnsh/internal/listener"
	"rnsh/internal/metrics"
	"rnsh/internal/overlay"
	"rnsh/internal/overlay/wsoverlay"
	"rnsh/internal/rlog"
)

const appName = "rnsh"

// The reference transport is a concrete WebSocket substrate, so a
// listen address and a dial base URL are needed where a real overlay
// would need neither. These are environment-configured, mirroring the
// teacher's own build-time wsURL knob (main.go), rather than added to
// the spec's own CLI surface.
func wsListenAddr() string {
	if v := os.Getenv("RNSH_WS_LISTEN"); v != "" {
		return v
	}
	return "127.0.0.1:9191"
}

func wsDialBase() string {
	if v := os.Getenv("RNSH_WS_DIAL"); v != "" {
		return v
	}
	return "ws://127.0.0.1:9191"
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("rnsh", flag.ContinueOnError)
	configDir := fs.String("config", "", "configuration directory")
	identityPath := fs.String("i", "", "identity file path")
	service := fs.String("s", "default", "service name")
	printIdentity := fs.Bool("p", false, "print identity and exit")
	listenMode := fs.Bool("l", false, "listener mode")
	disableAuth := fs.Bool("n", false, "disable identity allow-list enforcement")
	var allow allowFlags
	fs.Var(&allow, "a", "allowed client identity hash (repeatable)")
	disableIdentify := fs.Bool("N", false, "disable sending identity (client mode)")
	mirror := fs.Bool("m", false, "mirror remote exit code (client mode)")
	timeoutSecs := fs.Float64("w", 10, "client request timeout in seconds")
	verbose := countFlag{}
	fs.Var(&verbose, "v", "increase log verbosity (repeatable)")
	quiet := countFlag{}
	fs.Var(&quiet, "q", "decrease log verbosity (repeatable)")

	if err := fs.Parse(args); err != nil {
		return 255
	}
	rest := fs.Args()

	cfgDir := *configDir
	if cfgDir == "" {
		home, _ := os.UserHomeDir()
		cfgDir = filepath.Join(home, ".config", "rnsh")
	}
	idPath := *identityPath
	if idPath == "" {
		idPath = identity.DefaultPath(cfgDir)
	}

	id, err := identity.LoadOrCreate(idPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rnsh: identity: %v\n", err)
		return 255
	}

	logPath := filepath.Join(os.TempDir(), fmt.Sprintf("rnsh-%d.log", os.Getpid()))
	level := rlog.Verbosity(verbose.n - quiet.n)
	logger, err := rlog.Init(logPath, level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rnsh: logging: %v\n", err)
		return 255
	}

	if *printIdentity {
		var destHex string
		if *listenMode {
			destHex = id.HashHex()
		}
		identity.PrintIdentity(os.Stdout, id, destHex)
		return 0
	}

	if *listenMode {
		if !*disableAuth && len(allow) == 0 {
			fmt.Fprintln(os.Stderr, "rnsh: -l requires -n or at least one -a HEX")
			return 255
		}
		if len(rest) == 0 {
			fmt.Fprintln(os.Stderr, "rnsh: -l requires '-- program [args...]'")
			return 255
		}
		return runListener(id, *service, *disableAuth, allow, rest, logger)
	}

	if len(rest) != 1 {
		fmt.Fprintln(os.Stderr, "rnsh: client mode requires exactly one positional <destination_hash>")
		return 255
	}

	return runClient(id, *service, rest[0], *disableIdentify, *mirror,
		time.Duration(*timeoutSecs*float64(time.Second)), logger)
}

func runListener(id *identity.Identity, service string, disableAuth bool, allow []string, argv []string, logger *slog.Logger) int {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	cfg := listener.Config{Argv: argv, ServiceName: service, DisableAuth: disableAuth, Allow: allow}
	l := listener.New(cfg, m, logger)

	transport := wsoverlay.New(id.HashHex(), logger)
	dest, err := transport.Destination(appName, service, overlay.RoleIn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rnsh: %v\n", err)
		return 255
	}
	if err := l.Bind(dest); err != nil {
		fmt.Fprintf(os.Stderr, "rnsh: %v\n", err)
		return 255
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if wsDest, ok := dest.(interface {
		ServeHTTP(http.ResponseWriter, *http.Request)
	}); ok {
		mux.Handle("/", wsDest)
	}

	srv := &http.Server{Addr: wsListenAddr(), Handler: mux}
	logger.Info("listener starting", "addr", wsListenAddr(), "service", service, "argv", strings.Join(argv, " "))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	waitForSignal()
	logger.Info("shutting down")

	if linkLister, ok := dest.(interface{ ActiveLinks() []overlay.Link }); ok {
		l.Shutdown(linkLister.ActiveLinks)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	return 0
}

func runClient(id *identity.Identity, service, destHash string, disableIdentify, mirror bool, timeout time.Duration, logger *slog.Logger) int {
	if err := client.ValidateDestinationHash(destHash, identity.HashLen); err != nil {
		fmt.Fprintf(os.Stderr, "rnsh: %v\n", err)
		return 255
	}

	transport := wsoverlay.New(id.HashHex(), logger)
	destIface, err := transport.Destination(appName, service, overlay.RoleOut)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rnsh: %v\n", err)
		return 255
	}
	if setter, ok := destIface.(wsoverlay.DialTarget); ok {
		setter.WithURL(wsDialBase()+"/", destHash)
	}

	cfg := client.Config{DestinationHashHex: destHash, DisableIdentify: disableIdentify, Mirror: mirror, Timeout: timeout}
	sess := client.New(cfg, destIface, id, logger)
	return sess.Run()
}

func waitForSignal() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT)
	<-ch
}

type allowFlags []string

func (a *allowFlags) String() string { return strings.Join(*a, ",") }
func (a *allowFlags) Set(v string) error {
	*a = append(*a, v)
	return nil
}

type countFlag struct{ n int }

func (c *countFlag) String() string { return fmt.Sprintf("%d", c.n) }
func (c *countFlag) Set(string) error {
	c.n++
	return nil
}
func (c *countFlag) IsBoolFlag() bool { return true }
