// Command babelfish-link pairs with another handset and relays text.
//
// Every line typed on stdin is sent to all connected peers; every message
// received is printed on stdout. A few commands are understood:
//
//	/links        list live links
//	/peers        list the devices found by the last scan
//	/disconnect   close all links, keep listening
//	/quit         exit
//
// Over BlueZ (Linux, bluetoothd, usually root for RegisterProfile):
//
//	sudo babelfish-link                      listen only
//	sudo babelfish-link -scan                scan, then choose a peer
//	sudo babelfish-link -connect AA:BB:CC:DD:EE:FF
//
// Over WebSocket, for desktops and local testing:
//
//	babelfish-link -backend ws -listen :7331
//	babelfish-link -backend ws -listen :7332 -peer 127.0.0.1:7331=desk -scan
//
// Exit/Ctrl-C cancels via context.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"babelfish/internal/bluez"
	"babelfish/internal/config"
	"babelfish/internal/connmgr"
	"babelfish/internal/logging"
	"babelfish/internal/transport"
	"babelfish/internal/wslink"
)

func main() {
	cfg := config.Parse()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := logging.New("babelfish-link", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, os.Stdin, os.Stdout); err != nil {
		logger.Error("babelfish-link", "error", err)
		os.Exit(1)
	}
}

type backend struct {
	tr        transport.Transport
	discovery transport.Discovery
	close     func() error
}

func openBackend(cfg config.Config, logger *slog.Logger) backend {
	switch cfg.Backend {
	case config.BackendWS:
		tr := wslink.New(wslink.Options{
			ListenAddr: cfg.ListenAddr,
			Name:       cfg.Name,
			Logger:     logger.With("component", "wslink"),
		})
		return backend{
			tr:        tr,
			discovery: transport.NewStaticDiscovery(cfg.Peers...),
			close:     func() error { return nil },
		}
	default:
		tr := bluez.New(bluez.Options{
			ServiceName: cfg.ServiceName,
			Channel:     cfg.Channel,
			Logger:      logger.With("component", "bluez"),
		})
		return backend{tr: tr, discovery: tr.Discovery(), close: tr.Close}
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger, in io.Reader, out io.Writer) error {
	service, err := cfg.ServiceID()
	if err != nil {
		return err
	}
	b := openBackend(cfg, logger)
	defer func() {
		if err := b.close(); err != nil {
			logger.Warn("close transport", "error", err)
		}
	}()

	// Callbacks run on one executor goroutine, like a UI thread.
	disp := connmgr.NewSerialDispatcher()
	defer disp.Close()

	m := connmgr.New(b.tr,
		connmgr.WithDiscovery(b.discovery),
		connmgr.WithService(service),
		connmgr.WithDispatcher(disp),
		connmgr.WithLogger(logger.With("component", "connmgr")),
		connmgr.WithObserver(printer(out)),
	)
	defer m.Close()

	m.Activate()
	if err := m.WatchPower(ctx); err != nil && !errors.Is(err, errors.ErrUnsupported) {
		logger.Warn("adapter state unavailable", "error", err)
	}
	if wt, ok := b.tr.(*wslink.Transport); ok && wt.Addr() != nil {
		fmt.Fprintf(out, "listening on %s\n", wt.Addr())
	}

	lines := readLines(in)

	switch {
	case cfg.Scan:
		peer, ok := choosePeer(ctx, m, cfg.ScanTimeout, lines, out)
		if !ok {
			return nil
		}
		fmt.Fprintf(out, "connecting to %s...\n", peer)
		m.Connect(peer, service)
	case cfg.Connect != "":
		fmt.Fprintf(out, "connecting to %s...\n", cfg.Connect)
		m.Connect(transport.Peer{Address: cfg.Connect}, service)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(m, line, out); quit {
				return nil
			}
		}
	}
}

func printer(out io.Writer) connmgr.Observer {
	return connmgr.ObserverFuncs{
		Connectivity: func(connected bool) {
			if connected {
				fmt.Fprintln(out, "* connected")
			} else {
				fmt.Fprintln(out, "* disconnected")
			}
		},
		Data: func(text string) {
			fmt.Fprintf(out, "< %s\n", text)
		},
		Error: func(reason connmgr.ErrorReason) {
			fmt.Fprintf(out, "! %s\n", reason)
		},
		Discovered: func(peer transport.Peer) {
			fmt.Fprintf(out, "+ %s\n", peer)
		},
	}
}

// handleLine sends line or runs a command. It reports whether to exit.
func handleLine(m *connmgr.Manager, line string, out io.Writer) bool {
	switch strings.TrimSpace(line) {
	case "":
		return false
	case "/quit":
		return true
	case "/disconnect":
		m.Disconnect()
		return false
	case "/links":
		links := m.Links()
		if len(links) == 0 {
			fmt.Fprintln(out, "no links")
		}
		for _, p := range links {
			fmt.Fprintf(out, "  %s\n", p)
		}
		return false
	case "/peers":
		listPeers(m.Peers(), out)
		return false
	}
	if err := m.WriteString(line); err != nil {
		fmt.Fprintf(out, "! send: %v\n", err)
	}
	return false
}

// choosePeer scans for timeout, lists the results and reads an index.
func choosePeer(ctx context.Context, m *connmgr.Manager, timeout time.Duration, lines <-chan string, out io.Writer) (transport.Peer, bool) {
	fmt.Fprintf(out, "scanning for %s...\n", timeout)
	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := m.Discover(scanCtx); err != nil {
		fmt.Fprintf(out, "! scan: %v\n", err)
		return transport.Peer{}, false
	}
	<-scanCtx.Done()
	m.CancelDiscovery()
	if ctx.Err() != nil {
		return transport.Peer{}, false
	}

	peers := m.Peers()
	if len(peers) == 0 {
		fmt.Fprintln(out, "no devices found")
		return transport.Peer{}, false
	}
	listPeers(peers, out)
	fmt.Fprint(out, "Choose index: ")
	idx, ok := readIndex(ctx, lines, len(peers), out)
	if !ok {
		return transport.Peer{}, false
	}
	return peers[idx], true
}

func listPeers(peers []transport.Peer, out io.Writer) {
	for i, p := range peers {
		bonded := ""
		if p.Bonded {
			bonded = " [bonded]"
		}
		fmt.Fprintf(out, "[%d] %s%s\n", i, p, bonded)
	}
}

func readIndex(ctx context.Context, lines <-chan string, n int, out io.Writer) (int, bool) {
	for {
		select {
		case <-ctx.Done():
			return 0, false
		case line, ok := <-lines:
			if !ok {
				return 0, false
			}
			i, err := strconv.Atoi(strings.TrimSpace(line))
			if err == nil && i >= 0 && i < n {
				return i, true
			}
			fmt.Fprintf(out, "enter 0..%d: ", n-1)
		}
	}
}

func readLines(in io.Reader) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			out <- sc.Text()
		}
	}()
	return out
}
