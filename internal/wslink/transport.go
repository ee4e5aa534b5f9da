// Package wslink carries links over WebSocket connections. Each Write is
// sent as one message and each message arrives as one or more Reads, so
// message boundaries survive when the reader's buffer is large enough.
//
// A listener serves ws://<addr>/link/<service>. The dialing side announces
// its display name in the PeerNameHeader request header and, when it is
// listening itself, its listen address in PeerAddrHeader. The accepting
// side reports that address as the peer's, so it can be dialed back.
package wslink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"babelfish/internal/logging"
	"babelfish/internal/transport"
)

const (
	// PeerNameHeader carries the dialer's display name.
	PeerNameHeader = "X-Babelfish-Peer-Name"
	// PeerAddrHeader carries the dialer's listen address.
	PeerAddrHeader = "X-Babelfish-Peer-Addr"
)

const (
	pathPrefix  = "/link/"
	writeWait   = 10 * time.Second
	acceptQueue = 4
)

// Options configures a Transport.
type Options struct {
	// ListenAddr is the TCP address Listen binds, e.g. ":7331".
	ListenAddr string
	// Name is announced to peers this transport dials.
	Name string
	// HandshakeTimeout bounds the WebSocket upgrade on Dial. Defaults to 5s.
	HandshakeTimeout time.Duration
	Logger           *slog.Logger
}

// Transport implements transport.Transport over WebSocket.
type Transport struct {
	opts   Options
	log    *slog.Logger
	dialer websocket.Dialer

	mu   sync.Mutex
	addr net.Addr
}

var _ transport.Transport = (*Transport)(nil)

var upgrader = websocket.Upgrader{
	// Peers are not browsers.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// New creates a transport. Nothing is bound until Listen.
func New(opts Options) *Transport {
	log := opts.Logger
	if log == nil {
		log = logging.Discard()
	}
	timeout := opts.HandshakeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Transport{
		opts:   opts,
		log:    log,
		dialer: websocket.Dialer{HandshakeTimeout: timeout},
	}
}

// Addr returns the address of the most recent successful Listen, or nil.
func (t *Transport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addr
}

// Listen binds ListenAddr and serves upgrades for service.
func (t *Transport) Listen(service transport.ServiceID) (transport.Endpoint, error) {
	ln, err := net.Listen("tcp", t.opts.ListenAddr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return nil, fmt.Errorf("wslink: listen %s: %w", t.opts.ListenAddr, transport.ErrAddressInUse)
		}
		return nil, fmt.Errorf("wslink: listen %s: %w", t.opts.ListenAddr, err)
	}
	t.mu.Lock()
	t.addr = ln.Addr()
	t.mu.Unlock()

	ep := &endpoint{
		log:   t.log,
		queue: make(chan accepted, acceptQueue),
		done:  make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(pathPrefix+service.String(), ep.handle)
	ep.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := ep.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.log.Error("wslink serve", "addr", ln.Addr().String(), "error", err)
		}
	}()
	t.log.Debug("wslink listening", "addr", ln.Addr().String(), "service", service.String())
	return ep, nil
}

type accepted struct {
	conn *websocket.Conn
	peer transport.Peer
}

type endpoint struct {
	log   *slog.Logger
	srv   *http.Server
	queue chan accepted
	done  chan struct{}
	once  sync.Once
}

func (e *endpoint) handle(w http.ResponseWriter, r *http.Request) {
	select {
	case <-e.done:
		http.Error(w, "closed", http.StatusServiceUnavailable)
		return
	default:
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	in := accepted{
		conn: conn,
		peer: transport.Peer{
			Address: advertisedAddr(r.RemoteAddr, r.Header.Get(PeerAddrHeader)),
			Name:    r.Header.Get(PeerNameHeader),
		},
	}
	select {
	case e.queue <- in:
	case <-e.done:
		conn.Close()
	}
}

// advertisedAddr resolves the address a dialer can be reached at. A
// wildcard or missing host in the advertised address takes the host the
// connection came from. Without a usable advertisement it is remote.
func advertisedAddr(remote, advertised string) string {
	if advertised == "" {
		return remote
	}
	host, port, err := net.SplitHostPort(advertised)
	if err != nil || port == "" {
		return remote
	}
	if ip := net.ParseIP(host); host != "" && (ip == nil || !ip.IsUnspecified()) {
		return advertised
	}
	rhost, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return net.JoinHostPort(rhost, port)
}

func (e *endpoint) Accept() (transport.Channel, transport.Peer, error) {
	select {
	case <-e.done:
		return nil, transport.Peer{}, transport.ErrClosed
	case in := <-e.queue:
		return newChannel(in.conn), in.peer, nil
	}
}

// Close stops the server. Connections not yet accepted are closed.
func (e *endpoint) Close() error {
	var err error
	e.once.Do(func() {
		close(e.done)
		err = e.srv.Close()
		for {
			select {
			case in := <-e.queue:
				in.conn.Close()
			default:
				return
			}
		}
	})
	return err
}

// Dial upgrades ws://<peer.Address>/link/<service>.
func (t *Transport) Dial(ctx context.Context, peer transport.Peer, service transport.ServiceID) (transport.Channel, error) {
	if peer.Address == "" {
		return nil, errors.New("wslink: peer address required")
	}
	u := "ws://" + strings.TrimPrefix(peer.Address, "ws://") + pathPrefix + service.String()
	headers := http.Header{}
	if t.opts.Name != "" {
		headers.Set(PeerNameHeader, t.opts.Name)
	}
	if addr := t.Addr(); addr != nil {
		headers.Set(PeerAddrHeader, addr.String())
	}

	conn, resp, err := t.dialer.DialContext(ctx, u, headers)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusNotFound {
				return nil, fmt.Errorf("wslink: dial %s: %w", peer.Address, transport.ErrNoRoute)
			}
			return nil, fmt.Errorf("wslink: dial %s: upgrade failed (%d)", peer.Address, resp.StatusCode)
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("wslink: dial %s: %w", peer.Address, ctx.Err())
		}
		if errors.Is(err, syscall.ECONNREFUSED) {
			return nil, fmt.Errorf("wslink: dial %s: %w: %w", peer.Address, transport.ErrNoRoute, err)
		}
		return nil, fmt.Errorf("wslink: dial %s: %w", peer.Address, err)
	}
	t.log.Debug("wslink connected", "addr", peer.Address)
	return newChannel(conn), nil
}

// channel adapts a websocket.Conn to io.ReadWriteCloser.
type channel struct {
	conn *websocket.Conn

	readMu sync.Mutex
	r      io.Reader

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newChannel(conn *websocket.Conn) *channel {
	return &channel{conn: conn}
}

// Read returns bytes of the current message, moving to the next message
// once it is drained. A normal close from the peer reads as io.EOF.
func (c *channel) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	for {
		if c.r == nil {
			mt, r, err := c.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
				continue
			}
			c.r = r
		}
		n, err := c.r.Read(p)
		if errors.Is(err, io.EOF) {
			c.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// Write sends p as one message. Valid UTF-8 goes out as a text message,
// anything else as binary.
func (c *channel) Write(p []byte) (int, error) {
	mt := websocket.TextMessage
	if !utf8.Valid(p) {
		mt = websocket.BinaryMessage
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(mt, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a close frame and closes the connection, unblocking Read.
func (c *channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}
