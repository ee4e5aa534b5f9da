package connmgr

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"babelfish/internal/transport"
)

// Link is one established duplex connection to a single peer.
// It is live from the moment the channel exists and is never reused.
type Link struct {
	m       *Manager
	ch      transport.Channel
	peer    transport.Peer
	inbound bool

	writeMu sync.Mutex
	closed  atomic.Bool
}

func newLink(m *Manager, ch transport.Channel, peer transport.Peer, inbound bool) *Link {
	return &Link{m: m, ch: ch, peer: peer, inbound: inbound}
}

// Peer returns the remote end of the link.
func (l *Link) Peer() transport.Peer { return l.peer }

// Inbound reports whether the peer connected to our listener.
func (l *Link) Inbound() bool { return l.inbound }

// Write sends p in one blocking call. On failure the link removes itself
// from the manager.
func (l *Link) Write(p []byte) error {
	if l.closed.Load() {
		return fmt.Errorf("connmgr: write to %s: %w", l.peer.Address, transport.ErrClosed)
	}
	l.writeMu.Lock()
	_, err := l.ch.Write(p)
	l.writeMu.Unlock()
	if err != nil {
		l.fail(err)
		return fmt.Errorf("connmgr: write to %s: %w", l.peer.Address, err)
	}
	return nil
}

// Close closes the channel. The read loop then ends without reporting an
// error.
func (l *Link) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	return l.ch.Close()
}

// readLoop forwards text as it arrives. A rune split across reads is held
// back until its remaining bytes arrive.
func (l *Link) readLoop() {
	buf := make([]byte, l.m.readBufSize)
	var carry []byte
	for {
		n, err := l.ch.Read(buf)
		if n > 0 {
			data := buf[:n]
			if len(carry) > 0 {
				data = append(carry, data...)
			}
			cut := completePrefix(data)
			if cut > 0 {
				l.m.deliver(l, decodeText(data[:cut]))
			}
			carry = append([]byte(nil), data[cut:]...)
		}
		if err != nil {
			if len(carry) > 0 {
				l.m.deliver(l, decodeText(carry))
			}
			l.fail(err)
			return
		}
	}
}

// fail tears the link down after an I/O error. Errors following an
// explicit Close are expected and stay silent.
func (l *Link) fail(err error) {
	if !l.closed.CompareAndSwap(false, true) {
		l.m.removeLink(l, 0, nil)
		return
	}
	_ = l.ch.Close()
	if errors.Is(err, io.EOF) {
		l.m.removeLink(l, 0, err)
		return
	}
	l.m.removeLink(l, LinkBroken, err)
}

// completePrefix returns the length of b without a trailing incomplete
// UTF-8 sequence.
func completePrefix(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if utf8.FullRune(b[i:]) {
				return len(b)
			}
			return i
		}
	}
	return len(b)
}

func decodeText(b []byte) string {
	return strings.ToValidUTF8(string(b), "�")
}
