// Package backend dials the game server and relays its byte stream to event handlers.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/matst80/wsgate/internal/obs"
	"github.com/matst80/wsgate/internal/proxyhdr"
)

const defaultReadBuffer = 32 * 1024

// Handlers receive the events of one backend link. OnData gets its own copy of every chunk.
// Exactly one of OnClosed or OnError fires, and nothing fires after it.
type Handlers struct {
	OnData   func(p []byte)
	OnError  func(err error)
	OnClosed func()
}

// Connector opens outbound connections to a single fixed backend endpoint.
// A Connector is immutable once in use; configuration reloads build a new one.
type Connector struct {
	Host string
	Port uint16
	// InjectHeader writes a PROXY v2 header as the first bytes of every connection.
	InjectHeader bool
	// DialTimeout bounds the connect attempt. Zero leaves it to the dialer and the OS.
	DialTimeout    time.Duration
	ReadBufferSize int
}

// Addr returns the backend's host:port.
func (c *Connector) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(int(c.Port)))
}

// Connect opens one TCP connection for the client at srcAddr:srcPort.
// The returned link does not deliver events until Start is called.
func (c *Connector) Connect(ctx context.Context, h Handlers, srcAddr string, srcPort uint16) (*Link, error) {
	if c.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.DialTimeout)
		defer cancel()
	}
	d := net.Dialer{KeepAlive: 30 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", c.Addr())
	if err != nil {
		return nil, fmt.Errorf("dial backend %s: %w", c.Addr(), err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	if c.InjectHeader {
		hdr := proxyhdr.Encode(srcAddr, srcPort, remoteIP(conn), c.Port)
		if c.DialTimeout > 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(c.DialTimeout))
		}
		if _, err := conn.Write(hdr); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("write proxy header: %w", err)
		}
		_ = conn.SetWriteDeadline(time.Time{})
		obs.Debug("backend.proxy_header", obs.Fields{"src": srcAddr, "src_port": srcPort, "family": proxyhdr.Classify(srcAddr).String(), "bytes": len(hdr)})
	}
	size := c.ReadBufferSize
	if size <= 0 {
		size = defaultReadBuffer
	}
	return &Link{conn: conn, h: h, bufSize: size, done: make(chan struct{})}, nil
}

func remoteIP(c net.Conn) string {
	host, _, err := net.SplitHostPort(c.RemoteAddr().String())
	if err != nil {
		return ""
	}
	return host
}

// Link is one open backend connection.
type Link struct {
	conn    net.Conn
	h       Handlers
	bufSize int

	mu      sync.Mutex
	started bool
	closed  bool

	endOnce sync.Once
	done    chan struct{}
}

// Write sends p to the backend.
func (l *Link) Write(p []byte) (int, error) {
	return l.conn.Write(p)
}

// Start begins delivering backend data to the handlers. Calls after the first, or after Close, are no-ops.
func (l *Link) Start() {
	l.mu.Lock()
	if l.started || l.closed {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.mu.Unlock()
	go l.readLoop()
}

// Close closes the connection. OnClosed fires once, either from the read loop or,
// for a link that was never started, from Close itself.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	started := l.started
	l.mu.Unlock()
	err := l.conn.Close()
	if !started {
		l.finish(nil)
	}
	return err
}

// Done is closed once the terminal event has been delivered.
func (l *Link) Done() <-chan struct{} { return l.done }

// RemoteAddr is the backend address this link is connected to.
func (l *Link) RemoteAddr() net.Addr { return l.conn.RemoteAddr() }

func (l *Link) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Link) readLoop() {
	buf := make([]byte, l.bufSize)
	for {
		n, err := l.conn.Read(buf)
		if n > 0 && l.h.OnData != nil {
			l.h.OnData(append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || l.isClosed() {
				l.finish(nil)
			} else {
				l.finish(err)
			}
			return
		}
	}
}

func (l *Link) finish(err error) {
	l.endOnce.Do(func() {
		_ = l.conn.Close()
		if err != nil {
			if l.h.OnError != nil {
				l.h.OnError(err)
			}
		} else if l.h.OnClosed != nil {
			l.h.OnClosed()
		}
		close(l.done)
	})
}
