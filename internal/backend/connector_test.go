package backend

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/pires/go-proxyproto"
	"github.com/stretchr/testify/require"
)

// listen starts a loopback TCP server and hands each accepted connection to the returned channel.
func listen(t *testing.T) (*Connector, <-chan net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var (
		mu       sync.Mutex
		accepted []net.Conn
	)
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range accepted {
			_ = c.Close()
		}
	})
	conns := make(chan net.Conn, 4)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			accepted = append(accepted, c)
			mu.Unlock()
			conns <- c
		}
	}()
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return &Connector{Host: "127.0.0.1", Port: uint16(port), DialTimeout: 2 * time.Second}, conns
}

type recorder struct {
	mu     sync.Mutex
	data   []byte
	chunks int
	errs   []error
	closed int
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnData: func(p []byte) {
			r.mu.Lock()
			r.data = append(r.data, p...)
			r.chunks++
			r.mu.Unlock()
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
		OnClosed: func() {
			r.mu.Lock()
			r.closed++
			r.mu.Unlock()
		},
	}
}

func (r *recorder) snapshot() (string, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.data), len(r.errs), r.closed
}

func accept(t *testing.T, conns <-chan net.Conn) net.Conn {
	t.Helper()
	select {
	case c := <-conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("backend never accepted a connection")
		return nil
	}
}

func TestConnectWritesHeaderBeforePayload(t *testing.T) {
	c, conns := listen(t)
	c.InjectHeader = true

	var rec recorder
	link, err := c.Connect(context.Background(), rec.handlers(), "203.0.113.7", 54321)
	require.NoError(t, err)
	defer link.Close()
	_, err = link.Write([]byte("hello"))
	require.NoError(t, err)

	srv := accept(t, conns)
	br := bufio.NewReader(srv)
	h, err := proxyproto.Read(br)
	require.NoError(t, err)
	src := h.SourceAddr.(*net.TCPAddr)
	dst := h.DestinationAddr.(*net.TCPAddr)
	require.Equal(t, "203.0.113.7", src.IP.String())
	require.Equal(t, 54321, src.Port)
	require.Equal(t, "127.0.0.1", dst.IP.String())
	require.Equal(t, int(c.Port), dst.Port)

	payload := make([]byte, 5)
	_, err = io.ReadFull(br, payload)
	require.NoError(t, err)
	require.Equal(t, "hello", string(payload))
}

func TestConnectWithoutHeaderRelaysRawBytes(t *testing.T) {
	c, conns := listen(t)

	var rec recorder
	link, err := c.Connect(context.Background(), rec.handlers(), "203.0.113.7", 1)
	require.NoError(t, err)
	defer link.Close()
	_, err = link.Write([]byte("raw"))
	require.NoError(t, err)

	srv := accept(t, conns)
	got := make([]byte, 3)
	_, err = io.ReadFull(srv, got)
	require.NoError(t, err)
	require.Equal(t, "raw", string(got))
}

func TestLinkDeliversDataInOrderThenClosed(t *testing.T) {
	c, conns := listen(t)

	var rec recorder
	link, err := c.Connect(context.Background(), rec.handlers(), "127.0.0.1", 0)
	require.NoError(t, err)
	srv := accept(t, conns)

	_, err = srv.Write([]byte("early"))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	data, _, _ := rec.snapshot()
	require.Empty(t, data, "no data before Start")

	link.Start()
	_, err = srv.Write([]byte("-late"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		d, _, _ := rec.snapshot()
		return d == "early-late"
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, srv.Close())
	select {
	case <-link.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("link never finished")
	}
	_, errs, closed := rec.snapshot()
	require.Equal(t, 0, errs)
	require.Equal(t, 1, closed)
}

func TestLocalCloseFiresClosedOnce(t *testing.T) {
	c, conns := listen(t)

	var rec recorder
	link, err := c.Connect(context.Background(), rec.handlers(), "127.0.0.1", 0)
	require.NoError(t, err)
	accept(t, conns)
	link.Start()

	require.NoError(t, link.Close())
	require.NoError(t, link.Close())
	<-link.Done()
	_, errs, closed := rec.snapshot()
	require.Equal(t, 0, errs)
	require.Equal(t, 1, closed)
}

func TestCloseUnstartedLinkFiresClosed(t *testing.T) {
	c, conns := listen(t)

	var rec recorder
	link, err := c.Connect(context.Background(), rec.handlers(), "127.0.0.1", 0)
	require.NoError(t, err)
	accept(t, conns)

	require.NoError(t, link.Close())
	<-link.Done()
	link.Start()
	_, _, closed := rec.snapshot()
	require.Equal(t, 1, closed)
}

func TestConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, ln.Close())
	port, _ := strconv.Atoi(portStr)

	c := &Connector{Host: "127.0.0.1", Port: uint16(port), DialTimeout: time.Second}
	link, err := c.Connect(context.Background(), Handlers{}, "127.0.0.1", 0)
	require.Error(t, err)
	require.Nil(t, link)
}

func TestConnectCancelled(t *testing.T) {
	c := &Connector{Host: "127.0.0.1", Port: 1}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Connect(ctx, Handlers{}, "127.0.0.1", 0)
	require.Error(t, err)
}

func TestHeaderWriteDeadlineIsCleared(t *testing.T) {
	c, conns := listen(t)
	c.InjectHeader = true
	c.DialTimeout = 50 * time.Millisecond

	var rec recorder
	link, err := c.Connect(context.Background(), rec.handlers(), "203.0.113.7", 54321)
	require.NoError(t, err)
	defer link.Close()

	time.Sleep(2 * c.DialTimeout)
	_, err = link.Write([]byte("late"))
	require.NoError(t, err)

	br := bufio.NewReader(accept(t, conns))
	_, err = proxyproto.Read(br)
	require.NoError(t, err)
	payload := make([]byte, 4)
	_, err = io.ReadFull(br, payload)
	require.NoError(t, err)
	require.Equal(t, "late", string(payload))
}
