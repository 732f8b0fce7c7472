package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// echoServer answers every message with "echo:" + payload and records the forwarding headers.
func echoServer(t *testing.T, seen chan<- http.Header) string {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Header.Clone()
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			mt, p, err := c.ReadMessage()
			if err != nil {
				return
			}
			if err := c.WriteMessage(mt, append([]byte("echo:"), p...)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestRunPipesStdinAndStdout(t *testing.T) {
	seen := make(chan http.Header, 1)
	url := echoServer(t, seen)

	var out bytes.Buffer
	cfg := Config{URL: url, ForwardedFor: "203.0.113.7", ForwardedPort: 4000, Linger: 200 * time.Millisecond}
	err := run(context.Background(), cfg, strings.NewReader("hello"), &out)
	require.NoError(t, err)
	require.Equal(t, "echo:hello", out.String())

	h := <-seen
	require.Equal(t, "203.0.113.7", h.Get("X-Forwarded-For"))
	require.Equal(t, "4000", h.Get("X-Forwarded-Port"))
}

func TestRunReportsAbnormalClose(t *testing.T) {
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		_ = c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "Failed to connect to TCP server"), time.Now().Add(time.Second))
		_, _, _ = c.ReadMessage()
	}))
	defer srv.Close()

	err := run(context.Background(), Config{URL: "ws" + strings.TrimPrefix(srv.URL, "http"), Linger: time.Second}, strings.NewReader(""), &bytes.Buffer{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "1011")
}

func TestRunDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	err := run(context.Background(), Config{URL: "ws" + strings.TrimPrefix(srv.URL, "http")}, strings.NewReader(""), &bytes.Buffer{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "status 404")
}
