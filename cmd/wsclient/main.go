// Command wsclient pipes stdin and stdout through a WebSocket connection to the gateway.
// It is a diagnostic tool: `echo ping | wsclient --url ws://localhost:8080/` shows whatever the backend answers.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matst80/wsgate/internal/httpx"
	"github.com/matst80/wsgate/internal/obs"
	"github.com/spf13/pflag"
)

// Config holds client runtime configuration.
type Config struct {
	URL           string
	ForwardedFor  string
	ForwardedPort uint16
	Text          bool
	Linger        time.Duration
	Debug         bool
}

func main() {
	var cfg Config
	fs := pflag.NewFlagSet("wsclient", pflag.ContinueOnError)
	fs.StringVar(&cfg.URL, "url", "ws://127.0.0.1:8080/", "gateway WebSocket URL")
	fs.StringVar(&cfg.ForwardedFor, "forwarded-for", "", "send X-Forwarded-For so the backend sees this client address")
	fs.Uint16Var(&cfg.ForwardedPort, "forwarded-port", 0, "send X-Forwarded-Port with this port")
	fs.BoolVar(&cfg.Text, "text", false, "send stdin as text messages instead of binary")
	fs.DurationVar(&cfg.Linger, "linger", 2*time.Second, "after stdin ends, wait this long for replies before closing")
	fs.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		os.Exit(2)
	}
	obs.SetOutput(os.Stderr)
	obs.EnableDebug(cfg.Debug)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, os.Stdin, os.Stdout); err != nil {
		obs.Error("wsclient.run", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config, in io.Reader, out io.Writer) error {
	h := http.Header{}
	if cfg.ForwardedFor != "" {
		h.Set(httpx.HeaderForwardedFor, cfg.ForwardedFor)
	}
	if cfg.ForwardedPort != 0 {
		h.Set(httpx.HeaderForwardedPort, strconv.Itoa(int(cfg.ForwardedPort)))
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, h)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", cfg.URL, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", cfg.URL, err)
	}
	defer conn.Close()
	obs.Debug("wsclient.connected", obs.Fields{"url": cfg.URL})

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	return pipe(conn, in, out, cfg.Text, cfg.Linger)
}

// pipe copies in to the connection and every received message to out. It returns when the
// peer closes, or linger after in is exhausted.
func pipe(conn *websocket.Conn, in io.Reader, out io.Writer, text bool, linger time.Duration) error {
	mt := websocket.BinaryMessage
	if text {
		mt = websocket.TextMessage
	}
	var wmu sync.Mutex
	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := in.Read(buf)
			if n > 0 {
				wmu.Lock()
				werr := conn.WriteMessage(mt, buf[:n])
				wmu.Unlock()
				if werr != nil {
					return
				}
			}
			if err != nil {
				obs.Debug("wsclient.stdin_done", obs.Fields{"err": err.Error()})
				time.AfterFunc(linger, func() {
					wmu.Lock()
					defer wmu.Unlock()
					_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				})
				return
			}
		}
	}()

	for {
		_, p, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				obs.Info("wsclient.closed", obs.Fields{"code": ce.Code, "reason": ce.Text})
				if ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway {
					return nil
				}
				return fmt.Errorf("closed by gateway: %d %s", ce.Code, ce.Text)
			}
			return err
		}
		if _, err := out.Write(p); err != nil {
			return err
		}
	}
}
