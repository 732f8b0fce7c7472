// Package gateway is the HTTP front door: it upgrades WebSocket requests, redirects everything else,
// and runs one bridge session per accepted connection.
package gateway

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/matst80/wsgate/internal/backend"
	"github.com/matst80/wsgate/internal/bridge"
	"github.com/matst80/wsgate/internal/httpx"
	"github.com/matst80/wsgate/internal/obs"
	"github.com/matst80/wsgate/internal/ratelimit"
	"github.com/matst80/wsgate/internal/registry"
)

// Options configure a Server. Zero values disable the corresponding limit.
type Options struct {
	// PublicHost and RedirectBase build the redirect for plain HTTP requests:
	// <RedirectBase>?ip=wss://<PublicHost>.
	PublicHost   string
	RedirectBase string

	MaxPendingBytes int
	MaxMessageBytes int64
	PingInterval    time.Duration
	WriteTimeout    time.Duration

	Limiter  *ratelimit.Limiter
	Registry registry.Store
}

// Server accepts WebSocket clients and bridges each to the backend.
type Server struct {
	opts      Options
	connector atomic.Pointer[backend.Connector]
	upgrader  websocket.Upgrader
	dial      func(*backend.Connector) bridge.ConnectFunc

	mu       sync.Mutex
	sessions map[string]*bridge.Session
	closing  bool
	wg       sync.WaitGroup
}

func New(c *backend.Connector, opts Options) *Server {
	if opts.Registry == nil {
		opts.Registry = registry.NewMemory("local")
	}
	s := &Server{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// Clients are game launchers served from other origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		dial:     bridge.Dial,
		sessions: make(map[string]*bridge.Session),
	}
	s.connector.Store(c)
	return s
}

// Connector returns the backend settings new sessions will use.
func (s *Server) Connector() *backend.Connector { return s.connector.Load() }

// SetConnector swaps the backend settings. Sessions already open keep the connector they started with.
func (s *Server) SetConnector(c *backend.Connector) {
	fields := obs.Fields{"addr": c.Addr(), "proxy_header": c.InjectHeader, "dial_timeout": c.DialTimeout.String()}
	if old := s.connector.Swap(c); old != nil {
		fields["previous"] = old.Addr()
	}
	obs.Info("gateway.backend", fields)
}

// Active returns the number of sessions currently open on this instance.
func (s *Server) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Registry returns the session registry.
func (s *Server) Registry() registry.Store { return s.opts.Registry }

// RedirectURL is where non-upgrade requests are sent.
func (s *Server) RedirectURL() string {
	return s.opts.RedirectBase + "?ip=wss://" + s.opts.PublicHost
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		obs.Debug("gateway.redirect", obs.Fields{"path": r.URL.Path, "remote": httpx.RemoteIP(r)})
		w.Header().Set("Location", s.RedirectURL())
		w.WriteHeader(http.StatusFound)
		return
	}
	if s.isClosing() {
		obs.UpgradesRejectedTotal.WithLabelValues("closing").Inc()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	// Forwarding headers are client controlled, so admission is keyed on the transport peer.
	peer := httpx.RemoteIP(r)
	if ok, reason := s.opts.Limiter.Allow(peer); !ok {
		obs.UpgradesRejectedTotal.WithLabelValues("rate_" + reason).Inc()
		obs.Debug("gateway.rate_limited", obs.Fields{"peer": peer, "tier": reason})
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}
	addr, port := httpx.ClientAddress(r.Header)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		obs.UpgradesRejectedTotal.WithLabelValues("handshake").Inc()
		obs.ErrorsTotal.WithLabelValues("upgrade").Inc()
		obs.Error("gateway.upgrade", obs.Fields{"err": err.Error(), "remote": httpx.RemoteIP(r)})
		return
	}
	s.serve(conn, addr, port)
}

func (s *Server) serve(conn *websocket.Conn, addr string, port uint16) {
	client := newWSClient(conn, s.opts.WriteTimeout)
	if s.opts.MaxMessageBytes > 0 {
		conn.SetReadLimit(s.opts.MaxMessageBytes)
	}
	sess := bridge.New(uuid.NewString(), client, s.dial(s.Connector()), addr, port, bridge.Options{
		MaxPendingBytes: s.opts.MaxPendingBytes,
		OnBridged:       s.onBridged,
		OnClosed:        s.onClosed,
	})
	if err := s.opts.Registry.Add(registry.Info{
		ID:         sess.ID,
		ClientAddr: addr,
		ClientPort: port,
		State:      bridge.Connecting.String(),
		Created:    sess.Created,
	}); err != nil {
		obs.ErrorsTotal.WithLabelValues("registry").Inc()
		obs.Error("registry.add", obs.Fields{"id": sess.ID, "err": err.Error()})
	}
	if !s.track(sess) {
		_ = s.opts.Registry.Remove(sess.ID)
		_ = client.Close(bridge.CloseGoingAway, "server shutting down")
		return
	}
	obs.Info("session.open", obs.Fields{"id": sess.ID, "client": addr, "client_port": port, "remote": conn.RemoteAddr().String()})
	sess.Start()

	stop := s.keepalive(conn, client)
	defer stop()
	for {
		_, p, err := conn.ReadMessage()
		if err != nil {
			if sess.State() != bridge.Closed && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				obs.Debug("session.client_read", obs.Fields{"id": sess.ID, "err": err.Error()})
			}
			break
		}
		sess.OnClientMessage(p)
	}
	sess.OnClientClosed()
}

// keepalive pings the client every PingInterval and drops it after two missed pongs.
func (s *Server) keepalive(conn *websocket.Conn, client *wsClient) func() {
	interval := s.opts.PingInterval
	if interval <= 0 {
		return func() {}
	}
	wait := 2 * interval
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wait))
	})
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if err := client.ping(); err != nil {
					return
				}
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Server) track(sess *bridge.Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.sessions[sess.ID] = sess
	s.wg.Add(1)
	return true
}

func (s *Server) onBridged(sess *bridge.Session) {
	if err := s.opts.Registry.SetState(sess.ID, bridge.Bridged.String()); err != nil {
		obs.Debug("registry.set_state", obs.Fields{"id": sess.ID, "err": err.Error()})
	}
}

func (s *Server) onClosed(sess *bridge.Session) {
	s.mu.Lock()
	_, tracked := s.sessions[sess.ID]
	delete(s.sessions, sess.ID)
	s.mu.Unlock()
	if err := s.opts.Registry.Remove(sess.ID); err != nil {
		obs.ErrorsTotal.WithLabelValues("registry").Inc()
		obs.Error("registry.remove", obs.Fields{"id": sess.ID, "err": err.Error()})
	}
	if tracked {
		s.wg.Done()
	}
}

// Shutdown stops admitting sessions, closes every open one with 1001 (going away) and waits
// for them to finish or for ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	live := make([]*bridge.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		live = append(live, sess)
	}
	s.mu.Unlock()
	s.opts.Registry.SetClosing(true)
	obs.Info("gateway.shutdown", obs.Fields{"sessions": len(live)})

	for _, sess := range live {
		go sess.Close(bridge.CloseGoingAway, "server shutting down")
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
