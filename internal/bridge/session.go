// Package bridge implements the per-connection session that joins one WebSocket client to one
// backend TCP connection.
//
// A session starts CONNECTING and buffers client messages while the backend dial is in flight.
// When the dial succeeds the buffer is flushed in arrival order and the session becomes BRIDGED;
// from then on bytes are relayed directly. Any close or error on either side moves the session
// to CLOSED, which tears down both sides exactly once. CLOSED is terminal: there is no reconnect.
package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/matst80/wsgate/internal/backend"
	"github.com/matst80/wsgate/internal/obs"
)

// WebSocket close codes used when the session closes the client.
const (
	CloseNormal        = 1000
	CloseGoingAway     = 1001
	CloseMessageTooBig = 1009
	CloseInternalError = 1011
)

// State is the lifecycle position of a session.
type State int32

const (
	Connecting State = iota
	Bridged
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Bridged:
		return "bridged"
	default:
		return "closed"
	}
}

// Client is the WebSocket side of a session. Close must be safe to call after the peer is gone.
type Client interface {
	Send(p []byte) error
	Close(code int, reason string) error
}

// Link is an established backend connection. Start enables event delivery.
type Link interface {
	Write(p []byte) (int, error)
	Start()
	Close() error
}

// ConnectFunc opens the backend connection for a client address.
type ConnectFunc func(ctx context.Context, h backend.Handlers, addr string, port uint16) (Link, error)

// Dial adapts a backend.Connector to a ConnectFunc.
func Dial(c *backend.Connector) ConnectFunc {
	return func(ctx context.Context, h backend.Handlers, addr string, port uint16) (Link, error) {
		l, err := c.Connect(ctx, h, addr, port)
		if err != nil {
			return nil, err
		}
		return l, nil
	}
}

// ErrPendingOverflow is the close cause when a client sends more than Options.MaxPendingBytes
// before the backend is reachable.
var ErrPendingOverflow = errors.New("pending buffer limit exceeded")

// Options tune a session. Hooks run outside the session lock.
type Options struct {
	// MaxPendingBytes caps bytes buffered while CONNECTING. Zero means unbounded.
	MaxPendingBytes int
	OnBridged       func(s *Session)
	OnClosed        func(s *Session)
}

// Session bridges one client to one backend connection.
type Session struct {
	ID         string
	ClientAddr string
	ClientPort uint16
	Created    time.Time

	client  Client
	connect ConnectFunc
	opts    Options

	mu           sync.Mutex
	state        State
	pending      [][]byte
	pendingBytes int
	link         Link
	cancel       context.CancelFunc
	cause        error
	done         chan struct{}
}

// New returns a CONNECTING session. Start begins the backend dial.
func New(id string, client Client, connect ConnectFunc, addr string, port uint16, opts Options) *Session {
	return &Session{
		ID:         id,
		ClientAddr: addr,
		ClientPort: port,
		Created:    time.Now(),
		client:     client,
		connect:    connect,
		opts:       opts,
		done:       make(chan struct{}),
	}
}

// Start dials the backend asynchronously. Only the first call has an effect, and none after close.
func (s *Session) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.state != Connecting || s.cancel != nil {
		s.mu.Unlock()
		cancel()
		return
	}
	s.cancel = cancel
	s.mu.Unlock()
	obs.SessionsTotal.Inc()
	obs.ActiveSessions.Inc()
	obs.ConnectingSessions.Inc()
	go s.dial(ctx)
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Cause returns why the session closed, nil for a clean close or while open.
func (s *Session) Cause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// Done is closed after both sides of a closed session have been released.
func (s *Session) Done() <-chan struct{} { return s.done }

// OnClientMessage handles one message received from the client.
func (s *Session) OnClientMessage(p []byte) {
	s.mu.Lock()
	switch s.state {
	case Connecting:
		if limit := s.opts.MaxPendingBytes; limit > 0 && s.pendingBytes+len(p) > limit {
			release := s.closeLocked(CloseMessageTooBig, "pending buffer full", ErrPendingOverflow)
			s.mu.Unlock()
			obs.ErrorsTotal.WithLabelValues("pending_overflow").Inc()
			obs.Error("session.pending_overflow", obs.Fields{"id": s.ID, "limit": limit})
			release()
			return
		}
		s.pending = append(s.pending, append([]byte(nil), p...))
		s.pendingBytes += len(p)
		queued := len(s.pending)
		s.mu.Unlock()
		obs.QueuedMessagesTotal.Inc()
		obs.Debug("session.queued", obs.Fields{"id": s.ID, "bytes": len(p), "queued": queued})
	case Bridged:
		link := s.link
		s.mu.Unlock()
		if _, err := link.Write(p); err != nil {
			obs.ErrorsTotal.WithLabelValues("backend_write").Inc()
			s.onBackendError(err)
			return
		}
		obs.BytesTotal.WithLabelValues(obs.DirClientToBackend).Add(float64(len(p)))
	default:
		s.mu.Unlock()
	}
}

// OnClientClosed handles the client going away. The backend link is closed, or the pending dial abandoned.
func (s *Session) OnClientClosed() {
	s.terminate(CloseNormal, "", nil)
}

// Close shuts the session down from the server side, e.g. on gateway shutdown.
func (s *Session) Close(code int, reason string) {
	s.terminate(code, reason, nil)
}

func (s *Session) dial(ctx context.Context) {
	link, err := s.connect(ctx, backend.Handlers{
		OnData:   s.onBackendData,
		OnError:  s.onBackendError,
		OnClosed: s.onBackendClosed,
	}, s.ClientAddr, s.ClientPort)
	if err != nil {
		s.onBackendConnectFailed(err)
		return
	}
	s.onBackendConnected(link)
}

func (s *Session) onBackendConnected(link Link) {
	s.mu.Lock()
	if s.state != Connecting {
		s.mu.Unlock()
		_ = link.Close()
		return
	}
	// Writes run unlocked; a close meanwhile closes s.link, which unblocks a stalled write.
	s.link = link
	queued, flushed := 0, 0
	for len(s.pending) > 0 {
		batch := s.pending
		s.pending, s.pendingBytes = nil, 0
		s.mu.Unlock()

		for _, p := range batch {
			if _, err := link.Write(p); err != nil {
				s.mu.Lock()
				if s.state == Closed {
					s.mu.Unlock()
					return
				}
				release := s.closeLocked(CloseInternalError, "backend error", err)
				s.mu.Unlock()
				obs.ErrorsTotal.WithLabelValues("backend_flush").Inc()
				obs.Error("session.flush", obs.Fields{"id": s.ID, "err": err.Error()})
				release()
				return
			}
			queued++
			flushed += len(p)
		}

		s.mu.Lock()
		if s.state != Connecting {
			s.mu.Unlock()
			return
		}
	}
	s.state = Bridged
	s.mu.Unlock()

	obs.ConnectingSessions.Dec()
	obs.BridgedTotal.Inc()
	if flushed > 0 {
		obs.BytesTotal.WithLabelValues(obs.DirClientToBackend).Add(float64(flushed))
	}
	obs.Info("session.bridged", obs.Fields{"id": s.ID, "client": s.ClientAddr, "flushed_messages": queued, "flushed_bytes": flushed})
	if s.opts.OnBridged != nil {
		s.opts.OnBridged(s)
	}
	link.Start()
}

func (s *Session) onBackendConnectFailed(err error) {
	if s.State() == Closed {
		// The client left first and the dial was abandoned.
		return
	}
	obs.BackendConnectFailuresTotal.Inc()
	obs.ErrorsTotal.WithLabelValues("backend_connect").Inc()
	obs.Error("session.backend_connect", obs.Fields{"id": s.ID, "err": err.Error()})
	s.terminate(CloseInternalError, "Failed to connect to TCP server", err)
}

func (s *Session) onBackendData(p []byte) {
	if s.State() != Bridged {
		return
	}
	if err := s.client.Send(p); err != nil {
		obs.Debug("session.client_send", obs.Fields{"id": s.ID, "err": err.Error()})
		s.terminate(CloseNormal, "", nil)
		return
	}
	obs.BytesTotal.WithLabelValues(obs.DirBackendToClient).Add(float64(len(p)))
}

func (s *Session) onBackendClosed() {
	s.terminate(CloseNormal, "backend closed", nil)
}

func (s *Session) onBackendError(err error) {
	obs.ErrorsTotal.WithLabelValues("backend_io").Inc()
	s.terminate(CloseInternalError, "backend error", err)
}

func (s *Session) terminate(code int, reason string, cause error) {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	release := s.closeLocked(code, reason, cause)
	s.mu.Unlock()
	release()
}

// closeLocked moves the session to Closed and returns the teardown to run after unlocking.
func (s *Session) closeLocked(code int, reason string, cause error) func() {
	prev := s.state
	s.state = Closed
	s.cause = cause
	s.pending, s.pendingBytes = nil, 0
	link, cancel, started := s.link, s.cancel, s.cancel != nil
	s.link = nil
	return func() {
		if cancel != nil {
			cancel()
		}
		if link != nil {
			_ = link.Close()
		}
		_ = s.client.Close(code, reason)
		if started {
			obs.ActiveSessions.Dec()
			if prev == Connecting {
				obs.ConnectingSessions.Dec()
			}
			obs.SessionDurationSeconds.Observe(time.Since(s.Created).Seconds())
		}
		fields := obs.Fields{"id": s.ID, "from": prev.String(), "code": code}
		if cause != nil {
			fields["err"] = cause.Error()
		}
		obs.Info("session.closed", fields)
		if s.opts.OnClosed != nil {
			s.opts.OnClosed(s)
		}
		close(s.done)
	}
}
