package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsClient adapts a gorilla connection to bridge.Client. gorilla allows one concurrent writer,
// so data writes are serialized here; control frames are safe alongside them.
type wsClient struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newWSClient(conn *websocket.Conn, writeTimeout time.Duration) *wsClient {
	return &wsClient{conn: conn, writeTimeout: writeTimeout}
}

func (c *wsClient) deadline() time.Time {
	if c.writeTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(c.writeTimeout)
}

// Send writes p as one binary message.
func (c *wsClient) Send(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(c.deadline())
	return c.conn.WriteMessage(websocket.BinaryMessage, p)
}

func (c *wsClient) ping() error {
	d := c.deadline()
	if d.IsZero() {
		d = time.Now().Add(10 * time.Second)
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, d)
}

// Close sends a close frame with code and reason, then closes the socket. Later calls return the first result.
func (c *wsClient) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		d := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), d)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
