package server

import (
	"net"
	"sync"

	"github.com/mpavel/chatrelay/pkg/protocol"
)

// SafeConn wraps a connection with a send lock so a header and its payload
// always reach the stream back to back, even when several handler goroutines
// target the same recipient. Reads are not locked: each connection has
// exactly one reader, its own session handler.
type SafeConn struct {
	conn      net.Conn
	sendMu    sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func NewSafeConn(conn net.Conn) *SafeConn {
	return &SafeConn{conn: conn}
}

// Send writes one framed message under the send lock.
func (c *SafeConn) Send(cmd protocol.Command, payload []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return protocol.WriteMessage(c.conn, cmd, payload)
}

// SendText frames a textual response under cmd.
func (c *SafeConn) SendText(cmd protocol.Command, text string) error {
	return c.Send(cmd, []byte(text))
}

// SendRaw writes bytes with no header. Only the connection handshake uses
// this.
func (c *SafeConn) SendRaw(b []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	n, err := c.conn.Write(b)
	if err != nil {
		return err
	}
	if n != len(b) {
		return protocol.ErrShortWrite
	}
	return nil
}

// ReadMessage reads the next framed message. The caller must be the
// connection's sole reader.
func (c *SafeConn) ReadMessage() (protocol.Header, []byte, error) {
	return protocol.ReadMessage(c.conn)
}

// Close closes the underlying connection once; later calls return the first
// result.
func (c *SafeConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *SafeConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
