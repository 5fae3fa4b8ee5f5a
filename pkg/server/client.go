package server

import (
	"fmt"
	"net"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/aeolun/chatrelay/pkg/protocol"
)

// Transport is the narrow seam between the core and a connection. SendFrame
// carries fully framed bytes out; the acceptors own the read side.
type Transport interface {
	// SendFrame writes one framed packet. Implementations serialize writes so
	// concurrent handler and broadcast sends cannot interleave on the wire.
	SendFrame(data []byte) error
	// Close tears down the underlying connection.
	Close() error
}

// SafeConn wraps a net.Conn with automatic write synchronization to prevent
// concurrent writes from corrupting wire frames. Request handlers and
// broadcast fan-out may both write to the same connection; without the mutex
// their frame bytes interleave.
type SafeConn struct {
	conn net.Conn
	mu   sync.Mutex // Protects writes to conn
}

// NewSafeConn wraps a net.Conn with write synchronization
func NewSafeConn(conn net.Conn) *SafeConn {
	return &SafeConn{conn: conn}
}

// SendFrame writes framed bytes with write synchronization.
func (sc *SafeConn) SendFrame(data []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	_, err := sc.conn.Write(data)
	return err
}

// ReadRequest reads one length-prefixed request from the connection.
// Reads don't need write synchronization.
func (sc *SafeConn) ReadRequest() (protocol.Request, error) {
	return protocol.ReadRequest(sc.conn)
}

// Close closes the underlying connection
func (sc *SafeConn) Close() error {
	return sc.conn.Close()
}

// RemoteAddr returns the remote network address
func (sc *SafeConn) RemoteAddr() net.Addr {
	return sc.conn.RemoteAddr()
}

// WSConn wraps a websocket connection with write synchronization. Frames go
// out as single binary messages carrying the full framed bytes.
type WSConn struct {
	conn *websocket.Conn
	mu   sync.Mutex // Protects writes to conn
}

// NewWSConn wraps a websocket.Conn with write synchronization
func NewWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{conn: conn}
}

// SendFrame writes framed bytes as one binary message.
func (wc *WSConn) SendFrame(data []byte) error {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	return wc.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Close closes the underlying connection
func (wc *WSConn) Close() error {
	return wc.conn.Close()
}

// Client is the per-connection record. The client registry is the sole
// strong owner; channels hold weak references only.
type Client struct {
	ID   uint32
	conn Transport

	mu       sync.Mutex // Protects username and channels
	username string
	channels []uint32

	admin     atomic.Bool
	connected atomic.Bool
}

func newClient(id uint32, conn Transport) *Client {
	return &Client{
		ID:       id,
		conn:     conn,
		username: fmt.Sprintf("user0%d", id),
	}
}

// Username returns the current username.
func (c *Client) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

// ChangeUsername sets the username to the requested name with the client id
// appended, and returns the result.
func (c *Client) ChangeUsername(name string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.username = fmt.Sprintf("%s%d", name, c.ID)
	return c.username
}

// Admin reports whether the client holds admin rights.
func (c *Client) Admin() bool {
	return c.admin.Load()
}

// TryElevate grants admin rights when the supplied password matches the
// configured secret. An empty secret disables elevation.
func (c *Client) TryElevate(password, secret string) bool {
	if secret == "" || password != secret {
		return false
	}
	c.admin.Store(true)
	debugLog.Printf("%s registered as an admin", c.Username())
	return true
}

// Connected reports whether the client completed SVR_CONNECT and has not
// been dropped since.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// SetConnected flips the connection flag.
func (c *Client) SetConnected(v bool) {
	c.connected.Store(v)
	debugLog.Printf("%s connection status changed: %v", c.Username(), v)
}

// AddChannel records channel membership on the client side.
func (c *Client) AddChannel(channelID uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !slices.Contains(c.channels, channelID) {
		c.channels = append(c.channels, channelID)
	}
}

// RemoveChannel forgets channel membership on the client side.
func (c *Client) RemoveChannel(channelID uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels = slices.DeleteFunc(c.channels, func(id uint32) bool {
		return id == channelID
	})
}

// IsMember reports whether the client has joined the channel.
func (c *Client) IsMember(channelID uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Contains(c.channels, channelID)
}

// Channels returns a snapshot of the joined channel ids.
func (c *Client) Channels() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.channels)
}

// SendResponse transmits an encoded response unless it is the sentinel.
func (c *Client) SendResponse(resp protocol.Response) error {
	if resp.Empty() {
		return nil
	}
	return c.SendPacket(resp.Data)
}

// SendPacket transmits pre-framed bytes.
func (c *Client) SendPacket(data []byte) error {
	return c.conn.SendFrame(data)
}

// Close tears down the client's transport.
func (c *Client) Close() error {
	return c.conn.Close()
}
