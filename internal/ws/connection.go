package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/lounge/internal/chat"
)

// Connection is one upgraded WebSocket. It is the transport under a
// chat.Session: the session's writer goroutine calls Write and Close.
type Connection struct {
	ID        string    // session ID (UUID)
	Conn      net.Conn  // underlying TCP connection
	Addr      string    // origin address used for bans and disambiguation
	CreatedAt time.Time // when the connection was established

	session      *chat.Session
	onClose      func(*Connection)
	writeTimeout time.Duration
	lastSeen     atomic.Int64 // unix nanos of the last frame read
	writeMu      sync.Mutex   // serializes data frames with heartbeat pings
	processing   int32        // atomic flag: 0 = idle, 1 = being read by handleConn
	closeOnce    sync.Once
}

func newConnection(id string, conn net.Conn, addr string, writeTimeout time.Duration, onClose func(*Connection)) *Connection {
	c := &Connection{
		ID:           id,
		Conn:         conn,
		Addr:         addr,
		CreatedAt:    time.Now(),
		onClose:      onClose,
		writeTimeout: writeTimeout,
	}
	c.touch()
	return c
}

// Session returns the chat session bound to the connection.
func (c *Connection) Session() *chat.Session { return c.session }

// Write sends data as one text frame, bounded by the write timeout.
func (c *Connection) Write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a protocol-level ping frame.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close is called by the session writer after its last frame. The server
// forgets the connection before the socket is closed.
func (c *Connection) Close() error {
	if c.onClose != nil {
		c.onClose(c)
	}
	return c.closeConn()
}

func (c *Connection) closeConn() error {
	var err error
	c.closeOnce.Do(func() { err = c.Conn.Close() })
	return err
}

func (c *Connection) touch() { c.lastSeen.Store(time.Now().UnixNano()) }

// LastSeen is when the last frame was read from the client.
func (c *Connection) LastSeen() time.Time { return time.Unix(0, c.lastSeen.Load()) }

// ConnectionManager indexes live connections by session ID and by net.Conn,
// the key the poller hands back.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byConn map[net.Conn]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add registers a connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byConn[conn.Conn] = conn
	cm.mu.Unlock()
}

// Remove drops a connection by session ID. It returns false if the
// connection was already gone, so only one caller ever tears it down.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, conn.Conn)
	}
	return ok
}

// Get returns the connection for the given session ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byID[id]
}

// GetByConn returns the connection wrapping c, or nil.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byConn[c]
}

// Count returns the current number of connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.byID)
}

// All returns a snapshot of all current connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
