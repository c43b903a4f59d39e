// Package loadtest drives simulated participants against a running server.
// Clients speak the same gobwas/ws protocol as browsers: join, then post
// chat messages whose broadcast echo measures round-trip latency.
package loadtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/lounge/internal/protocol"
)

// probePrefix marks messages whose content carries a send timestamp.
const probePrefix = "probe:"

// ErrClosed is returned by Join when the server closes the connection first.
var ErrClosed = errors.New("loadtest: connection closed")

// Metrics is one client's view of the run.
type Metrics struct {
	ConnectLatency   time.Duration
	JoinLatency      time.Duration
	MessagesSent     int
	MessagesReceived int
	RateLimited      int
	Errors           int
}

// Client is one simulated participant.
type Client struct {
	conn      net.Conn
	logicalID string

	writeMu sync.Mutex

	mu       sync.Mutex
	metrics  Metrics
	joinedAt time.Time
	handlers map[string]func(json.RawMessage)

	joined    chan struct{}
	joinOnce  sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to url and starts the read loop. Handlers registered with On
// before Join see every frame.
func Dial(ctx context.Context, url, logicalID string) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("loadtest: dial: %w", err)
	}
	c := &Client{
		conn:      conn,
		logicalID: logicalID,
		handlers:  make(map[string]func(json.RawMessage)),
		joined:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)
	go c.readLoop()
	return c, nil
}

// On registers handler for a server event type. It replaces any earlier
// handler for the same type.
func (c *Client) On(typ string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[typ] = handler
	c.mu.Unlock()
}

// Join sends the join request and waits for the joined event.
func (c *Client) Join(ctx context.Context, nickname string) error {
	start := time.Now()
	if err := c.Send(protocol.JoinMsg{Type: protocol.TypeJoin, LogicalID: c.logicalID, Nickname: nickname}); err != nil {
		return err
	}
	select {
	case <-c.joined:
		c.mu.Lock()
		c.metrics.JoinLatency = c.joinedAt.Sub(start)
		c.mu.Unlock()
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send writes v as one text frame.
func (c *Client) Send(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("loadtest: marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, data); err != nil {
		return fmt.Errorf("loadtest: write: %w", err)
	}
	c.mu.Lock()
	c.metrics.MessagesSent++
	c.mu.Unlock()
	return nil
}

// Probe posts a chat message stamped with the current time.
func (c *Client) Probe() error {
	return c.Send(protocol.ChatMessageMsg{
		Type:    protocol.TypeChatMessage,
		Content: probePrefix + c.logicalID + ":" + strconv.FormatInt(time.Now().UnixNano(), 10),
	})
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close ends the connection. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Metrics returns a copy of the client's counters.
func (c *Client) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
			}
			return
		}

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		switch envelope.Type {
		case protocol.TypeJoined:
			c.joinOnce.Do(func() {
				c.joinedAt = time.Now()
				close(c.joined)
			})
		case protocol.TypeRateLimited:
			c.metrics.RateLimited++
		case protocol.TypeError:
			c.metrics.Errors++
		}
		handler := c.handlers[envelope.Type]
		c.mu.Unlock()

		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}

// ProbeLatency reports how long ago a probe from logicalID was sent, if msg
// is one of that client's probes.
func ProbeLatency(msg protocol.ServerChatMsg, logicalID string, now time.Time) (time.Duration, bool) {
	rest, ok := strings.CutPrefix(msg.Content, probePrefix+logicalID+":")
	if !ok {
		return 0, false
	}
	ns, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return now.Sub(time.Unix(0, ns)), true
}
