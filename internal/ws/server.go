// Package ws is the WebSocket front of the chat coordinator. It upgrades
// HTTP requests with gobwas/ws, waits for readable sockets with epoll,
// reads frames on a bounded worker pool and hands each one to the
// coordinator through the dispatcher.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/whisper/lounge/internal/chat"
	"github.com/whisper/lounge/internal/metrics"
)

// maxFrameBytes bounds one inbound data frame. Larger frames close the
// connection.
const maxFrameBytes = 64 << 10

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	TrustProxy     bool          // take the origin address from X-Forwarded-For
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 10000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Server owns the listener, the poller and the transport connections. Room
// state lives in the coordinator.
type Server struct {
	config     ServerConfig
	log        zerolog.Logger
	coord      *chat.Coordinator
	dispatcher *MessageDispatcher
	epoll      *Epoll
	conns      *ConnectionManager
	workerPool chan struct{} // semaphore limiting concurrent read workers
	mux        *http.ServeMux
	httpServer *http.Server
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	stopOnce   sync.Once
	startedAt  time.Time
}

// NewServer creates a Server routing every connection into coord.
func NewServer(config ServerConfig, coord *chat.Coordinator, log zerolog.Logger) (*Server, error) {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	if config.Heartbeat.Interval <= 0 {
		config.Heartbeat = DefaultHeartbeatConfig()
	}
	epoll, err := NewEpoll()
	if err != nil {
		return nil, fmt.Errorf("ws: failed to create epoll: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:     config,
		log:        log,
		coord:      coord,
		dispatcher: NewMessageDispatcher(coord, log),
		epoll:      epoll,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		mux:        http.NewServeMux(),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		startedAt:  time.Now(),
	}
	s.httpServer = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mux.HandleFunc("/ws", s.handleUpgrade)
	s.mux.HandleFunc("/health", s.handleHealth)
	return s, nil
}

// Handle mounts an extra HTTP handler, such as metrics or the admin API,
// next to the WebSocket endpoint. Call it before Start.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	go s.startEventLoop()
	s.startHeartbeat(s.config.Heartbeat)

	s.log.Info().
		Str("addr", ln.Addr().String()).
		Int("workers", s.config.WorkerPoolSize).
		Int("max_conns", s.config.MaxConnections).
		Msg("server listening")

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades the request, admits it through the coordinator and
// registers the socket with the poller.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	addr := originAddress(r, s.config.TrustProxy)
	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Debug().Err(err).Str("addr", addr).Msg("upgrade failed")
		return
	}

	c := newConnection(uuid.NewString(), netConn, addr, s.config.WriteTimeout, s.RemoveConnection)
	sess, ok := s.coord.Connect(r.Context(), c, c.ID, addr)
	if !ok {
		// The session writer sends the ban notice and closes the socket.
		return
	}
	c.session = sess

	s.conns.Add(c)
	if err := s.epoll.Add(netConn); err != nil {
		s.log.Error().Err(err).Str("session", c.ID).Msg("epoll add failed")
		s.RemoveConnection(c)
		return
	}
	metrics.ConnectionsTotal.Inc()
	s.log.Debug().Str("session", c.ID).Str("addr", addr).Int("total", s.conns.Count()).Msg("connection opened")
}

// handleHealth reports liveness for the load balancer.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Sessions    int    `json:"sessions"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Sessions:    len(s.coord.Online()),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop hands every ready connection to a worker, bounded by the
// worker pool.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn().Err(err).Msg("epoll wait error")
			continue
		}

		for _, conn := range conns {
			conn := conn
			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads one frame from a ready connection. Read errors and close
// frames remove the connection; a read timeout on a stale readiness event
// does not.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)
	defer s.epoll.Resume(netConn)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(s.epoll.Reader(netConn), ws.StateServerSide)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}
	_ = netConn.SetReadDeadline(time.Time{})
	c.touch()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
			return
		}
		_, _ = io.CopyN(io.Discard, reader, header.Length)
		return
	}

	if header.Length > maxFrameBytes {
		s.log.Warn().Str("session", c.ID).Int64("bytes", header.Length).Msg("frame too large")
		s.RemoveConnection(c)
		return
	}
	data := make([]byte, header.Length)
	if _, err := io.ReadFull(reader, data); err != nil {
		s.RemoveConnection(c)
		return
	}
	if len(data) == 0 {
		return
	}
	s.dispatcher.Dispatch(s.ctx, c, data)
}

// RemoveConnection unregisters c from the poller and the coordinator. Only
// the first caller does anything.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.epoll.Remove(c.Conn)
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()
	s.coord.Disconnect(c.session)
	_ = c.closeConn()
	s.log.Debug().Str("session", c.ID).Int("total", s.conns.Count()).Msg("connection closed")
}

// Connections returns the live transport connections.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops accepting connections, tells every session the server is
// restarting and closes all sockets.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.log.Info().Msg("shutting down server")
		close(s.done)

		if herr := s.httpServer.Shutdown(ctx); herr != nil {
			err = fmt.Errorf("ws: http shutdown: %w", herr)
		}
		s.coord.Shutdown()
		for _, c := range s.conns.All() {
			s.RemoveConnection(c)
		}
		s.cancel()
		_ = s.epoll.Close()
		s.log.Info().Msg("server stopped")
	})
	return err
}

// originAddress is the client IP used for bans and nickname
// disambiguation. X-Forwarded-For is honoured only when trustProxy is set.
func originAddress(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
				return ip.String()
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
