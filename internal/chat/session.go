package chat

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/lounge/internal/identity"
)

// Conn is the transport under a session. Write is called from a single
// goroutine per session.
type Conn interface {
	Write(data []byte) error
	Close() error
}

// Session is one live connection. Outbound frames go through a bounded
// mailbox drained by one writer goroutine, so frames reach the client in
// the order they were enqueued.
type Session struct {
	id          string
	addr        string
	conn        Conn
	connectedAt time.Time
	log         zerolog.Logger

	mailbox chan []byte
	final   []byte
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once
	closed  atomic.Bool

	mu     sync.RWMutex
	ident  identity.Identity
	joined bool
}

func newSession(conn Conn, id, addr string, mailboxSize int, log zerolog.Logger) *Session {
	if mailboxSize <= 0 {
		mailboxSize = 256
	}
	s := &Session{
		id:          id,
		addr:        addr,
		conn:        conn,
		connectedAt: time.Now(),
		log:         log.With().Str("session", id).Str("addr", addr).Logger(),
		mailbox:     make(chan []byte, mailboxSize),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

// SessionID returns the transport session id.
func (s *Session) SessionID() string { return s.id }

// Addr returns the origin address.
func (s *Session) Addr() string { return s.addr }

// Identity returns a copy of the bound identity.
func (s *Session) Identity() identity.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ident
}

// Joined reports whether the session completed a join.
func (s *Session) Joined() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.joined
}

// Closed reports whether the session was torn down. Events from a closed
// session are ignored.
func (s *Session) Closed() bool { return s.closed.Load() }

// Send enqueues a frame. It returns false only when the mailbox is full;
// sends to a closed session are dropped silently.
func (s *Session) Send(data []byte) bool {
	if s.closed.Load() {
		return true
	}
	select {
	case s.mailbox <- data:
		return true
	default:
		return false
	}
}

func (s *Session) bind(ident identity.Identity) {
	s.mu.Lock()
	s.ident = ident
	s.joined = true
	s.mu.Unlock()
}

func (s *Session) setPreferences(p identity.Preferences) identity.Preferences {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ident.Preferences = p
	return p
}

// close marks the session closed and lets the writer flush the mailbox,
// write final and close the connection. final bypasses the mailbox so it is
// delivered even when the mailbox is full. It reports whether this call did
// the closing.
func (s *Session) close(final []byte) bool {
	first := false
	s.once.Do(func() {
		first = true
		s.closed.Store(true)
		s.final = final
		close(s.quit)
	})
	return first
}

// wait blocks until the writer has closed the connection or timeout passes.
func (s *Session) wait(timeout time.Duration) bool {
	select {
	case <-s.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (s *Session) writeLoop() {
	defer close(s.done)
	defer s.conn.Close()
	for {
		select {
		case data := <-s.mailbox:
			if err := s.conn.Write(data); err != nil {
				s.log.Debug().Err(err).Msg("session write failed")
				s.closed.Store(true)
				return
			}
		case <-s.quit:
			if s.flush() && s.final != nil {
				if err := s.conn.Write(s.final); err != nil {
					s.log.Debug().Err(err).Msg("session final write failed")
				}
			}
			return
		}
	}
}

// flush writes whatever was queued before close. It reports false when a
// write failed.
func (s *Session) flush() bool {
	for {
		select {
		case data := <-s.mailbox:
			if err := s.conn.Write(data); err != nil {
				return false
			}
		default:
			return true
		}
	}
}
