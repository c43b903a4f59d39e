package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/whisper/lounge/internal/ban"
	"github.com/whisper/lounge/internal/history"
	"github.com/whisper/lounge/internal/identity"
	"github.com/whisper/lounge/internal/moderation"
	"github.com/whisper/lounge/internal/protocol"
	"github.com/whisper/lounge/internal/session"
)

const (
	adminToken  = "s3cret"
	defaultWait = time.Second
	tick        = 2 * time.Millisecond
)

var errConnClosed = errors.New("fake conn closed")

// fakeConn records every frame the coordinator writes.
type fakeConn struct {
	mu     sync.Mutex
	frames []map[string]interface{}
	closed bool
	block  chan struct{} // when set, Write waits on it
}

func (f *fakeConn) Write(data []byte) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errConnClosed
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	f.frames = append(f.frames, m)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) ofType(typ string) []map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]interface{}
	for _, m := range f.frames {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

// recordingAuditor captures audit events.
type recordingAuditor struct {
	mu     sync.Mutex
	events []moderation.AuditEvent
}

func (r *recordingAuditor) PublishAudit(ev moderation.AuditEvent) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *recordingAuditor) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Action
	}
	return out
}

// failingBans wraps a ban registry with switchable failures.
type failingBans struct {
	*ban.Memory
	failLookup bool
	failWrite  bool
}

func (f *failingBans) Lookup(ctx context.Context, addr string) (*ban.Entry, error) {
	if f.failLookup {
		return nil, errors.New("ban store down")
	}
	return f.Memory.Lookup(ctx, addr)
}

func (f *failingBans) Ban(ctx context.Context, e ban.Entry) (ban.Entry, error) {
	if f.failWrite {
		return ban.Entry{}, errors.New("ban store down")
	}
	return f.Memory.Ban(ctx, e)
}

type harness struct {
	t       *testing.T
	c       *Coordinator
	bans    *failingBans
	exits   *session.Memory
	archive *history.MemoryArchive
	history *history.Store
	audit   *recordingAuditor
}

type harnessOption func(*Options, *Deps)

func withLimiter(l Limiter) harnessOption {
	return func(_ *Options, d *Deps) { d.Limiter = l }
}

func withMailbox(n int) harnessOption {
	return func(o *Options, _ *Deps) { o.MailboxSize = n }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	redactor, err := moderation.NewRedactor([]string{"darn", "heck"}, nil, []string{"/emoticons/"})
	require.NoError(t, err)

	h := &harness{
		t:       t,
		bans:    &failingBans{Memory: ban.NewMemory()},
		exits:   session.NewMemory(session.DefaultExitTTL),
		archive: history.NewMemoryArchive(),
		audit:   &recordingAuditor{},
	}
	h.history = history.New(history.Config{Capacity: 20, Batch: 5}, h.archive, nil, zerolog.Nop())

	o := Options{MailboxSize: 128, ReplayLimit: 50, GuestID: "guest"}
	d := Deps{
		Bans:     h.bans,
		Mutes:    moderation.NewMuteList(nil, zerolog.Nop()),
		Redactor: redactor,
		Resolver: identity.NewResolver([]string{adminToken}),
		History:  h.history,
		Exits:    h.exits,
		Audit:    h.audit,
	}
	for _, opt := range opts {
		opt(&o, &d)
	}
	h.c = New(o, d, zerolog.Nop())
	t.Cleanup(h.c.Shutdown)
	return h
}

// client is one connected fake browser.
type client struct {
	s    *Session
	conn *fakeConn
}

func (h *harness) connect(addr string) (*client, bool) {
	conn := &fakeConn{}
	s, ok := h.c.Connect(context.Background(), conn, uuid.NewString(), addr)
	return &client{s: s, conn: conn}, ok
}

// join connects from addr and joins, waiting for the joined frame.
func (h *harness) join(addr, logicalID, nickname, token string) *client {
	h.t.Helper()
	return h.joinWith(addr, protocol.JoinMsg{LogicalID: logicalID, Nickname: nickname, AdminToken: token})
}

func (h *harness) joinWith(addr string, msg protocol.JoinMsg) *client {
	h.t.Helper()
	cl, ok := h.connect(addr)
	require.True(h.t, ok, "connect refused")
	h.c.Join(context.Background(), cl.s, msg)
	cl.waitFor(h.t, protocol.TypeJoined)
	return cl
}

func (h *harness) admin() *client {
	h.t.Helper()
	return h.join("127.0.0.1", "mod", "Moderator", adminToken)
}

// waitFor waits until at least one frame of typ has arrived and returns the
// first one.
func (cl *client) waitFor(t *testing.T, typ string) map[string]interface{} {
	t.Helper()
	require.Eventually(t, func() bool { return len(cl.conn.ofType(typ)) > 0 },
		defaultWait, tick, "no %s frame", typ)
	return cl.conn.ofType(typ)[0]
}

// sync waits until everything queued for cl so far has been written, using a
// pong as a barrier.
func (h *harness) sync(cl *client) {
	h.t.Helper()
	before := len(cl.conn.ofType(protocol.TypePong))
	h.c.Pong(cl.s)
	require.Eventually(h.t, func() bool { return len(cl.conn.ofType(protocol.TypePong)) > before },
		defaultWait, tick)
}

func (h *harness) waitClosed(cl *client) {
	h.t.Helper()
	require.Eventually(h.t, cl.conn.isClosed, defaultWait, tick, "connection still open")
}

func texts(frames []map[string]interface{}, key string) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i], _ = f[key].(string)
	}
	return out
}
