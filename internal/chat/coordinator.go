// Package chat is the room coordinator. It admits sessions, enforces bans
// and one session per logical identity, routes broadcast and private
// messages through moderation and preference checks, and exposes the
// administrator control surface used by both the WebSocket and HTTP fronts.
package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/lounge/internal/ban"
	"github.com/whisper/lounge/internal/history"
	"github.com/whisper/lounge/internal/identity"
	"github.com/whisper/lounge/internal/messaging"
	"github.com/whisper/lounge/internal/metrics"
	"github.com/whisper/lounge/internal/moderation"
	"github.com/whisper/lounge/internal/presence"
	"github.com/whisper/lounge/internal/protocol"
)

const (
	storeTimeout = 3 * time.Second
	banFlushWait = 2 * time.Second
)

// BanRegistry is the persistent ban list. ban.Store and ban.Memory satisfy it.
type BanRegistry interface {
	Lookup(ctx context.Context, address string) (*ban.Entry, error)
	Ban(ctx context.Context, e ban.Entry) (ban.Entry, error)
	Unban(ctx context.Context, id string) (ban.Entry, error)
	List(ctx context.Context) ([]ban.Entry, error)
}

// ExitStore remembers where departed identities connected from.
type ExitStore interface {
	RecordExit(ctx context.Context, logicalID, address string) error
	LastAddress(ctx context.Context, logicalID string) (string, error)
}

// Limiter is a per-identity rate limit. It fails open.
type Limiter interface {
	Allow(ctx context.Context, identifier string) (bool, error)
	RetryAfter() int
}

// NoticeStore persists the room notice.
type NoticeStore interface {
	Load(ctx context.Context) (string, error)
	Save(ctx context.Context, content, updatedBy string) error
}

// Options tunes the coordinator.
type Options struct {
	MailboxSize int    // outbound frames buffered per session
	ReplayLimit int    // history entries sent on join
	GuestID     string // logical id that may read but not post text
}

// Deps are the coordinator's collaborators. Limiter, Notices and Audit may
// be nil.
type Deps struct {
	Bans     BanRegistry
	Mutes    *moderation.MuteList
	Redactor *moderation.Redactor
	Resolver *identity.Resolver
	History  *history.Store
	Exits    ExitStore
	Limiter  Limiter
	Notices  NoticeStore
	Audit    messaging.AuditPublisher
}

// Coordinator owns the live room state.
type Coordinator struct {
	opts Options
	deps Deps
	log  zerolog.Logger

	registry *presence.Registry[*Session]

	// joinMu serialises resolve-evict-register so two joins never pick the
	// same nickname or both survive for one logical id.
	joinMu sync.Mutex

	// fanoutMu orders every enqueue so each recipient sees frames in
	// publish order.
	fanoutMu sync.Mutex

	connMu    sync.Mutex
	connected map[string]*Session

	noticeMu sync.RWMutex
	notice   string
}

// New creates a Coordinator.
func New(opts Options, deps Deps, log zerolog.Logger) *Coordinator {
	if opts.ReplayLimit <= 0 {
		opts.ReplayLimit = 100
	}
	if opts.GuestID == "" {
		opts.GuestID = "guest"
	}
	return &Coordinator{
		opts:      opts,
		deps:      deps,
		log:       log,
		registry:  presence.New[*Session](),
		connected: make(map[string]*Session),
	}
}

// LoadNotice reads the persisted notice into memory.
func (c *Coordinator) LoadNotice(ctx context.Context) error {
	if c.deps.Notices == nil {
		return nil
	}
	content, err := c.deps.Notices.Load(ctx)
	if err != nil {
		return err
	}
	c.noticeMu.Lock()
	c.notice = content
	c.noticeMu.Unlock()
	return nil
}

// Connect admits a transport connection. A banned origin receives a banned
// notice and is closed; the returned bool is false in that case.
func (c *Coordinator) Connect(ctx context.Context, conn Conn, sessionID, addr string) (*Session, bool) {
	s := newSession(conn, sessionID, addr, c.opts.MailboxSize, c.log)
	if entry := c.lookupBan(ctx, addr); entry != nil {
		s.log.Info().Str("ban_id", entry.ID).Msg("banned address refused")
		c.kick(s, protocol.MustServerMessage(protocol.TypeBanned, protocol.BannedMsg{Reason: entry.Reason}), "banned")
		return s, false
	}

	c.connMu.Lock()
	c.connected[sessionID] = s
	c.connMu.Unlock()
	return s, true
}

// Join binds s to an identity. Invalid join data gets a system notice; a
// rejected admin token closes the session. A prior session for the same
// logical id is evicted first.
func (c *Coordinator) Join(ctx context.Context, s *Session, msg protocol.JoinMsg) {
	if s.Closed() {
		return
	}
	if s.Joined() {
		c.sendError(s, "already_joined", "session already joined")
		return
	}
	if entry := c.lookupBan(ctx, s.addr); entry != nil {
		c.kick(s, protocol.MustServerMessage(protocol.TypeBanned, protocol.BannedMsg{Reason: entry.Reason}), "banned")
		return
	}

	req := identity.JoinRequest{LogicalID: msg.LogicalID, Nickname: msg.Nickname, AdminToken: msg.AdminToken}

	c.joinMu.Lock()
	ident, err := c.deps.Resolver.Resolve(req, s.addr, c.registry.Identities())
	if err != nil {
		c.joinMu.Unlock()
		if errors.Is(err, identity.ErrAdminTokenRejected) {
			s.log.Warn().Str("logical_id", msg.LogicalID).Msg("admin token rejected")
			c.kick(s, protocol.MustServerMessage(protocol.TypeError, protocol.ErrorMsg{
				Code: "unauthorized", Message: "invalid admin token",
			}), "rejected")
			return
		}
		c.sendSystem(s, "Invalid nickname or id.")
		return
	}
	if msg.Settings != nil {
		ident.Preferences = identity.Preferences{
			Notify:    msg.Settings.Notify,
			Whisper:   msg.Settings.Whisper,
			AutoClear: msg.Settings.AutoClear,
		}
	}
	if prev, ok := c.registry.ByLogicalID(ident.LogicalID); ok && prev != s {
		c.evict(prev)
	}
	s.bind(ident)
	if prev, evicted := c.registry.Register(s); evicted {
		c.evict(prev)
	}
	c.joinMu.Unlock()

	if s.Closed() {
		// The transport went away mid-join.
		c.release(s)
		return
	}

	var entries []protocol.HistoryEntry
	if !ident.Preferences.AutoClear {
		viewer := history.Viewer{LogicalID: ident.LogicalID, Nickname: ident.Nickname}
		entries = c.toEntries(c.deps.History.Query(ctx, viewer, c.opts.ReplayLimit))
	}
	if entries == nil {
		entries = []protocol.HistoryEntry{}
	}
	c.unicast(s, protocol.MustServerMessage(protocol.TypeJoined, protocol.JoinedMsg{
		Nickname: ident.Nickname,
		Admin:    ident.IsAdmin,
		Settings: settingsOf(ident.Preferences),
		History:  entries,
		Notice:   c.Notice(),
	}))
	if ident.IsAdmin {
		c.unicast(s, protocol.MustServerMessage(protocol.TypeAdminAck, protocol.AdminAckMsg{}))
	}
	c.broadcastRoster()

	s.log.Info().
		Str("logical_id", ident.LogicalID).
		Str("nickname", ident.Nickname).
		Bool("admin", ident.IsAdmin).
		Msg("joined")
}

// Disconnect tears down s after the transport closed. It is safe to call
// more than once and after an eviction.
func (c *Coordinator) Disconnect(s *Session) {
	s.close(nil)
	c.release(s)
}

// release drops s from the connection set and the registry and records the
// departure.
func (c *Coordinator) release(s *Session) {
	c.connMu.Lock()
	delete(c.connected, s.id)
	c.connMu.Unlock()

	m, ok := c.registry.Unregister(s.id)
	if !ok {
		return
	}
	ident := m.Identity()
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := c.deps.Exits.RecordExit(ctx, ident.LogicalID, ident.OriginAddress); err != nil {
		metrics.StoreErrors.WithLabelValues("record_exit").Inc()
		s.log.Warn().Err(err).Msg("record exit failed")
	}
	c.broadcastRoster()
	s.log.Info().Str("logical_id", ident.LogicalID).Msg("left")
}

// evict closes a session superseded by a newer join. The caller holds
// joinMu, and the newer session takes over the logical id, so no departure
// is recorded.
func (c *Coordinator) evict(s *Session) {
	c.registry.Unregister(s.id)
	c.connMu.Lock()
	delete(c.connected, s.id)
	c.connMu.Unlock()

	if s.close(protocol.MustServerMessage(protocol.TypeEvicted, protocol.EvictedMsg{
		Text: "You signed in from another window.",
	})) {
		metrics.Disconnects.WithLabelValues("evicted").Inc()
		s.log.Info().Msg("session evicted by newer join")
	}
}

// kick closes s with a final frame and releases it.
func (c *Coordinator) kick(s *Session, final []byte, reason string) {
	if s.close(final) {
		metrics.Disconnects.WithLabelValues(reason).Inc()
	}
	c.release(s)
}

// lookupBan fails open: a store error admits the connection.
func (c *Coordinator) lookupBan(ctx context.Context, addr string) *ban.Entry {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	entry, err := c.deps.Bans.Lookup(ctx, addr)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("ban_lookup").Inc()
		c.log.Warn().Err(err).Str("addr", addr).Msg("ban lookup failed, admitting")
		return nil
	}
	return entry
}

// active returns the identity of a joined, open session.
func (c *Coordinator) active(s *Session) (identity.Identity, bool) {
	if s.Closed() || !s.Joined() {
		return identity.Identity{}, false
	}
	return s.Identity(), true
}

// Notice returns the current notice.
func (c *Coordinator) Notice() string {
	c.noticeMu.RLock()
	defer c.noticeMu.RUnlock()
	return c.notice
}

// Online returns the live identities, one per logical id.
func (c *Coordinator) Online() []identity.Identity {
	return c.registry.Identities()
}

// Connections returns the number of admitted connections, joined or not.
func (c *Coordinator) Connections() int {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return len(c.connected)
}

// Shutdown closes every session.
func (c *Coordinator) Shutdown() {
	c.connMu.Lock()
	sessions := make([]*Session, 0, len(c.connected))
	for _, s := range c.connected {
		sessions = append(sessions, s)
	}
	c.connMu.Unlock()

	for _, s := range sessions {
		s.close(protocol.MustServerMessage(protocol.TypeSystemMessage, protocol.SystemMsg{Text: "Server is restarting."}))
	}
	for _, s := range sessions {
		s.wait(banFlushWait)
	}
}

func (c *Coordinator) toEntries(msgs []history.Message) []protocol.HistoryEntry {
	out := make([]protocol.HistoryEntry, len(msgs))
	for i, m := range msgs {
		out[i] = protocol.HistoryEntry{
			ID:        m.ID,
			Kind:      m.Kind,
			Sender:    protocol.Sender{ID: m.Sender.LogicalID, Nickname: m.Sender.Nickname, Admin: m.Sender.Admin},
			Recipient: m.RecipientNickname,
			Content:   c.deps.Redactor.Redact(m.Kind, m.Content),
			Timestamp: m.Timestamp.UnixMilli(),
		}
	}
	return out
}

func settingsOf(p identity.Preferences) protocol.Settings {
	return protocol.Settings{Notify: p.Notify, Whisper: p.Whisper, AutoClear: p.AutoClear}
}

func senderOf(ident identity.Identity) history.Sender {
	return history.Sender{LogicalID: ident.LogicalID, Nickname: ident.Nickname, Admin: ident.IsAdmin}
}

func wireSender(s history.Sender) protocol.Sender {
	return protocol.Sender{ID: s.LogicalID, Nickname: s.Nickname, Admin: s.Admin}
}

func normalize(s string) string { return strings.TrimSpace(s) }
