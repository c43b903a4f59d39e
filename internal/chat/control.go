package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/whisper/lounge/internal/ban"
	"github.com/whisper/lounge/internal/history"
	"github.com/whisper/lounge/internal/metrics"
	"github.com/whisper/lounge/internal/moderation"
	"github.com/whisper/lounge/internal/protocol"
)

// ErrUnknownTarget is returned when no address is known for a ban target.
var ErrUnknownTarget = errors.New("chat: no address known for target")

// Actor is whoever invokes a control operation. Operations invoked by a
// non-admin actor do nothing and report nothing.
type Actor struct {
	ID    string
	Admin bool
}

// AdminAPI is the actor for the administrative HTTP surface.
var AdminAPI = Actor{ID: "admin-api", Admin: true}

// ActorOf returns the actor for a joined session.
func ActorOf(s *Session) Actor {
	if s.Closed() || !s.Joined() {
		return Actor{}
	}
	id := s.Identity()
	return Actor{ID: id.LogicalID, Admin: id.IsAdmin}
}

// BanTarget is what get_ip_for_ban resolves a logical id to.
type BanTarget struct {
	Address   string
	LogicalID string
	Nickname  string
}

// Mute suppresses chat from logicalID. The muted session, if live, is told.
func (c *Coordinator) Mute(ctx context.Context, actor Actor, logicalID string) (moderation.MuteEntry, bool) {
	if !actor.Admin || logicalID == "" {
		return moderation.MuteEntry{}, false
	}
	nickname := ""
	target, live := c.registry.ByLogicalID(logicalID)
	if live {
		nickname = target.Identity().Nickname
	}
	entry, added := c.deps.Mutes.Mute(ctx, logicalID, nickname)
	if added {
		metrics.ModerationActions.WithLabelValues(moderation.ActionMute).Inc()
		c.audit(moderation.AuditEvent{Action: moderation.ActionMute, Actor: actor.ID, Target: logicalID})
		if live {
			c.sendSystem(target, "You have been muted by an administrator.")
		}
	}
	return entry, true
}

// Unmute lifts a mute. It reports whether a mute was removed.
func (c *Coordinator) Unmute(ctx context.Context, actor Actor, logicalID string) bool {
	if !actor.Admin {
		return false
	}
	if !c.deps.Mutes.Unmute(ctx, logicalID) {
		return false
	}
	metrics.ModerationActions.WithLabelValues(moderation.ActionUnmute).Inc()
	c.audit(moderation.AuditEvent{Action: moderation.ActionUnmute, Actor: actor.ID, Target: logicalID})
	if target, live := c.registry.ByLogicalID(logicalID); live {
		c.sendSystem(target, "You are no longer muted.")
	}
	return true
}

// Mutes lists the mute set.
func (c *Coordinator) Mutes(actor Actor) []moderation.MuteEntry {
	if !actor.Admin {
		return nil
	}
	return c.deps.Mutes.List()
}

// IPForBan resolves logicalID to its live address, or to the address it
// last left from.
func (c *Coordinator) IPForBan(ctx context.Context, actor Actor, logicalID string) (BanTarget, bool) {
	if !actor.Admin || logicalID == "" {
		return BanTarget{}, false
	}
	if target, live := c.registry.ByLogicalID(logicalID); live {
		id := target.Identity()
		return BanTarget{Address: id.OriginAddress, LogicalID: id.LogicalID, Nickname: id.Nickname}, true
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	addr, err := c.deps.Exits.LastAddress(ctx, logicalID)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("last_address").Inc()
		c.log.Warn().Err(err).Str("logical_id", logicalID).Msg("recent exit lookup failed")
		return BanTarget{}, false
	}
	if addr == "" {
		return BanTarget{}, false
	}
	return BanTarget{Address: addr, LogicalID: logicalID}, true
}

// Ban bans the address logicalID is or was connected from.
func (c *Coordinator) Ban(ctx context.Context, actor Actor, logicalID, reason string) (ban.Entry, int, error) {
	if !actor.Admin {
		return ban.Entry{}, 0, nil
	}
	target, ok := c.IPForBan(ctx, actor, logicalID)
	if !ok {
		return ban.Entry{}, 0, ErrUnknownTarget
	}
	return c.BanAddress(ctx, actor, ban.Entry{
		Address:   target.Address,
		LogicalID: target.LogicalID,
		Nickname:  target.Nickname,
		Reason:    reason,
	})
}

// BanAddress persists the ban and then disconnects every session from the
// address before returning. If the ban cannot be stored nobody is
// disconnected.
func (c *Coordinator) BanAddress(ctx context.Context, actor Actor, e ban.Entry) (ban.Entry, int, error) {
	if !actor.Admin {
		return ban.Entry{}, 0, nil
	}
	if e.Address == "" {
		return ban.Entry{}, 0, ErrUnknownTarget
	}
	if e.Reason == "" {
		e.Reason = "Banned by an administrator."
	}

	wctx, cancel := context.WithTimeout(ctx, storeTimeout)
	entry, err := c.deps.Bans.Ban(wctx, e)
	cancel()
	if err != nil {
		metrics.StoreErrors.WithLabelValues("ban_write").Inc()
		return ban.Entry{}, 0, fmt.Errorf("chat: ban %s: %w", e.Address, err)
	}

	victims := c.registry.ByAddress(entry.Address)
	c.connMu.Lock()
	for _, s := range c.connected {
		if s.addr == entry.Address && !s.Joined() {
			victims = append(victims, s)
		}
	}
	c.connMu.Unlock()

	final := protocol.MustServerMessage(protocol.TypeBanned, protocol.BannedMsg{Reason: entry.Reason})
	for _, s := range victims {
		c.kick(s, final, "banned")
	}
	for _, s := range victims {
		if !s.wait(banFlushWait) {
			s.log.Warn().Msg("banned session did not close in time")
		}
	}

	metrics.ModerationActions.WithLabelValues(moderation.ActionBan).Inc()
	c.audit(moderation.AuditEvent{
		Action:   moderation.ActionBan,
		Actor:    actor.ID,
		Target:   entry.LogicalID,
		Address:  entry.Address,
		Reason:   entry.Reason,
		Affected: len(victims),
	})
	c.log.Info().Str("addr", entry.Address).Int("disconnected", len(victims)).Msg("address banned")
	return entry, len(victims), nil
}

// Unban removes a ban by id.
func (c *Coordinator) Unban(ctx context.Context, actor Actor, id string) (ban.Entry, error) {
	if !actor.Admin {
		return ban.Entry{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	entry, err := c.deps.Bans.Unban(ctx, id)
	if err != nil {
		return ban.Entry{}, fmt.Errorf("chat: unban %s: %w", id, err)
	}
	metrics.ModerationActions.WithLabelValues(moderation.ActionUnban).Inc()
	c.audit(moderation.AuditEvent{Action: moderation.ActionUnban, Actor: actor.ID, Target: entry.ID, Address: entry.Address})
	return entry, nil
}

// Bans lists the ban registry.
func (c *Coordinator) Bans(ctx context.Context, actor Actor) ([]ban.Entry, error) {
	if !actor.Admin {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	entries, err := c.deps.Bans.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("chat: list bans: %w", err)
	}
	return entries, nil
}

// ClearHistory archives and empties the active window, then tells every
// session to drop its local history.
func (c *Coordinator) ClearHistory(ctx context.Context, actor Actor) (int, error) {
	if !actor.Admin {
		return 0, nil
	}
	n, err := c.deps.History.Clear(ctx)
	if err != nil {
		c.log.Warn().Err(err).Int("archived", n).Msg("history clear incomplete")
		return n, err
	}
	c.broadcast(protocol.MustServerMessage(protocol.TypeClearHistory, protocol.ClearHistoryNotice{}))
	metrics.ModerationActions.WithLabelValues(moderation.ActionClearHistory).Inc()
	c.audit(moderation.AuditEvent{Action: moderation.ActionClearHistory, Actor: actor.ID, Affected: n})
	return n, nil
}

// SetNotice replaces the room notice and broadcasts it. A storage failure
// is logged and the notice still takes effect in memory.
func (c *Coordinator) SetNotice(ctx context.Context, actor Actor, content string) error {
	if !actor.Admin {
		return nil
	}
	if err := ValidateNotice(content); err != nil {
		return err
	}
	if c.deps.Notices != nil {
		sctx, cancel := context.WithTimeout(ctx, storeTimeout)
		if err := c.deps.Notices.Save(sctx, content, actor.ID); err != nil {
			metrics.StoreErrors.WithLabelValues("notice_save").Inc()
			c.log.Warn().Err(err).Msg("notice save failed, keeping it in memory")
		}
		cancel()
	}
	c.noticeMu.Lock()
	c.notice = content
	c.noticeMu.Unlock()

	c.broadcast(protocol.MustServerMessage(protocol.TypeNotice, protocol.NoticeMsg{Content: content}))
	metrics.ModerationActions.WithLabelValues(moderation.ActionSetNotice).Inc()
	c.audit(moderation.AuditEvent{Action: moderation.ActionSetNotice, Actor: actor.ID})
	return nil
}

// ExportHistory returns archived messages for administrators.
func (c *Coordinator) ExportHistory(ctx context.Context, actor Actor, limit int) ([]history.Message, error) {
	if !actor.Admin {
		return nil, nil
	}
	return c.deps.History.ArchiveLookup(ctx, limit)
}

func (c *Coordinator) audit(ev moderation.AuditEvent) {
	if c.deps.Audit == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	_ = c.deps.Audit.PublishAudit(ev)
}
