package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/whisper/lounge/internal/history"
	"github.com/whisper/lounge/internal/identity"
	"github.com/whisper/lounge/internal/metrics"
	"github.com/whisper/lounge/internal/moderation"
	"github.com/whisper/lounge/internal/protocol"
)

// Publish broadcasts a chat line. Guests may not post text and muted
// identities are answered with a notice and nothing else. Everyone receives
// the redacted form; history keeps the original.
func (c *Coordinator) Publish(ctx context.Context, s *Session, msg protocol.ChatMessageMsg) {
	ident, ok := c.active(s)
	if !ok {
		return
	}
	kind := msg.Kind
	if kind == "" {
		kind = protocol.KindText
	}
	if err := ValidateMessage(msg.Content); err != nil {
		metrics.MessagesTotal.WithLabelValues(kind, "refused").Inc()
		c.sendSystem(s, "Not sent: "+err.Error()+".")
		return
	}
	if kind == protocol.KindImage {
		if err := ValidateImage(msg.Content, c.deps.Redactor.IsTrustedAsset); err != nil {
			metrics.MessagesTotal.WithLabelValues(kind, "refused").Inc()
			c.sendSystem(s, "Not sent: "+err.Error()+".")
			return
		}
	}
	if kind == protocol.KindText && ident.LogicalID == c.opts.GuestID {
		metrics.MessagesTotal.WithLabelValues(kind, "guest").Inc()
		c.sendSystem(s, "Guests can read the room but cannot send messages.")
		return
	}
	if kind == protocol.KindText && c.deps.Mutes.IsMuted(ident.LogicalID) {
		metrics.MessagesTotal.WithLabelValues(kind, "muted").Inc()
		c.sendSystem(s, "You are muted. Your message was not sent.")
		return
	}
	if !c.allow(ctx, s, ident, kind) {
		return
	}

	m := c.deps.History.Append(ctx, history.Message{
		Kind:          kind,
		Sender:        senderOf(ident),
		OriginAddress: ident.OriginAddress,
		Content:       msg.Content,
	})
	c.broadcast(protocol.MustServerMessage(protocol.TypeChatMessage, protocol.ServerChatMsg{
		ID:        m.ID,
		Kind:      m.Kind,
		Sender:    wireSender(m.Sender),
		Content:   c.deps.Redactor.Redact(m.Kind, m.Content),
		Timestamp: m.Timestamp.UnixMilli(),
	}))
	metrics.MessagesTotal.WithLabelValues(kind, "delivered").Inc()
}

// Whisper sends a private message by nickname. A live target that refuses
// whispers is not sent anything and the attempt goes to the audit stream.
// An offline target gets the message on their next join.
func (c *Coordinator) Whisper(ctx context.Context, s *Session, msg protocol.WhisperMsg) {
	ident, ok := c.active(s)
	if !ok {
		return
	}
	if err := ValidateMessage(msg.Content); err != nil {
		metrics.MessagesTotal.WithLabelValues(protocol.KindWhisper, "refused").Inc()
		c.sendSystem(s, "Not sent: "+err.Error()+".")
		return
	}
	if ident.LogicalID == c.opts.GuestID {
		metrics.MessagesTotal.WithLabelValues(protocol.KindWhisper, "guest").Inc()
		c.sendSystem(s, "Guests can read the room but cannot send messages.")
		return
	}
	if c.deps.Mutes.IsMuted(ident.LogicalID) {
		metrics.MessagesTotal.WithLabelValues(protocol.KindWhisper, "muted").Inc()
		c.sendSystem(s, "You are muted. Your message was not sent.")
		return
	}
	if !c.allow(ctx, s, ident, protocol.KindWhisper) {
		return
	}

	targetNick := normalize(msg.TargetNickname)
	target, live := c.registry.ByNickname(targetNick)
	rec := history.Message{
		Kind:              history.KindWhisper,
		Sender:            senderOf(ident),
		OriginAddress:     ident.OriginAddress,
		RecipientNickname: targetNick,
		Content:           msg.Content,
	}

	if live {
		tid := target.Identity()
		rec.RecipientID = tid.LogicalID
		if !tid.Preferences.Whisper {
			metrics.MessagesTotal.WithLabelValues(protocol.KindWhisper, "refused").Inc()
			c.audit(moderation.AuditEvent{
				Action:  moderation.ActionWhisperBlock,
				Actor:   ident.LogicalID,
				Target:  tid.LogicalID,
				Address: ident.OriginAddress,
				Content: msg.Content,
			})
			c.sendSystem(s, fmt.Sprintf("%s is not accepting whispers.", targetNick))
			return
		}
	}

	m := c.deps.History.Append(ctx, rec)
	frame := protocol.MustServerMessage(protocol.TypeWhisper, protocol.ServerWhisperMsg{
		ID:        m.ID,
		Sender:    wireSender(m.Sender),
		Recipient: targetNick,
		Content:   c.deps.Redactor.Redact(m.Kind, m.Content),
		Timestamp: m.Timestamp.UnixMilli(),
	})

	if live && target != s {
		c.unicast(target, frame)
	}
	c.unicast(s, frame)
	if !live {
		metrics.MessagesTotal.WithLabelValues(protocol.KindWhisper, "offline").Inc()
		c.sendSystem(s, fmt.Sprintf("%s is offline and will see your whisper when they return.", targetNick))
		return
	}
	metrics.MessagesTotal.WithLabelValues(protocol.KindWhisper, "delivered").Inc()
}

// Call alerts a live participant who accepts calls. Calls are not stored.
func (c *Coordinator) Call(ctx context.Context, s *Session, msg protocol.CallMsg) {
	ident, ok := c.active(s)
	if !ok {
		return
	}
	targetNick := normalize(msg.TargetNickname)
	target, live := c.registry.ByNickname(targetNick)
	if !live {
		metrics.MessagesTotal.WithLabelValues("call", "offline").Inc()
		c.sendSystem(s, fmt.Sprintf("%s is not online.", targetNick))
		return
	}
	if !target.Identity().Preferences.Notify {
		metrics.MessagesTotal.WithLabelValues("call", "refused").Inc()
		c.sendSystem(s, fmt.Sprintf("%s is not accepting calls.", targetNick))
		return
	}
	if !c.allow(ctx, s, ident, "call") {
		return
	}
	c.unicast(target, protocol.MustServerMessage(protocol.TypeCallAlert, protocol.CallAlertMsg{Sender: ident.Nickname}))
	metrics.MessagesTotal.WithLabelValues("call", "delivered").Inc()
}

// UpdateSettings replaces the session's delivery preferences.
func (c *Coordinator) UpdateSettings(s *Session, msg protocol.UpdateSettingsMsg) {
	if _, ok := c.active(s); !ok {
		return
	}
	s.setPreferences(identity.Preferences{
		Notify:    msg.Notify,
		Whisper:   msg.Whisper,
		AutoClear: msg.AutoClear,
	})
}

// Pong answers a client keepalive.
func (c *Coordinator) Pong(s *Session) {
	c.unicast(s, protocol.MustServerMessage(protocol.TypePong, protocol.PongMsg{}))
}

// Reject tells s its last frame could not be handled.
func (c *Coordinator) Reject(s *Session, code, message string) {
	c.sendError(s, code, message)
}

// allow applies the rate limit, telling the session when it trips.
func (c *Coordinator) allow(ctx context.Context, s *Session, ident identity.Identity, kind string) bool {
	if c.deps.Limiter == nil {
		return true
	}
	ok, err := c.deps.Limiter.Allow(ctx, ident.LogicalID)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("rate_limit").Inc()
	}
	if ok {
		return true
	}
	metrics.MessagesTotal.WithLabelValues(kind, "rate_limited").Inc()
	c.unicast(s, protocol.MustServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{
		RetryAfter: c.deps.Limiter.RetryAfter(),
	}))
	return false
}

// broadcast enqueues data to every joined session. Sessions whose mailbox is
// full are disconnected afterwards.
func (c *Coordinator) broadcast(data []byte) {
	start := time.Now()
	var slow []*Session

	c.fanoutMu.Lock()
	for _, s := range c.registry.Members() {
		if !s.Send(data) {
			slow = append(slow, s)
		}
	}
	c.fanoutMu.Unlock()
	metrics.FanoutLatency.Observe(time.Since(start).Seconds())

	for _, s := range slow {
		s.log.Warn().Msg("mailbox full, disconnecting slow session")
		c.kick(s, nil, "slow")
	}
}

func (c *Coordinator) unicast(s *Session, data []byte) {
	c.fanoutMu.Lock()
	ok := s.Send(data)
	c.fanoutMu.Unlock()
	if !ok {
		s.log.Warn().Msg("mailbox full, disconnecting slow session")
		c.kick(s, nil, "slow")
	}
}

func (c *Coordinator) sendSystem(s *Session, text string) {
	c.unicast(s, protocol.MustServerMessage(protocol.TypeSystemMessage, protocol.SystemMsg{Text: text}))
}

func (c *Coordinator) sendError(s *Session, code, message string) {
	c.unicast(s, protocol.MustServerMessage(protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message}))
}

func (c *Coordinator) broadcastRoster() {
	ids := c.registry.Identities()
	users := make([]protocol.RosterUser, len(ids))
	for i, id := range ids {
		users[i] = protocol.RosterUser{ID: id.LogicalID, Nickname: id.Nickname, Admin: id.IsAdmin}
	}
	c.broadcast(protocol.MustServerMessage(protocol.TypeRoster, protocol.RosterMsg{Users: users}))
}
