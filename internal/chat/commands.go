package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/whisper/lounge/internal/protocol"
)

// The Handle* methods are the WebSocket face of the control surface. They
// answer the invoking administrator; for anyone else they do nothing.

func (c *Coordinator) HandleMute(ctx context.Context, s *Session, msg protocol.TargetMsg) {
	actor := ActorOf(s)
	if !actor.Admin {
		return
	}
	entry, _ := c.Mute(ctx, actor, msg.TargetID)
	name := entry.Nickname
	if name == "" {
		name = msg.TargetID
	}
	c.sendSystem(s, fmt.Sprintf("%s is muted.", name))
}

func (c *Coordinator) HandleUnmute(ctx context.Context, s *Session, msg protocol.TargetMsg) {
	actor := ActorOf(s)
	if !actor.Admin {
		return
	}
	if c.Unmute(ctx, actor, msg.TargetID) {
		c.sendSystem(s, fmt.Sprintf("%s is no longer muted.", msg.TargetID))
		return
	}
	c.sendSystem(s, fmt.Sprintf("%s was not muted.", msg.TargetID))
}

func (c *Coordinator) HandleGetIPForBan(ctx context.Context, s *Session, msg protocol.TargetMsg) {
	actor := ActorOf(s)
	if !actor.Admin {
		return
	}
	target, ok := c.IPForBan(ctx, actor, msg.TargetID)
	if !ok {
		c.sendSystem(s, fmt.Sprintf("No address is known for %s.", msg.TargetID))
		return
	}
	c.unicast(s, protocol.MustServerMessage(protocol.TypeOpenBanPage, protocol.OpenBanPageMsg{
		IP:   target.Address,
		ID:   target.LogicalID,
		Nick: target.Nickname,
	}))
}

func (c *Coordinator) HandleBan(ctx context.Context, s *Session, msg protocol.BanMsg) {
	actor := ActorOf(s)
	if !actor.Admin {
		return
	}
	entry, n, err := c.Ban(ctx, actor, msg.TargetID, msg.Reason)
	switch {
	case errors.Is(err, ErrUnknownTarget):
		c.sendSystem(s, fmt.Sprintf("No address is known for %s.", msg.TargetID))
	case err != nil:
		c.log.Error().Err(err).Str("target", msg.TargetID).Msg("ban failed")
		c.sendSystem(s, "The ban could not be saved. Nobody was disconnected.")
	default:
		c.sendSystem(s, fmt.Sprintf("Banned %s (%d disconnected).", entry.Address, n))
	}
}

func (c *Coordinator) HandleClearHistory(ctx context.Context, s *Session, _ protocol.ClearHistoryMsg) {
	actor := ActorOf(s)
	if !actor.Admin {
		return
	}
	if _, err := c.ClearHistory(ctx, actor); err != nil {
		c.sendSystem(s, "History could not be fully archived. Try again shortly.")
	}
}

func (c *Coordinator) HandleSetNotice(ctx context.Context, s *Session, msg protocol.SetNoticeMsg) {
	actor := ActorOf(s)
	if !actor.Admin {
		return
	}
	if err := c.SetNotice(ctx, actor, msg.Content); err != nil {
		c.sendSystem(s, "Notice not set: "+err.Error()+".")
	}
}
