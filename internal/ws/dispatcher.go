package ws

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/whisper/lounge/internal/chat"
	"github.com/whisper/lounge/internal/protocol"
)

// MessageHandler handles one parsed client message. msg is the value type
// returned by protocol.ParseClientMessage.
type MessageHandler func(ctx context.Context, s *chat.Session, msg interface{})

// MessageDispatcher routes client frames to the coordinator by type.
type MessageDispatcher struct {
	coord    *chat.Coordinator
	handlers map[string]MessageHandler
	log      zerolog.Logger
}

// NewMessageDispatcher creates a dispatcher with every client message type
// routed to coord.
func NewMessageDispatcher(coord *chat.Coordinator, log zerolog.Logger) *MessageDispatcher {
	d := &MessageDispatcher{
		coord:    coord,
		handlers: make(map[string]MessageHandler),
		log:      log,
	}

	d.Register(protocol.TypeJoin, func(ctx context.Context, s *chat.Session, msg interface{}) {
		coord.Join(ctx, s, msg.(protocol.JoinMsg))
	})
	d.Register(protocol.TypeChatMessage, func(ctx context.Context, s *chat.Session, msg interface{}) {
		coord.Publish(ctx, s, msg.(protocol.ChatMessageMsg))
	})
	d.Register(protocol.TypeWhisper, func(ctx context.Context, s *chat.Session, msg interface{}) {
		coord.Whisper(ctx, s, msg.(protocol.WhisperMsg))
	})
	d.Register(protocol.TypeCall, func(ctx context.Context, s *chat.Session, msg interface{}) {
		coord.Call(ctx, s, msg.(protocol.CallMsg))
	})
	d.Register(protocol.TypeUpdateSettings, func(_ context.Context, s *chat.Session, msg interface{}) {
		coord.UpdateSettings(s, msg.(protocol.UpdateSettingsMsg))
	})
	d.Register(protocol.TypeMute, func(ctx context.Context, s *chat.Session, msg interface{}) {
		coord.HandleMute(ctx, s, msg.(protocol.TargetMsg))
	})
	d.Register(protocol.TypeUnmute, func(ctx context.Context, s *chat.Session, msg interface{}) {
		coord.HandleUnmute(ctx, s, msg.(protocol.TargetMsg))
	})
	d.Register(protocol.TypeGetIPForBan, func(ctx context.Context, s *chat.Session, msg interface{}) {
		coord.HandleGetIPForBan(ctx, s, msg.(protocol.TargetMsg))
	})
	d.Register(protocol.TypeBan, func(ctx context.Context, s *chat.Session, msg interface{}) {
		coord.HandleBan(ctx, s, msg.(protocol.BanMsg))
	})
	d.Register(protocol.TypeClearHistory, func(ctx context.Context, s *chat.Session, msg interface{}) {
		coord.HandleClearHistory(ctx, s, msg.(protocol.ClearHistoryMsg))
	})
	d.Register(protocol.TypeSetNotice, func(ctx context.Context, s *chat.Session, msg interface{}) {
		coord.HandleSetNotice(ctx, s, msg.(protocol.SetNoticeMsg))
	})
	return d
}

// Register associates a handler with a message type, replacing any earlier
// one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch parses data and hands it to the registered handler. Ping is
// answered directly. Malformed frames get an error frame back.
func (d *MessageDispatcher) Dispatch(ctx context.Context, conn *Connection, data []byte) {
	s := conn.Session()
	if s == nil {
		return
	}

	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.log.Debug().Err(err).Str("session", conn.ID).Msg("dispatch parse error")
		if errors.Is(err, protocol.ErrInvalidPayload) {
			d.coord.Reject(s, "invalid_payload", "invalid "+msgType+" payload")
			return
		}
		d.coord.Reject(s, "parse_error", "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		d.coord.Pong(s)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.log.Debug().Str("type", msgType).Str("session", conn.ID).Msg("unsupported message type")
		d.coord.Reject(s, "unsupported_type", "unsupported message type")
		return
	}
	handler(ctx, s, msg)
}
