package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseClientMessage_Join(t *testing.T) {
	input := []byte(`{"type":"join","logical_id":"u-1","nickname":"Alice","admin_token":"secret"}`)

	msgType, msg, err := ParseClientMessage(input)
	require.NoError(t, err)
	require.Equal(t, TypeJoin, msgType)

	jm, ok := msg.(JoinMsg)
	require.True(t, ok, "expected JoinMsg, got %T", msg)
	require.Equal(t, "u-1", jm.LogicalID)
	require.Equal(t, "Alice", jm.Nickname)
	require.Equal(t, "secret", jm.AdminToken)
}

func TestParseClientMessage_ChatDefaultsToText(t *testing.T) {
	msgType, msg, err := ParseClientMessage([]byte(`{"type":"chat_message","content":"hi"}`))
	require.NoError(t, err)
	require.Equal(t, TypeChatMessage, msgType)

	cm := msg.(ChatMessageMsg)
	require.Equal(t, KindText, cm.Kind)
	require.Equal(t, "hi", cm.Content)
}

func TestParseClientMessage_TargetTypesShareStruct(t *testing.T) {
	for _, typ := range []string{TypeMute, TypeUnmute, TypeGetIPForBan} {
		t.Run(typ, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(`{"type":"` + typ + `","target_id":"u-9"}`))
			require.NoError(t, err)
			require.Equal(t, typ, msgType)
			require.Equal(t, "u-9", msg.(TargetMsg).TargetID)
		})
	}
}

func TestParseClientMessage_ValidationFailures(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"join without id", `{"type":"join","nickname":"Alice"}`},
		{"join without nickname", `{"type":"join","logical_id":"u-1"}`},
		{"chat without content", `{"type":"chat_message","kind":"text"}`},
		{"chat unknown kind", `{"type":"chat_message","kind":"system","content":"x"}`},
		{"whisper without target", `{"type":"whisper","content":"x"}`},
		{"mute without target", `{"type":"mute"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ParseClientMessage([]byte(tt.input))
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrInvalidPayload), "expected ErrInvalidPayload, got %v", err)
		})
	}
}

func TestParseClientMessage_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"not json", `hello`},
		{"missing type", `{"content":"x"}`},
		{"unknown type", `{"type":"teleport"}`},
		{"server-only type", `{"type":"roster"}`},
		{"wrong field type", `{"type":"call","target_nickname":42}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, msg, err := ParseClientMessage([]byte(tt.input))
			require.Error(t, err)
			require.Nil(t, msg)
			require.False(t, errors.Is(err, ErrInvalidPayload))
		})
	}
}

func TestNewServerMessage_InjectsType(t *testing.T) {
	data, err := NewServerMessage(TypeOpenBanPage, OpenBanPageMsg{IP: "1.2.3.4", ID: "u-1", Nick: "Alice"})
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &m))
	require.Equal(t, TypeOpenBanPage, m["type"])
	require.Equal(t, "1.2.3.4", m["ip"])
	require.Equal(t, "u-1", m["id"])
	require.Equal(t, "Alice", m["nick"])
}

func TestNewServerMessage_JoinedKeepsEmptyHistory(t *testing.T) {
	data := MustServerMessage(TypeJoined, JoinedMsg{
		Nickname: "Alice",
		Settings: Settings{Notify: true, Whisper: true},
		History:  []HistoryEntry{},
	})

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &m))
	require.Equal(t, []interface{}{}, m["history"])
	_, hasNotice := m["notice"]
	require.False(t, hasNotice)
}
