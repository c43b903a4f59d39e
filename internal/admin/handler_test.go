package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/lounge/internal/ban"
	"github.com/whisper/lounge/internal/chat"
	"github.com/whisper/lounge/internal/history"
	"github.com/whisper/lounge/internal/identity"
	"github.com/whisper/lounge/internal/moderation"
	"github.com/whisper/lounge/internal/protocol"
	"github.com/whisper/lounge/internal/session"
)

const token = "letmein"

type nopConn struct{}

func (nopConn) Write([]byte) error { return nil }
func (nopConn) Close() error       { return nil }

type fixture struct {
	h     *Handler
	coord *chat.Coordinator
	store *history.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	redactor, err := moderation.NewRedactor(nil, nil, nil)
	require.NoError(t, err)
	resolver := identity.NewResolver([]string{token})
	store := history.New(history.Config{Capacity: 2, Batch: 1}, nil, nil, zerolog.Nop())
	coord := chat.New(chat.Options{}, chat.Deps{
		Bans:     ban.NewMemory(),
		Mutes:    moderation.NewMuteList(nil, zerolog.Nop()),
		Redactor: redactor,
		Resolver: resolver,
		History:  store,
		Exits:    session.NewMemory(0),
	}, zerolog.Nop())
	t.Cleanup(coord.Shutdown)
	return &fixture{h: New(coord, resolver, zerolog.Nop()), coord: coord, store: store}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(TokenHeader, token)
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) join(t *testing.T, addr, id, nick string) *chat.Session {
	t.Helper()
	s, ok := f.coord.Connect(context.Background(), nopConn{}, id+"-session", addr)
	require.True(t, ok)
	f.coord.Join(context.Background(), s, protocol.JoinMsg{LogicalID: id, Nickname: nick})
	require.True(t, s.Joined())
	return s
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestHandler_RequiresToken(t *testing.T) {
	f := newFixture(t)
	for _, tok := range []string{"", "wrong"} {
		req := httptest.NewRequest(http.MethodGet, "/admin/bans", nil)
		if tok != "" {
			req.Header.Set(TokenHeader, tok)
		}
		rec := httptest.NewRecorder()
		f.h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}
}

func TestHandler_BanLifecycle(t *testing.T) {
	f := newFixture(t)
	target := f.join(t, "203.0.113.4", "u-troll", "Troll")

	rec := f.do(t, http.MethodPost, "/admin/bans", `{"target_id":"u-troll","reason":"spam"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[BanResponse](t, rec)
	assert.Equal(t, "203.0.113.4", created.Ban.Address)
	assert.Equal(t, 1, created.Disconnected)
	assert.True(t, target.Closed())

	rec = f.do(t, http.MethodGet, "/admin/bans", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]ban.Entry](t, rec), 1)

	rec = f.do(t, http.MethodDelete, "/admin/bans/"+created.Ban.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodDelete, "/admin/bans/"+created.Ban.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_BanByAddress(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/admin/bans", `{"address":"198.51.100.9"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "198.51.100.9", decodeBody[BanResponse](t, rec).Ban.Address)

	_, ok := f.coord.Connect(context.Background(), nopConn{}, "late", "198.51.100.9")
	assert.False(t, ok)
}

func TestHandler_BanValidation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		body string
		want int
	}{
		{"empty", `{}`, http.StatusBadRequest},
		{"bad address", `{"address":"not-an-ip"}`, http.StatusBadRequest},
		{"unknown field", `{"target":"x"}`, http.StatusBadRequest},
		{"not json", `nope`, http.StatusBadRequest},
		{"unknown target", `{"target_id":"ghost"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.do(t, http.MethodPost, "/admin/bans", tt.body).Code)
		})
	}
}

func TestHandler_Mutes(t *testing.T) {
	f := newFixture(t)
	f.join(t, "127.0.0.1", "u-bob", "Bob")

	rec := f.do(t, http.MethodPost, "/admin/mutes", `{"target_id":"u-bob"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "Bob", decodeBody[moderation.MuteEntry](t, rec).Nickname)

	rec = f.do(t, http.MethodGet, "/admin/mutes", "")
	mutes := decodeBody[[]moderation.MuteEntry](t, rec)
	require.Len(t, mutes, 1)
	assert.Equal(t, "u-bob", mutes[0].LogicalID)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/admin/mutes/u-bob", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/admin/mutes/u-bob", "").Code)
	assert.Equal(t, "[]\n", f.do(t, http.MethodGet, "/admin/mutes", "").Body.String())
}

func TestHandler_Notice(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPut, "/admin/notice", `{"content":"Maintenance at noon."}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/admin/notice", "")
	assert.Equal(t, "Maintenance at noon.", decodeBody[NoticeBody](t, rec).Content)

	long := strings.Repeat("x", chat.MaxNoticeChars+1)
	rec = f.do(t, http.MethodPut, "/admin/notice", `{"content":"`+long+`"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_ExportHistory(t *testing.T) {
	f := newFixture(t)
	alice := f.join(t, "127.0.0.1", "u-alice", "Alice")
	for _, text := range []string{"one", "two", "three", "four"} {
		f.coord.Publish(context.Background(), alice, protocol.ChatMessageMsg{Kind: protocol.KindText, Content: text})
	}
	_, err := f.store.Sweep(context.Background())
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/admin/history?limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	msgs := decodeBody[[]history.Message](t, rec)
	require.Len(t, msgs, 2, "only overflow has reached the archive")
	assert.Equal(t, "two", msgs[0].Content)
	assert.Equal(t, "127.0.0.1", msgs[0].OriginAddress)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/admin/history?limit=zero", "").Code)
}
