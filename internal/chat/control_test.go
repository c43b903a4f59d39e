package chat

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/lounge/internal/ban"
	"github.com/whisper/lounge/internal/moderation"
	"github.com/whisper/lounge/internal/protocol"
)

func TestBanAddress_DisconnectsEverySessionBeforeReturning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const addr = "203.0.113.7"
	a := h.join(addr, "u1", "Alice", "")
	b := h.join(addr, "u2", "Bob", "")
	lurker, ok := h.connect(addr)
	require.True(t, ok)
	bystander := h.join("198.51.100.20", "u3", "Carol", "")

	entry, n, err := h.c.BanAddress(ctx, AdminAPI, ban.Entry{Address: addr, Reason: "flooding"})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NotEmpty(t, entry.ID)

	for _, cl := range []*client{a, b, lurker} {
		assert.True(t, cl.conn.isClosed())
		banned := cl.conn.ofType(protocol.TypeBanned)
		require.Len(t, banned, 1)
		assert.Equal(t, "flooding", banned[0]["reason"])
	}
	assert.False(t, bystander.conn.isClosed())
	require.Len(t, h.c.Online(), 1)

	again, ok := h.connect(addr)
	assert.False(t, ok)
	h.waitClosed(again)
	assert.Contains(t, h.audit.actions(), moderation.ActionBan)
}

func TestBanAddress_StoreFailureDisconnectsNobody(t *testing.T) {
	h := newHarness(t)
	a := h.join("203.0.113.7", "u1", "Alice", "")
	h.bans.failWrite = true

	_, n, err := h.c.BanAddress(context.Background(), AdminAPI, ban.Entry{Address: "203.0.113.7"})
	require.Error(t, err)
	assert.Zero(t, n)
	h.sync(a)
	assert.False(t, a.conn.isClosed())
	assert.Empty(t, a.conn.ofType(protocol.TypeBanned))
	assert.NotContains(t, h.audit.actions(), moderation.ActionBan)
}

func TestHandleBan_ByLogicalID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	mod := h.admin()
	target := h.join("198.51.100.4", "u-troll", "Troll", "")

	h.c.HandleBan(ctx, mod.s, protocol.BanMsg{TargetID: "u-troll", Reason: "rude"})
	assert.True(t, target.conn.isClosed())
	assert.Equal(t, "Banned 198.51.100.4 (1 disconnected).", mod.waitFor(t, protocol.TypeSystemMessage)["text"])

	bans, err := h.c.Bans(ctx, AdminAPI)
	require.NoError(t, err)
	require.Len(t, bans, 1)
	assert.Equal(t, "u-troll", bans[0].LogicalID)
	assert.Equal(t, "Troll", bans[0].Nickname)
}

func TestHandleBan_DepartedTargetUsesRecentExit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	mod := h.admin()
	target := h.join("198.51.100.4", "u-troll", "Troll", "")
	h.c.Disconnect(target.s)

	h.c.HandleGetIPForBan(ctx, mod.s, protocol.TargetMsg{TargetID: "u-troll"})
	page := mod.waitFor(t, protocol.TypeOpenBanPage)
	assert.Equal(t, "198.51.100.4", page["ip"])
	assert.Equal(t, "u-troll", page["id"])

	h.c.HandleBan(ctx, mod.s, protocol.BanMsg{TargetID: "u-troll"})
	_, ok := h.connect("198.51.100.4")
	assert.False(t, ok)
}

func TestHandleBan_UnknownTarget(t *testing.T) {
	h := newHarness(t)
	mod := h.admin()

	h.c.HandleBan(context.Background(), mod.s, protocol.BanMsg{TargetID: "ghost"})
	assert.Equal(t, "No address is known for ghost.", mod.waitFor(t, protocol.TypeSystemMessage)["text"])
}

func TestUnban_AllowsReconnect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	entry, _, err := h.c.BanAddress(ctx, AdminAPI, ban.Entry{Address: "203.0.113.7"})
	require.NoError(t, err)

	_, err = h.c.Unban(ctx, AdminAPI, entry.ID)
	require.NoError(t, err)
	_, ok := h.connect("203.0.113.7")
	assert.True(t, ok)

	_, err = h.c.Unban(ctx, AdminAPI, entry.ID)
	assert.ErrorIs(t, err, ban.ErrNotFound)
}

func TestControl_NonAdminIsIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	bob := h.join("127.0.0.1", "u-bob", "Bob", "")
	carol := h.join("198.51.100.8", "u-carol", "Carol", "")
	alice := h.join("127.0.0.1", "u-alice", "Alice", "")
	h.c.Publish(ctx, alice.s, protocol.ChatMessageMsg{Content: "keep me"})

	h.c.HandleMute(ctx, bob.s, protocol.TargetMsg{TargetID: "u-carol"})
	h.c.HandleUnmute(ctx, bob.s, protocol.TargetMsg{TargetID: "u-carol"})
	h.c.HandleGetIPForBan(ctx, bob.s, protocol.TargetMsg{TargetID: "u-carol"})
	h.c.HandleBan(ctx, bob.s, protocol.BanMsg{TargetID: "u-carol"})
	h.c.HandleClearHistory(ctx, bob.s, protocol.ClearHistoryMsg{})
	h.c.HandleSetNotice(ctx, bob.s, protocol.SetNoticeMsg{Content: "pwned"})
	h.sync(bob)
	h.sync(carol)

	assert.Empty(t, bob.conn.ofType(protocol.TypeSystemMessage))
	assert.Empty(t, bob.conn.ofType(protocol.TypeOpenBanPage))
	assert.Empty(t, bob.conn.ofType(protocol.TypeClearHistory))
	assert.Empty(t, bob.conn.ofType(protocol.TypeNotice))
	assert.False(t, carol.conn.isClosed())
	assert.Empty(t, h.c.Mutes(AdminAPI))
	assert.Empty(t, h.c.Notice())
	assert.Equal(t, 1, h.history.Len())
	assert.Empty(t, h.audit.actions())

	bans, err := h.c.Bans(ctx, AdminAPI)
	require.NoError(t, err)
	assert.Empty(t, bans)
}

func TestClearHistory_ArchivesAndTruncates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	mod := h.admin()
	alice := h.join("127.0.0.1", "u-alice", "Alice", "")
	for _, text := range []string{"one", "two", "three"} {
		h.c.Publish(ctx, alice.s, protocol.ChatMessageMsg{Content: text})
	}

	h.c.HandleClearHistory(ctx, mod.s, protocol.ClearHistoryMsg{})
	alice.waitFor(t, protocol.TypeClearHistory)
	mod.waitFor(t, protocol.TypeClearHistory)
	assert.Equal(t, 0, h.history.Len())

	dave := h.join("127.0.0.1", "u-dave", "Dave", "")
	assert.Empty(t, dave.waitFor(t, protocol.TypeJoined)["history"])

	exported, err := h.c.ExportHistory(ctx, AdminAPI, 0)
	require.NoError(t, err)
	require.Len(t, exported, 3)
	assert.Equal(t, "three", exported[0].Content)

	none, err := h.c.ExportHistory(ctx, Actor{ID: "u-alice"}, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSetNotice_BroadcastsAndPersists(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	mod := h.admin()
	bob := h.join("127.0.0.1", "u-bob", "Bob", "")

	h.c.HandleSetNotice(ctx, mod.s, protocol.SetNoticeMsg{Content: "Quiet hours after ten."})
	assert.Equal(t, "Quiet hours after ten.", bob.waitFor(t, protocol.TypeNotice)["content"])
	assert.Equal(t, "Quiet hours after ten.", h.c.Notice())
	assert.Contains(t, h.audit.actions(), moderation.ActionSetNotice)

	require.Error(t, h.c.SetNotice(ctx, AdminAPI, string([]byte{0xff, 0xfe})))
	assert.Equal(t, "Quiet hours after ten.", h.c.Notice())
}

func TestMute_ListAndUnmute(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.join("127.0.0.1", "u-bob", "Bob", "")

	entry, ok := h.c.Mute(ctx, AdminAPI, "u-bob")
	require.True(t, ok)
	assert.Equal(t, "Bob", entry.Nickname)

	mutes := h.c.Mutes(AdminAPI)
	require.Len(t, mutes, 1)
	assert.Equal(t, "u-bob", mutes[0].LogicalID)

	assert.True(t, h.c.Unmute(ctx, AdminAPI, "u-bob"))
	assert.False(t, h.c.Unmute(ctx, AdminAPI, "u-bob"))
	assert.Empty(t, h.c.Mutes(AdminAPI))
}
