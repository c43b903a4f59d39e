package identity

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolve_NicknameSuffixes(t *testing.T) {
	r := NewResolver(nil)
	var live []Identity

	for i, want := range []string{"Alice", "Alice_(1)", "Alice_(2)"} {
		id, err := r.Resolve(JoinRequest{LogicalID: string(rune('a' + i)), Nickname: "Alice"}, "127.0.0.1", live)
		require.NoError(t, err)
		require.Equal(t, want, id.Nickname)
		require.Equal(t, "Alice", id.RequestedNickname)
		live = append(live, id)
	}
}

func TestResolve_SameLogicalIDIgnored(t *testing.T) {
	r := NewResolver(nil)
	live := []Identity{{LogicalID: "u-1", RequestedNickname: "Alice", Nickname: "Alice", OriginAddress: "8.8.8.8"}}

	id, err := r.Resolve(JoinRequest{LogicalID: "u-1", Nickname: "Alice"}, "8.8.8.8", live)
	require.NoError(t, err)
	require.Equal(t, "Alice", id.Nickname)
}

func TestResolve_SharedPublicAddressCounts(t *testing.T) {
	r := NewResolver(nil)
	live := []Identity{{LogicalID: "u-1", RequestedNickname: "Bob", Nickname: "Bob", OriginAddress: "1.2.3.4"}}

	id, err := r.Resolve(JoinRequest{LogicalID: "u-2", Nickname: "Carol"}, "1.2.3.4", live)
	require.NoError(t, err)
	require.Equal(t, "Carol_(1)", id.Nickname)
}

func TestResolve_LocalAddressesNeverCount(t *testing.T) {
	r := NewResolver(nil)
	for _, addr := range []string{"127.0.0.1", "10.0.0.7", "192.168.1.2", "::1", "not-an-ip"} {
		t.Run(addr, func(t *testing.T) {
			live := []Identity{{LogicalID: "u-1", RequestedNickname: "Bob", Nickname: "Bob", OriginAddress: addr}}
			id, err := r.Resolve(JoinRequest{LogicalID: "u-2", Nickname: "Carol"}, addr, live)
			require.NoError(t, err)
			require.Equal(t, "Carol", id.Nickname)
		})
	}
}

func TestResolve_SuffixSkipsTakenNames(t *testing.T) {
	live := []Identity{
		{LogicalID: "a", RequestedNickname: "Alice", Nickname: "Alice"},
		{LogicalID: "c", RequestedNickname: "Alice", Nickname: "Alice_(2)"},
	}
	// Two live identities asked for Alice, but Alice_(2) is in use.
	require.Equal(t, "Alice_(3)", Disambiguate("Alice", "127.0.0.1", "d", live))

	// Someone literally named "Alice_(1)" is not an Alice, but the name is
	// still reserved.
	live = []Identity{
		{LogicalID: "x", RequestedNickname: "Alice_(1)", Nickname: "Alice_(1)"},
		{LogicalID: "a", RequestedNickname: "Alice", Nickname: "Alice"},
	}
	require.Equal(t, "Alice_(2)", Disambiguate("Alice", "127.0.0.1", "b", live))
}

func TestResolve_AdminToken(t *testing.T) {
	r := NewResolver([]string{"s3cret", " ", ""})

	id, err := r.Resolve(JoinRequest{LogicalID: "u-1", Nickname: "Root", AdminToken: "s3cret"}, "127.0.0.1", nil)
	require.NoError(t, err)
	require.True(t, id.IsAdmin)

	id, err = r.Resolve(JoinRequest{LogicalID: "u-2", Nickname: "User"}, "127.0.0.1", nil)
	require.NoError(t, err)
	require.False(t, id.IsAdmin)

	_, err = r.Resolve(JoinRequest{LogicalID: "u-3", Nickname: "Mallory", AdminToken: "guess"}, "127.0.0.1", nil)
	require.True(t, errors.Is(err, ErrAdminTokenRejected))

	require.False(t, r.IsAdminToken(""))
	require.False(t, r.IsAdminToken(" "))
}

func TestResolve_InvalidJoin(t *testing.T) {
	r := NewResolver(nil)
	tests := []JoinRequest{
		{LogicalID: "", Nickname: "Alice"},
		{LogicalID: "u-1", Nickname: "   "},
		{LogicalID: strings.Repeat("x", MaxFieldLength+1), Nickname: "Alice"},
		{LogicalID: "u-1", Nickname: strings.Repeat("é", MaxFieldLength+1)},
	}
	for _, req := range tests {
		_, err := r.Resolve(req, "127.0.0.1", nil)
		require.ErrorIs(t, err, ErrInvalidJoin)
	}
}

func TestResolve_DefaultPreferences(t *testing.T) {
	id, err := NewResolver(nil).Resolve(JoinRequest{LogicalID: "u", Nickname: "n"}, "127.0.0.1", nil)
	require.NoError(t, err)
	require.Equal(t, Preferences{Notify: true, Whisper: true, AutoClear: false}, id.Preferences)
}
