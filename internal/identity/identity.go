// Package identity resolves client-asserted join data into a display identity:
// it enforces the administrator allow-list and disambiguates colliding
// nicknames.
package identity

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"strings"
	"unicode/utf8"
)

// MaxFieldLength bounds logical ids and nicknames in characters.
const MaxFieldLength = 64

var (
	// ErrInvalidJoin is returned for empty or oversized join fields.
	ErrInvalidJoin = errors.New("identity: invalid join data")
	// ErrAdminTokenRejected is returned when a non-empty admin token is not in
	// the allow-list. The connection must be closed.
	ErrAdminTokenRejected = errors.New("identity: admin token rejected")
)

// Preferences are the per-identity delivery switches.
type Preferences struct {
	Notify    bool
	Whisper   bool
	AutoClear bool
}

// DefaultPreferences accepts calls and whispers and replays history on join.
func DefaultPreferences() Preferences {
	return Preferences{Notify: true, Whisper: true}
}

// Identity is a resolved participant.
type Identity struct {
	LogicalID string
	// RequestedNickname is what the client asked for; Nickname may carry a
	// disambiguation suffix.
	RequestedNickname string
	Nickname          string
	OriginAddress     string
	IsAdmin           bool
	Preferences       Preferences
}

// JoinRequest is the raw join payload.
type JoinRequest struct {
	LogicalID  string
	Nickname   string
	AdminToken string
}

// Resolver turns join requests into identities.
type Resolver struct {
	adminTokens [][]byte
}

// NewResolver creates a resolver with the given administrator allow-list.
// Empty tokens are ignored.
func NewResolver(adminTokens []string) *Resolver {
	r := &Resolver{}
	for _, tok := range adminTokens {
		tok = strings.TrimSpace(tok)
		if tok != "" {
			r.adminTokens = append(r.adminTokens, []byte(tok))
		}
	}
	return r
}

// IsAdminToken reports whether token is in the allow-list.
func (r *Resolver) IsAdminToken(token string) bool {
	if token == "" {
		return false
	}
	ok := false
	for _, allowed := range r.adminTokens {
		if subtle.ConstantTimeCompare([]byte(token), allowed) == 1 {
			ok = true
		}
	}
	return ok
}

// Resolve validates req and computes the identity for a connection from addr.
// live is the set of currently connected identities; an entry with the same
// logical id is ignored since it is about to be evicted.
func (r *Resolver) Resolve(req JoinRequest, addr string, live []Identity) (Identity, error) {
	logicalID := strings.TrimSpace(req.LogicalID)
	nickname := strings.TrimSpace(req.Nickname)
	if logicalID == "" || nickname == "" ||
		utf8.RuneCountInString(logicalID) > MaxFieldLength ||
		utf8.RuneCountInString(nickname) > MaxFieldLength {
		return Identity{}, ErrInvalidJoin
	}

	if req.AdminToken != "" && !r.IsAdminToken(req.AdminToken) {
		return Identity{}, ErrAdminTokenRejected
	}

	return Identity{
		LogicalID:         logicalID,
		RequestedNickname: nickname,
		Nickname:          Disambiguate(nickname, addr, logicalID, live),
		OriginAddress:     addr,
		IsAdmin:           req.AdminToken != "",
		Preferences:       DefaultPreferences(),
	}, nil
}

// Disambiguate counts live identities that asked for the same nickname or
// connect from the same public address and, when there are any, appends
// "_(<count>)". The count is bumped until the result is not already in use.
func Disambiguate(nickname, addr, logicalID string, live []Identity) string {
	countAddr := !IsLocalAddress(addr)
	taken := make(map[string]bool, len(live))
	count := 0
	for _, other := range live {
		if other.LogicalID == logicalID {
			continue
		}
		taken[other.Nickname] = true
		if other.RequestedNickname == nickname || (countAddr && other.OriginAddress == addr) {
			count++
		}
	}
	if count == 0 && !taken[nickname] {
		return nickname
	}
	if count == 0 {
		count = 1
	}
	for {
		candidate := fmt.Sprintf("%s_(%d)", nickname, count)
		if !taken[candidate] {
			return candidate
		}
		count++
	}
}

// IsLocalAddress reports whether addr is loopback, private, link-local or
// unparseable. Such addresses never contribute to nickname disambiguation.
func IsLocalAddress(addr string) bool {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return true
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}
