// Package session remembers where recently departed identities connected
// from, so administrators can still look up an address to ban after the
// target has left. Entries expire after a fixed TTL (24h by default).
package session
