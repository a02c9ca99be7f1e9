// Package sync implements the RFC 6578 sync-token wire format used across
// calendar and addressbook collections.
package sync

import (
	"strconv"
	"strings"
)

// Namespace is the fixed prefix every sync-token is rendered with. The exact
// string is arbitrary but must stay stable across server restarts and
// versions, since clients persist tokens verbatim between sync cycles.
const Namespace = "github.com/lennart-k/rustical/ns/"

// Format renders a per-collection counter as an opaque sync-token.
func Format(n int64) string {
	return Namespace + strconv.FormatInt(n, 10)
}

// Parse extracts the counter from a sync-token. An unrecognized prefix or a
// malformed integer is not an error: the caller treats it as token zero,
// which triggers a full re-sync.
func Parse(token string) int64 {
	if token == "" {
		return 0
	}
	rest, ok := strings.CutPrefix(token, Namespace)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
