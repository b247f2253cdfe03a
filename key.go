// Package coordinator provides shared primitives for the coordinator
// daemon and its client library.
package coordinator

import (
	"encoding/binary"
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/wolfeidau/context-coordinator/protocol"
)

// KeyHashSize is the number of BLAKE3 digest bytes kept in a cache key.
const KeyHashSize = 16

// MakeKey derives a deterministic cache key from a backend server name
// and the semantically relevant fields of a query. Two structurally
// identical queries to the same server produce the same key; queries to
// different servers never collide because the server name prefixes the
// key.
func MakeKey(serverName string, q *protocol.Query) string {
	h := blake3.New()

	// Field separators keep ("ab","c") and ("a","bc") distinct.
	_, _ = h.WriteString(q.Kind)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(q.URI)
	_, _ = h.Write([]byte{0})

	var pos [8]byte
	binary.BigEndian.PutUint32(pos[0:4], q.Position.Line)
	binary.BigEndian.PutUint32(pos[4:8], q.Position.Character)
	_, _ = h.Write(pos[:])

	if q.Context != nil {
		_, _ = h.Write([]byte{0})
		_, _ = h.WriteString(*q.Context)
	}

	sum := h.Sum(nil)
	return serverName + ":" + hex.EncodeToString(sum[:KeyHashSize])
}

// KeyServer returns the server-name prefix of a cache key, or "" if the
// key has no prefix. Key construction is per backend so entries can be
// grouped by server.
func KeyServer(key string) string {
	name, _, found := strings.Cut(key, ":")
	if !found {
		return ""
	}
	return name
}
