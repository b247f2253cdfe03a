package coordinator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/context-coordinator/protocol"
)

func sampleQuery() *protocol.Query {
	return &protocol.Query{
		Kind:     "completion",
		URI:      "file:///src/main.go",
		Position: protocol.Position{Line: 10, Character: 4},
	}
}

func TestMakeKeyDeterministic(t *testing.T) {
	a := MakeKey("gopls", sampleQuery())
	b := MakeKey("gopls", sampleQuery())
	require.Equal(t, a, b)

	name, hash, ok := strings.Cut(a, ":")
	require.True(t, ok)
	require.Equal(t, "gopls", name)
	require.Len(t, hash, KeyHashSize*2)
}

func TestMakeKeyServerSeparation(t *testing.T) {
	// Same query against two servers must never collide.
	a := MakeKey("gopls", sampleQuery())
	b := MakeKey("rust-analyzer", sampleQuery())
	require.NotEqual(t, a, b)
}

func TestMakeKeyQuerySensitivity(t *testing.T) {
	base := MakeKey("gopls", sampleQuery())

	q := sampleQuery()
	q.Kind = "hover"
	require.NotEqual(t, base, MakeKey("gopls", q))

	q = sampleQuery()
	q.URI = "file:///src/other.go"
	require.NotEqual(t, base, MakeKey("gopls", q))

	q = sampleQuery()
	q.Position.Line = 11
	require.NotEqual(t, base, MakeKey("gopls", q))

	q = sampleQuery()
	q.Position.Character = 5
	require.NotEqual(t, base, MakeKey("gopls", q))

	q = sampleQuery()
	ctx := "fn ma"
	q.Context = &ctx
	require.NotEqual(t, base, MakeKey("gopls", q))
}

func TestMakeKeyContextValueMatters(t *testing.T) {
	q1 := sampleQuery()
	ctx1 := "alpha"
	q1.Context = &ctx1

	q2 := sampleQuery()
	ctx2 := "beta"
	q2.Context = &ctx2

	require.NotEqual(t, MakeKey("gopls", q1), MakeKey("gopls", q2))
}

func TestKeyServer(t *testing.T) {
	key := MakeKey("gopls", sampleQuery())
	require.Equal(t, "gopls", KeyServer(key))

	// Plain keys stored over IPC may have no hash part.
	require.Equal(t, "server1", KeyServer("server1:12345"))
	require.Equal(t, "", KeyServer("bare"))
}
