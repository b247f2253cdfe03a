package client

import (
	"bufio"
	"context"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/context-coordinator/protocol"
)

// requestLog records the envelopes a fake listener saw.
type requestLog struct {
	mu   sync.Mutex
	envs []protocol.Envelope
}

func (l *requestLog) add(env protocol.Envelope) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.envs = append(l.envs, env)
}

func (l *requestLog) all() []protocol.Envelope {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]protocol.Envelope(nil), l.envs...)
}

// fakeListener answers each framed request with whatever respond
// returns, recording the requests it saw.
func fakeListener(t *testing.T, respond func(env *protocol.Envelope) *protocol.Envelope) (string, *requestLog) {
	t.Helper()

	socketPath := filepath.Join(t.TempDir(), "fake.sock")
	listener, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	log := &requestLog{}

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close() //nolint:errcheck
				reader := bufio.NewReader(conn)
				for {
					env, err := protocol.ReadFrame(reader)
					if err != nil {
						return
					}
					log.add(*env)
					if err := protocol.WriteFrame(conn, respond(env)); err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	return socketPath, log
}

func echoMetrics(env *protocol.Envelope) *protocol.Envelope {
	return protocol.NewResponse(env.ID, &protocol.Response{
		Type:            protocol.ResponseMetrics,
		MetricsSnapshot: &protocol.MetricsSnapshot{UptimeSeconds: 1},
	})
}

func TestConnectPathFailsWithoutDaemon(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := ConnectPath(ctx, filepath.Join(t.TempDir(), "absent.sock"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "probing coordinator")
}

func TestConnectPathProbesDaemon(t *testing.T) {
	socketPath, seen := fakeListener(t, echoMetrics)

	cl, err := ConnectPath(context.Background(), socketPath)
	require.NoError(t, err)
	require.Equal(t, socketPath, cl.SocketPath())

	// The probe is a GetMetrics request.
	seenEnvs := seen.all()
	require.Len(t, seenEnvs, 1)
	require.Equal(t, protocol.RequestGetMetrics, seenEnvs[0].Payload.Request.Type)
}

func TestClientCorrelationIDsIncrease(t *testing.T) {
	socketPath, seen := fakeListener(t, echoMetrics)
	cl := NewWithPath(socketPath)

	_, err := cl.GetMetrics(context.Background())
	require.NoError(t, err)
	_, err = cl.GetMetrics(context.Background())
	require.NoError(t, err)

	seenEnvs := seen.all()
	require.Len(t, seenEnvs, 2)
	require.Equal(t, uint64(1), seenEnvs[0].ID)
	require.Equal(t, uint64(2), seenEnvs[1].ID)
}

func TestConnectToServer(t *testing.T) {
	socketPath, seen := fakeListener(t, func(env *protocol.Envelope) *protocol.Envelope {
		return protocol.NewResponse(env.ID, &protocol.Response{
			Type:         protocol.ResponseConnected,
			ConnectionID: 42,
		})
	})
	cl := NewWithPath(socketPath)

	id, err := cl.ConnectToServer(context.Background(), "gopls")
	require.NoError(t, err)
	require.Equal(t, uint64(42), id)

	req := seen.all()[0].Payload.Request
	require.Equal(t, protocol.RequestConnect, req.Type)
	require.Equal(t, "gopls", req.ServerName)
}

func TestConnectToServerError(t *testing.T) {
	socketPath, _ := fakeListener(t, func(env *protocol.Envelope) *protocol.Envelope {
		return protocol.NewResponse(env.ID, protocol.Errorf("Unknown server: %s", "gopls"))
	})
	cl := NewWithPath(socketPath)

	_, err := cl.ConnectToServer(context.Background(), "gopls")
	require.Error(t, err)
	require.Contains(t, err.Error(), "Unknown server: gopls")
}

func TestQuery(t *testing.T) {
	socketPath, seen := fakeListener(t, func(env *protocol.Envelope) *protocol.Envelope {
		return protocol.NewResponse(env.ID, &protocol.Response{
			Type:        protocol.ResponseQueryResult,
			QueryResult: &protocol.QueryResult{Suggestions: []string{"Atoi"}},
		})
	})
	cl := NewWithPath(socketPath)

	result, err := cl.Query(context.Background(), "gopls", &protocol.Query{
		Kind:     "completion",
		URI:      "file:///a.go",
		Position: protocol.Position{Line: 3, Character: 9},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"Atoi"}, result.Suggestions)

	req := seen.all()[0].Payload.Request
	require.Equal(t, protocol.RequestQuery, req.Type)
	require.Equal(t, "gopls", req.ServerName)
	require.NotNil(t, req.Query)
	require.Equal(t, uint32(3), req.Query.Position.Line)
}

func TestGetCacheHitAndMiss(t *testing.T) {
	socketPath, _ := fakeListener(t, func(env *protocol.Envelope) *protocol.Envelope {
		if env.Payload.Request.Key == "present" {
			return protocol.NewResponse(env.ID, &protocol.Response{
				Type:        protocol.ResponseCacheHit,
				QueryResult: &protocol.QueryResult{Suggestions: []string{"hit"}},
			})
		}
		return protocol.NewResponse(env.ID, &protocol.Response{Type: protocol.ResponseCacheMiss})
	})
	cl := NewWithPath(socketPath)

	got, ok, err := cl.GetCache(context.Background(), "present")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"hit"}, got.Suggestions)

	got, ok, err = cl.GetCache(context.Background(), "absent")
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, got)
}

func TestSetCache(t *testing.T) {
	socketPath, seen := fakeListener(t, func(env *protocol.Envelope) *protocol.Envelope {
		return protocol.NewResponse(env.ID, &protocol.Response{Type: protocol.ResponseOk})
	})
	cl := NewWithPath(socketPath)

	err := cl.SetCache(context.Background(), "k", &protocol.QueryResult{Suggestions: []string{"v"}}, 60)
	require.NoError(t, err)

	req := seen.all()[0].Payload.Request
	require.Equal(t, protocol.RequestSetCache, req.Type)
	require.Equal(t, "k", req.Key)
	require.Equal(t, uint64(60), req.TTLSeconds)
}

func TestUnexpectedVariant(t *testing.T) {
	// A daemon that answers GetCache with Connected is broken; the
	// client reports it distinctly from an Error response.
	socketPath, _ := fakeListener(t, func(env *protocol.Envelope) *protocol.Envelope {
		return protocol.NewResponse(env.ID, &protocol.Response{
			Type:         protocol.ResponseConnected,
			ConnectionID: 1,
		})
	})
	cl := NewWithPath(socketPath)

	_, _, err := cl.GetCache(context.Background(), "k")
	require.ErrorIs(t, err, ErrUnexpectedResponse)
}

func TestRequestPayloadFromDaemon(t *testing.T) {
	socketPath, _ := fakeListener(t, func(env *protocol.Envelope) *protocol.Envelope {
		return protocol.NewRequest(env.ID, &protocol.Request{Type: protocol.RequestGetMetrics})
	})
	cl := NewWithPath(socketPath)

	_, err := cl.GetMetrics(context.Background())
	require.ErrorIs(t, err, ErrUnexpectedResponse)
}

func TestContextDeadlineApplies(t *testing.T) {
	// A listener that accepts but never answers.
	socketPath := filepath.Join(t.TempDir(), "silent.sock")
	listener, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	defer listener.Close() //nolint:errcheck

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			defer conn.Close() //nolint:errcheck
		}
	}()

	cl := NewWithPath(socketPath)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = cl.GetMetrics(ctx)
	require.Error(t, err)
	require.Less(t, time.Since(start), 2*time.Second)
}
