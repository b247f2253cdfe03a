package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequestEnvelopeRoundTrip(t *testing.T) {
	ctx := "fn ma"
	env := NewRequest(7, &Request{
		Type:       RequestQuery,
		ServerName: "rust-analyzer",
		Query: &Query{
			Kind:     "completion",
			URI:      "file:///src/main.rs",
			Position: Position{Line: 10, Character: 4},
			Context:  &ctx,
		},
	})

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(data, &decoded))

	require.Equal(t, uint64(7), decoded.ID)
	require.Equal(t, KindRequest, decoded.Payload.Kind)
	require.NotNil(t, decoded.Payload.Request)
	require.Nil(t, decoded.Payload.Response)
	require.Equal(t, RequestQuery, decoded.Payload.Request.Type)
	require.Equal(t, "rust-analyzer", decoded.Payload.Request.ServerName)
	require.NotNil(t, decoded.Payload.Request.Query)
	require.Equal(t, uint32(10), decoded.Payload.Request.Query.Position.Line)
	require.NotNil(t, decoded.Payload.Request.Query.Context)
	require.Equal(t, "fn ma", *decoded.Payload.Request.Query.Context)
}

func TestRequestWireShape(t *testing.T) {
	env := NewRequest(1, &Request{Type: RequestConnect, ServerName: "gopls"})

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Equal(t, float64(1), raw["id"])

	payload, ok := raw["payload"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "Request", payload["kind"])
	require.Equal(t, "Connect", payload["type"])
	require.Equal(t, "gopls", payload["server_name"])
}

func TestSetCacheKeepsZeroTTLOnWire(t *testing.T) {
	env := NewRequest(2, &Request{
		Type:  RequestSetCache,
		Key:   "k",
		Value: &QueryResult{Suggestions: []string{"x"}},
	})

	data, err := json.Marshal(env)
	require.NoError(t, err)
	require.Contains(t, string(data), `"ttl_seconds":0`)
}

func TestResponseVariantsRoundTrip(t *testing.T) {
	doc := "docs"
	conf := 0.5

	responses := []*Response{
		{Type: ResponseConnected, ConnectionID: 42},
		{Type: ResponseQueryResult, QueryResult: &QueryResult{
			Suggestions:   []string{"a", "b"},
			Documentation: &doc,
			Confidence:    &conf,
		}},
		{Type: ResponseCacheHit, QueryResult: &QueryResult{Suggestions: []string{"hit"}}},
		{Type: ResponseCacheMiss},
		{Type: ResponseMetrics, MetricsSnapshot: &MetricsSnapshot{
			ActiveConnections: 2,
			CacheHits:         5,
			CacheMisses:       3,
			TotalQueries:      8,
			Errors:            1,
			UptimeSeconds:     60,
		}},
		{Type: ResponseError, Message: "boom"},
		{Type: ResponseOk},
	}

	for _, resp := range responses {
		env := NewResponse(9, resp)

		data, err := json.Marshal(env)
		require.NoError(t, err)

		var decoded Envelope
		require.NoError(t, json.Unmarshal(data, &decoded))

		require.Equal(t, KindResponse, decoded.Payload.Kind)
		require.NotNil(t, decoded.Payload.Response)
		require.Nil(t, decoded.Payload.Request)
		require.Equal(t, resp.Type, decoded.Payload.Response.Type)
	}
}

func TestResponseMetricsWireShape(t *testing.T) {
	env := NewResponse(3, &Response{
		Type: ResponseMetrics,
		MetricsSnapshot: &MetricsSnapshot{
			ActiveConnections: 1,
			CacheHits:         2,
			UptimeSeconds:     30,
		},
	})

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))

	payload, ok := raw["payload"].(map[string]any)
	require.True(t, ok)
	// Snapshot fields sit beside type, not nested under a wrapper key.
	require.Equal(t, "Metrics", payload["type"])
	require.Equal(t, float64(1), payload["active_connections"])
	require.Equal(t, float64(2), payload["cache_hits"])
	require.Equal(t, float64(30), payload["uptime_seconds"])
}

func TestPayloadUnknownKind(t *testing.T) {
	var p Payload
	err := json.Unmarshal([]byte(`{"kind":"Notification","type":"Ping"}`), &p)
	require.Error(t, err)
	require.Contains(t, err.Error(), "Notification")
}

func TestErrorf(t *testing.T) {
	resp := Errorf("Unknown server: %s", "missing")
	require.Equal(t, ResponseError, resp.Type)
	require.Equal(t, "Unknown server: missing", resp.Message)
}
