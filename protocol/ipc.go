// Package protocol defines the IPC messages exchanged between the
// coordinator daemon and its callers, and the byte-level framing used to
// carry them over a stream.
//
// Messages are closed tagged unions. Every dispatch site switches over
// the full set of variants with no fallback arm, so a new request or
// response type has to be handled everywhere it can appear.
package protocol

import (
	"encoding/json"
	"fmt"
)

// RequestType identifies a caller action.
type RequestType string

const (
	RequestConnect    RequestType = "Connect"
	RequestQuery      RequestType = "Query"
	RequestGetCache   RequestType = "GetCache"
	RequestSetCache   RequestType = "SetCache"
	RequestGetMetrics RequestType = "GetMetrics"
	RequestShutdown   RequestType = "Shutdown"
)

// ResponseType identifies the daemon's answer to a request.
type ResponseType string

const (
	ResponseConnected   ResponseType = "Connected"
	ResponseQueryResult ResponseType = "QueryResult"
	ResponseCacheHit    ResponseType = "CacheHit"
	ResponseCacheMiss   ResponseType = "CacheMiss"
	ResponseMetrics     ResponseType = "Metrics"
	ResponseError       ResponseType = "Error"
	ResponseOk          ResponseType = "Ok"
)

// Position is a cursor position within a document.
type Position struct {
	Line      uint32 `json:"line"`
	Character uint32 `json:"character"`
}

// Query is the payload sent to a context-provider server. The
// coordinator treats it as opaque apart from cache-key derivation.
type Query struct {
	// Kind of query (completion, hover, definition, ...).
	Kind string `json:"kind"`
	// URI of the document the query targets.
	URI      string   `json:"uri"`
	Position Position `json:"position"`
	// Context carries surrounding source text, when the caller has it.
	Context *string `json:"context,omitempty"`
}

// QueryResult is a context-provider server's answer to a Query.
type QueryResult struct {
	Suggestions   []string `json:"suggestions"`
	Documentation *string  `json:"documentation,omitempty"`
	// Confidence is a score in [0, 1] when the provider reports one.
	Confidence *float64 `json:"confidence,omitempty"`
}

// MetricsSnapshot is a point-in-time view of the daemon's counters.
type MetricsSnapshot struct {
	ActiveConnections int    `json:"active_connections"`
	CacheHits         uint64 `json:"cache_hits"`
	CacheMisses       uint64 `json:"cache_misses"`
	TotalQueries      uint64 `json:"total_queries"`
	Errors            uint64 `json:"errors"`
	UptimeSeconds     uint64 `json:"uptime_seconds"`
}

// Request is a caller action. Type selects the variant; the remaining
// fields are meaningful only for the variants that use them.
type Request struct {
	Type RequestType `json:"type"`

	// ServerName names the target backend (Connect, Query).
	ServerName string `json:"server_name,omitempty"`
	// Query is the provider query payload (Query).
	Query *Query `json:"request,omitempty"`
	// Key addresses a cache entry (GetCache, SetCache).
	Key string `json:"key,omitempty"`
	// Value is the entry to store (SetCache).
	Value *QueryResult `json:"value,omitempty"`
	// TTLSeconds is the entry lifetime (SetCache). Zero expires the
	// entry immediately.
	TTLSeconds uint64 `json:"ttl_seconds"`
}

// Response is the daemon's answer. Type selects the variant; the
// embedded payloads are flattened onto the wire alongside it.
type Response struct {
	Type ResponseType `json:"type"`

	// ConnectionID is a per-call correlation token (Connected). It does
	// not identify the underlying pooled connection.
	ConnectionID uint64 `json:"connection_id,omitempty"`

	// QueryResult carries the provider answer (QueryResult, CacheHit).
	*QueryResult
	// MetricsSnapshot carries the counter snapshot (Metrics).
	*MetricsSnapshot

	// Message describes the failure (Error).
	Message string `json:"message,omitempty"`
}

// Errorf builds an Error response with a formatted message.
func Errorf(format string, args ...any) *Response {
	return &Response{Type: ResponseError, Message: fmt.Sprintf(format, args...)}
}

// PayloadKind discriminates requests from responses inside an Envelope.
type PayloadKind string

const (
	KindRequest  PayloadKind = "Request"
	KindResponse PayloadKind = "Response"
)

// Payload is the request-or-response body of an Envelope. Exactly one
// of Request and Response is set, matching Kind.
type Payload struct {
	Kind     PayloadKind
	Request  *Request
	Response *Response
}

// MarshalJSON flattens the active variant's fields alongside the kind
// tag, producing {"kind":"Request","type":...,...}.
func (p Payload) MarshalJSON() ([]byte, error) {
	switch p.Kind {
	case KindRequest:
		if p.Request == nil {
			return nil, fmt.Errorf("request payload has no request body")
		}
		return json.Marshal(struct {
			Kind PayloadKind `json:"kind"`
			*Request
		}{p.Kind, p.Request})
	case KindResponse:
		if p.Response == nil {
			return nil, fmt.Errorf("response payload has no response body")
		}
		return json.Marshal(struct {
			Kind PayloadKind `json:"kind"`
			*Response
		}{p.Kind, p.Response})
	}
	return nil, fmt.Errorf("unknown payload kind %q", p.Kind)
}

// UnmarshalJSON reads the kind tag first, then decodes the matching
// variant from the same object.
func (p *Payload) UnmarshalJSON(data []byte) error {
	var probe struct {
		Kind PayloadKind `json:"kind"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}

	switch probe.Kind {
	case KindRequest:
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			return err
		}
		*p = Payload{Kind: KindRequest, Request: &req}
		return nil
	case KindResponse:
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			return err
		}
		*p = Payload{Kind: KindResponse, Response: &resp}
		return nil
	}
	return fmt.Errorf("unknown payload kind %q", probe.Kind)
}

// Envelope is one wire message: a correlation id plus a request or
// response payload. The id of a response always echoes the id of the
// request it answers.
type Envelope struct {
	ID      uint64  `json:"id"`
	Payload Payload `json:"payload"`
}

// NewRequest wraps a request in an envelope with the given id.
func NewRequest(id uint64, req *Request) *Envelope {
	return &Envelope{ID: id, Payload: Payload{Kind: KindRequest, Request: req}}
}

// NewResponse wraps a response in an envelope with the given id.
func NewResponse(id uint64, resp *Response) *Envelope {
	return &Envelope{ID: id, Payload: Payload{Kind: KindResponse, Response: resp}}
}
