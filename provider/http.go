package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/wolfeidau/context-coordinator/protocol"
	"github.com/wolfeidau/context-coordinator/telemetry"
)

// HTTP queries a context-provider server over HTTP. Each query is one
// POST of the JSON-encoded query to the configured URL; the response
// body is the JSON-encoded result.
type HTTP struct {
	name   string
	url    string
	client *http.Client
	logger *slog.Logger
}

func newHTTP(cfg ServerConfig, o *options) *HTTP {
	client := o.httpClient
	if client == nil {
		client = &http.Client{
			Timeout:   o.timeout,
			Transport: telemetry.NewInstrumentedTransport(nil, cfg.Name),
		}
	}

	return &HTTP{
		name:   cfg.Name,
		url:    cfg.Target,
		client: client,
		logger: o.logger,
	}
}

// Query implements Provider.
func (h *HTTP) Query(ctx context.Context, q *protocol.Query) (*protocol.QueryResult, error) {
	start := time.Now()
	result, err := h.query(ctx, q)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	telemetry.RecordProviderQuery(ctx, h.name, outcome, time.Since(start))
	return result, err
}

func (h *HTTP) query(ctx context.Context, q *protocol.Query) (*protocol.QueryResult, error) {
	body, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("marshaling query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending query: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider returned status %d", resp.StatusCode)
	}

	var result protocol.QueryResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding query result: %w", err)
	}
	return &result, nil
}

// IsAvailable implements Provider. The target is considered available
// when it answers anything at all; an unreachable host is not.
func (h *HTTP) IsAvailable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, h.url, nil)
	if err != nil {
		return false
	}

	resp, err := h.client.Do(req)
	if err != nil {
		h.logger.Debug("availability probe failed", "error", err)
		return false
	}
	_ = resp.Body.Close()
	return true
}

// Close implements Provider.
func (h *HTTP) Close() error {
	h.client.CloseIdleConnections()
	return nil
}
