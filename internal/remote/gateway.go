// Package remote implements run.Executor against the services that
// actually fetch and execute repository files: the HTTP gateway exposing
// /api/run, or the Piston code runners reached directly.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/deixis/gitrun/internal/run"
	"go.uber.org/zap"
)

// maxBody bounds how much of a response body is read.
const maxBody = 16 << 20

// Gateway calls POST {BaseURL}/api/run on an execution gateway.
type Gateway struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// NewGateway creates a gateway executor for baseURL.
func NewGateway(baseURL, token string, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		HTTPClient: &http.Client{},
		Logger:     logger,
	}
}

// Execute issues req. A non-2xx status or a truthy "error" field yields a
// Response carrying the error payload; an unreachable service or a body
// that is not JSON yields an error.
func (g *Gateway) Execute(ctx context.Context, req run.Request) (*run.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	url := g.BaseURL + "/api/run"

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Accept", "application/json")
	if g.Token != "" {
		hreq.Header.Set("Authorization", "Bearer "+g.Token)
	}

	g.Logger.Debug("HTTP request", zap.String("method", http.MethodPost), zap.String("url", url))

	resp, err := g.client().Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	g.Logger.Debug("HTTP response", zap.Int("status", resp.StatusCode), zap.Int("size", len(raw)))

	return decodeRunResponse(resp.StatusCode, raw)
}

func (g *Gateway) client() *http.Client {
	if g.HTTPClient != nil {
		return g.HTTPClient
	}
	return http.DefaultClient
}

// decodeRunResponse applies the /api/run contract to a status and body.
func decodeRunResponse(status int, raw []byte) (*run.Response, error) {
	var out run.Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("parse response (status %d): %w", status, err)
	}
	ok := status >= 200 && status < 300
	if ok && !out.Failed() {
		out.Error = nil
		return &out, nil
	}
	// The whole body is the error payload shown to the user.
	return &run.Response{Error: json.RawMessage(bytes.TrimSpace(raw))}, nil
}

// errorPayload builds the {"error": msg} body used by the gateway.
func errorPayload(msg string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"error": msg})
	return b
}
