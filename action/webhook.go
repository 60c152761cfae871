package action

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/loomworks/loom/definition"
)

// Error codes produced by WebhookRunner, suitable for RetryConditions.
const (
	CodeBadConfig   = "bad_config"
	CodeTimeout     = "timeout"
	CodeUnreachable = "unreachable"
	CodeHTTP4xx     = "http_4xx"
	CodeHTTP5xx     = "http_5xx"
)

// WebhookRunner performs outbound HTTP calls for "webhook" and "api"
// action types.
//
// Params:
//
//	url     (string, required)  target URL
//	method  (string)            HTTP method, default POST
//	headers (map[string]any)    extra request headers
//	body    (any)               JSON-encoded request body
type WebhookRunner struct {
	client *http.Client

	// maxResponseBytes bounds how much of the response body is captured
	// into the result.
	maxResponseBytes int64
}

// NewWebhookRunner creates a runner backed by the given client, or a
// client with a 30s timeout when nil.
func NewWebhookRunner(client *http.Client) *WebhookRunner {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &WebhookRunner{client: client, maxResponseBytes: 1 << 20}
}

func (r *WebhookRunner) Run(ctx context.Context, cfg *definition.ActionConfig, bindings map[string]any) (*Result, error) {
	url, _ := cfg.Params["url"].(string)
	if url == "" {
		return nil, Errorf(CodeBadConfig, "webhook action requires a url param")
	}

	method, _ := cfg.Params["method"].(string)
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if raw, ok := cfg.Params["body"]; ok {
		encoded, err := json.Marshal(raw)
		if err != nil {
			return nil, Errorf(CodeBadConfig, "encode body: %v", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, Errorf(CodeBadConfig, "build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if headers, ok := cfg.Params["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprint(v))
		}
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &Error{Code: CodeTimeout, Message: "request timed out", Cause: err}
		}
		return nil, &Error{Code: CodeUnreachable, Message: "request failed", Cause: err}
	}
	defer resp.Body.Close()

	captured, err := io.ReadAll(io.LimitReader(resp.Body, r.maxResponseBytes))
	if err != nil {
		return nil, &Error{Code: CodeUnreachable, Message: "read response", Cause: err}
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, Errorf(CodeHTTP5xx, "%s %s returned %d", method, url, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, Errorf(CodeHTTP4xx, "%s %s returned %d", method, url, resp.StatusCode)
	}

	output := map[string]any{
		"status_code": resp.StatusCode,
	}
	var decoded any
	if json.Unmarshal(captured, &decoded) == nil {
		output["body"] = decoded
	} else if len(captured) > 0 {
		output["body"] = string(captured)
	}
	return &Result{Output: output}, nil
}
