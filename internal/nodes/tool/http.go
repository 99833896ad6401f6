package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/flexinfer/mentatlab/services/flowengine/internal/flowerr"
)

const maxResponseBytes = 1 << 20

// HTTPRequest performs an HTTP call and returns status, headers and body.
type HTTPRequest struct {
	Client *http.Client
}

// NewHTTPRequest creates the tool with a bounded client.
func NewHTTPRequest(timeout time.Duration) *HTTPRequest {
	return &HTTPRequest{Client: &http.Client{Timeout: timeout}}
}

func (*HTTPRequest) Name() string { return "http_request" }

func (*HTTPRequest) Description() string {
	return "Send an HTTP request and return the status code and response body."
}

func (*HTTPRequest) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url":     map[string]interface{}{"type": "string"},
			"method":  map[string]interface{}{"type": "string"},
			"headers": map[string]interface{}{"type": "object"},
			"body":    map[string]interface{}{},
		},
		"required": []interface{}{"url"},
	}
}

type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string   { return fmt.Sprintf("http status %d: %s", e.status, e.body) }
func (e *statusError) StatusCode() int { return e.status }

// Call implements Tool.
func (h *HTTPRequest) Call(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	url, _ := args["url"].(string)
	if url == "" {
		return nil, flowerr.New(flowerr.CodeMissingParameter, "url is required")
	}
	method := http.MethodGet
	if m, ok := args["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}

	var body io.Reader
	switch b := args["body"].(type) {
	case nil:
	case string:
		body = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			return nil, flowerr.Wrap(flowerr.CodeInvalidParameter, err, "encode body")
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, flowerr.Wrap(flowerr.CodeInvalidParameter, err, "build request")
	}
	if headers, ok := args["headers"].(map[string]interface{}); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprint(v))
		}
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, flowerr.Wrap(flowerr.CodeConnectionFailed, err, "read response")
	}
	if resp.StatusCode >= 400 {
		return nil, &statusError{status: resp.StatusCode, body: string(raw)}
	}

	var parsed interface{} = string(raw)
	if strings.Contains(resp.Header.Get("Content-Type"), "json") {
		var v interface{}
		if err := json.Unmarshal(raw, &v); err == nil {
			parsed = v
		}
	}
	return map[string]interface{}{
		"status": resp.StatusCode,
		"body":   parsed,
	}, nil
}
