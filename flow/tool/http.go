package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/theuselessai/pipelit/flow"
)

// maxHTTPBody caps how much of a response body a tool result carries back
// into the conversation.
const maxHTTPBody = 256 * 1024

// HTTPRequest performs HTTP calls on behalf of an agent.
//
// Input parameters:
//   - url: target URL (required)
//   - method: GET, POST, PUT, PATCH, or DELETE (defaults to GET)
//   - headers: optional map of header name to value
//   - body: optional request body string
//   - json: optional object sent as a JSON body (sets Content-Type)
//
// Output:
//   - status_code: HTTP status code
//   - headers: response headers
//   - body: response body as string, truncated to 256 KiB
//   - json: decoded body when the response is JSON
type HTTPRequest struct {
	client *http.Client
}

// NewHTTPRequest creates the HTTP tool with a 30 second default timeout.
// Callers passing a context with an earlier deadline win.
func NewHTTPRequest() *HTTPRequest {
	return &HTTPRequest{client: &http.Client{Timeout: 30 * time.Second}}
}

func (h *HTTPRequest) Name() string { return "http_request" }

func (h *HTTPRequest) Description() string {
	return "Performs an HTTP request and returns status, headers, and body. " +
		"Use for REST APIs and webhooks."
}

func (h *HTTPRequest) Schema() map[string]any {
	return objectSchema(map[string]any{
		"url":    map[string]any{"type": "string", "description": "Target URL."},
		"method": map[string]any{"type": "string", "description": "GET, POST, PUT, PATCH, or DELETE."},
		"headers": map[string]any{
			"type":        "object",
			"description": "HTTP headers to send.",
		},
		"body": map[string]any{"type": "string", "description": "Raw request body."},
		"json": map[string]any{
			"type":        "object",
			"description": "Object sent as a JSON body instead of body.",
		},
	}, "url")
}

// Call executes the request.
func (h *HTTPRequest) Call(ctx context.Context, input map[string]any) (map[string]any, error) {
	urlStr := stringInput(input, "url")
	if urlStr == "" {
		return nil, flow.Errf(flow.CodeValidation, "url parameter required (string)")
	}

	method := strings.ToUpper(stringInput(input, "method"))
	if method == "" {
		method = http.MethodGet
	}
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return nil, flow.Errf(flow.CodeValidation, "unsupported HTTP method: %s", method)
	}

	var body io.Reader
	contentType := ""
	if obj, ok := input["json"].(map[string]any); ok {
		encoded, err := json.Marshal(obj)
		if err != nil {
			return nil, flow.Wrap(flow.CodeValidation, "json parameter not encodable", err)
		}
		body = bytes.NewReader(encoded)
		contentType = "application/json"
	} else if raw := stringInput(input, "body"); raw != "" {
		body = strings.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, body)
	if err != nil {
		return nil, flow.Wrap(flow.CodeValidation, "failed to create request", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if headers, ok := input["headers"].(map[string]any); ok {
		for key, value := range headers {
			if s, ok := value.(string); ok {
				req.Header.Set(key, s)
			}
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, flow.Wrap(flow.CodeProviderError, "request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPBody))
	if err != nil {
		return nil, flow.Wrap(flow.CodeProviderError, "failed to read response body", err)
	}

	respHeaders := make(map[string]any, len(resp.Header))
	for key, values := range resp.Header {
		if len(values) == 1 {
			respHeaders[key] = values[0]
		} else {
			respHeaders[key] = values
		}
	}

	result := map[string]any{
		"status_code": resp.StatusCode,
		"headers":     respHeaders,
		"body":        string(respBody),
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		var decoded any
		if json.Unmarshal(respBody, &decoded) == nil {
			result["json"] = decoded
		}
	}
	return result, nil
}
