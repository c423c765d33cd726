package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// HTTPConfig configures the http_request executor.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
}

const (
	defaultMaxResponseBody = 1 << 20
	defaultHTTPTimeout     = 30 * time.Second
)

// IdempotencyHeader carries "{execution}:{step}:{attempt}" on every request.
const IdempotencyHeader = "Idempotency-Key"

// HTTPRequestParams configures an http_request step.
type HTTPRequestParams struct {
	Method  string            `json:"method,omitempty" validate:"omitempty,oneof=GET POST PUT PATCH DELETE HEAD get post put patch delete head"`
	URL     string            `json:"url" validate:"required"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    any               `json:"body,omitempty"`
	Timeout string            `json:"timeout,omitempty"`
}

const httpParamsSchema = `{
  "type": "object",
  "required": ["url"],
  "properties": {
    "method": {"type": "string", "enum": ["GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "get", "post", "put", "patch", "delete", "head"]},
    "url": {"type": "string", "minLength": 1},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "timeout": {"type": "string", "pattern": "^[0-9]+(ms|s|m)$"}
  },
  "additionalProperties": false
}`

// HTTPExecutor performs an HTTP request.
// 2xx completes; 5xx and transport errors fail retryably; any other status fails permanently.
type HTTPExecutor struct {
	config HTTPConfig
}

// NewHTTPExecutor creates an http_request executor.
func NewHTTPExecutor(cfg HTTPConfig) *HTTPExecutor {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	return &HTTPExecutor{config: cfg}
}

func (h *HTTPExecutor) Kind() schema.ActionKind { return schema.ActionHTTPRequest }

func (h *HTTPExecutor) Describe() Descriptor {
	return Descriptor{
		Description:   "Issue an HTTP request; the response summary becomes the step result.",
		ParamsSchema:  httpParamsSchema,
		NewParams:     func() any { return &HTTPRequestParams{} },
		BreakerTarget: httpTarget,
	}
}

// httpTarget is the host of the request URL.
func httpTarget(raw json.RawMessage) string {
	var p struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return ""
	}
	u, err := url.Parse(p.URL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}

func (h *HTTPExecutor) Execute(ctx context.Context, raw json.RawMessage, sc StepContext) Outcome {
	var p HTTPRequestParams
	if err := DecodeParams(raw, &p); err != nil {
		return Failed(err)
	}
	u, err := url.ParseRequestURI(p.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return Failed(invalidParams(schema.ActionHTTPRequest, "invalid url %q", p.URL))
	}
	method := strings.ToUpper(p.Method)
	if method == "" {
		method = http.MethodGet
	}

	timeout := h.config.DefaultTimeout
	if p.Timeout != "" {
		if d, err := time.ParseDuration(p.Timeout); err == nil && d > 0 {
			timeout = d
		}
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if p.Body != nil {
		switch b := p.Body.(type) {
		case string:
			body = strings.NewReader(b)
		default:
			enc, err := json.Marshal(b)
			if err != nil {
				return Failed(invalidParams(schema.ActionHTTPRequest, "encode body: %s", err))
			}
			body = bytes.NewReader(enc)
		}
	}

	req, err := http.NewRequestWithContext(reqCtx, method, p.URL, body)
	if err != nil {
		return Failed(invalidParams(schema.ActionHTTPRequest, "build request: %s", err))
	}
	if _, isString := p.Body.(string); p.Body != nil && !isString {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}
	if sc.ExecutionID != "" {
		req.Header.Set(IdempotencyHeader, fmt.Sprintf("%s:%s:%d", sc.ExecutionID, sc.StepID, sc.Attempt))
	}

	client := sc.Effects.HTTP
	if client == nil {
		client = http.DefaultClient
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return Failed(schema.NewErrorf(schema.ErrCodeTimeout, "http_request: %s %s timed out", method, p.URL).WithCause(err))
		}
		return Failed(schema.NewErrorf(schema.ErrCodeNetwork, "http_request: %s", err.Error()).WithCause(err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, h.config.MaxResponseBody))
	if err != nil {
		return Failed(schema.NewErrorf(schema.ErrCodeNetwork, "http_request: read response: %s", err.Error()).WithCause(err))
	}

	summary := map[string]any{
		"status_code": resp.StatusCode,
		"headers":     flattenHeaders(resp.Header),
		"body":        decodeBody(resp.Header.Get("Content-Type"), data),
		"duration_ms": time.Since(start).Milliseconds(),
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Completed(summary)
	case resp.StatusCode >= 500:
		return Failed(schema.NewErrorf(schema.ErrCodeNetwork, "http_request: server returned %d", resp.StatusCode).
			WithDetails(summary))
	default:
		return Failed(schema.NewErrorf(schema.ErrCodeExternalRejection, "http_request: server returned %d", resp.StatusCode).
			WithDetails(summary))
	}
}

func flattenHeaders(h http.Header) map[string]any {
	out := make(map[string]any, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

func decodeBody(contentType string, data []byte) any {
	if len(data) == 0 {
		return nil
	}
	if strings.Contains(contentType, "json") {
		var v any
		if err := json.Unmarshal(data, &v); err == nil {
			return v
		}
	}
	return string(data)
}
