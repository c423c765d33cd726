package actions

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func httpParams(t *testing.T, p map[string]any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(p)
	require.NoError(t, err)
	return b
}

func TestHTTP_Success(t *testing.T) {
	var gotKey, gotCT string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		gotKey = r.Header.Get(IdempotencyHeader)
		gotCT = r.Header.Get("Content-Type")
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok": true}`))
	}))
	defer srv.Close()

	e := NewHTTPExecutor(HTTPConfig{})
	sc := StepContext{ExecutionID: "ex-1", StepID: "call", Attempt: 3}
	out := e.Execute(context.Background(), httpParams(t, map[string]any{
		"url": srv.URL, "method": "post", "body": map[string]any{"n": 1},
		"headers": map[string]any{"X-Trace": "abc"},
	}), sc)

	require.Equal(t, OutcomeCompleted, out.Kind, "%v", out.Err)
	assert.Equal(t, 200, out.Result["status_code"])
	assert.Equal(t, map[string]any{"ok": true}, out.Result["body"])
	assert.Equal(t, "ex-1:call:3", gotKey)
	assert.Equal(t, "application/json", gotCT)
	assert.Equal(t, 1.0, gotBody["n"])
}

func TestHTTP_StatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		kind      OutcomeKind
		retryable bool
		code      string
	}{
		{204, OutcomeCompleted, false, ""},
		{404, OutcomeFailed, false, schema.ErrCodeExternalRejection},
		{422, OutcomeFailed, false, schema.ErrCodeExternalRejection},
		{500, OutcomeFailed, true, schema.ErrCodeNetwork},
		{503, OutcomeFailed, true, schema.ErrCodeNetwork},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			out := NewHTTPExecutor(HTTPConfig{}).Execute(context.Background(),
				httpParams(t, map[string]any{"url": srv.URL}), StepContext{})
			assert.Equal(t, tt.kind, out.Kind)
			assert.Equal(t, tt.retryable, out.Retryable)
			if tt.code != "" {
				assert.Equal(t, tt.code, schema.CodeOf(out.Err))
			}
		})
	}
}

func TestHTTP_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	out := NewHTTPExecutor(HTTPConfig{}).Execute(context.Background(), httpParams(t, map[string]any{"url": url}), StepContext{})
	require.Equal(t, OutcomeFailed, out.Kind)
	assert.True(t, out.Retryable)
}

func TestHTTP_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	out := NewHTTPExecutor(HTTPConfig{}).Execute(context.Background(),
		httpParams(t, map[string]any{"url": srv.URL, "timeout": "50ms"}), StepContext{})
	require.Equal(t, OutcomeFailed, out.Kind)
	assert.Equal(t, schema.ErrCodeTimeout, schema.CodeOf(out.Err))
	assert.True(t, out.Retryable)
}

func TestHTTP_InvalidParams(t *testing.T) {
	e := NewHTTPExecutor(HTTPConfig{})
	for _, p := range []map[string]any{
		{"url": "ftp://example.com"},
		{"url": "not a url"},
		{"url": "http://x", "verb": "GET"},
	} {
		out := e.Execute(context.Background(), httpParams(t, p), StepContext{})
		require.Equal(t, OutcomeFailed, out.Kind)
		assert.False(t, out.Retryable)
		assert.Equal(t, schema.ErrCodeInvalidParams, schema.CodeOf(out.Err))
	}
}

func TestHTTP_BreakerTarget(t *testing.T) {
	target := NewHTTPExecutor(HTTPConfig{}).Describe().BreakerTarget
	require.NotNil(t, target)
	assert.Equal(t, "api.example.com:8443", target(json.RawMessage(`{"url":"https://API.example.com:8443/v1/hook"}`)))
	assert.Equal(t, "hooks.example.com", target(json.RawMessage(`{"url":"http://hooks.example.com","method":"POST"}`)))
	assert.Empty(t, target(json.RawMessage(`{"url":"::"}`)))
	assert.Empty(t, target(json.RawMessage(`not json`)))
}
