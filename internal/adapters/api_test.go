package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synthesis-run/synthesis/pkg/schema"
)

func TestAPIAdapter_GetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "1", r.URL.Query().Get("page"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":[1,2]}`))
	}))
	defer srv.Close()

	a := NewAPIAdapter(APIConfig{})
	out, err := a.Invoke(context.Background(), Input{Params: map[string]any{
		"url":   srv.URL + "/things",
		"query": map[string]any{"page": 1},
		"auth":  map[string]any{"type": "bearer", "token": "tok"},
	}})
	require.NoError(t, err)

	data := out.Data.(map[string]any)
	assert.Equal(t, 200, data["status_code"])
	body := data["body"].(map[string]any)
	assert.Equal(t, []any{float64(1), float64(2)}, body["items"])
}

func TestAPIAdapter_PostBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		raw, _ := io.ReadAll(r.Body)
		var got map[string]any
		require.NoError(t, json.Unmarshal(raw, &got))
		assert.Equal(t, "deploy", got["action"])
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	a := NewAPIAdapter(APIConfig{BaseURL: srv.URL})
	out, err := a.Invoke(context.Background(), Input{Params: map[string]any{
		"method": "post",
		"url":    "/jobs",
		"body":   map[string]any{"action": "deploy"},
	}})
	require.NoError(t, err)
	data := out.Data.(map[string]any)
	assert.Equal(t, 201, data["status_code"])
	assert.Equal(t, "ok", data["body"])
}

func TestAPIAdapter_ErrorStatus(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"not found", http.StatusNotFound, false},
		{"unavailable", http.StatusServiceUnavailable, true},
		{"throttled", http.StatusTooManyRequests, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := NewAPIAdapter(APIConfig{}).Invoke(context.Background(), Input{Params: map[string]any{"url": srv.URL}})
			require.Error(t, err)

			var se *schema.SynthesisError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, schema.ErrCodeStepFailed, se.Code)
			assert.Equal(t, tt.retryable, se.Retryable)
			resp := se.Details["response"].(map[string]any)
			assert.Equal(t, tt.status, resp["status_code"])
		})
	}
}

func TestAPIAdapter_ErrorStatusAllowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	out, err := NewAPIAdapter(APIConfig{}).Invoke(context.Background(), Input{Params: map[string]any{
		"url":                  srv.URL,
		"fail_on_error_status": false,
	}})
	require.NoError(t, err)
	assert.Equal(t, 404, out.Data.(map[string]any)["status_code"])
}

func TestAPIAdapter_InvalidURL(t *testing.T) {
	a := NewAPIAdapter(APIConfig{})
	for _, u := range []string{"", "ftp://host/x", "not a url"} {
		_, err := a.Invoke(context.Background(), Input{Params: map[string]any{"url": u}})
		require.Error(t, err, u)
		assert.False(t, Retryable(err), u)
	}
}

func TestServiceAdapter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/builds/trigger", r.URL.Path)
		assert.Equal(t, "exec-1", r.Header.Get("X-Synthesis-Execution"))
		assert.Equal(t, "build", r.Header.Get("X-Synthesis-Step"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"queued":true}`))
	}))
	defer srv.Close()

	a := NewServiceAdapter("ci", srv.URL, nil)
	assert.Equal(t, "service.ci", a.Name())

	out, err := a.Invoke(context.Background(), Input{
		Params:      map[string]any{"operation": "builds/trigger", "payload": map[string]any{"ref": "main"}},
		ExecutionID: "exec-1",
		StepID:      "build",
	})
	require.NoError(t, err)
	body := out.Data.(map[string]any)["body"].(map[string]any)
	assert.Equal(t, true, body["queued"])

	_, err = a.Invoke(context.Background(), Input{Params: map[string]any{}})
	assert.Error(t, err)
}
