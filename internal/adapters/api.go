package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/synthesis-run/synthesis/pkg/schema"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

// APIConfig configures the HTTP adapter.
type APIConfig struct {
	Client          *http.Client
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	BaseURL         string // prefixed to relative urls
}

// APIAdapter performs HTTP calls. A status of 400 or above is a failure
// with the response captured in the error details; 5xx and 429 are
// retryable, other 4xx are terminal.
type APIAdapter struct {
	name   string
	config APIConfig
}

// NewAPIAdapter creates the "api" adapter.
func NewAPIAdapter(cfg APIConfig) *APIAdapter {
	return newAPIAdapter(CapabilityAPI, cfg)
}

func newAPIAdapter(name string, cfg APIConfig) *APIAdapter {
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	return &APIAdapter{name: name, config: cfg}
}

func (a *APIAdapter) Name() string { return a.name }

// Invoke sends the request described by params: method, url, headers, query,
// body, body_encoding (json|form|text), auth and timeout.
func (a *APIAdapter) Invoke(ctx context.Context, input Input) (*Output, error) {
	params := input.Params
	if params == nil {
		params = map[string]any{}
	}

	method := strings.ToUpper(stringParam(params, "method", http.MethodGet))
	rawURL, err := a.resolveURL(stringParam(params, "url", ""))
	if err != nil {
		return nil, err
	}

	var bodyReader io.Reader
	var contentType string
	if rawBody, ok := params["body"]; ok && rawBody != nil {
		switch stringParam(params, "body_encoding", "json") {
		case "form":
			vals := url.Values{}
			for k, v := range stringMapParam(params, "body") {
				vals.Set(k, v)
			}
			bodyReader = strings.NewReader(vals.Encode())
			contentType = "application/x-www-form-urlencoded"
		case "text":
			bodyReader = strings.NewReader(fmt.Sprintf("%v", rawBody))
			contentType = "text/plain"
		default:
			b, err := json.Marshal(rawBody)
			if err != nil {
				return nil, invalidInput(a.name, "body is not JSON encodable: %v", err)
			}
			bodyReader = strings.NewReader(string(b))
			contentType = "application/json"
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, durationParam(params, "timeout", a.config.DefaultTimeout))
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, bodyReader)
	if err != nil {
		return nil, invalidInput(a.name, "cannot build request: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range stringMapParam(params, "headers") {
		req.Header.Set(k, v)
	}
	if query := stringMapParam(params, "query"); len(query) > 0 {
		q := req.URL.Query()
		for k, v := range query {
			q.Set(k, v)
		}
		req.URL.RawQuery = q.Encode()
	}
	applyAuth(req, mapParam(params, "auth"))

	start := time.Now()
	resp, err := a.config.Client.Do(req)
	duration := time.Since(start)
	if err != nil {
		return nil, Wrap(a.name, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, a.config.MaxResponseBody))
	if err != nil {
		return nil, Wrap(a.name, fmt.Errorf("read response body: %w", err))
	}

	respContentType := resp.Header.Get("Content-Type")
	var body any
	if len(bodyBytes) > 0 {
		body = string(bodyBytes)
		if strings.Contains(respContentType, "json") {
			var parsed any
			if err := json.Unmarshal(bodyBytes, &parsed); err == nil {
				body = parsed
			}
		}
	}

	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	result := map[string]any{
		"status_code":  resp.StatusCode,
		"status":       resp.Status,
		"headers":      headers,
		"body":         body,
		"content_type": respContentType,
		"duration_ms":  duration.Milliseconds(),
	}

	if resp.StatusCode >= 400 && boolParam(params, "fail_on_error_status", true) {
		retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		cause := fmt.Errorf("%s %s returned %d", method, rawURL, resp.StatusCode)
		return nil, schema.NewStepExecutionError(a.name, cause, retryable).
			WithDetails(map[string]any{"response": result})
	}

	return &Output{Data: result}, nil
}

func (a *APIAdapter) resolveURL(raw string) (string, error) {
	if raw == "" {
		return "", invalidInput(a.name, "missing required param 'url'")
	}
	if a.config.BaseURL != "" && !strings.Contains(raw, "://") {
		raw = strings.TrimRight(a.config.BaseURL, "/") + "/" + strings.TrimLeft(raw, "/")
	}
	u, err := url.ParseRequestURI(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", invalidInput(a.name, "invalid url %q", raw)
	}
	return raw, nil
}

func applyAuth(req *http.Request, auth map[string]any) {
	if auth == nil {
		return
	}
	switch stringParam(auth, "type", "") {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+stringParam(auth, "token", ""))
	case "basic":
		req.SetBasicAuth(stringParam(auth, "username", ""), stringParam(auth, "password", ""))
	case "api_key":
		if name := stringParam(auth, "header_name", ""); name != "" {
			req.Header.Set(name, stringParam(auth, "header_value", ""))
		}
	}
}

var _ Adapter = (*APIAdapter)(nil)
