package adapters

import (
	"context"
	"net/http"
	"strings"
)

// ServiceAdapter calls a sibling orchestration service. An invocation posts
// params.payload as JSON to <base url>/<params.operation>.
type ServiceAdapter struct {
	api *APIAdapter
}

// NewServiceAdapter creates an adapter registered as "service.<name>".
func NewServiceAdapter(name, baseURL string, client *http.Client) *ServiceAdapter {
	return &ServiceAdapter{
		api: newAPIAdapter("service."+name, APIConfig{Client: client, BaseURL: baseURL}),
	}
}

func (a *ServiceAdapter) Name() string { return a.api.Name() }

func (a *ServiceAdapter) Invoke(ctx context.Context, input Input) (*Output, error) {
	op := strings.Trim(stringParam(input.Params, "operation", ""), "/")
	if op == "" {
		return nil, invalidInput(a.Name(), "missing required param 'operation'")
	}

	headers := map[string]any{}
	for k, v := range stringMapParam(input.Params, "headers") {
		headers[k] = v
	}
	if input.ExecutionID != "" {
		headers["X-Synthesis-Execution"] = input.ExecutionID
	}
	if input.StepID != "" {
		headers["X-Synthesis-Step"] = input.StepID
	}

	params := map[string]any{
		"method":  stringParam(input.Params, "method", http.MethodPost),
		"url":     op,
		"headers": headers,
	}
	if payload, ok := input.Params["payload"]; ok {
		params["body"] = payload
	}
	if t, ok := input.Params["timeout"]; ok {
		params["timeout"] = t
	}
	return a.api.Invoke(ctx, Input{Params: params, ExecutionID: input.ExecutionID, StepID: input.StepID})
}

var _ Adapter = (*ServiceAdapter)(nil)
