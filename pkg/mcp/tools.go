package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/synthesis-run/synthesis/pkg/schema"
)

// handleSubmit validates a definition and creates an execution, optionally
// starting it or registering its cron schedule.
func (s *Server) handleSubmit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, err := definitionArg(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if req.GetBool("schedule", false) {
		if s.scheduler == nil {
			return mcp.NewToolResultError("scheduling is not enabled on this server"), nil
		}
		job, regErr := s.scheduler.Register(def)
		if regErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("schedule failed: %v", regErr)), nil
		}
		return marshalResult(job)
	}

	id, subErr := s.engine.Submit(ctx, def)
	if subErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("submit failed: %v", subErr)), nil
	}

	// Capture session mapping for completion notifications.
	s.captureSession(ctx, id)

	started := false
	if req.GetBool("start", false) {
		if startErr := s.engine.Start(ctx, id); startErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("execution %s created but start failed: %v", id, startErr)), nil
		}
		started = true
	}

	return marshalResult(map[string]any{
		"execution_id": id,
		"process_id":   def.ID,
		"started":      started,
	})
}

func (s *Server) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.control(ctx, req, "start", s.engine.Start)
}

func (s *Server) handlePause(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.control(ctx, req, "pause", s.engine.Pause)
}

func (s *Server) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.control(ctx, req, "resume", s.engine.Resume)
}

func (s *Server) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.control(ctx, req, "cancel", s.engine.Cancel)
}

// control runs one lifecycle operation and reports the resulting state.
func (s *Server) control(ctx context.Context, req mcp.CallToolRequest, op string, fn func(context.Context, string) error) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	if opErr := fn(ctx, id); opErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", op, opErr)), nil
	}
	s.captureSession(ctx, id)

	result := map[string]any{"ok": true, "execution_id": id, "operation": op}
	if st, stErr := s.engine.Status(ctx, id); stErr == nil {
		result["state"] = st.State
	}
	return marshalResult(result)
}

// handleStatus returns the current snapshot of an execution.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	status, statusErr := s.engine.Status(ctx, id)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}
	return marshalResult(status)
}

// handleEvents reads the persisted event log of an execution.
func (s *Server) handleEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	since := req.GetInt("since", 0)
	if since < 0 {
		since = 0
	}
	stepID := req.GetString("step_id", "")
	limit := req.GetInt("limit", 100)

	events, evErr := s.engine.Events(ctx, id, uint64(since))
	if evErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("events query failed: %v", evErr)), nil
	}

	out := make([]schema.Event, 0, len(events))
	for _, e := range events {
		if stepID != "" && e.StepID != stepID {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return marshalResult(map[string]any{"events": out})
}

// handleQuery lists executions or scheduled jobs.
func (s *Server) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "executions":
		return s.queryExecutions(ctx, filter)
	case "jobs":
		if s.scheduler == nil {
			return marshalResult(map[string]any{"jobs": []any{}})
		}
		return marshalResult(map[string]any{"jobs": s.scheduler.Jobs()})
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Query helpers ---

type executionSummary struct {
	ExecutionID string                `json:"execution_id"`
	ProcessID   string                `json:"process_id"`
	State       schema.ExecutionState `json:"state"`
	Summary     string                `json:"summary,omitempty"`
}

func (s *Server) queryExecutions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	limit := extractInt(filter, "limit", 50)
	state, _ := filter["state"].(string)
	processID, _ := filter["process_id"].(string)

	ids := s.engine.List()
	sort.Strings(ids)

	result := make([]executionSummary, 0, len(ids))
	for _, id := range ids {
		st, err := s.engine.Status(ctx, id)
		if err != nil {
			continue
		}
		if state != "" && string(st.State) != state {
			continue
		}
		if processID != "" && st.ProcessID != processID {
			continue
		}
		result = append(result, executionSummary{
			ExecutionID: st.ExecutionID,
			ProcessID:   st.ProcessID,
			State:       st.State,
			Summary:     st.Summary,
		})
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return marshalResult(map[string]any{"executions": result})
}

// --- Internal helpers ---

// definitionArg reads the definition from the document string or the
// definition object.
func definitionArg(req mcp.CallToolRequest) (*schema.ProcessDefinition, error) {
	if doc := req.GetString("document", ""); doc != "" {
		return schema.ParseDefinition([]byte(doc))
	}
	raw := mcp.ParseStringMap(req, "definition", nil)
	if raw == nil {
		return nil, fmt.Errorf("one of document or definition is required")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid definition: %w", err)
	}
	return schema.ParseDefinition(data)
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// captureSession maps the execution to the calling MCP session for notifications.
func (s *Server) captureSession(ctx context.Context, executionID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(executionID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
