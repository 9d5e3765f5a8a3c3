package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/synthesis-run/synthesis/internal/streaming"
	"github.com/synthesis-run/synthesis/pkg/schema"
)

// Notifier pushes execution notifications to connected clients.
type Notifier interface {
	Notify(ctx context.Context, executionID string, payload map[string]any) error
}

// MCPNotifier implements Notifier using MCP server push.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes to the session watching an
// execution.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the execution's session.
// Best-effort: returns nil if no client is watching.
func (n *MCPNotifier) Notify(_ context.Context, executionID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(executionID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

var finalEvents = []schema.EventType{
	schema.EventExecutionCompleted,
	schema.EventExecutionFailed,
	schema.EventExecutionCancelled,
	schema.EventExecutionPaused,
}

// Watch forwards final and pause events to the session that submitted or
// last controlled each execution until ctx ends.
func (s *Server) Watch(ctx context.Context) {
	events, unsubscribe, err := s.engine.Subscribe(ctx, streaming.EventFilter{Types: finalEvents})
	if err != nil {
		s.logger.Warn("execution notifications disabled", slog.String("error", err.Error()))
		return
	}
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			s.forward(ctx, e)
		}
	}
}

func (s *Server) forward(ctx context.Context, e schema.Event) {
	payload := map[string]any{
		"execution_id": e.ExecutionID,
		"type":         string(e.Type),
		"sequence":     e.Sequence,
	}
	for k, v := range e.Payload {
		payload[k] = v
	}
	if err := s.notifier.Notify(ctx, e.ExecutionID, payload); err != nil {
		s.logger.Warn("notification failed",
			slog.String("execution_id", e.ExecutionID),
			slog.String("error", err.Error()),
		)
	}
	if e.Type != schema.EventExecutionPaused {
		s.sessions.Forget(e.ExecutionID)
	}
}
