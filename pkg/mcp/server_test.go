package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var controlTools = []string{
	"synthesis.submit",
	"synthesis.start",
	"synthesis.pause",
	"synthesis.resume",
	"synthesis.cancel",
	"synthesis.status",
	"synthesis.events",
	"synthesis.query",
}

func TestNewServer(t *testing.T) {
	s := NewServer(ServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.notifier)
	assert.NotNil(t, s.MCPServer())
}

func TestToolRegistration(t *testing.T) {
	s := NewServer(ServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, len(controlTools))

	for _, name := range controlTools {
		tool := s.mcpServer.GetTool(name)
		assert.NotNil(t, tool, "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		toolName    string
		description string
	}{
		{"synthesis.submit", "Validate a process definition and create an execution"},
		{"synthesis.start", "Start a created execution"},
		{"synthesis.cancel", "Cancel an execution and every in-flight step"},
		{"synthesis.events", "Read the event log of an execution"},
		{"synthesis.query", "List executions or scheduled jobs"},
	}

	s := NewServer(ServerDeps{})

	for _, tc := range tests {
		t.Run(tc.toolName, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}
