package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOrquestaServer(t *testing.T) {
	s := NewOrquestaServer(OrquestaServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
}

func TestToolRegistration(t *testing.T) {
	s := NewOrquestaServer(OrquestaServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 6)

	expectedTools := []string{
		"orquesta.define",
		"orquesta.start",
		"orquesta.cancel",
		"orquesta.status",
		"orquesta.logs",
		"orquesta.workflows",
	}
	for _, name := range expectedTools {
		tool := s.mcpServer.GetTool(name)
		assert.NotNil(t, tool, "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		name        string
		toolName    string
		description string
	}{
		{"define", "orquesta.define", "Register a workflow definition"},
		{"start", "orquesta.start", "Start an execution of an active workflow"},
		{"cancel", "orquesta.cancel", "Cancel a pending or running execution"},
		{"status", "orquesta.status", "Get the current state of an execution"},
		{"logs", "orquesta.logs", "Read an execution's append-only log trail in sequence order"},
		{"workflows", "orquesta.workflows", "List registered workflows"},
	}

	s := NewOrquestaServer(OrquestaServerDeps{})

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}
