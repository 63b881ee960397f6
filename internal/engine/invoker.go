package engine

import (
	"context"

	"github.com/rendis/orquesta/pkg/schema"
)

// AgentInvoker is the capability that performs the actual work a step
// delegates to. The engine depends on it only through this interface; any
// error it returns is classified as a step failure, never as an engine
// fault. The per-attempt timeout is applied by the caller via ctx.
type AgentInvoker interface {
	Invoke(ctx context.Context, agentID string, inputs map[string]schema.Value) (schema.Value, error)
}

// InvokerFunc adapts a function to the AgentInvoker interface.
type InvokerFunc func(ctx context.Context, agentID string, inputs map[string]schema.Value) (schema.Value, error)

func (f InvokerFunc) Invoke(ctx context.Context, agentID string, inputs map[string]schema.Value) (schema.Value, error) {
	return f(ctx, agentID, inputs)
}
