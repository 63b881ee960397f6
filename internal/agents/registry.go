package agents

import (
	"context"
	"sort"
	"sync"

	"github.com/rendis/orquesta/pkg/schema"
)

// Agent performs the work a step delegates to.
type Agent interface {
	ID() string
	Description() string
	Execute(ctx context.Context, inputs map[string]schema.Value) (schema.Value, error)
}

// AgentFunc adapts a function to the Agent interface.
type AgentFunc struct {
	AgentID string
	Desc    string
	Fn      func(ctx context.Context, inputs map[string]schema.Value) (schema.Value, error)
}

func (a AgentFunc) ID() string          { return a.AgentID }
func (a AgentFunc) Description() string { return a.Desc }
func (a AgentFunc) Execute(ctx context.Context, inputs map[string]schema.Value) (schema.Value, error) {
	return a.Fn(ctx, inputs)
}

// AgentInfo is a registry listing entry.
type AgentInfo struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
}

// Registry is a thread-safe agent registry. It satisfies the engine's
// AgentInvoker interface, so it plugs directly into step execution.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		agents: make(map[string]Agent),
	}
}

// Register adds an agent to the registry. Returns error on duplicate ID.
func (r *Registry) Register(agent Agent) error {
	if agent == nil {
		return schema.NewError(schema.ErrCodeValidation, "agent is nil")
	}
	id := agent.ID()
	if id == "" {
		return schema.NewError(schema.ErrCodeValidation, "agent id is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[id]; exists {
		return schema.NewErrorf(schema.ErrCodeValidation, "agent %q already registered", id)
	}

	r.agents[id] = agent
	return nil
}

// Get retrieves an agent by ID.
func (r *Registry) Get(id string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "agent %q not registered", id)
	}
	return agent, nil
}

// Has checks if an agent is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[id]
	return ok
}

// List returns info for all registered agents, sorted by ID.
func (r *Registry) List() []AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]AgentInfo, 0, len(r.agents))
	for _, a := range r.agents {
		infos = append(infos, AgentInfo{ID: a.ID(), Description: a.Description()})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ID < infos[j].ID
	})
	return infos
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// Invoke runs the agent with the given inputs. Implements the engine's
// AgentInvoker contract; a missing agent is reported as a step failure.
func (r *Registry) Invoke(ctx context.Context, agentID string, inputs map[string]schema.Value) (schema.Value, error) {
	agent, err := r.Get(agentID)
	if err != nil {
		return schema.Null(), err
	}
	return agent.Execute(ctx, inputs)
}
