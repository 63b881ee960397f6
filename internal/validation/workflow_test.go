package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/orquesta/pkg/schema"
)

// fakeAgents is a stub AgentLookup.
type fakeAgents map[string]bool

func (f fakeAgents) Has(agentID string) bool { return f[agentID] }

func newValidator(t *testing.T, agents AgentLookup) *WorkflowValidator {
	t.Helper()
	wv, err := NewWorkflowValidator(agents)
	require.NoError(t, err)
	return wv
}

func validDef() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{
			{StepKey: "fetch", AgentID: "fetcher"},
			{StepKey: "process", AgentID: "processor", DependsOn: []string{"fetch"}},
		},
	}
}

func TestValidate_ValidWorkflow(t *testing.T) {
	wv := newValidator(t, fakeAgents{"fetcher": true, "processor": true})

	result := wv.Validate(validDef())
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}

func TestValidate_NilDefinition(t *testing.T) {
	wv := newValidator(t, nil)

	result := wv.Validate(nil)
	require.False(t, result.Valid())
	assert.Equal(t, schema.ErrCodeValidation, result.Errors[0].Code)
}

func TestValidate_EmptySteps_Structural(t *testing.T) {
	wv := newValidator(t, nil)

	result := wv.Validate(&schema.WorkflowDefinition{})
	assert.False(t, result.Valid())
}

func TestValidate_BadStepKeyPattern_Structural(t *testing.T) {
	wv := newValidator(t, nil)

	def := &schema.WorkflowDefinition{Steps: []schema.StepDefinition{
		{StepKey: "1starts-with-digit"},
	}}
	result := wv.Validate(def)
	assert.False(t, result.Valid())
}

func TestValidate_NegativeRetryCount_Structural(t *testing.T) {
	wv := newValidator(t, nil)

	def := &schema.WorkflowDefinition{Steps: []schema.StepDefinition{
		{StepKey: "a", RetryCount: -1},
	}}
	result := wv.Validate(def)
	assert.False(t, result.Valid())
}

func TestValidate_StructuralErrorsShortCircuit(t *testing.T) {
	wv := newValidator(t, fakeAgents{})

	// Bad step key AND unknown agent: only the structural error surfaces.
	def := &schema.WorkflowDefinition{Steps: []schema.StepDefinition{
		{StepKey: "bad key!", AgentID: "ghost"},
	}}
	result := wv.Validate(def)
	require.False(t, result.Valid())
	for _, issue := range result.Errors {
		assert.Equal(t, schema.ErrCodeValidation, issue.Code)
	}
}

func TestValidate_DuplicateStepKey_Semantic(t *testing.T) {
	wv := newValidator(t, nil)

	def := &schema.WorkflowDefinition{Steps: []schema.StepDefinition{
		{StepKey: "a"},
		{StepKey: "a"},
	}}
	result := wv.Validate(def)
	require.False(t, result.Valid())
	assert.Equal(t, schema.ErrCodeDuplicateStepKey, result.Errors[0].Code)
}

func TestValidate_UnknownDependency_Semantic(t *testing.T) {
	wv := newValidator(t, nil)

	def := &schema.WorkflowDefinition{Steps: []schema.StepDefinition{
		{StepKey: "a", DependsOn: []string{"ghost"}},
	}}
	result := wv.Validate(def)
	require.False(t, result.Valid())
	assert.Equal(t, schema.ErrCodeUnknownDependency, result.Errors[0].Code)
}

func TestValidate_SelfDependency_Semantic(t *testing.T) {
	wv := newValidator(t, nil)

	def := &schema.WorkflowDefinition{Steps: []schema.StepDefinition{
		{StepKey: "a", DependsOn: []string{"a"}},
	}}
	result := wv.Validate(def)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "depends on itself")
}

func TestValidate_UnregisteredAgent_Semantic(t *testing.T) {
	wv := newValidator(t, fakeAgents{"known": true})

	def := &schema.WorkflowDefinition{Steps: []schema.StepDefinition{
		{StepKey: "a", AgentID: "unknown"},
	}}
	result := wv.Validate(def)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "not registered")
}

func TestValidate_NilLookup_SkipsAgentChecks(t *testing.T) {
	wv := newValidator(t, nil)

	def := &schema.WorkflowDefinition{Steps: []schema.StepDefinition{
		{StepKey: "a", AgentID: "anything-goes"},
	}}
	assert.True(t, wv.Validate(def).Valid())
}

func TestValidate_Cycle_DAG(t *testing.T) {
	wv := newValidator(t, nil)

	def := &schema.WorkflowDefinition{Steps: []schema.StepDefinition{
		{StepKey: "a", DependsOn: []string{"b"}},
		{StepKey: "b", DependsOn: []string{"a"}},
	}}
	result := wv.Validate(def)
	require.False(t, result.Valid())
	assert.Equal(t, schema.ErrCodeCycleDetected, result.Errors[0].Code)
}

func TestValidate_Warnings(t *testing.T) {
	wv := newValidator(t, nil)

	def := &schema.WorkflowDefinition{Steps: []schema.StepDefinition{
		{StepKey: "a", RetryCount: 15},
		{StepKey: "b", RetryCount: 2}, // no retry_delay_ms
		{StepKey: "c", Outputs: map[string]string{"x": ".x"}}, // no agent_id
		{StepKey: "d", DependsOn: []string{"a", "a"}},
	}}
	result := wv.Validate(def)
	assert.True(t, result.Valid(), "warnings alone must not reject")
	assert.Len(t, result.Warnings, 4)
}

func TestValidateDefinition_ReturnsFirstError(t *testing.T) {
	wv := newValidator(t, nil)

	def := &schema.WorkflowDefinition{Steps: []schema.StepDefinition{
		{StepKey: "a"},
		{StepKey: "a"},
	}}
	err := wv.ValidateDefinition(def)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeDuplicateStepKey, schema.CodeOf(err))

	assert.NoError(t, wv.ValidateDefinition(validDef()))
}

func TestValidateInput_AgainstSchema(t *testing.T) {
	wv := newValidator(t, nil)
	inputSchema := []byte(`{
		"type": "object",
		"required": ["city"],
		"properties": {"city": {"type": "string"}}
	}`)

	assert.NoError(t, wv.ValidateInput(map[string]any{"city": "madrid"}, inputSchema))

	err := wv.ValidateInput(map[string]any{}, inputSchema)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestValidateInput_NoSchemaAccepts(t *testing.T) {
	wv := newValidator(t, nil)
	assert.NoError(t, wv.ValidateInput(map[string]any{"anything": 1}, nil))
}
