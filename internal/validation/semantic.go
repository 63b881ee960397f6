package validation

import (
	"fmt"

	"github.com/rendis/orquesta/pkg/schema"
)

// AgentLookup answers whether an agent ID is known to the runtime.
// nil lookup skips agent existence checks.
type AgentLookup interface {
	Has(agentID string) bool
}

// validateSemantic performs semantic analysis on the workflow definition.
// Checks: step key uniqueness, depends_on refs valid, no self-dependency,
// agent registration, retry/timeout sanity.
func validateSemantic(def *schema.WorkflowDefinition, lookup AgentLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	// Build step key set, flagging duplicates as we go.
	stepKeys := make(map[string]bool, len(def.Steps))
	for i, s := range def.Steps {
		if stepKeys[s.StepKey] {
			result.AddError(fmt.Sprintf("steps[%d].step_key", i),
				schema.ErrCodeDuplicateStepKey,
				fmt.Sprintf("duplicate step key %q", s.StepKey))
			continue
		}
		stepKeys[s.StepKey] = true
	}

	for i := range def.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		validateStepSemantic(&def.Steps[i], path, stepKeys, lookup, result)
	}

	return result
}

// validateStepSemantic checks a single step.
func validateStepSemantic(step *schema.StepDefinition, path string, stepKeys map[string]bool, lookup AgentLookup, result *schema.ValidationResult) {
	stepType := step.Type
	if stepType == "" {
		stepType = schema.StepTypeAgent
	}

	// Agent existence.
	if stepType == schema.StepTypeAgent && step.AgentID != "" && lookup != nil {
		if !lookup.Has(step.AgentID) {
			result.AddError(path+".agent_id", schema.ErrCodeValidation,
				fmt.Sprintf("agent %q not registered", step.AgentID))
		}
	}

	// depends_on references.
	seen := make(map[string]bool, len(step.DependsOn))
	for j, dep := range step.DependsOn {
		depPath := fmt.Sprintf("%s.depends_on[%d]", path, j)
		if dep == step.StepKey {
			result.AddError(depPath, schema.ErrCodeValidation,
				fmt.Sprintf("step %q depends on itself", step.StepKey))
			continue
		}
		if !stepKeys[dep] {
			result.AddError(depPath, schema.ErrCodeUnknownDependency,
				fmt.Sprintf("references non-existent step %q", dep))
		}
		if seen[dep] {
			result.AddWarning(depPath, schema.ErrCodeValidation,
				fmt.Sprintf("duplicate dependency on %q", dep))
		}
		seen[dep] = true
	}

	// Warning: high retry count.
	if step.RetryCount > 10 {
		result.AddWarning(path+".retry_count", schema.ErrCodeValidation,
			fmt.Sprintf("high retry count (%d) may cause excessive delays", step.RetryCount))
	}

	// Warning: retries configured without a backoff base.
	if step.RetryCount > 0 && step.RetryDelayMs == 0 {
		result.AddWarning(path+".retry_delay_ms", schema.ErrCodeValidation,
			"retry_count set without retry_delay_ms; retries fire back-to-back")
	}

	// Warning: outputs configured but no agent produces them.
	if len(step.Outputs) > 0 && step.AgentID == "" {
		result.AddWarning(path+".outputs", schema.ErrCodeValidation,
			"outputs configured on a step without an agent_id")
	}
}
