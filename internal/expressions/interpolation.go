package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/orquesta/pkg/schema"
)

// InterpolationScope holds all data available for variable resolution.
type InterpolationScope struct {
	Steps     map[string]any // step key -> output (unmarshalled)
	Inputs    map[string]any // execution input data
	Execution map[string]any // execution metadata (id, workflow_id, trigger, etc.)
}

// env flattens the scope into the environment shared by CEL and expr evaluation.
func (s *InterpolationScope) env() map[string]any {
	if s == nil {
		return map[string]any{}
	}
	return map[string]any{
		"steps":     s.Steps,
		"inputs":    s.Inputs,
		"execution": s.Execution,
	}
}

// Env exposes the scope as an expression environment.
func (s *InterpolationScope) Env() map[string]any { return s.env() }

// Interpolator resolves ${{...}} references in step input templates.
// Plain dotted paths (steps.x.output.y, inputs.z, execution.id) are resolved
// directly; anything else is handed to the expr engine with the scope as its
// environment, so templates like ${{ len(steps.fetch.output.items) }} work.
type Interpolator struct {
	expr *ExprEngine
}

// NewInterpolator creates a new Interpolator.
func NewInterpolator(exprEngine *ExprEngine) *Interpolator {
	if exprEngine == nil {
		exprEngine = NewExprEngine()
	}
	return &Interpolator{expr: exprEngine}
}

// Resolve interpolates all ${{...}} tokens in raw JSON against the scope and
// returns the interpolated JSON bytes.
func (interp *Interpolator) Resolve(ctx context.Context, raw json.RawMessage, scope *InterpolationScope) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}

	input := string(raw)
	var result strings.Builder
	result.Grow(len(input))

	i := 0
	for i < len(input) {
		// Look for ${{ marker.
		idx := strings.Index(input[i:], "${{")
		if idx == -1 {
			result.WriteString(input[i:])
			break
		}

		// Write everything before the marker.
		result.WriteString(input[i : i+idx])
		start := i + idx + 3 // skip "${{".

		// Find the closing }}.
		end := strings.Index(input[start:], "}}")
		if end == -1 {
			return nil, schema.NewError(schema.ErrCodeInterpolation, "unclosed ${{ expression")
		}
		end += start

		expr := strings.TrimSpace(input[start:end])

		// Reject recursive interpolation: no nested ${{ inside the expression.
		if strings.Contains(expr, "${{") {
			return nil, schema.NewError(schema.ErrCodeInterpolation,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}

		if expr == "" {
			return nil, schema.NewError(schema.ErrCodeInterpolation, "empty variable reference: ${{  }}")
		}

		val, err := interp.resolveExpr(ctx, expr, scope)
		if err != nil {
			return nil, err
		}

		// Embed the resolved value into the JSON string.
		result.WriteString(marshalInline(val))

		i = end + 2 // skip "}}".
	}

	return json.RawMessage(result.String()), nil
}

// ResolveValue is like Resolve but operates on Value templates, which is what
// step definitions carry for their inputs.
func (interp *Interpolator) ResolveValue(ctx context.Context, template schema.Value, scope *InterpolationScope) (schema.Value, error) {
	if template.IsNull() {
		return schema.Null(), nil
	}
	raw, err := json.Marshal(template)
	if err != nil {
		return schema.Null(), schema.NewErrorf(schema.ErrCodeInterpolation,
			"marshal input template: %s", err.Error()).WithCause(err)
	}
	resolved, err := interp.Resolve(ctx, raw, scope)
	if err != nil {
		return schema.Null(), err
	}
	var out schema.Value
	if err := json.Unmarshal(resolved, &out); err != nil {
		return schema.Null(), schema.NewErrorf(schema.ErrCodeInterpolation,
			"interpolated template is not valid JSON: %s", err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"resolved": string(resolved)})
	}
	return out, nil
}

// resolveExpr resolves a single expression. Dotted identifier paths go through
// the scope directly; everything else is a computed expr evaluation.
func (interp *Interpolator) resolveExpr(ctx context.Context, expr string, scope *InterpolationScope) (any, error) {
	if !isPathExpr(expr) {
		return interp.expr.Evaluate(ctx, expr, scope.env())
	}

	parts := strings.SplitN(expr, ".", 2)
	namespace := parts[0]

	switch namespace {
	case "steps":
		return interp.resolveSteps(expr, scope)
	case "inputs":
		return interp.resolveInputs(expr, scope)
	case "execution":
		return interp.resolveExecution(expr, scope)
	default:
		available := []string{"steps", "inputs", "execution"}
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"unknown namespace %q in ${{%s}}; available: %s", namespace, expr, strings.Join(available, ", ")).
			WithDetails(map[string]any{"expression": expr, "available_namespaces": available})
	}
}

// isPathExpr reports whether expr is a plain dotted identifier path.
func isPathExpr(expr string) bool {
	for _, seg := range strings.Split(expr, ".") {
		if seg == "" {
			return false
		}
		for i, r := range seg {
			switch {
			case r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
			case r >= '0' && r <= '9':
				if i == 0 {
					return false
				}
			default:
				return false
			}
		}
	}
	return true
}

// resolveSteps resolves steps.<key>.output[.<field>...] references.
func (interp *Interpolator) resolveSteps(expr string, scope *InterpolationScope) (any, error) {
	// Expected: steps.<key>.output or steps.<key>.output.<field>...
	parts := strings.SplitN(expr, ".", 4) // [steps, key, output, rest...]
	if len(parts) < 3 {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid step reference %q: expected steps.<key>.output[.<field>]", expr).
			WithDetails(map[string]any{"expression": expr})
	}

	stepKey := parts[1]
	if parts[2] != "output" {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid step reference %q: only 'output' property is supported (got %q)", expr, parts[2]).
			WithDetails(map[string]any{"expression": expr})
	}

	if scope.Steps == nil {
		return nil, interp.missingStepErr(expr, stepKey, scope)
	}

	output, ok := scope.Steps[stepKey]
	if !ok {
		return nil, interp.missingStepErr(expr, stepKey, scope)
	}

	// steps.<key>.output returns the whole output.
	if len(parts) == 3 {
		return output, nil
	}

	// steps.<key>.output.<field>[.<subfield>...]
	return interp.traversePath(output, parts[3], expr)
}

// resolveInputs resolves inputs.<name> references.
func (interp *Interpolator) resolveInputs(expr string, scope *InterpolationScope) (any, error) {
	parts := strings.SplitN(expr, ".", 2)
	if len(parts) < 2 || parts[1] == "" {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid input reference %q: expected inputs.<name>", expr).
			WithDetails(map[string]any{"expression": expr})
	}

	return interp.resolveFromMap(scope.Inputs, parts[1], expr, "inputs")
}

// resolveExecution resolves execution.<field> references.
func (interp *Interpolator) resolveExecution(expr string, scope *InterpolationScope) (any, error) {
	parts := strings.SplitN(expr, ".", 2)
	if len(parts) < 2 || parts[1] == "" {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid execution reference %q: expected execution.<field>", expr).
			WithDetails(map[string]any{"expression": expr})
	}

	return interp.resolveFromMap(scope.Execution, parts[1], expr, "execution")
}

// resolveFromMap resolves a dot-delimited field path from a map.
func (interp *Interpolator) resolveFromMap(data map[string]any, fieldPath, expr, namespace string) (any, error) {
	if data == nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"cannot resolve %q: %s scope is empty", expr, namespace).
			WithDetails(map[string]any{"expression": expr})
	}

	// Try direct key lookup first (supports keys with dots).
	if val, ok := data[fieldPath]; ok {
		return val, nil
	}

	// Traverse by splitting on dots.
	return interp.traversePath(data, fieldPath, expr)
}

// traversePath navigates into nested maps using a dot-delimited path.
func (interp *Interpolator) traversePath(root any, path, expr string) (any, error) {
	segments := strings.Split(path, ".")
	current := root

	for i, seg := range segments {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"empty segment in path %q at position %d", expr, i).
				WithDetails(map[string]any{"expression": expr})
		}

		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				availableKeys := mapKeys(v)
				return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
					"field %q not found in %q; available: [%s]", seg, expr, strings.Join(availableKeys, ", ")).
					WithDetails(map[string]any{"expression": expr, "available_fields": availableKeys})
			}
			current = val
		default:
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"cannot traverse into non-object at %q in %q (type: %T)", seg, expr, current).
				WithDetails(map[string]any{"expression": expr})
		}
	}

	return current, nil
}

// missingStepErr builds an error for missing step references with available steps listed.
func (interp *Interpolator) missingStepErr(expr, key string, scope *InterpolationScope) *schema.OrquestaError {
	available := mapKeys(scope.Steps)
	return schema.NewErrorf(schema.ErrCodeInterpolation,
		"step %q not found in ${{%s}}; available steps: [%s]", key, expr, strings.Join(available, ", ")).
		WithDetails(map[string]any{"expression": expr, "available_steps": available})
}

// marshalInline converts a resolved value into its inline JSON representation.
// Strings are embedded without extra quotes so references inside larger string
// values compose; whole-value references survive because the template's own
// quotes remain. Complex types are JSON-encoded inline.
func marshalInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// mapKeys returns sorted keys from a map[string]any.
func mapKeys(m map[string]any) []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Simple insertion sort for small slices.
	for i := 1; i < len(keys); i++ {
		key := keys[i]
		j := i - 1
		for j >= 0 && keys[j] > key {
			keys[j+1] = keys[j]
			j--
		}
		keys[j+1] = key
	}
	return keys
}

// HasInterpolation checks if a JSON blob contains any ${{...}} references.
func HasInterpolation(raw json.RawMessage) bool {
	return strings.Contains(string(raw), "${{")
}
