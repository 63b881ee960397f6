package schema

// ValidationIssue is a single finding from workflow validation.
type ValidationIssue struct {
	Path    string `json:"path"`    // JSON-ish path into the definition, e.g. "steps[2].depends_on"
	Code    string `json:"code"`    // one of the ErrCode* constants
	Message string `json:"message"`
}

// ValidationResult aggregates errors and warnings from a validation pass.
// Errors reject the workflow; warnings are advisory.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid reports whether the result carries no errors.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// AddError appends an error issue.
func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{Path: path, Code: code, Message: message})
}

// AddWarning appends a warning issue.
func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{Path: path, Code: code, Message: message})
}

// Merge appends the issues of other into r.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// FirstError converts the first error issue into an OrquestaError, or nil.
func (r *ValidationResult) FirstError() *OrquestaError {
	if len(r.Errors) == 0 {
		return nil
	}
	issue := r.Errors[0]
	return NewError(issue.Code, issue.Message).WithDetails(map[string]any{"path": issue.Path})
}
