package agent

import (
	"errors"
	"fmt"
)

// ToolError is a recoverable tool-input failure (bad slug, missing parent,
// plan called twice). It is serialized back to the model as the tool result
// so the model can self-correct; it never fails the job by itself.
type ToolError struct {
	Code    string
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewToolError(code, format string, args ...any) *ToolError {
	return &ToolError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// InvariantError marks a defect: finish_with_summary observed a plan whose
// lessons were not fully built. It fails the job and is logged with the full
// plan state rather than being patched over.
type InvariantError struct {
	Message string
	Plan    *CoursePlan
}

func (e *InvariantError) Error() string { return e.Message }

var (
	ErrStepBudgetExceeded = errors.New("agent step budget exceeded before finish_with_summary")
	ErrWallClockExceeded  = errors.New("agent wall-clock budget exceeded before finish_with_summary")
	ErrCanceled           = errors.New("generation canceled")
)
