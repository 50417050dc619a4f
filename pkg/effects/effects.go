// Package effects executes the ordered side-effect lists attached to
// transaction definitions: condition evaluation, skip sentinels, HTTP
// invocation and critical/non-critical failure accounting.
package effects

import (
	"fmt"

	"github.com/web3ekko/txflow/pkg/txdef"
)

// Phase names the lifecycle point a side-effect list runs at.
type Phase string

const (
	PhaseSubmit       Phase = "onSubmit"
	PhaseConfirmation Phase = "onConfirmation"
)

// Skip reasons reported on skipped results.
const (
	SkipConditionNotMet = "condition not met"
	SkipNotImplemented  = "endpoint not implemented"
)

// Result is the outcome of one side effect: executed successfully, skipped
// deliberately, or failed.
type Result struct {
	Effect     txdef.SideEffect
	Success    bool
	Skipped    bool
	SkipReason string
	Err        error
	Response   map[string]any
}

// ListResult aggregates the per-effect results of one phase. Success is true
// iff no critical effect failed; non-critical failures never flip it.
type ListResult struct {
	Phase          Phase
	Results        []Result
	CriticalErrors []error
	Success        bool
}

// Options control list execution.
type Options struct {
	// FailFast aborts the remaining list on the first critical failure
	// instead of running every effect best-effort.
	FailFast bool
}

// HTTPError is a non-2xx response from the side-effect target API.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("side effect target returned %s: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("side effect target returned %s", e.Status)
}

// CriticalFailureError is returned by fail-fast list execution when a
// critical effect fails and the remainder of the list is abandoned.
type CriticalFailureError struct {
	Label string
	Phase Phase
	Err   error
}

func (e *CriticalFailureError) Error() string {
	return fmt.Sprintf("critical side effect %q failed during %s: %v", e.Label, e.Phase, e.Err)
}

func (e *CriticalFailureError) Unwrap() error { return e.Err }

// RequestInfo describes an outgoing side-effect call for observability
// hooks. It is emitted before the HTTP request is issued.
type RequestInfo struct {
	Phase  Phase
	Label  string
	Method string
	URL    string
	Body   map[string]any
}
