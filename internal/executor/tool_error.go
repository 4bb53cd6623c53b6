package executor

import "github.com/fred-drake/carapace/internal/pipeline"

// ToolError is the structured error shape a handler may return (or, in
// languages with exceptions, throw) to control the exact code and
// retriability of its failure response. Any other error value — a
// plain error, or a recovered panic — is normalized to an opaque
// PLUGIN_ERROR; only a *ToolError gets its code and message preserved
// (subject to the reserved-pipeline-code rewrite).
type ToolError struct {
	Code      pipeline.ErrorCode
	Message   string
	Retriable bool
}

func (e *ToolError) Error() string {
	return e.Message
}
