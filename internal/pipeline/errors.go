package pipeline

// ErrorCode is the fixed taxonomy of error codes the pipeline,
// executor, and transport may emit.
type ErrorCode string

const (
	ErrUnknownTool         ErrorCode = "UNKNOWN_TOOL"
	ErrValidationFailed    ErrorCode = "VALIDATION_FAILED"
	ErrUnauthorized        ErrorCode = "UNAUTHORIZED"
	ErrRateLimited         ErrorCode = "RATE_LIMITED"
	ErrHandlerError        ErrorCode = "HANDLER_ERROR"
	ErrPluginError         ErrorCode = "PLUGIN_ERROR"
	ErrPluginTimeout       ErrorCode = "PLUGIN_TIMEOUT"
	ErrPluginUnavailable   ErrorCode = "PLUGIN_UNAVAILABLE"
	ErrConfirmationTimeout ErrorCode = "CONFIRMATION_TIMEOUT"
	ErrConfirmationDenied  ErrorCode = "CONFIRMATION_DENIED"
)

// defaultRetriable is the fixed default retriability for each code,
// per spec §7. HANDLER_ERROR has no fixed default — the handler sets it.
var defaultRetriable = map[ErrorCode]bool{
	ErrUnknownTool:         false,
	ErrValidationFailed:    false,
	ErrUnauthorized:        false,
	ErrRateLimited:         true,
	ErrPluginError:         false,
	ErrPluginTimeout:       true,
	ErrPluginUnavailable:   true,
	ErrConfirmationTimeout: true,
	ErrConfirmationDenied:  false,
}

// DefaultRetriable reports the fixed default retriability for code.
func DefaultRetriable(code ErrorCode) bool {
	return defaultRetriable[code]
}

// reservedPipelineCodes are the codes a handler is forbidden from
// emitting directly; the executor rewrites them to HANDLER_ERROR
// while preserving the handler's message (see internal/executor).
var reservedPipelineCodes = map[ErrorCode]struct{}{
	ErrUnknownTool:         {},
	ErrValidationFailed:    {},
	ErrUnauthorized:        {},
	ErrRateLimited:         {},
	ErrConfirmationTimeout: {},
	ErrConfirmationDenied:  {},
}

// IsReservedPipelineCode reports whether code is one a handler must
// never emit directly.
func IsReservedPipelineCode(code ErrorCode) bool {
	_, ok := reservedPipelineCodes[code]
	return ok
}

// NewErrorPayload builds an ErrorPayload using code's default
// retriability.
func NewErrorPayload(code ErrorCode, message string) *ErrorPayload {
	return &ErrorPayload{
		Code:      code,
		Message:   message,
		Retriable: DefaultRetriable(code),
	}
}
