package errors

// baseError is the foundation of the error hierarchy. It carries the chain
// cause, a user-facing message, a programmatic ErrorCode and a lazily
// allocated details map, and is embedded by every domain error type.
type baseError struct {
	cause   error          // The original error that caused this one.
	message string         // The message displayed to callers.
	code    ErrorCode      // Code for categorizing the failure programmatically.
	details map[string]any // Additional context: paths, ordinals, offsets, etc.
}

// NewBaseError creates a new baseError with the given cause, code and message.
func NewBaseError(err error, code ErrorCode, msg string) *baseError {
	return &baseError{cause: err, code: code, message: msg}
}

// WithMessage replaces the error message. Useful when an error is built in
// multiple steps as context becomes available.
func (be *baseError) WithMessage(msg string) *baseError {
	be.message = msg
	return be
}

// WithCode sets the error code, which lets callers branch on failure type
// instead of parsing messages.
func (be *baseError) WithCode(code ErrorCode) *baseError {
	be.code = code
	return be
}

// WithDetail attaches contextual information for debugging and structured
// logging. The map is allocated on first use.
func (be *baseError) WithDetail(key string, value any) *baseError {
	if be.details == nil {
		be.details = make(map[string]any)
	}
	be.details[key] = value
	return be
}

// Error implements the error interface.
func (be *baseError) Error() string {
	return be.message
}

// Unwrap returns the underlying cause, enabling errors.Is and errors.As to
// walk the chain.
func (be *baseError) Unwrap() error {
	return be.cause
}

// Code returns the error code for programmatic handling.
func (be *baseError) Code() ErrorCode {
	return be.code
}

// Details returns the attached context map. The returned map is the internal
// one, not a copy.
func (be *baseError) Details() map[string]any {
	return be.details
}
