package errors

// ValidationError is a specialized error type for input validation failures:
// malformed values, empty keys, zero-length text, illegal key names. It
// embeds baseError and records which field failed, what rule was violated,
// what was provided and what would have been valid.
type ValidationError struct {
	*baseError
	field    string // Which field or parameter failed validation.
	rule     string // Which rule was violated ("required", "non_empty", "no_dots", ...).
	provided any    // The value that was actually provided.
	expected any    // What would have been valid.
}

// NewValidationError creates a new validation-specific error.
func NewValidationError(err error, code ErrorCode, msg string) *ValidationError {
	return &ValidationError{baseError: NewBaseError(err, code, msg)}
}

// WithMessage updates the error message while preserving the ValidationError type.
func (ve *ValidationError) WithMessage(msg string) *ValidationError {
	ve.baseError.WithMessage(msg)
	return ve
}

// WithDetail adds contextual information while preserving the ValidationError type.
func (ve *ValidationError) WithDetail(key string, value any) *ValidationError {
	ve.baseError.WithDetail(key, value)
	return ve
}

// WithField sets which field failed validation.
func (ve *ValidationError) WithField(field string) *ValidationError {
	ve.field = field
	return ve
}

// WithRule specifies which validation rule was violated.
func (ve *ValidationError) WithRule(rule string) *ValidationError {
	ve.rule = rule
	return ve
}

// WithProvided captures the value that failed validation.
func (ve *ValidationError) WithProvided(value any) *ValidationError {
	ve.provided = value
	return ve
}

// WithExpected describes what would have been a valid value.
func (ve *ValidationError) WithExpected(value any) *ValidationError {
	ve.expected = value
	return ve
}

// Field returns which field failed validation.
func (ve *ValidationError) Field() string {
	return ve.field
}

// Rule returns which validation rule was violated.
func (ve *ValidationError) Rule() string {
	return ve.rule
}

// Provided returns the value that was provided.
func (ve *ValidationError) Provided() any {
	return ve.provided
}

// Expected returns what would have been valid.
func (ve *ValidationError) Expected() any {
	return ve.expected
}
