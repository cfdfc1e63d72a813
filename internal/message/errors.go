package message

// ErrorCode is the canonical error classification set by translators in
// result.metadata.error_code whenever is_error is true.
type ErrorCode string

const (
	ErrProviderAuth    ErrorCode = "provider_auth"
	ErrAPIError        ErrorCode = "api_error"
	ErrContextOverflow ErrorCode = "context_overflow"
	ErrOutputLength    ErrorCode = "output_length"
	ErrAborted         ErrorCode = "aborted"
	ErrRateLimit       ErrorCode = "rate_limit"
	ErrMaxTurns        ErrorCode = "max_turns"
	ErrMaxBudget       ErrorCode = "max_budget"
	ErrExecutionError  ErrorCode = "execution_error"
	ErrUnknown         ErrorCode = "unknown"
)

var validErrorCodes = map[ErrorCode]bool{
	ErrProviderAuth: true, ErrAPIError: true, ErrContextOverflow: true,
	ErrOutputLength: true, ErrAborted: true, ErrRateLimit: true,
	ErrMaxTurns: true, ErrMaxBudget: true, ErrExecutionError: true,
	ErrUnknown: true,
}

// ValidErrorCode reports whether code is a member of the canonical set.
func ValidErrorCode(code ErrorCode) bool {
	return validErrorCodes[code]
}

// NewResult builds a result envelope. When isError is true the code must be
// canonical; non-members are coerced to ErrUnknown.
func NewResult(resultText string, isError bool, code ErrorCode, errMessage string) *UnifiedMessage {
	m := New(TypeResult, RoleSystem, WithMetadataField("result", resultText))
	if isError {
		if !ValidErrorCode(code) {
			code = ErrUnknown
		}
		m.Metadata["is_error"] = true
		m.Metadata["error_code"] = string(code)
		if errMessage != "" {
			m.Metadata["error_message"] = errMessage
		}
	}
	return m
}
