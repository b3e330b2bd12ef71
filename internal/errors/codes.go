package errors

// Common error codes
const (
	// System errors
	ErrInternal        ErrorCode = "internal_error"
	ErrInvalidArgument ErrorCode = "invalid_argument"
	ErrAlreadyRunning  ErrorCode = "already_running"

	// Configuration errors
	ErrInvalidConfig      ErrorCode = "invalid_configuration"
	ErrMissingConfig      ErrorCode = "missing_configuration"
	ErrBindFlags          ErrorCode = "bind_flags_failed"
	ErrReadConfig         ErrorCode = "read_config_failed"
	ErrInvalidInterval    ErrorCode = "invalid_interval"
	ErrCredentialsMissing ErrorCode = "credentials_missing"
	ErrConfigConflict     ErrorCode = "config_conflict"

	// Logging errors
	ErrInvalidLogLevel ErrorCode = "invalid_log_level"

	// Initialization errors
	ErrInitFailed     ErrorCode = "initialization_failed"
	ErrShutdownFailed ErrorCode = "shutdown_failed"

	// Transport errors
	ErrConnectFailure       ErrorCode = "connect_failure"
	ErrNotConnected         ErrorCode = "not_connected"
	ErrSubmissionFailed     ErrorCode = "submission_failed"
	ErrSubmissionRejected   ErrorCode = "submission_rejected"
	ErrSubmissionTimeout    ErrorCode = "submission_timeout"
	ErrInvalidShadowPayload ErrorCode = "invalid_shadow_payload"

	// Sampling errors
	ErrMetricUnavailable ErrorCode = "metric_unavailable"

	// Operation errors
	ErrTimeout ErrorCode = "operation_timeout"
)

// Common error messages
var errorMessages = map[ErrorCode]string{
	ErrInternal:             "Internal error occurred",
	ErrInvalidArgument:      "Invalid argument provided",
	ErrAlreadyRunning:       "Another instance is already running",
	ErrInvalidConfig:        "Invalid configuration",
	ErrMissingConfig:        "Missing configuration",
	ErrBindFlags:            "Failed to bind flags",
	ErrReadConfig:           "Failed to read configuration",
	ErrInvalidInterval:      "Invalid interval value",
	ErrCredentialsMissing:   "Missing credentials for authentication",
	ErrConfigConflict:       "X.509 cert authentication and WebSocket are mutually exclusive",
	ErrInvalidLogLevel:      "Invalid log level",
	ErrInitFailed:           "Initialization failed",
	ErrShutdownFailed:       "Shutdown failed",
	ErrConnectFailure:       "Failed to connect to shadow service",
	ErrNotConnected:         "Not connected to shadow service",
	ErrSubmissionFailed:     "Failed to submit shadow request",
	ErrSubmissionRejected:   "Shadow request rejected",
	ErrSubmissionTimeout:    "Shadow request timed out",
	ErrInvalidShadowPayload: "Invalid shadow payload",
	ErrMetricUnavailable:    "Metric unavailable",
	ErrTimeout:              "Operation timed out",
}

// GetErrorMessage returns the message for a given error code
func GetErrorMessage(code ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}

	return string(code)
}

var usageCodes = map[ErrorCode]bool{
	ErrInvalidArgument:    true,
	ErrInvalidConfig:      true,
	ErrMissingConfig:      true,
	ErrBindFlags:          true,
	ErrReadConfig:         true,
	ErrInvalidInterval:    true,
	ErrCredentialsMissing: true,
	ErrConfigConflict:     true,
	ErrInvalidLogLevel:    true,
}

var transientCodes = map[ErrorCode]bool{
	ErrNotConnected:       true,
	ErrSubmissionFailed:   true,
	ErrSubmissionRejected: true,
	ErrSubmissionTimeout:  true,
	ErrMetricUnavailable:  true,
}

// Category reports how the process treats errors with this code.
func (c ErrorCode) Category() Category {
	switch {
	case usageCodes[c]:
		return CategoryUsage
	case transientCodes[c]:
		return CategoryTransient
	default:
		return CategoryRuntime
	}
}

// CategoryOf returns the category of the outermost coded error in err's
// chain. Errors without a code are treated as usage errors: they come
// from argument and flag parsing.
func CategoryOf(err error) Category {
	var e Error
	if !As(err, &e) {
		return CategoryUsage
	}
	return e.Code().Category()
}
