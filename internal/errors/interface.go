package errors

// ErrorCode identifies an error kind. Codes are stable and appear in logs.
type ErrorCode string

// Category groups codes by how the process reacts to them.
type Category int

const (
	// CategoryRuntime errors abort a running process.
	CategoryRuntime Category = iota
	// CategoryUsage errors are operator mistakes caught before any
	// connection is attempted.
	CategoryUsage
	// CategoryTransient errors are logged and the loop carries on.
	CategoryTransient
)

// Error is a coded error with an optional cause and payload.
type Error interface {
	error
	Code() ErrorCode
	WithMessage(msg string) Error
	WithData(data any) Error
	GetData() any
	Unwrap() error
}

// Factory builds coded errors; obtain one with New.
type Factory interface {
	New(code ErrorCode) Error
	Wrap(code ErrorCode, err error) Error
	WithMessage(code ErrorCode, msg string) Error
	WithData(code ErrorCode, data any) Error
}
