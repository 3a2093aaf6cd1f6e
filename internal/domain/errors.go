package domain

import (
	"errors"
	"fmt"
)

// Category sentinels.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrDuplicate    = fmt.Errorf("duplicate")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrStorage      = fmt.Errorf("durable storage failed")
)

// Sentinel errors for the relay client.
var (
	// Connectivity.
	ErrNotConnected    = fmt.Errorf("no live relay connection")
	ErrHostUnreachable = fmt.Errorf("host unreachable: %w", ErrTimeout)
	ErrAlreadyRunning  = fmt.Errorf("connection manager already running")

	// Entitlement / auth.
	ErrSubscriptionRequired = fmt.Errorf("subscription required")
	ErrUnauthorized         = fmt.Errorf("unauthorized")
	ErrLoggedOut            = fmt.Errorf("logged out")

	// Request / response.
	ErrDuplicateRequest = fmt.Errorf("request id already registered: %w", ErrDuplicate)
	ErrCommandFailed    = fmt.Errorf("command rejected by host")
	ErrRelayError       = fmt.Errorf("relay error")

	// Side-channel.
	ErrSideChannel = fmt.Errorf("side-channel request failed")
)

// RelayError is the decoded form of an error frame.
type RelayError struct {
	Code    string
	Message string
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("relay error %s: %s", e.Code, e.Message)
}

// Unwrap maps auth and entitlement codes to their sentinels so callers can
// use errors.Is uniformly.
func (e *RelayError) Unwrap() []error {
	switch e.Code {
	case CodeUnauthorizedFrame:
		return []error{ErrRelayError, ErrUnauthorized}
	case CodeSubscriptionExpired:
		return []error{ErrRelayError, ErrSubscriptionRequired}
	default:
		return []error{ErrRelayError}
	}
}

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Commands.RunJob")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsTransient reports whether err is a connectivity problem that the
// reconnect loop recovers from on its own.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrUnauthorized) &&
		!errors.Is(err, ErrSubscriptionRequired) &&
		!errors.Is(err, ErrLoggedOut)
}

// ErrorCode is a machine-parseable error category for UI surfaces and logs.
type ErrorCode string

const (
	CodeUnknown              ErrorCode = "UNKNOWN"
	CodeNotFound             ErrorCode = "NOT_FOUND"
	CodeDuplicate            ErrorCode = "DUPLICATE"
	CodeTimeout              ErrorCode = "TIMEOUT"
	CodeInvalidInput         ErrorCode = "INVALID_INPUT"
	CodeStorage              ErrorCode = "STORAGE"
	CodeNotConnected         ErrorCode = "NOT_CONNECTED"
	CodeHostUnreachable      ErrorCode = "HOST_UNREACHABLE"
	CodeAlreadyRunning       ErrorCode = "ALREADY_RUNNING"
	CodeSubscriptionRequired ErrorCode = "SUBSCRIPTION_REQUIRED"
	CodeUnauthorized         ErrorCode = "UNAUTHORIZED"
	CodeLoggedOut            ErrorCode = "LOGGED_OUT"
	CodeDuplicateRequest     ErrorCode = "DUPLICATE_REQUEST"
	CodeCommandFailed        ErrorCode = "COMMAND_FAILED"
	CodeRelayError           ErrorCode = "RELAY_ERROR"
	CodeSideChannel          ErrorCode = "SIDE_CHANNEL"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:             CodeNotFound,
	ErrDuplicate:            CodeDuplicate,
	ErrTimeout:              CodeTimeout,
	ErrInvalidInput:         CodeInvalidInput,
	ErrStorage:              CodeStorage,
	ErrNotConnected:         CodeNotConnected,
	ErrHostUnreachable:      CodeHostUnreachable,
	ErrAlreadyRunning:       CodeAlreadyRunning,
	ErrSubscriptionRequired: CodeSubscriptionRequired,
	ErrUnauthorized:         CodeUnauthorized,
	ErrLoggedOut:            CodeLoggedOut,
	ErrDuplicateRequest:     CodeDuplicateRequest,
	ErrCommandFailed:        CodeCommandFailed,
	ErrRelayError:           CodeRelayError,
	ErrSideChannel:          CodeSideChannel,
}

// specificity orders sentinels so that wrapped chains resolve to the most
// specific code (ErrHostUnreachable before ErrTimeout, and so on).
var specificity = []error{
	ErrHostUnreachable,
	ErrDuplicateRequest,
	ErrSubscriptionRequired,
	ErrUnauthorized,
	ErrLoggedOut,
	ErrCommandFailed,
	ErrRelayError,
	ErrNotConnected,
	ErrAlreadyRunning,
	ErrSideChannel,
	ErrStorage,
	ErrNotFound,
	ErrDuplicate,
	ErrTimeout,
	ErrInvalidInput,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	if code, ok := errorCodeMap[err]; ok {
		return code
	}
	for _, sentinel := range specificity {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e.Err)
}
