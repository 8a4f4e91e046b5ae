package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Use with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound      = fmt.Errorf("not found")
	ErrTimeout       = fmt.Errorf("operation timed out")
	ErrInvalidInput  = fmt.Errorf("invalid input")
	ErrProviderError = fmt.Errorf("provider error")
	ErrDisabled      = fmt.Errorf("disabled")
)

// Planning errors.
var (
	ErrParse              = fmt.Errorf("no extraction strategy produced a valid plan")
	ErrHallucination      = fmt.Errorf("plan references a tool absent from the registry")
	ErrTaskJoin           = fmt.Errorf("background task crashed or was aborted")
	ErrEmergencyExhausted = fmt.Errorf("all fallback tiers exhausted")
	ErrNoPlan             = fmt.Errorf("no plan available")
)

// Inference and resilience errors.
var (
	ErrCircuitOpen     = fmt.Errorf("inference circuit open")
	ErrRateLimit       = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid     = fmt.Errorf("authentication failed")
	ErrContextOverflow = fmt.Errorf("context window exceeded")
	ErrClientNotFound  = fmt.Errorf("inference client not found")
	ErrToolNotFound    = fmt.Errorf("tool not found")
)

// Configuration and storage errors.
var (
	ErrConfigLoad = fmt.Errorf("failed to load configuration")
	ErrDecryption = fmt.Errorf("decryption failed")
	ErrStore      = fmt.Errorf("store operation failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Executor.RequestPlan")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "strategic", "parser"); used for ErrorCode dispatch
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

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that may succeed
// on retry. Malformed or hallucinated output is not.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrProviderError)
}

// IsTierFailure reports whether err is one of the failures that advance the
// fallback chain to the next tier.
func IsTierFailure(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrParse) ||
		errors.Is(err, ErrHallucination) ||
		errors.Is(err, ErrTaskJoin) ||
		errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, ErrRateLimit) ||
		errors.Is(err, ErrProviderError)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodeParse              ErrorCode = "PARSE"
	CodeHallucination      ErrorCode = "HALLUCINATION"
	CodeTaskJoin           ErrorCode = "TASK_JOIN"
	CodeEmergencyExhausted ErrorCode = "EMERGENCY_EXHAUSTED"
	CodeNoPlan             ErrorCode = "NO_PLAN"
	CodeCircuitOpen        ErrorCode = "CIRCUIT_OPEN"
	CodeRateLimit          ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid        ErrorCode = "AUTH_INVALID"
	CodeContextOverflow    ErrorCode = "CONTEXT_OVERFLOW"
	CodeClientNotFound     ErrorCode = "CLIENT_NOT_FOUND"
	CodeToolNotFound       ErrorCode = "TOOL_NOT_FOUND"
	CodeConfigLoad         ErrorCode = "CONFIG_LOAD"
	CodeDecryption         ErrorCode = "DECRYPTION"
	CodeStore              ErrorCode = "STORE"

	// Subsystem-specific codes used by subSystemCodeMap.
	CodeStrategicTimeout ErrorCode = "STRATEGIC_TIMEOUT"
	CodeInferenceFailure ErrorCode = "INFERENCE_FAILURE"
	CodeSnapshotInvalid  ErrorCode = "SNAPSHOT_INVALID"
	CodeRegistryInvalid  ErrorCode = "REGISTRY_INVALID"
	CodeRulesInvalid     ErrorCode = "RULES_INVALID"

	// Category error codes; fallback when no subsystem-specific code matches.
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeInvalidInput  ErrorCode = "INVALID_INPUT"
	CodeProviderError ErrorCode = "PROVIDER_ERROR"
	CodeDisabled      ErrorCode = "DISABLED"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:      CodeNotFound,
	ErrTimeout:       CodeTimeout,
	ErrInvalidInput:  CodeInvalidInput,
	ErrProviderError: CodeProviderError,
	ErrDisabled:      CodeDisabled,

	ErrParse:              CodeParse,
	ErrHallucination:      CodeHallucination,
	ErrTaskJoin:           CodeTaskJoin,
	ErrEmergencyExhausted: CodeEmergencyExhausted,
	ErrNoPlan:             CodeNoPlan,
	ErrCircuitOpen:        CodeCircuitOpen,
	ErrRateLimit:          CodeRateLimit,
	ErrAuthInvalid:        CodeAuthInvalid,
	ErrContextOverflow:    CodeContextOverflow,
	ErrClientNotFound:     CodeClientNotFound,
	ErrToolNotFound:       CodeToolNotFound,
	ErrConfigLoad:         CodeConfigLoad,
	ErrDecryption:         CodeDecryption,
	ErrStore:              CodeStore,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrTimeout: {
		"strategic": CodeStrategicTimeout,
	},
	ErrProviderError: {
		"inference": CodeInferenceFailure,
	},
	ErrInvalidInput: {
		"snapshot": CodeSnapshotInvalid,
		"registry": CodeRegistryInvalid,
		"rules":    CodeRulesInvalid,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
