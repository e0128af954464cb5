package domain

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for the domain layer.
var (
	// Protocol ingress.
	ErrMalformedEnvelope = fmt.Errorf("malformed envelope")
	ErrRPCMethodNotFound = fmt.Errorf("rpc method not found")
	ErrRPCInvalidPayload = fmt.Errorf("rpc payload invalid")

	// Request lifecycle.
	ErrTimeout  = fmt.Errorf("request timed out")
	ErrDisposed = fmt.Errorf("request registry disposed")

	// Transport.
	ErrTransportClosed = fmt.Errorf("transport closed")
	ErrSendQueueFull   = fmt.Errorf("send queue full")

	// Conversation.
	ErrSessionNotFound = fmt.Errorf("session not found")

	// Stopped is cancellation, not failure: user-initiated aborts surface
	// through this sentinel and are never logged as errors.
	ErrStopped = fmt.Errorf("stream stopped")

	// ProtocolViolation signals version skew between host and model output,
	// e.g. an unrecognized message role reaching the reducer. Fatal.
	ErrProtocolViolation = fmt.Errorf("protocol violation")
)

// DomainError wraps a sentinel error with operation context.
type DomainError struct {
	Op     string // operation name (e.g., "Registry.Call")
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

// IsCancellation reports whether err represents a user-initiated stop rather
// than a failure.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrStopped) || errors.Is(err, context.Canceled)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown           ErrorCode = "UNKNOWN"
	CodeMalformedEnvelope ErrorCode = "MALFORMED_ENVELOPE"
	CodeRPCMethodNotFound ErrorCode = "RPC_METHOD_NOT_FOUND"
	CodeRPCInvalidPayload ErrorCode = "RPC_INVALID_PAYLOAD"
	CodeTimeout           ErrorCode = "TIMEOUT"
	CodeDisposed          ErrorCode = "DISPOSED"
	CodeTransportClosed   ErrorCode = "TRANSPORT_CLOSED"
	CodeSendQueueFull     ErrorCode = "SEND_QUEUE_FULL"
	CodeSessionNotFound   ErrorCode = "SESSION_NOT_FOUND"
	CodeStopped           ErrorCode = "STOPPED"
	CodeProtocol          ErrorCode = "PROTOCOL_VIOLATION"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrMalformedEnvelope: CodeMalformedEnvelope,
	ErrRPCMethodNotFound: CodeRPCMethodNotFound,
	ErrRPCInvalidPayload: CodeRPCInvalidPayload,
	ErrTimeout:           CodeTimeout,
	ErrDisposed:          CodeDisposed,
	ErrTransportClosed:   CodeTransportClosed,
	ErrSendQueueFull:     CodeSendQueueFull,
	ErrSessionNotFound:   CodeSessionNotFound,
	ErrStopped:           CodeStopped,
	ErrProtocolViolation: CodeProtocol,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and walks the chain with errors.Is.
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
		if code, ok := errorCodeMap[de.Err]; ok {
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
