package errors

import (
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/gorilla/websocket"
)

// Sentinels for errors.Is comparisons. Constructors below return values that
// match these by type and code.
var (
	ErrInvalidRelayURL = New(ErrorTypeValidation, "INVALID_RELAY_URL", "invalid relay url")
	ErrRelayNotFound   = New(ErrorTypeNotFound, "RELAY_NOT_FOUND", "relay not found")
	ErrMalformedFrame  = New(ErrorTypeProtocol, "MALFORMED_FRAME", "malformed frame")
	ErrPoolClosed      = New(ErrorTypeShutdown, "POOL_CLOSED", "relay pool closed")
)

// InvalidRelayURLError is returned synchronously by add-relay for bad input.
func InvalidRelayURLError(url string, cause error) *AppError {
	return Wrap(cause, ErrorTypeValidation, "INVALID_RELAY_URL", fmt.Sprintf("Invalid relay url %q", url)).
		WithSeverity(SeverityLow).
		WithUserMessage("Relay url must be an absolute ws:// or wss:// url.")
}

// RelayNotFoundError is returned when removing a relay the pool does not know.
func RelayNotFoundError(url string) *AppError {
	return New(ErrorTypeNotFound, "RELAY_NOT_FOUND", fmt.Sprintf("Relay %q not found", url)).
		WithSeverity(SeverityLow).
		WithUserMessage("That relay is not configured.")
}

// MalformedFrameError describes an upstream frame that could not be decoded.
func MalformedFrameError(reason string, cause error) *AppError {
	e := New(ErrorTypeProtocol, "MALFORMED_FRAME", "Malformed relay frame: "+reason).
		WithSeverity(SeverityLow)
	if cause != nil {
		e.Cause = cause
		e = e.WithDetails(cause.Error())
	}
	return e
}

// InvalidControlFrameError describes a client control frame that could not be handled.
func InvalidControlFrameError(reason string) *AppError {
	return New(ErrorTypeValidation, "INVALID_CONTROL_FRAME", "Invalid control frame: "+reason).
		WithSeverity(SeverityLow).
		WithUserMessage("invalid: " + reason)
}

// ValidationError creates a validation error
func ValidationError(code, message string) *AppError {
	return New(ErrorTypeValidation, code, message).
		WithSeverity(SeverityLow).
		WithUserMessage(message)
}

// RateLimitError creates a rate limit error
func RateLimitError(resource string) *AppError {
	return New(ErrorTypeRateLimit, "RATE_LIMIT_EXCEEDED", fmt.Sprintf("Rate limit exceeded for %s", resource)).
		WithSeverity(SeverityMedium).
		WithUserMessage("rate-limited: slow down")
}

// InternalError creates an internal error
func InternalError(message string, cause error) *AppError {
	return Wrap(cause, ErrorTypeInternal, "INTERNAL_ERROR", message).
		WithSeverity(SeverityHigh).
		WithUserMessage("An internal error occurred. Please try again.")
}

// PoolClosedError is returned by pool operations after shutdown.
func PoolClosedError() *AppError {
	return New(ErrorTypeShutdown, "POOL_CLOSED", "Relay pool closed").
		WithSeverity(SeverityLow)
}

// WebSocketError classifies errors coming out of a websocket read or write.
func WebSocketError(operation string, cause error) *AppError {
	var code string
	severity := SeverityMedium

	switch {
	case websocket.IsCloseError(cause, websocket.CloseNormalClosure):
		code = "WS_NORMAL_CLOSURE"
		severity = SeverityLow
	case websocket.IsCloseError(cause, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		code = "WS_ABNORMAL_CLOSURE"
	case websocket.IsUnexpectedCloseError(cause, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		code = "WS_UNEXPECTED_CLOSURE"
	default:
		code = "WS_ERROR"
	}

	return Wrap(cause, ErrorTypeNetwork, code, fmt.Sprintf("WebSocket %s failed", operation)).
		WithSeverity(severity)
}

// IsCleanClose reports whether err is a normal websocket close from the peer.
func IsCleanClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

// IsRemoteClose reports whether the peer ended the connection with a close
// frame (any code) or an orderly EOF, as opposed to a transport failure.
func IsRemoteClose(err error) bool {
	var closeErr *websocket.CloseError
	return stderrors.As(err, &closeErr) || stderrors.Is(err, io.EOF)
}

// NetworkError classifies dial and transport failures.
func NetworkError(operation string, cause error) *AppError {
	code := "NETWORK_UNKNOWN"
	severity := SeverityMedium

	var netErr net.Error
	var opErr *net.OpError
	var errno syscall.Errno
	switch {
	case stderrors.As(cause, &errno):
		switch errno {
		case syscall.ECONNREFUSED:
			code = "CONNECTION_REFUSED"
		case syscall.ECONNRESET:
			code = "CONNECTION_RESET"
		case syscall.ETIMEDOUT:
			code = "CONNECTION_TIMEOUT"
		default:
			code = "SYSTEM_ERROR"
		}
	case stderrors.As(cause, &netErr) && netErr.Timeout():
		code = "NETWORK_TIMEOUT"
	case stderrors.As(cause, &opErr):
		code = "NETWORK_" + strings.ToUpper(opErr.Op) + "_FAILED"
	case stderrors.Is(cause, websocket.ErrBadHandshake):
		code = "WS_BAD_HANDSHAKE"
		severity = SeverityHigh
	case isTemporaryNetError(cause):
		code = "NETWORK_TEMPORARY"
		severity = SeverityLow
	}

	return Wrap(cause, ErrorTypeNetwork, code, fmt.Sprintf("Network %s failed", operation)).
		WithSeverity(severity)
}

// isTemporaryNetError checks if a network error is temporary
// This replaces the deprecated netErr.Temporary() method
func isTemporaryNetError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"no route to host",
		"network is unreachable",
		"connection reset by peer",
		"broken pipe",
		"i/o timeout",
	} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
