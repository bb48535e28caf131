package protocol

import (
	"fmt"

	"github.com/mewlab/mew-go/pkg/capability"
)

// ErrorCode is the closed set of protocol-visible error codes carried in
// system/error payloads.
type ErrorCode string

const (
	ErrorProtocolMismatch    ErrorCode = "protocol_mismatch"
	ErrorInvalidEnvelope     ErrorCode = "invalid_envelope"
	ErrorReservedNamespace   ErrorCode = "reserved_namespace"
	ErrorIdentitySpoof       ErrorCode = "identity_spoof"
	ErrorCapabilityViolation ErrorCode = "capability_violation"
	ErrorUnknownRecipient    ErrorCode = "unknown_recipient"
	ErrorStreamNotFound      ErrorCode = "stream_not_found"
	ErrorBackpressure        ErrorCode = "backpressure"
	ErrorPeerDisconnected    ErrorCode = "peer_disconnected"
	ErrorTimeout             ErrorCode = "timeout"
)

// ErrorPayload is the system/error body. AttemptedKind and
// YourCapabilities are set on capability violations.
type ErrorPayload struct {
	Error            ErrorCode            `json:"error"`
	Message          string               `json:"message,omitempty"`
	AttemptedKind    string               `json:"attempted_kind,omitempty"`
	YourCapabilities []capability.Pattern `json:"your_capabilities,omitempty"`
}

// WireError is a rejection that surfaces on the wire: as a system/error on
// a WebSocket connection, or in the response body of an HTTP inject.
type WireError struct {
	Code    ErrorCode
	Message string
}

func (e *WireError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewWireError builds a WireError with a formatted message.
func NewWireError(code ErrorCode, format string, args ...interface{}) *WireError {
	return &WireError{Code: code, Message: fmt.Sprintf(format, args...)}
}
