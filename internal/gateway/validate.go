package gateway

import (
	"github.com/mewlab/mew-go/pkg/protocol"
)

// validateEnvelope applies the structural acceptance rules for an
// envelope received from the authenticated sender. The envelope is not
// yet stamped; from may be empty.
//
// Checks, in order: protocol tag, kind presence, reserved namespace,
// closed kind set, sender identity, required payload.
func validateEnvelope(env *protocol.Envelope, sender string) *protocol.WireError {
	if env.Protocol != protocol.Version {
		return protocol.NewWireError(protocol.ErrorProtocolMismatch,
			"unsupported protocol %q, want %q", env.Protocol, protocol.Version)
	}
	if env.Kind == "" {
		return protocol.NewWireError(protocol.ErrorInvalidEnvelope, "kind is required")
	}
	if protocol.IsSystemKind(env.Kind) {
		return protocol.NewWireError(protocol.ErrorReservedNamespace,
			"kind %q is reserved for the gateway", env.Kind)
	}
	if !protocol.KnownKind(env.Kind) {
		return protocol.NewWireError(protocol.ErrorInvalidEnvelope, "unknown kind %q", env.Kind)
	}
	if env.From != "" && env.From != sender {
		return protocol.NewWireError(protocol.ErrorIdentitySpoof,
			"from %q does not match authenticated participant %q", env.From, sender)
	}
	if protocol.RequiresPayload(env.Kind) && len(env.Payload) == 0 {
		return protocol.NewWireError(protocol.ErrorInvalidEnvelope,
			"kind %q requires a payload", env.Kind)
	}
	return nil
}
