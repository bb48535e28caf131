package protocol

import "strings"

// The closed set of envelope kinds for mew/v0.4. Any kind outside this set
// is rejected by the gateway, and the system/ namespace is reserved for
// gateway-emitted envelopes.
const (
	KindMCPRequest  = "mcp/request"
	KindMCPResponse = "mcp/response"
	KindMCPProposal = "mcp/proposal"
	KindMCPWithdraw = "mcp/withdraw"
	KindMCPReject   = "mcp/reject"

	KindReasoningStart      = "reasoning/start"
	KindReasoningThought    = "reasoning/thought"
	KindReasoningConclusion = "reasoning/conclusion"
	KindReasoningCancel     = "reasoning/cancel"

	KindCapabilityGrant    = "capability/grant"
	KindCapabilityRevoke   = "capability/revoke"
	KindCapabilityGrantAck = "capability/grant-ack"

	KindSpaceInvite = "space/invite"
	KindSpaceKick   = "space/kick"

	KindParticipantPause         = "participant/pause"
	KindParticipantResume        = "participant/resume"
	KindParticipantStatus        = "participant/status"
	KindParticipantRequestStatus = "participant/request-status"
	KindParticipantForget        = "participant/forget"
	KindParticipantCompact       = "participant/compact"
	KindParticipantCompactDone   = "participant/compact-done"
	KindParticipantClear         = "participant/clear"
	KindParticipantRestart       = "participant/restart"
	KindParticipantShutdown      = "participant/shutdown"

	KindStreamRequest = "stream/request"
	KindStreamOpen    = "stream/open"
	KindStreamClose   = "stream/close"

	KindChat            = "chat"
	KindChatAcknowledge = "chat/acknowledge"
	KindChatCancel      = "chat/cancel"

	KindSystemPresence = "system/presence"
	KindSystemWelcome  = "system/welcome"
	KindSystemError    = "system/error"
)

// Class buckets kinds for dispatch and logging.
type Class int

const (
	ClassUnknown Class = iota
	ClassRequest
	ClassResponse
	ClassProposal
	ClassControl
	ClassChat
	ClassStream
	ClassReasoning
	ClassSystem
)

func (c Class) String() string {
	switch c {
	case ClassRequest:
		return "request"
	case ClassResponse:
		return "response"
	case ClassProposal:
		return "proposal"
	case ClassControl:
		return "control"
	case ClassChat:
		return "chat"
	case ClassStream:
		return "stream"
	case ClassReasoning:
		return "reasoning"
	case ClassSystem:
		return "system"
	default:
		return "unknown"
	}
}

var kindClasses = map[string]Class{
	KindMCPRequest:  ClassRequest,
	KindMCPResponse: ClassResponse,
	KindMCPProposal: ClassProposal,
	KindMCPWithdraw: ClassProposal,
	KindMCPReject:   ClassProposal,

	KindReasoningStart:      ClassReasoning,
	KindReasoningThought:    ClassReasoning,
	KindReasoningConclusion: ClassReasoning,
	KindReasoningCancel:     ClassReasoning,

	KindCapabilityGrant:    ClassControl,
	KindCapabilityRevoke:   ClassControl,
	KindCapabilityGrantAck: ClassControl,

	KindSpaceInvite: ClassControl,
	KindSpaceKick:   ClassControl,

	KindParticipantPause:         ClassControl,
	KindParticipantResume:        ClassControl,
	KindParticipantStatus:        ClassControl,
	KindParticipantRequestStatus: ClassControl,
	KindParticipantForget:        ClassControl,
	KindParticipantCompact:       ClassControl,
	KindParticipantCompactDone:   ClassControl,
	KindParticipantClear:         ClassControl,
	KindParticipantRestart:       ClassControl,
	KindParticipantShutdown:      ClassControl,

	KindStreamRequest: ClassStream,
	KindStreamOpen:    ClassStream,
	KindStreamClose:   ClassStream,

	KindChat:            ClassChat,
	KindChatAcknowledge: ClassChat,
	KindChatCancel:      ClassChat,

	KindSystemPresence: ClassSystem,
	KindSystemWelcome:  ClassSystem,
	KindSystemError:    ClassSystem,
}

// Kinds whose semantics are meaningless without a body.
var payloadRequired = map[string]bool{
	KindMCPRequest:       true,
	KindMCPResponse:      true,
	KindMCPProposal:      true,
	KindCapabilityGrant:  true,
	KindCapabilityRevoke: true,
	KindChat:             true,
	KindStreamRequest:    true,
}

// KnownKind reports whether kind belongs to the closed mew/v0.4 set.
func KnownKind(kind string) bool {
	_, ok := kindClasses[kind]
	return ok
}

// Classify returns the dispatch class for a kind, ClassUnknown for kinds
// outside the closed set.
func Classify(kind string) Class {
	return kindClasses[kind]
}

// IsSystemKind reports whether the kind lives in the reserved system/
// namespace.
func IsSystemKind(kind string) bool {
	return strings.HasPrefix(kind, "system/")
}

// RequiresPayload reports whether envelopes of this kind must carry a
// payload to validate.
func RequiresPayload(kind string) bool {
	return payloadRequired[kind]
}
