package protocol

import (
	"encoding/json"

	"github.com/mewlab/mew-go/pkg/capability"
)

// ============================================================================
// SYSTEM PAYLOADS (gateway-emitted)
// ============================================================================

// ParticipantInfo describes one peer in welcome and presence payloads.
type ParticipantInfo struct {
	ID           string               `json:"id"`
	Capabilities []capability.Pattern `json:"capabilities"`
}

// WelcomePayload is the system/welcome body. Active stream entries are kept
// raw because they echo every field of the originating stream/request
// verbatim.
type WelcomePayload struct {
	You           ParticipantInfo   `json:"you"`
	Participants  []ParticipantInfo `json:"participants"`
	ActiveStreams []json.RawMessage `json:"active_streams,omitempty"`
}

// StreamSnapshot is the typed view of one active_streams entry. Decode the
// raw entry into it for the well-known fields; the raw bytes keep the rest.
type StreamSnapshot struct {
	StreamID  string `json:"stream_id"`
	Owner     string `json:"owner"`
	Direction string `json:"direction,omitempty"`
	Created   string `json:"created,omitempty"`
}

// Presence events.
const (
	PresenceJoin  = "join"
	PresenceLeave = "leave"
)

// PresencePayload is the system/presence body.
type PresencePayload struct {
	Event       string          `json:"event"`
	Participant ParticipantInfo `json:"participant"`
}

// ============================================================================
// MCP PAYLOADS
// ============================================================================

// JSONRPCVersion is the version tag on MCP request/response bodies.
const JSONRPCVersion = "2.0"

// MethodCancelled is the MCP notification a client emits when it abandons
// a pending request.
const MethodCancelled = "notifications/cancelled"

// MCPPayload is the body of mcp/request, mcp/response and mcp/proposal
// envelopes. Request-side fields and response-side fields are both present
// because proposals carry request shapes without JSON-RPC ids.
type MCPPayload struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *MCPError       `json:"error,omitempty"`
}

// MCPError is the JSON-RPC error object inside an mcp/response.
type MCPError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// CancelledParams is the params object of a notifications/cancelled
// notification.
type CancelledParams struct {
	RequestID interface{} `json:"requestId"`
	Reason    string      `json:"reason,omitempty"`
}

// ============================================================================
// CAPABILITY PAYLOADS
// ============================================================================

// GrantPayload is the capability/grant body. The recipient is a logical
// name; the gateway resolves it before refreshing the welcome.
type GrantPayload struct {
	Recipient    string               `json:"recipient"`
	Capabilities []capability.Pattern `json:"capabilities"`
	Reason       string               `json:"reason,omitempty"`
}

// RevokePayload is the capability/revoke body. Either a grant id or a list
// of patterns to remove by structural equality.
type RevokePayload struct {
	Recipient    string               `json:"recipient,omitempty"`
	GrantID      string               `json:"grant_id,omitempty"`
	Capabilities []capability.Pattern `json:"capabilities,omitempty"`
	Reason       string               `json:"reason,omitempty"`
}

// GrantAckPayload is the capability/grant-ack body.
type GrantAckPayload struct {
	Status string `json:"status"`
}

// Grant-ack statuses.
const (
	GrantAccepted = "accepted"
	GrantRejected = "rejected"
)

// ============================================================================
// CHAT / PARTICIPANT / STREAM PAYLOADS
// ============================================================================

// Chat text formats.
const (
	FormatPlain    = "plain"
	FormatMarkdown = "markdown"
)

// ChatPayload is the chat body.
type ChatPayload struct {
	Text   string `json:"text"`
	Format string `json:"format,omitempty"`
}

// ChatAcknowledgePayload is the chat/acknowledge body.
type ChatAcknowledgePayload struct {
	Status string `json:"status,omitempty"`
}

// ReasonPayload is the optional body of mcp/withdraw, mcp/reject and
// chat/cancel envelopes.
type ReasonPayload struct {
	Reason string `json:"reason,omitempty"`
}

// PausePayload is the participant/pause body. A zero timeout pauses until
// an explicit participant/resume.
type PausePayload struct {
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// StatusPayload is the participant/status body.
type StatusPayload struct {
	State           string `json:"state,omitempty"`
	UptimeSeconds   int64  `json:"uptime_seconds,omitempty"`
	PendingRequests int    `json:"pending_requests,omitempty"`
}

// KickPayload is the space/kick body.
type KickPayload struct {
	Participant string `json:"participant,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Stream directions.
const (
	StreamUpload   = "upload"
	StreamDownload = "download"
)

// StreamRequestPayload is the typed view of a stream/request body. The
// gateway echoes the raw body verbatim into welcome snapshots, so fields
// beyond these survive untyped.
type StreamRequestPayload struct {
	Direction         string `json:"direction"`
	ContentType       string `json:"content_type,omitempty"`
	Format            string `json:"format,omitempty"`
	Description       string `json:"description,omitempty"`
	ExpectedSizeBytes int64  `json:"expected_size_bytes,omitempty"`
}

// StreamOpenPayload is the stream/open body.
type StreamOpenPayload struct {
	StreamID string `json:"stream_id"`
	Encoding string `json:"encoding,omitempty"`
}

// StreamClosePayload is the stream/close body.
type StreamClosePayload struct {
	StreamID string `json:"stream_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Stream close reasons.
const (
	StreamReasonComplete          = "complete"
	StreamReasonCancelled         = "cancelled"
	StreamReasonOwnerDisconnected = "owner_disconnected"
)
