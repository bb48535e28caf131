// Package protocol defines the MEW wire contract: the envelope, the closed
// kind set, typed payloads, protocol error codes, and the binary stream
// frame codec. Both the gateway and the participant runtime build on it.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Version is the protocol tag every envelope must carry.
const Version = "mew/v0.4"

// GatewayID is the from identity on gateway-emitted envelopes.
const GatewayID = "system:gateway"

// Envelope is the single on-wire unit. Payload bytes are kept raw so
// unknown payload fields pass through untouched; unknown top-level fields
// are captured in Extra and re-emitted on marshal.
type Envelope struct {
	Protocol      string                     `json:"protocol"`
	ID            string                     `json:"id,omitempty"`
	TS            string                     `json:"ts,omitempty"`
	From          string                     `json:"from,omitempty"`
	To            []string                   `json:"to,omitempty"`
	Kind          string                     `json:"kind"`
	CorrelationID []string                   `json:"correlation_id,omitempty"`
	Context       string                     `json:"context,omitempty"`
	Payload       json.RawMessage            `json:"payload,omitempty"`
	Extra         map[string]json.RawMessage `json:"-"`
}

var envelopeFields = map[string]bool{
	"protocol": true, "id": true, "ts": true, "from": true, "to": true,
	"kind": true, "correlation_id": true, "context": true, "payload": true,
}

type envelopeAlias Envelope

// UnmarshalJSON decodes the known fields and stashes everything else in
// Extra so additive mew/v0.4 extensions survive a round trip.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var a envelopeAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	for k, v := range raw {
		if envelopeFields[k] {
			continue
		}
		if a.Extra == nil {
			a.Extra = make(map[string]json.RawMessage)
		}
		a.Extra[k] = v
	}
	*e = Envelope(a)
	return nil
}

// MarshalJSON emits the known fields and merges Extra back in. Known
// fields win on key collision.
func (e Envelope) MarshalJSON() ([]byte, error) {
	b, err := json.Marshal(envelopeAlias(e))
	if err != nil {
		return nil, err
	}
	if len(e.Extra) == 0 {
		return b, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(b, &merged); err != nil {
		return nil, err
	}
	for k, v := range e.Extra {
		if _, taken := merged[k]; !taken {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// New builds an envelope of the given kind with a marshalled payload. The
// protocol tag is set; id, ts and from are stamped at send time.
func New(kind string, payload interface{}) (*Envelope, error) {
	env := &Envelope{Protocol: Version, Kind: kind}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		env.Payload = b
	}
	return env, nil
}

// Stamp fills protocol, id and ts if absent and forces the sender
// identity. The from field is always overwritten; spoof detection happens
// before stamping.
func (e *Envelope) Stamp(from string) {
	if e.Protocol == "" {
		e.Protocol = Version
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.TS == "" {
		e.TS = time.Now().UTC().Format(time.RFC3339)
	}
	e.From = from
}

// DecodePayload unmarshals the raw payload into v.
func (e *Envelope) DecodePayload(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s envelope has no payload", e.Kind)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Kind, err)
	}
	return nil
}

// PayloadMap decodes the payload as a generic JSON object for capability
// matching. A missing payload yields nil; a non-object payload is an
// error.
func (e *Envelope) PayloadMap() (map[string]interface{}, error) {
	if len(e.Payload) == 0 {
		return nil, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(e.Payload, &m); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", e.Kind, err)
	}
	return m, nil
}

// CorrelatesTo reports whether the envelope's primary correlation target
// is id.
func (e *Envelope) CorrelatesTo(id string) bool {
	return len(e.CorrelationID) > 0 && e.CorrelationID[0] == id
}

// Addressed reports whether the envelope names explicit recipients.
func (e *Envelope) Addressed() bool {
	return len(e.To) > 0
}

// AddressedTo reports whether id appears in the recipient list.
func (e *Envelope) AddressedTo(id string) bool {
	for _, t := range e.To {
		if t == id {
			return true
		}
	}
	return false
}
