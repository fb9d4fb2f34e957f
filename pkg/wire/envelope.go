// Package wire defines the JSON envelope that every federation fabric
// component speaks over WebSocket.
package wire

import (
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf16"

	"github.com/google/uuid"
)

// ProtocolVersion is the current envelope version.
const ProtocolVersion = 1

// Envelope is the single wire unit exchanged by every component: the
// registry, the relay, the node service, and the delegation client all
// read and write this shape, differing only in which `type` values and
// payload fields they understand.
type Envelope struct {
	V        int             `json:"v"`
	Type     string          `json:"type"`
	ID       string          `json:"id"`
	TS       string          `json:"ts"`
	OrgID    string          `json:"orgId,omitempty"`
	FromNode string          `json:"fromNode,omitempty"`
	ToNode   string          `json:"toNode,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// New builds an envelope with a generated id and current timestamp. Pass an
// empty id to have one generated; pass a non-empty id to preserve a
// request's correlator in a reply.
func New(typ string, id string, payload any) Envelope {
	if id == "" {
		id = uuid.NewString()
	}
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err == nil {
			raw = b
		}
	}
	return Envelope{
		V:       ProtocolVersion,
		Type:    typ,
		ID:      id,
		TS:      time.Now().UTC().Format(time.RFC3339Nano),
		Payload: raw,
	}
}

// Error builds an `error` envelope preserving the triggering request id.
func Error(id string, message string) Envelope {
	return New("error", id, map[string]string{"message": message})
}

// Decode unmarshals the payload into dst. Unknown fields are ignored by
// encoding/json's default behavior, preserving forward compatibility.
func (e Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, dst)
}

// Marshal serializes the envelope ASCII-safe with compact separators,
// matching the wire contract (`ensure_ascii=True, separators=(",", ":")`
// in the original protocol).
func Marshal(e Envelope) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(b))
	for _, u := range utf16.Encode([]rune(string(b))) {
		if u < 0x80 {
			out = append(out, byte(u))
		} else {
			out = fmt.Appendf(out, `\u%04x`, u)
		}
	}
	return out, nil
}
