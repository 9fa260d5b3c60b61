// Package protocol defines the JSON wire protocol spoken over the
// loopback WebSocket: inbound action frames, outbound reply/event/error
// frames, and the integer result codes carried in failure events.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Frame types on the wire.
const (
	TypeAction = "action"
	TypeReply  = "reply"
	TypeEvent  = "event"
	TypeError  = "error"
)

// Frame is the envelope for every message exchanged with the page.
// Inbound frames carry Name and Data as an object; outbound event frames
// carry Data as an argument array and reuse ID for the session uuid.
type Frame struct {
	Type string          `json:"type"`
	Name string          `json:"name,omitempty"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ParseFrame decodes a raw WebSocket message into a Frame.
func ParseFrame(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("malformed frame: missing type")
	}
	return &f, nil
}

// ReplyFrame builds a reply frame correlated with the request id.
func ReplyFrame(id string, data any) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Type: TypeReply, ID: id, Data: payload})
}

// EventFrame builds an event frame. The optional sessionUUID rides in the
// id field so the page can route per-session events.
func EventFrame(name string, args []any, sessionUUID string) ([]byte, error) {
	if args == nil {
		args = []any{}
	}
	payload, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Type: TypeEvent, Name: name, ID: sessionUUID, Data: payload})
}

// EventObjectFrame builds an event frame whose payload is a single
// object instead of an argument array (stateVariables).
func EventObjectFrame(name string, data any, sessionUUID string) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Type: TypeEvent, Name: name, ID: sessionUUID, Data: payload})
}

// ErrorFrame builds an error frame carrying a human-readable message.
func ErrorFrame(id, message string) ([]byte, error) {
	payload, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Type: TypeError, ID: id, Data: payload})
}
