// Package protocol implements the RTM wire protocol: decoding inbound
// frames, the fixed action table, the permission gate, and the dispatcher
// that routes a decoded frame to its handler.
package protocol

import (
	"strings"

	json "github.com/goccy/go-json"
)

// Envelope is one inbound PDU: {action, id, body}.
type Envelope struct {
	Action string          `json:"action"`
	ID     any             `json:"id"`
	Body   json.RawMessage `json:"body"`
}

// Response is one outbound PDU. Action is omitted for bad_schema replies,
// matching the reference server's unshaped error frame for malformed input.
type Response struct {
	Action string `json:"action,omitempty"`
	ID     any    `json:"id"`
	Body   any    `json:"body"`
}

// DecodeEnvelope parses raw bytes as a JSON Envelope.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// ReplyID returns the request id, defaulting to 1 when absent, per the spec's
// "echoes the request id (defaulting to 1 when absent)" rule.
func (e Envelope) ReplyID() any {
	if e.ID == nil {
		return 1
	}
	return e.ID
}

// Group returns the action's group, the substring before the first '/'.
func (e Envelope) Group() string {
	group, _, _ := strings.Cut(e.Action, "/")
	return group
}

// errorResponse builds an {action}/error frame carrying a human-readable
// error string.
func errorResponse(action string, id any, errMsg string) Response {
	return Response{
		Action: action + "/error",
		ID:     id,
		Body:   map[string]any{"error": errMsg},
	}
}

// okResponse builds an {action}/ok frame.
func okResponse(action string, id any, body any) Response {
	if body == nil {
		body = map[string]any{}
	}
	return Response{Action: action + "/ok", ID: id, Body: body}
}
