// Package streaming defines the JSON wire protocol spoken between document
// store clients and servers over a WebSocket.
package streaming

import (
	"encoding/json"

	"github.com/OCAP2/worldmap/pkg/core"
)

// Message type constants matching the streaming protocol.
const (
	TypeSubscribe    = "subscribe"
	TypeUnsubscribe  = "unsubscribe"
	TypeSnapshot     = "snapshot"
	TypeMerge        = "merge"
	TypeAppendUnique = "append_unique"
	TypeRead         = "read"
	TypeWrite        = "write"
	TypeAck          = "ack"
	TypeError        = "error"
)

// Error codes a server may put in an ErrorPayload.
const (
	CodePermissionDenied = "permission-denied"
	CodeInvalidArgument  = "invalid-argument"
	CodeUnauthenticated  = "unauthenticated"
	CodeUnavailable      = "unavailable"
	CodeInternal         = "internal"
)

// Envelope wraps all messages sent over the WebSocket. ID correlates a
// request with its ack or error; snapshot pushes carry the subscribe ID.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Path    string          `json:"path,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MergePayload is a partial document. Fields absent from the JSON object are
// left untouched; an explicit null clears the field.
type MergePayload struct {
	Fields map[string]json.RawMessage `json:"fields"`
}

// AppendUniquePayload appends Element to the array Field unless an element
// with the same id is already present.
type AppendUniquePayload struct {
	Field   string              `json:"field"`
	Element core.LocationMarker `json:"element"`
}

// DocumentPayload carries a full document for snapshot, read and write.
type DocumentPayload struct {
	Data core.MapData `json:"data"`
}

// ErrorPayload is the body of an error message.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// New builds an envelope, marshaling payload when it is not nil.
func New(typ, id, path string, payload any) (Envelope, error) {
	env := Envelope{Type: typ, ID: id, Path: path}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	env.Payload = raw
	return env, nil
}
