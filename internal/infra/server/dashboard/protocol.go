// Package dashboard serves the live WebSocket surface: event fanout to
// connected dashboards plus the ack-style runtime-subscription RPC.
package dashboard

import (
	json "github.com/goccy/go-json"

	"github.com/featherwire/aviary/internal/app/engine"
	"github.com/featherwire/aviary/internal/domain/schema"
)

// Message types carried on the wire. Server-initiated pushes use MsgEvent,
// MsgState and MsgSubscriptionUpdated; the two RPC types echo back on the
// response with the request id.
const (
	MsgEvent               = "event"
	MsgState               = "state"
	MsgSubscriptionUpdated = "runtimeSubscriptionUpdated"

	MsgGetRuntimeSubscription = "getRuntimeSubscription"
	MsgSetRuntimeSubscription = "setRuntimeSubscription"
)

// Control-plane error strings. These are protocol, not prose: clients match
// on them verbatim.
const (
	ErrSocketNotConnected = "Socket not connected"
	ErrCoreNotInitialized = "StreamCore not initialized"
)

// Envelope frames every message in both directions. ID is set on RPC requests
// and echoed on their responses; pushes leave it empty.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Ack is the response payload for both RPC types: Success+Data on the happy
// path, Error alone on rejection.
type Ack struct {
	Success bool            `json:"success,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// SetSubscriptionRequest is the payload of a setRuntimeSubscription request.
type SetSubscriptionRequest struct {
	Channels []string `json:"channels"`
	Users    []string `json:"users"`
}

// StatePayload is pushed once per connection so a fresh dashboard can render
// without waiting for live traffic.
type StatePayload struct {
	Events []schema.Event `json:"events"`
	Stats  engine.Stats   `json:"stats"`
}

func marshalEnvelope(msgType, id string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = encoded
	}
	return json.Marshal(Envelope{Type: msgType, ID: id, Payload: raw})
}

func successAck(data any) (Ack, error) {
	encoded, err := json.Marshal(data)
	if err != nil {
		return Ack{}, err
	}
	return Ack{Success: true, Data: encoded, Error: ""}, nil
}

func errorAck(message string) Ack {
	return Ack{Success: false, Data: nil, Error: message}
}
