// Package protocol defines the ShareDB-compatible WebSocket message types and
// structures used for communication between the client and server. All
// messages are serialized as JSON and follow a consistent envelope format
// with an action discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Action constants
// ---------------------------------------------------------------------------

// Client -> Server actions.
const (
	ActionHandshake   = "hs"
	ActionFetch       = "f"
	ActionSubscribe   = "s"
	ActionUnsubscribe = "us"
	ActionOp          = "op"
	ActionPresence    = "p"
	ActionPresencePing = "pp"
)

// Server -> Client actions mirror the client actions they answer, plus a
// dedicated error action.
const (
	ActionError = "error"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the action discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message action and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Action string          `json:"a"`
	Raw    json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "a" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Action string `json:"a"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Action == "" {
		return fmt.Errorf("protocol: missing or empty \"a\" field")
	}
	e.Action = partial.Action
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// HandshakeMsg opens a protocol session.
type HandshakeMsg struct {
	Action string `json:"a"`
}

// FetchMsg requests the current snapshot of a document without subscribing
// to future changes.
type FetchMsg struct {
	Action     string `json:"a"`
	Collection string `json:"c"`
	DocID      string `json:"d"`
}

// SubscribeMsg requests the current snapshot of a document and subscribes to
// its future operations.
type SubscribeMsg struct {
	Action     string `json:"a"`
	Collection string `json:"c"`
	DocID      string `json:"d"`
}

// UnsubscribeMsg cancels a prior subscription.
type UnsubscribeMsg struct {
	Action     string `json:"a"`
	Collection string `json:"c"`
	DocID      string `json:"d"`
}

// OpMsg submits a JSON0 operation, a create, or a delete against a document.
type OpMsg struct {
	Action     string          `json:"a"`
	Collection string          `json:"c"`
	DocID      string          `json:"d"`
	Version    int64           `json:"v"`
	Op         json.RawMessage `json:"op,omitempty"`
	Create     json.RawMessage `json:"create,omitempty"`
	Del        bool            `json:"del,omitempty"`
	Seq        int64           `json:"seq,omitempty"`
}

// PresenceMsg submits a client's presence payload for a channel.
type PresenceMsg struct {
	Action     string      `json:"a"`
	Collection string      `json:"c"`
	DocID      string      `json:"d"`
	Data       interface{} `json:"presence"`
}

// PresencePingMsg refreshes a previously submitted presence record without
// changing its data.
type PresencePingMsg struct {
	Action     string `json:"a"`
	Collection string `json:"c"`
	DocID      string `json:"d"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// HandshakeReplyMsg confirms a handshake and assigns the connection ID.
type HandshakeReplyMsg struct {
	Action   string `json:"a"`
	Protocol int    `json:"protocol"`
	Type     string `json:"type"`
	ID       string `json:"id"`
}

// SnapshotReplyMsg answers a fetch or subscribe with the current document
// state. When the document does not yet exist, Data is the empty skeleton
// {"data": {}} and Version is 0.
type SnapshotReplyMsg struct {
	Action     string      `json:"a"`
	Collection string      `json:"c"`
	DocID      string      `json:"d"`
	Data       interface{} `json:"data"`
	Version    int64       `json:"v"`
}

// OpReplyMsg relays a committed operation to a subscriber, or acknowledges the
// submitter's own operation.
type OpReplyMsg struct {
	Action     string          `json:"a"`
	Collection string          `json:"c"`
	DocID      string          `json:"d"`
	Version    int64           `json:"v"`
	Op         json.RawMessage `json:"op,omitempty"`
	Create     json.RawMessage `json:"create,omitempty"`
	Del        bool            `json:"del,omitempty"`
	Src        string          `json:"src,omitempty"`
	Seq        int64           `json:"seq,omitempty"`
}

// PresenceReplyMsg broadcasts the merged, TTL-filtered presence set for a
// channel: every currently-present client ID mapped to its last-submitted
// presence data.
type PresenceReplyMsg struct {
	Action     string                 `json:"a"`
	Collection string                 `json:"c"`
	DocID      string                 `json:"d"`
	Presence   map[string]interface{} `json:"presence"`
}

// ErrorMsg is sent by the server to communicate an error condition without
// closing the socket.
type ErrorMsg struct {
	Action     string `json:"a"`
	Collection string `json:"c,omitempty"`
	DocID      string `json:"d,omitempty"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

// WireError is a protocol-level error carrying the code sent to the client.
type WireError struct {
	Code    string
	Message string
}

func (e *WireError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Well-known error codes returned to clients over the wire.
const (
	ErrMalformedMessage  = "MALFORMED_MESSAGE"
	ErrUnknownAction     = "UNKNOWN_ACTION"
	ErrOperationInvalid  = "OPERATION_INVALID"
	ErrNonRecordOp       = "NON_RECORD_OP"
	ErrRateLimited       = "RATE_LIMITED"
	ErrServerError       = "SERVER_ERROR"
)

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the action string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown action types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Action {
	case ActionHandshake:
		var m HandshakeMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case ActionFetch:
		var m FetchMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case ActionSubscribe:
		var m SubscribeMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case ActionUnsubscribe:
		var m UnsubscribeMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case ActionOp:
		var m OpMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case ActionPresence:
		var m PresenceMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case ActionPresencePing:
		var m PresencePingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Action, nil, fmt.Errorf("protocol: unknown action: %q", env.Action)
	}

	if err != nil {
		return env.Action, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Action, err)
	}
	return env.Action, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The action is injected into the payload under the "a" key. The payload
// should be one of the above reply structs; this function marshals it to
// JSON, injects the action field, and returns the final bytes.
func NewServerMessage(action string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["a"] = action

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
