// Package wire defines the envelope exchanged between the bridge and its
// clients, riding on top of whatever framing the transport provides.
//
// Inbound envelopes (client to server):
//
//	{type: "connect", payload: {payload: {...}, sessionToken: "...", storeToken: "..."}}
//	{type: "load",    payload: {...}}
//	{type: "event",   name: "Counter.bump", ref: "<reply token>", payload: {...}}
//	{type: "reply",   ref: "<correlation ref>", payload: {...}}
//
// Outbound envelopes (server to client):
//
//	{type: "push", name: "<message name>", ref: "<correlation ref or empty>", payload: {...}}
//	{type: "push", name: "done",    payload: {finished: "<reply token>"}}
//	{type: "push", name: "failure", payload: {script: "..."}}
package wire

import (
	"encoding/json"
	"fmt"
)

// Map is the payload shape carried by every envelope.
type Map = map[string]any

// Envelope Type values.
const (
	TypeConnect = "connect"
	TypeLoad    = "load"
	TypeEvent   = "event"
	TypeReply   = "reply"
	TypePush    = "push"
)

// Fixed message names used on the outbound path.
const (
	// NameDone is the completion notice sent after every dispatched
	// invocation, success or failure. Its payload is {finished: <reply token>}.
	NameDone = "done"

	// NameFailure carries a rendered failure notification. It is never
	// correlated.
	NameFailure = "failure"
)

// SenderKey is the payload key under which a signed sender token is merged
// into every server-initiated push.
const SenderKey = "sender"

// Envelope is the single message structure for bridge communication.
type Envelope struct {
	Ref     string          `json:"ref,omitempty"`  // request/response correlation
	Type    string          `json:"type"`           // connect, load, event, reply, push
	Name    string          `json:"name,omitempty"` // handler reference or message name
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope builds an envelope, marshalling payloadData into its Payload
// field. A nil payloadData leaves Payload empty.
func NewEnvelope(ref, typ, name string, payloadData any) (*Envelope, error) {
	var raw json.RawMessage
	if payloadData != nil {
		var err error
		raw, err = json.Marshal(payloadData)
		if err != nil {
			return nil, fmt.Errorf("marshal payload for %s envelope: %w", typ, err)
		}
	}
	return &Envelope{Ref: ref, Type: typ, Name: name, Payload: raw}, nil
}

// DecodePayload unmarshals the envelope payload into v (a pointer). A null or
// absent payload leaves v untouched.
func (e *Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// PayloadMap decodes the envelope payload as a Map. An absent payload yields
// an empty, non-nil map.
func (e *Envelope) PayloadMap() (Map, error) {
	m := Map{}
	if err := e.DecodePayload(&m); err != nil {
		return nil, err
	}
	return m, nil
}

// Done builds the completion-notice envelope for a reply token.
func Done(replyToken string) *Envelope {
	env, _ := NewEnvelope("", TypePush, NameDone, Map{"finished": replyToken})
	return env
}
