// Package protocol defines the JSON events exchanged over a channel
// connection.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Event names.
const (
	EventOpenChannel           = "open-channel"
	EventConnectChannel        = "connect-channel"
	EventRequestAccess         = "request-access"
	EventAccessGranted         = "access-granted"
	EventAccessDenied          = "access-denied"
	EventUserAccessRequest     = "user-access-request"
	EventAccessRequestResolved = "access-request-resolved"
	EventGrantAccess           = "grant-access"
	EventRejectAccess          = "reject-access"
	EventUpdateCanvas          = "update-canvas"
	EventSyncCanvas            = "sync-canvas"
	EventError                 = "error"

	// Plain content path kept for older clients. It carries whole documents
	// and has no conflict resolution.
	EventJoinChannel    = "join-channel"
	EventLeaveChannel   = "leave-channel"
	EventSendContent    = "send-content"
	EventReceiveContent = "receive-content"
	EventGetContent     = "get-content"
	EventLoadContent    = "load-content"
)

// Envelope is one websocket frame.
type Envelope struct {
	Event     string          `json:"event"`
	ChannelID string          `json:"channelId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the envelope payload into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: missing data", e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%s: %w", e.Event, err)
	}
	return nil
}

// Marshal builds a frame. A nil data is omitted.
func Marshal(event, channelID string, data any) ([]byte, error) {
	env := Envelope{Event: event, ChannelID: channelID}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", event, err)
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

// Parse decodes a frame.
func Parse(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return env, fmt.Errorf("parse frame: %w", err)
	}
	if env.Event == "" {
		return env, fmt.Errorf("parse frame: missing event")
	}
	return env, nil
}

// OpenChannel asks to be admitted to a channel.
type OpenChannel struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
	Intent   string `json:"intent,omitempty"`
}

// AccessRequest notifies members of a pending request.
type AccessRequest struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
}

// AccessDecision resolves a pending request.
type AccessDecision struct {
	UserID string `json:"userId"`
}

// AccessResolved tells members that a request left the queue.
type AccessResolved struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

type Content struct {
	Content string `json:"content"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
