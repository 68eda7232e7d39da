// Package events decodes realtime channel messages into typed notifications
// and routes them to subscribers.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventType is the discriminant carried in every message's "type" field.
type EventType string

// Wildcard subscribers receive every notification.
const Wildcard EventType = "*"

// Inbound types.
const (
	TypeConnected        EventType = "connected"
	TypeDialogUpdate     EventType = "dialog_update"
	TypeTaskUpdate       EventType = "task_update"
	TypeCodegenProgress  EventType = "codegen_progress"
	TypeDeploymentStatus EventType = "deployment_status"
	TypeSystem           EventType = "system"
	TypePong             EventType = "pong"
	TypeSubscribed       EventType = "subscribed"
	TypeStatus           EventType = "status"
	TypeError            EventType = "error"
)

// Outbound types.
const (
	TypePing      EventType = "ping"
	TypeSubscribe EventType = "subscribe"
	TypeGetStatus EventType = "get_status"
)

var (
	ErrMalformed   = errors.New("malformed notification")
	ErrMissingType = errors.New("notification has no type")
)

// Notification is one decoded inbound message. Payload holds the typed
// variant for Type; Raw keeps the original bytes.
type Notification struct {
	Type      EventType
	SessionID string
	Timestamp time.Time
	Payload   Payload
	Raw       json.RawMessage
}

// Payload is implemented by every notification variant.
type Payload interface {
	eventType() EventType
}

// Connected is sent by the server when a channel is accepted.
type Connected struct {
	SessionID string `json:"session_id"`
}

// DialogUpdate reports a server-side dialog state change.
type DialogUpdate struct {
	State string         `json:"state"`
	Data  map[string]any `json:"data"`
}

// TaskUpdate reports a task status change.
type TaskUpdate struct {
	TaskID   string `json:"task_id"`
	Status   string `json:"status"`
	Progress *int   `json:"progress,omitempty"`
}

// CodegenProgress is a code generation progress hint.
type CodegenProgress struct {
	Progress int    `json:"progress"`
	Message  string `json:"message"`
}

// DeploymentStatus reports a deployment lifecycle change.
type DeploymentStatus struct {
	DeploymentID string `json:"deployment_id"`
	Status       string `json:"status"`
	Message      string `json:"message"`
}

// SystemBroadcast is a process-wide message with a severity level.
type SystemBroadcast struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// Pong answers a keep-alive ping.
type Pong struct{}

// Subscribed acknowledges a subscribe request.
type Subscribed struct {
	Events []string `json:"events"`
}

// ChannelStatus answers get_status.
type ChannelStatus struct {
	ConnectionCount int `json:"connection_count"`
}

// ServerError is an error message produced by the server for a bad request.
type ServerError struct {
	Message string `json:"message"`
}

// Unknown carries a notification whose type is not recognized.
type Unknown struct {
	Type EventType
}

func (Connected) eventType() EventType        { return TypeConnected }
func (DialogUpdate) eventType() EventType     { return TypeDialogUpdate }
func (TaskUpdate) eventType() EventType       { return TypeTaskUpdate }
func (CodegenProgress) eventType() EventType  { return TypeCodegenProgress }
func (DeploymentStatus) eventType() EventType { return TypeDeploymentStatus }
func (SystemBroadcast) eventType() EventType  { return TypeSystem }
func (Pong) eventType() EventType             { return TypePong }
func (Subscribed) eventType() EventType       { return TypeSubscribed }
func (ChannelStatus) eventType() EventType    { return TypeStatus }
func (ServerError) eventType() EventType      { return TypeError }
func (u Unknown) eventType() EventType        { return u.Type }

type envelope struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Timestamp string    `json:"timestamp"`
}

// Parse decodes a raw channel message.
func Parse(raw []byte) (Notification, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Notification{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if env.Type == "" {
		return Notification{}, ErrMissingType
	}
	if env.Type == Wildcard {
		return Notification{}, fmt.Errorf("%w: reserved type %q", ErrMalformed, env.Type)
	}

	n := Notification{
		Type:      env.Type,
		SessionID: env.SessionID,
		Timestamp: parseTimestamp(env.Timestamp),
		Raw:       append(json.RawMessage(nil), raw...),
	}

	var err error
	switch env.Type {
	case TypeConnected:
		n.Payload, err = decode[Connected](raw)
	case TypeDialogUpdate:
		n.Payload, err = decode[DialogUpdate](raw)
	case TypeTaskUpdate:
		n.Payload, err = decode[TaskUpdate](raw)
	case TypeCodegenProgress:
		n.Payload, err = decode[CodegenProgress](raw)
	case TypeDeploymentStatus:
		n.Payload, err = decode[DeploymentStatus](raw)
	case TypeSystem:
		n.Payload, err = decode[SystemBroadcast](raw)
	case TypePong:
		n.Payload = Pong{}
	case TypeSubscribed:
		n.Payload, err = decode[Subscribed](raw)
	case TypeStatus:
		n.Payload, err = decode[ChannelStatus](raw)
	case TypeError:
		n.Payload, err = decode[ServerError](raw)
	default:
		n.Payload = Unknown{Type: env.Type}
	}
	if err != nil {
		return Notification{}, fmt.Errorf("%w: %s payload: %w", ErrMalformed, env.Type, err)
	}
	return n, nil
}

func decode[T Payload](raw []byte) (Payload, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Servers may omit the zone; accept both forms.
func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// Ping is the keep-alive message.
type Ping struct {
	Type EventType `json:"type"`
}

// NewPing returns a keep-alive message.
func NewPing() Ping {
	return Ping{Type: TypePing}
}

// Subscribe asks the server to deliver the listed event types.
type Subscribe struct {
	Type   EventType   `json:"type"`
	Events []EventType `json:"events"`
}

// NewSubscribe returns a subscribe message for types.
func NewSubscribe(types ...EventType) Subscribe {
	return Subscribe{Type: TypeSubscribe, Events: types}
}

// GetStatus asks the server for channel statistics; answered by a status
// notification.
type GetStatus struct {
	Type EventType `json:"type"`
}

// NewGetStatus returns a get_status message.
func NewGetStatus() GetStatus {
	return GetStatus{Type: TypeGetStatus}
}
