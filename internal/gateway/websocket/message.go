// Package websocket pushes bus events to UI clients over WebSocket.
package websocket

import (
	"encoding/json"
	"time"
)

// Message types
const (
	TypeNotification = "notification"
	TypeResponse     = "response"
	TypeError        = "error"
)

// Client actions
const (
	ActionSubscribe   = "task.subscribe"
	ActionUnsubscribe = "task.unsubscribe"
	ActionPing        = "ping"
)

// Message is the envelope of every frame in both directions.
type Message struct {
	ID        string          `json:"id,omitempty"`
	Type      string          `json:"type"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewNotification wraps payload as a server push.
func NewNotification(action string, payload interface{}) (*Message, error) {
	return newMessage("", TypeNotification, action, payload)
}

// NewResponse answers a client request.
func NewResponse(id, action string, payload interface{}) (*Message, error) {
	return newMessage(id, TypeResponse, action, payload)
}

// NewError answers a client request with an error.
func NewError(id, action, message string) (*Message, error) {
	return newMessage(id, TypeError, action, map[string]string{"message": message})
}

func newMessage(id, msgType, action string, payload interface{}) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{ID: id, Type: msgType, Action: action, Payload: raw, Timestamp: time.Now().UTC()}, nil
}

// SubscribeRequest is the payload of task.subscribe and task.unsubscribe
type SubscribeRequest struct {
	TaskID string `json:"taskId"`
}
