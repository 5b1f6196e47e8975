package process

import (
	"encoding/json"
	"time"
)

// EventType tags one record of the execute stream.
type EventType string

const (
	EventStdout EventType = "stdout"
	EventStderr EventType = "stderr"
	EventExit   EventType = "exit"
)

// Event is one record of a session's output. Code is only meaningful for
// exit events; nil means the process was terminated by a signal.
type Event struct {
	Type EventType `json:"type"`
	Data string    `json:"data,omitempty"`
	Code *int      `json:"code,omitempty"`
}

// MarshalJSON always writes "code" on exit events so a signaled exit is
// encoded as null rather than omitted.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Type != EventExit {
		type plain Event
		return json.Marshal(plain(e))
	}
	return json.Marshal(struct {
		Type EventType `json:"type"`
		Code *int      `json:"code"`
	}{Type: e.Type, Code: e.Code})
}

// ExitEvent builds an exit record.
func ExitEvent(code *int) Event {
	return Event{Type: EventExit, Code: code}
}

// IntPtr returns a pointer to code.
func IntPtr(code int) *int {
	return &code
}

// Mode is the execution privilege level of a session.
type Mode string

const (
	ModeAsk        Mode = "ask"
	ModeAgent      Mode = "agent"
	ModeFullAccess Mode = "full-access"
)

// ParseMode maps the empty string to agent and rejects unknown modes.
func ParseMode(s string) (Mode, bool) {
	switch Mode(s) {
	case "":
		return ModeAgent, true
	case ModeAsk, ModeAgent, ModeFullAccess:
		return Mode(s), true
	}
	return "", false
}

// StartOptions configures one session.
type StartOptions struct {
	Mode      Mode
	Model     string
	WorkDir   string
	PrePrompt string
	Env       map[string]string
}

// StopResult reports what Stop did.
type StopResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// SessionInfo is a point-in-time view of the active session.
type SessionInfo struct {
	ID           string    `json:"sessionId"`
	PID          int       `json:"pid,omitempty"`
	Mode         Mode      `json:"mode"`
	StartedAt    time.Time `json:"startedAt"`
	StdoutBytes  int64     `json:"stdoutBytes"`
	StderrBytes  int64     `json:"stderrBytes"`
	RecentStdout string    `json:"recentStdout,omitempty"` // retained tail only
	RecentStderr string    `json:"recentStderr,omitempty"`
}
