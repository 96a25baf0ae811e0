// Package events defines event types and payloads for the TeeBridge event system.
package events

import "time"

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Session lifecycle events
	EventSessionCreated   EventType = "session_created"
	EventSessionDestroyed EventType = "session_destroyed"
	EventSessionRefused   EventType = "session_refused"
	EventBackendState     EventType = "backend_state"

	// Traffic events
	EventChatMessage EventType = "chat_message"

	// Admin events
	EventKick EventType = "cmd_kick"

	// System events
	EventConfigChanged EventType = "config_changed"
	EventShutdown      EventType = "shutdown"
)

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// SessionPayload describes a session that was created or destroyed.
type SessionPayload struct {
	FakeID     int64         `json:"fake_id"`
	RealID     int           `json:"real_id"`
	ClientAddr string        `json:"client_addr"`
	Target     string        `json:"target"`
	Variant    string        `json:"variant"`
	Reason     string        `json:"reason,omitempty"` // destroy reason, empty on create
	ChunksUp   uint64        `json:"chunks_up"`
	ChunksDown uint64        `json:"chunks_down"`
	Duration   time.Duration `json:"duration"`
}

// SessionRefusedPayload is emitted when a connecting client cannot get a session.
type SessionRefusedPayload struct {
	RealID     int    `json:"real_id"`
	ClientAddr string `json:"client_addr"`
	Error      string `json:"error"`
}

// BackendStatePayload is emitted when a backend connection changes state.
type BackendStatePayload struct {
	FakeID int64  `json:"fake_id"`
	RealID int    `json:"real_id"`
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// ChatMessagePayload carries a chat message observed on its way to the server.
type ChatMessagePayload struct {
	FakeID int64     `json:"fake_id"`
	RealID int       `json:"real_id"`
	Kind   string    `json:"kind"` // "say" or "whisper"
	Text   string    `json:"text"`
	At     time.Time `json:"at"`
}

// KickPayload requests that a real client be disconnected.
type KickPayload struct {
	RealID int    `json:"real_id"`
	Reason string `json:"reason"`
}

// ConfigChangedPayload is emitted when configuration changes occur.
type ConfigChangedPayload struct {
	Section string      `json:"section"`
	Key     string      `json:"key"`
	Value   interface{} `json:"value"`
}
