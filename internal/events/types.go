// Package events defines the event bus and the events exchanged between the
// network core and the operational components of the daemon.
package events

import "time"

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Peer lifecycle
	EventPeerJoined  EventType = "peer_joined"
	EventPeerLeft    EventType = "peer_left"
	EventChatMessage EventType = "chat_message"

	// Operator actions
	EventBroadcast EventType = "cmd_broadcast"
	EventKick      EventType = "cmd_kick"
	EventBan       EventType = "cmd_ban"

	// Notification events
	EventNotifyMQTT EventType = "notify_mqtt"

	// System events
	EventHeartbeat     EventType = "heartbeat"
	EventConfigChanged EventType = "config_changed"
	EventShutdown      EventType = "shutdown"
)

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// PeerPayload describes a peer joining or leaving.
type PeerPayload struct {
	CorrelationID string    `json:"correlation_id"`
	Name          string    `json:"name"`
	UUID          string    `json:"uuid"`
	Remote        string    `json:"remote"`
	Protocol      string    `json:"protocol"`
	At            time.Time `json:"at"`
}

// ChatMessagePayload is emitted for every relayed chat message.
type ChatMessagePayload struct {
	CorrelationID string    `json:"correlation_id"`
	Sender        string    `json:"sender"`
	Text          string    `json:"text"`
	SentAt        time.Time `json:"sent_at"`
	Delivered     int       `json:"delivered"`
}

// BroadcastPayload requests an announcement to every peer.
type BroadcastPayload struct {
	Text string `json:"text"`
}

// KickPayload requests a session to be closed.
type KickPayload struct {
	CorrelationID uint32 `json:"correlation_id"`
	Reason        string `json:"reason"`
}

// BanPayload is emitted after a ban was stored. Connected peers from the
// address are kicked by the subscriber.
type BanPayload struct {
	IP        string    `json:"ip"`
	Reason    string    `json:"reason"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// NotifyMQTTPayload is published verbatim on an MQTT topic suffix.
type NotifyMQTTPayload struct {
	Topic string      `json:"topic"`
	Data  interface{} `json:"data"`
}

// HeartbeatPayload is emitted periodically by the health manager.
type HeartbeatPayload struct {
	Sessions int       `json:"sessions"`
	Uptime   float64   `json:"uptime_seconds"`
	At       time.Time `json:"at"`
}

// ConfigChangedPayload is emitted when configuration changes occur.
type ConfigChangedPayload struct {
	Section string
	Key     string
	Value   interface{}
}
