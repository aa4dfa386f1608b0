package bus

import "time"

// Event is a domain event published on the bus.
type Event struct {
	Topic   string
	At      time.Time
	Payload any
}

// Topics published by the daemon's pipelines. Subscribers typically listen
// on a prefix such as "chat." or "presence.".
const (
	TopicChatUpdated     = "chat.updated"
	TopicChatPinned      = "chat.pinned"
	TopicContactsUpdated = "contacts.updated"
	TopicPresenceChanged = "presence.changed"
	TopicGroupUpdated    = "group.updated"
	TopicGroupRemoved    = "group.removed"
	TopicStatusChanged   = "session.status_changed"
	TopicRelayConnected  = "relay.connected"
	TopicRelayDropped    = "relay.disconnected"
)
