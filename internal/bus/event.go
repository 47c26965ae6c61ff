package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the core. Subscribers filter on the prefix
// before the dot.
const (
	KindSessionRegistered   = "session.registered"
	KindSessionUnregistered = "session.unregistered"
	KindPresenceChanged     = "presence.changed"
	KindMessageStatus       = "message.status_changed"
	KindMessagePersistFail  = "message.persist_failed"
	KindCallState           = "call.state_changed"
	KindDaemonStatus        = "daemon.status_changed"
	// KindOutboundPrefix prefixes every frame pushed to a session, e.g.
	// "out.typingChanged".
	KindOutboundPrefix = "out."
)
