package engine

import (
	"time"

	"sprayd/tagcache"
)

// EventType identifies the kind of event emitted by the Engine.
type EventType int

const (
	// Tag events
	EventTagUpdated EventType = iota + 1
	EventTagWritten

	// Hardware events
	EventPLCConnected
	EventPLCDisconnected
	EventFeederConnected
	EventFeederDisconnected

	// Poll loop events
	EventPollStarted
	EventPollStopped

	// Spray process events
	EventSprayStarted
	EventSprayFinished

	// System events
	EventConfigReloaded
	EventHealthChanged
)

// Event is the envelope emitted by the Engine's EventBus.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   interface{}
}

// TagEvent is the payload for tag update/write events.
type TagEvent struct {
	Path  string
	Value tagcache.TagValue
}

// HardwareEvent is the payload for hardware connection events.
type HardwareEvent struct {
	Device string
}

// SprayEvent is the payload for spray start/finish events.
type SprayEvent struct {
	SessionID  int64
	MainFlow   float64
	FeederFlow float64
}

// HealthEvent is the payload for composite health transitions.
type HealthEvent struct {
	OK bool
}
