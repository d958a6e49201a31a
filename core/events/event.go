package events

import "github.com/agustin125/securitize-smart-contracts/core/types"

// Event is a marketplace state change reported after a successful commit.
type Event interface {
	EventType() string
}

// Payload is implemented by events that can render their wire form.
type Payload interface {
	Event
	Event() *types.Event
}

// Emitter receives events from the escrow engine.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter discards every event.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Multi fans each event out to every non-nil emitter in order.
type Multi []Emitter

// Emit implements the Emitter interface.
func (m Multi) Emit(evt Event) {
	for _, emitter := range m {
		if emitter != nil {
			emitter.Emit(evt)
		}
	}
}
