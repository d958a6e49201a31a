package types

import "maps"

// Event is the wire form of a marketplace event: a stable type string plus
// flat string attributes (addresses as checksummed hex, amounts as decimal).
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Attr returns the named attribute or the empty string.
func (e *Event) Attr(key string) string {
	if e == nil {
		return ""
	}
	return e.Attributes[key]
}

// Clone returns a deep copy of the event.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	return &Event{Type: e.Type, Attributes: maps.Clone(e.Attributes)}
}
