package appstate

import "github.com/kestrelnet/dpiflow/gid"

// EventKind enumerates the anomaly events the dispatch core can raise. These
// are diagnostic, not errors: raising one never by itself changes a
// dispatch call's return value (spec.md §7).
type EventKind int

const (
	// Detection disagreed between directions: this direction just detected
	// a protocol that differs from what the other direction already
	// settled on.
	EventMismatchProtocolBothDirections EventKind = iota

	// A parser declared a required first-data direction, and the direction
	// that actually carried the first bytes doesn't satisfy it.
	EventWrongDirectionFirstData

	// Only one direction of the flow ever yielded a protocol; the other
	// direction exhausted every detection strategy without matching.
	EventDetectProtocolOnlyOneDirection
)

func (k EventKind) String() string {
	switch k {
	case EventMismatchProtocolBothDirections:
		return "MISMATCH_PROTOCOL_BOTH_DIRECTIONS"
	case EventWrongDirectionFirstData:
		return "WRONG_DIRECTION_FIRST_DATA"
	case EventDetectProtocolOnlyOneDirection:
		return "DETECT_PROTOCOL_ONLY_ONE_DIRECTION"
	default:
		return "UNKNOWN_EVENT"
	}
}

// Event is an anomaly event attached to the packet that triggered it, not to
// the flow — spec.md §3 "Events" is explicit that these are per-packet.
type Event struct {
	ID   gid.EventID
	Kind EventKind
}

// EventSink accepts anomaly events discovered while dispatching a packet.
// The default implementation (DefaultEventSink) just appends to the packet's event
// list, matching AppLayerDecoderEventsSetEventRaw; it is an interface here so
// tests can observe exactly which events a scenario raises.
type EventSink interface {
	Raise(events *[]Event, kind EventKind)
}

type defaultEventSink struct{}

// DefaultEventSink is the EventSink used when none is supplied to a
// dispatcher constructor.
var DefaultEventSink EventSink = defaultEventSink{}

func (defaultEventSink) Raise(events *[]Event, kind EventKind) {
	*events = append(*events, Event{
		ID:   gid.GenerateEventID(),
		Kind: kind,
	})
}
