package gid

import (
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	// Tags a flow: the bidirectional conversation record keyed by 5-tuple.
	FlowTag = "flo"
	// Tags a single TCP connection (a pair of uni-directional streams).
	ConnectionTag = "cxn"
	// Tags an anomaly event raised against a packet.
	EventTag = "evt"
)

type tagToIDConstructor func(uuid.UUID) ID

var idConstructorMap = map[string]tagToIDConstructor{
	FlowTag:       func(id uuid.UUID) ID { return NewFlowID(id) },
	ConnectionTag: func(id uuid.UUID) ID { return NewConnectionID(id) },
	EventTag:      func(id uuid.UUID) ID { return NewEventID(id) },
}

func parseIDParts(str string) (string, uuid.UUID, error) {
	parts := strings.Split(str, "_")
	if len(parts) != 2 {
		return "", uuid.Nil, errors.New("invalid GID structure")
	}
	idPart, err := decodeUUID(parts[1])
	if err != nil {
		return "", uuid.Nil, errors.Wrap(err, "invalid unique id part of GID")
	}
	return parts[0], idPart, nil
}

func ParseID(str string) (ID, error) {
	tagName, uniquePart, err := parseIDParts(str)
	if err != nil {
		return nil, err
	}

	constructor := idConstructorMap[tagName]
	if constructor == nil {
		return nil, errors.Errorf("no known gid for tag %s", tagName)
	}

	return constructor(uniquePart), nil
}

func ParseIDAs(str string, destID interface{}) error {
	id, err := ParseID(str)
	if err != nil {
		return errors.Wrapf(err, "parse ID failed: %s", str)
	}
	return assignTo(id, destID)
}

// FlowID uniquely identifies a flow (TCP or UDP) for the lifetime the flow
// manager keeps it around. It is not derived from the 5-tuple because
// 5-tuples get reused.
type FlowID struct {
	baseID
}

func (FlowID) GetType() string {
	return FlowTag
}

func (id FlowID) String() string {
	return String(id)
}

func NewFlowID(id uuid.UUID) FlowID {
	return FlowID{baseID(id)}
}

func GenerateFlowID() FlowID {
	return NewFlowID(uuid.New())
}

func (id FlowID) MarshalText() ([]byte, error) {
	return toText(id)
}

func (id *FlowID) UnmarshalText(data []byte) error {
	return fromText(id, data)
}

// ConnectionID uniquely identifies a pair of uni-directional TCP streams
// as a specific interaction between two hosts at a particular time, unlike
// the ip/port 5-tuple which may be reused across connections.
type ConnectionID struct {
	baseID
}

func (ConnectionID) GetType() string {
	return ConnectionTag
}

func (id ConnectionID) String() string {
	return String(id)
}

func NewConnectionID(id uuid.UUID) ConnectionID {
	return ConnectionID{baseID(id)}
}

func GenerateConnectionID() ConnectionID {
	return NewConnectionID(uuid.New())
}

func (id ConnectionID) MarshalText() ([]byte, error) {
	return toText(id)
}

func (id *ConnectionID) UnmarshalText(data []byte) error {
	return fromText(id, data)
}

// EventID uniquely identifies one raised anomaly event, for correlation in
// logs and in the EventSink.
type EventID struct {
	baseID
}

func (EventID) GetType() string {
	return EventTag
}

func (id EventID) String() string {
	return String(id)
}

func NewEventID(id uuid.UUID) EventID {
	return EventID{baseID(id)}
}

func GenerateEventID() EventID {
	return NewEventID(uuid.New())
}

func (id EventID) MarshalText() ([]byte, error) {
	return toText(id)
}

func (id *EventID) UnmarshalText(data []byte) error {
	return fromText(id, data)
}
