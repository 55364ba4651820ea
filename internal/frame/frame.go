package frame

import (
	"bytes"
	"encoding/binary"
	"strconv"
)

const (
	TimestampSize = 8
	OrdinalSize   = 4
	PayloadSize   = 1028
	HeaderSize    = TimestampSize + OrdinalSize

	// Size is the length of one frame on the wire.
	Size = HeaderSize + PayloadSize
)

// EventType is the closed set of event kinds a frame can carry.
type EventType int

const (
	TimedEvent EventType = iota
	StateEvent
	ProcessEvent
	ComponentEvent
	SelfLoggableInit
	SelfLoggableEvent
	EndOfReport
	Unknown
)

// Types lists every EventType in ordinal order, Unknown last.
var Types = []EventType{
	TimedEvent,
	StateEvent,
	ProcessEvent,
	ComponentEvent,
	SelfLoggableInit,
	SelfLoggableEvent,
	EndOfReport,
	Unknown,
}

var typeNames = [...]string{
	TimedEvent:        "timed_event",
	StateEvent:        "state_event",
	ProcessEvent:      "process_event",
	ComponentEvent:    "component_event",
	SelfLoggableInit:  "self_loggable_init",
	SelfLoggableEvent: "self_loggable_event",
	EndOfReport:       "end_of_report",
	Unknown:           "invalid",
}

func (t EventType) String() string {
	if t < TimedEvent || t > Unknown {
		return "EventType(" + strconv.Itoa(int(t)) + ")"
	}
	return typeNames[t]
}

// TypeOf maps a wire ordinal to its EventType.
func TypeOf(ordinal int32) EventType {
	if ordinal < 0 || ordinal >= int32(Unknown) {
		return Unknown
	}
	return EventType(ordinal)
}

// ParseType returns the EventType with the given name or its decimal
// ordinal. Unknown has no ordinal of its own and is not accepted.
func ParseType(s string) (EventType, bool) {
	for _, t := range Types[:Unknown] {
		if s == typeNames[t] {
			return t, true
		}
	}
	if n, err := strconv.Atoi(s); err == nil && n >= 0 && n < int(Unknown) {
		return EventType(n), true
	}
	return Unknown, false
}

// Frame is one decoded event.
type Frame struct {
	Timestamp int64
	Ordinal   int32 // raw ordinal as read from the wire
	Type      EventType
	Payload   []byte
	Truncated bool // stream ended inside this frame
}

// parse decodes a complete frame. buf must hold exactly Size bytes.
func parse(buf []byte) Frame {
	ordinal := int32(binary.LittleEndian.Uint32(buf[TimestampSize:HeaderSize]))
	return Frame{
		Timestamp: int64(binary.LittleEndian.Uint64(buf[:TimestampSize])),
		Ordinal:   ordinal,
		Type:      TypeOf(ordinal),
		Payload:   payload(buf[HeaderSize:]),
	}
}

// truncated builds the frame yielded for a partial trailing frame.
func truncated(buf []byte) Frame {
	f := Frame{Ordinal: -1, Type: Unknown, Truncated: true}
	if len(buf) >= TimestampSize {
		f.Timestamp = int64(binary.LittleEndian.Uint64(buf[:TimestampSize]))
	}
	if len(buf) > HeaderSize {
		f.Payload = payload(buf[HeaderSize:])
	}
	return f
}

func payload(raw []byte) []byte {
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		raw = raw[:i]
	}
	return bytes.Clone(bytes.TrimSpace(raw))
}

// Encode builds the wire form of a frame. Payloads longer than PayloadSize
// are cut.
func Encode(timestamp int64, ordinal int32, payload string) []byte {
	buf := make([]byte, Size)
	binary.LittleEndian.PutUint64(buf[:TimestampSize], uint64(timestamp))
	binary.LittleEndian.PutUint32(buf[TimestampSize:HeaderSize], uint32(ordinal))
	copy(buf[HeaderSize:], payload)
	return buf
}
