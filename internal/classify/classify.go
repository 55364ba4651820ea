// Package classify maps decoded frames to the CSV line they produce and the
// stream that receives it.
package classify

import (
	"bytes"
	"strconv"
	"strings"

	"rtreporter/internal/frame"
)

// MainStream is the logical name of the stream named after the subject.
const MainStream = "main"

// Kind says what the pipeline must do with a classified frame.
type Kind int

const (
	WriteLine Kind = iota
	OpenStream
	Terminate
	Drop
)

func (k Kind) String() string {
	switch k {
	case WriteLine:
		return "write_line"
	case OpenStream:
		return "open_stream"
	case Terminate:
		return "terminate"
	case Drop:
		return "drop"
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Action is the result of classifying one frame.
type Action struct {
	Kind   Kind
	Stream string // target stream for WriteLine, new stream name for OpenStream
	Line   string // CSV line without record terminator
	Type   frame.EventType
	// Invalid is set when the line was written with the "invalid" tag.
	Invalid bool
}

var (
	clockActions   = []string{"clock_start", "clock_pause", "clock_resume", "clock_reset"}
	processActions = []string{"task_started", "task_finished", "checkpoint_reached"}
)

// Classifier is safe for concurrent use; it holds no state besides options.
type Classifier struct {
	// Strict turns payloads that do not follow the grammar of their event
	// type into invalid lines.
	Strict bool
}

// Classify is total: every frame yields exactly one Action.
func (c Classifier) Classify(f frame.Frame) Action {
	payload := sanitize(f.Payload)
	ts := strconv.FormatInt(f.Timestamp, 10)

	if f.Truncated {
		return invalid(ts, f.Type, payload)
	}

	switch f.Type {
	case frame.TimedEvent:
		return c.mainLine(ts, f.Type, payload, validTimed)
	case frame.StateEvent:
		return c.mainLine(ts, f.Type, payload, validState)
	case frame.ProcessEvent:
		return c.mainLine(ts, f.Type, payload, validProcess)
	case frame.ComponentEvent:
		return c.mainLine(ts, f.Type, payload, validComponent)
	case frame.SelfLoggableInit:
		if payload == "" {
			return Action{Kind: Drop, Type: f.Type}
		}
		return Action{Kind: OpenStream, Stream: payload, Type: f.Type}
	case frame.SelfLoggableEvent:
		stream, body, ok := strings.Cut(payload, ",")
		if !ok || stream == "" {
			return invalid(ts, f.Type, payload)
		}
		return Action{Kind: WriteLine, Stream: stream, Line: ts + "," + body, Type: f.Type}
	case frame.EndOfReport:
		return Action{Kind: Terminate, Type: f.Type}
	case frame.Unknown:
		return invalid(ts, f.Type, payload)
	}
	return invalid(ts, frame.Unknown, payload)
}

func (c Classifier) mainLine(ts string, t frame.EventType, payload string, valid func(string) bool) Action {
	if c.Strict && !valid(payload) {
		return invalid(ts, t, payload)
	}
	return Action{Kind: WriteLine, Stream: MainStream, Line: ts + "," + t.String() + "," + payload, Type: t}
}

func invalid(ts string, t frame.EventType, payload string) Action {
	return Action{
		Kind:    WriteLine,
		Stream:  MainStream,
		Line:    ts + "," + frame.Unknown.String() + "," + payload,
		Type:    t,
		Invalid: true,
	}
}

// sanitize keeps one frame on one line. Other bytes pass through untouched.
func sanitize(p []byte) string {
	if bytes.IndexAny(p, "\r\n") < 0 {
		return string(p)
	}
	b := bytes.Clone(p)
	for i, c := range b {
		if c == '\n' || c == '\r' {
			b[i] = ' '
		}
	}
	return string(b)
}

func oneOf(s string, set []string) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

func validTimed(p string) bool {
	fields := strings.Split(p, ",")
	return len(fields) == 2 && oneOf(fields[0], clockActions) && fields[1] != ""
}

func validState(p string) bool {
	fields := strings.SplitN(p, ",", 3)
	return len(fields) == 3 && fields[0] == "variable_value_assigned" && fields[1] != ""
}

func validProcess(p string) bool {
	action, name, ok := strings.Cut(p, ",")
	return ok && oneOf(action, processActions) && name != ""
}

func validComponent(p string) bool {
	fields := strings.SplitN(p, ",", 3)
	return len(fields) == 3 && fields[0] != "" && fields[1] != ""
}
