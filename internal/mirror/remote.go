package mirror

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// EventsPath is the websocket endpoint a remote consumer serves.
const EventsPath = "/events"

const writeWait = 5 * time.Second

// ErrClosed is returned when writing to a closed mirror.
var ErrClosed = errors.New("mirror is closed")

// Envelope is one websocket message. Seq starts at 1 and increases by one
// per line across all streams of a run. The last message of a run has
// Termination set and no line.
type Envelope struct {
	RunID       string `json:"run_id"`
	Seq         uint64 `json:"seq,omitempty"`
	Stream      string `json:"stream,omitempty"`
	Line        string `json:"line,omitempty"`
	Termination bool   `json:"termination,omitempty"`
}

// Remote publishes lines to a websocket consumer.
type Remote struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	runID  string
	seq    uint64
	closed bool
}

// DialRemote connects to ws://addr/events.
func DialRemote(ctx context.Context, addr, runID string) (*Remote, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: EventsPath}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to remote %s: %w", addr, err)
	}
	return &Remote{conn: conn, runID: runID}, nil
}

func (r *Remote) Mirror(stream, line string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}

	r.seq++
	_ = r.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := r.conn.WriteJSON(Envelope{RunID: r.runID, Seq: r.seq, Stream: stream, Line: line}); err != nil {
		return fmt.Errorf("failed to publish line %d: %w", r.seq, err)
	}
	return nil
}

// Close sends the termination message and closes the connection.
func (r *Remote) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	_ = r.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := r.conn.WriteJSON(Envelope{RunID: r.runID, Termination: true})
	if err == nil {
		err = r.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"))
	}
	if err != nil {
		err = fmt.Errorf("failed to send termination message: %w", err)
	}
	return errors.Join(err, r.conn.Close())
}
