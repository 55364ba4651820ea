package frame

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

var (
	// ErrEndOfStream is returned by Next once the source is exhausted.
	ErrEndOfStream = errors.New("end of stream")

	// ErrCancelled is returned by Next when its context is done.
	ErrCancelled = errors.New("decoding cancelled")
)

// readSize matches the 64 KiB pipe buffer of the subject side.
const readSize = 65536

type chunk struct {
	data []byte
	err  error
}

// Decoder turns a byte stream into frames. The source is read on a separate
// goroutine so that Next can return as soon as its context is cancelled, even
// while a read on the source is blocked.
type Decoder struct {
	chunks <-chan chunk
	quit   chan struct{}
	once   sync.Once

	buf []byte
	eof bool
	err error

	read *atomic.Int64
}

// NewDecoder starts reading from r.
func NewDecoder(r io.Reader) *Decoder {
	chunks := make(chan chunk, 16)
	quit := make(chan struct{})
	read := new(atomic.Int64)
	go pump(r, chunks, quit, read)
	return &Decoder{chunks: chunks, quit: quit, read: read}
}

func pump(r io.Reader, chunks chan<- chunk, quit <-chan struct{}, read *atomic.Int64) {
	defer close(chunks)
	buf := make([]byte, readSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			read.Add(int64(n))
			select {
			case chunks <- chunk{data: append([]byte(nil), buf[:n]...)}:
			case <-quit:
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				select {
				case chunks <- chunk{err: err}:
				case <-quit:
				}
			}
			return
		}
	}
}

// Next blocks until a frame is complete, the source ends or ctx is done.
// It returns ErrEndOfStream or ErrCancelled in the latter two cases.
func (d *Decoder) Next(ctx context.Context) (Frame, error) {
	for {
		if ctx.Err() != nil {
			return Frame{}, ErrCancelled
		}
		if len(d.buf) >= Size {
			f := parse(d.buf[:Size])
			d.buf = d.buf[Size:]
			return f, nil
		}
		if d.eof {
			if len(d.buf) > 0 {
				f := truncated(d.buf)
				d.buf = nil
				return f, nil
			}
			return Frame{}, ErrEndOfStream
		}

		select {
		case <-ctx.Done():
			return Frame{}, ErrCancelled
		case c, ok := <-d.chunks:
			if !ok {
				d.eof = true
				continue
			}
			if c.err != nil {
				d.err = c.err
				continue
			}
			d.buf = append(d.buf, c.data...)
		}
	}
}

// Pending reports whether data was read from the source that Next has not
// picked up yet. Safe for concurrent use.
func (d *Decoder) Pending() bool {
	return len(d.chunks) > 0
}

// Err returns the read error that ended the stream, if it was not io.EOF.
func (d *Decoder) Err() error {
	return d.err
}

// BytesRead returns the number of bytes received from the source so far,
// including bytes not yet returned as frames. Safe for concurrent use.
func (d *Decoder) BytesRead() int64 {
	return d.read.Load()
}

// Close stops the reading goroutine once its current read returns.
// Frames still buffered are discarded.
func (d *Decoder) Close() {
	d.once.Do(func() { close(d.quit) })
}
