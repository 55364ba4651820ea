// Package registry owns the per-stream CSV files an event run writes to.
package registry

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"
)

var (
	// ErrUnknownStream is returned by Write for a name that was never opened.
	ErrUnknownStream = errors.New("unknown stream")

	// ErrInvalidStreamName is returned by Open for names that cannot be used
	// as a file name component.
	ErrInvalidStreamName = errors.New("invalid stream name")

	// ErrClosed is returned after CloseAll.
	ErrClosed = errors.New("registry closed")
)

// MainStream is the logical key of the stream named after the subject.
const MainStream = "main"

// FileSuffix is appended to every stream name to form its file name.
const FileSuffix = "_log.csv"

var streamNameRe = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

// Mirror receives a copy of every line written to any stream.
type Mirror interface {
	Mirror(stream, line string) error
	Close() error
}

type stream struct {
	name string
	path string
	file *os.File
	w    *bufio.Writer
}

// Registry maps logical stream names to open files. At most one handle per
// name is open at any time.
type Registry struct {
	mu       sync.Mutex
	dir      string
	mainName string
	streams  map[string]*stream
	order    []string
	mirrors  []Mirror
	closed   bool

	bytes atomic.Int64
}

// New creates a registry writing into dir. The main stream file is named
// after subject; it is not opened until Open(MainStream) is called.
func New(dir, subject string, mirrors ...Mirror) *Registry {
	return &Registry{
		dir:      dir,
		mainName: filepath.Base(subject),
		streams:  make(map[string]*stream),
		mirrors:  append([]Mirror(nil), mirrors...),
	}
}

// PathFor returns the file a stream name maps to.
func (r *Registry) PathFor(name string) string {
	if name == MainStream {
		return filepath.Join(r.dir, r.mainName+FileSuffix)
	}
	return filepath.Join(r.dir, name+FileSuffix)
}

// ValidName reports whether name can be opened as a component stream.
func ValidName(name string) bool {
	return streamNameRe.MatchString(name) && name != "." && name != ".."
}

// Open makes sure name has an open handle. A name that is already open keeps
// its handle and content; created reports whether a new file was made.
func (r *Registry) Open(name string) (created bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false, ErrClosed
	}
	if _, ok := r.streams[name]; ok {
		return false, nil
	}
	if name != MainStream && !ValidName(name) {
		return false, fmt.Errorf("%w: %q", ErrInvalidStreamName, name)
	}

	path := r.PathFor(name)
	for _, other := range r.streams {
		if other.path == path {
			return false, fmt.Errorf("%w: %q collides with stream %q", ErrInvalidStreamName, name, other.name)
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return false, fmt.Errorf("failed to open stream %q: %w", name, err)
	}
	r.streams[name] = &stream{name: name, path: path, file: f, w: bufio.NewWriter(f)}
	r.order = append(r.order, name)
	return true, nil
}

// Write appends line and a record terminator to the named stream, then hands
// the line to every mirror.
func (r *Registry) Write(name, line string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	s, ok := r.streams[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownStream, name)
	}
	n, err := s.w.WriteString(line)
	if err == nil {
		err = s.w.WriteByte('\n')
		n++
	}
	r.bytes.Add(int64(n))
	if err != nil {
		return fmt.Errorf("failed to write stream %q: %w", name, err)
	}

	for i, m := range r.mirrors {
		if m == nil {
			continue
		}
		if err := m.Mirror(name, line); err != nil {
			slog.Warn("Mirror failed, disabling it", "error", err, "stream", name)
			_ = m.Close()
			r.mirrors[i] = nil
		}
	}
	return nil
}

// Flush pushes buffered lines of every stream to the OS so that outside
// readers see them before CloseAll. It does nothing after CloseAll.
func (r *Registry) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	var errs []error
	for _, name := range r.order {
		if err := r.streams[name].w.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("failed to flush stream %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// CloseAll flushes and closes every stream and mirror. Calling it again is a
// no-op.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	for _, name := range r.order {
		s := r.streams[name]
		if err := s.w.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("failed to flush stream %q: %w", name, err))
		}
		if err := s.file.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, fmt.Errorf("failed to close stream %q: %w", name, err))
		}
	}
	for _, m := range r.mirrors {
		if m == nil {
			continue
		}
		if err := m.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close mirror: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Paths maps every stream opened so far to its file. MainStream is present
// once the main stream has been opened.
func (r *Registry) Paths() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	paths := make(map[string]string, len(r.streams))
	for name, s := range r.streams {
		paths[name] = s.path
	}
	return paths
}

// Names returns the opened stream names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	names := append([]string(nil), r.order...)
	r.mu.Unlock()
	sort.Strings(names)
	return names
}

// BytesWritten returns the number of bytes accepted across all streams.
func (r *Registry) BytesWritten() int64 {
	return r.bytes.Load()
}
