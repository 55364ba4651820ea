package reporter

import (
	"sync/atomic"

	"rtreporter/internal/classify"
	"rtreporter/internal/frame"
)

// Stats counts what the pipeline did. The pipeline writes; the status view
// reads concurrently.
type Stats struct {
	counts  [int(frame.Unknown) + 1]atomic.Int64
	dropped atomic.Int64
	invalid atomic.Int64
}

func (s *Stats) record(a classify.Action) {
	s.counts[a.Type].Add(1)
	if a.Invalid {
		s.invalid.Add(1)
	}
}

// Events is the number of frames acquired.
func (s *Stats) Events() int64 {
	var n int64
	for i := range s.counts {
		n += s.counts[i].Load()
	}
	return n
}

// Counts returns the frame count per event type name.
func (s *Stats) Counts() map[string]int64 {
	m := make(map[string]int64, len(frame.Types))
	for _, t := range frame.Types {
		m[t.String()] = s.counts[t].Load()
	}
	return m
}

// Dropped is the number of events that were not written anywhere.
func (s *Stats) Dropped() int64 { return s.dropped.Load() }

// Invalid is the number of lines written with the invalid tag.
func (s *Stats) Invalid() int64 { return s.invalid.Load() }
