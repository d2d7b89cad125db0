// Package hlc implements a Hybrid Logical Clock: wall time in
// milliseconds plus a logical counter plus a replica id. Clocks from
// different replicas compare under a total order without any wall-clock
// synchronization between them.
package hlc

import (
	"fmt"
	"strings"
	"time"
)

// Clock is one HLC reading. The zero value compares less than any
// reading ever produced by a Source.
type Clock struct {
	Timestamp uint64 `msgpack:"timestamp" json:"timestamp"`
	Counter   uint32 `msgpack:"counter" json:"counter"`
	Source    string `msgpack:"replicaId" json:"replicaId"`
}

// Compare orders two readings by timestamp, then counter, then source.
// The source tie-break makes the order total: two replicas that tick at
// the identical millisecond and counter still agree on who is newer.
func Compare(a, b Clock) int {
	if a.Timestamp != b.Timestamp {
		if a.Timestamp < b.Timestamp {
			return -1
		}
		return 1
	}
	if a.Counter != b.Counter {
		if a.Counter < b.Counter {
			return -1
		}
		return 1
	}
	return strings.Compare(a.Source, b.Source)
}

func (c Clock) Less(other Clock) bool {
	return Compare(c, other) < 0
}

func (c Clock) IsZero() bool {
	return c.Timestamp == 0 && c.Counter == 0 && c.Source == ""
}

func (c Clock) String() string {
	return fmt.Sprintf("%d-%d-%s", c.Timestamp, c.Counter, c.Source)
}

// WallNow is the default wall clock, ms since epoch.
func WallNow() uint64 {
	return uint64(time.Now().UnixMilli())
}

// Source generates readings for one replica. Within a replica every
// Tick compares strictly greater than all previous readings, and See
// keeps the local clock ahead of every remote reading it has observed.
// Not goroutine-safe; callers serialize access (the batchers do).
type Source struct {
	last Clock
	now  func() uint64
}

func NewSource(replicaID string) *Source {
	return NewSourceAt(replicaID, WallNow)
}

// NewSourceAt takes the wall clock as a parameter, for tests.
func NewSourceAt(replicaID string, now func() uint64) *Source {
	return &Source{
		last: Clock{Timestamp: now(), Counter: 0, Source: replicaID},
		now:  now,
	}
}

// Last returns the most recent reading without advancing the clock.
func (s *Source) Last() Clock {
	return s.last
}

func (s *Source) ReplicaID() string {
	return s.last.Source
}

// Tick advances the clock for a new local event. If the wall clock
// moved past the last reading, the counter resets; otherwise the
// counter increments so repeated ticks within one millisecond stay
// strictly ordered.
func (s *Source) Tick() Clock {
	wall := s.now()
	if wall > s.last.Timestamp {
		s.last = Clock{Timestamp: wall, Counter: 0, Source: s.last.Source}
	} else {
		s.last = Clock{Timestamp: s.last.Timestamp, Counter: s.last.Counter + 1, Source: s.last.Source}
	}
	return s.last
}

// See folds a remote reading into the local clock (the HLC receive
// rule). Afterwards the local clock compares greater than both its own
// previous reading and the remote one, so any subsequent Tick causally
// dominates everything observed so far.
func (s *Source) See(remote Clock) Clock {
	wall := s.now()
	ts := s.last.Timestamp
	if remote.Timestamp > ts {
		ts = remote.Timestamp
	}
	if wall > ts {
		ts = wall
	}
	var ctr uint32
	switch {
	case ts == s.last.Timestamp && ts == remote.Timestamp:
		ctr = s.last.Counter
		if remote.Counter > ctr {
			ctr = remote.Counter
		}
		ctr++
	case ts == s.last.Timestamp:
		ctr = s.last.Counter + 1
	case ts == remote.Timestamp:
		ctr = remote.Counter + 1
	default:
		ctr = 0
	}
	s.last = Clock{Timestamp: ts, Counter: ctr, Source: s.last.Source}
	return s.last
}
