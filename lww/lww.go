// Package lww resolves concurrent writes to the same object at field
// granularity: every field carries the hlc reading that last wrote it,
// and the greater reading wins. Merging is commutative, associative and
// idempotent, so replicas that saw the same writes in any order, with
// any duplication, converge to the same state.
package lww

import (
	"reflect"

	"github.com/drpcorg/boardsync/hlc"
)

// Fields is a flat set of named object fields, possibly partial.
type Fields map[string]any

// ClockTable maps a field name to the reading that last wrote it.
// A missing entry means the field was never written by clock-aware
// code and loses to any present reading.
type ClockTable map[string]hlc.Clock

// DeletedField is the pseudo-field whose reading records the most
// recent delete attempt, independent of ordinary field clocks.
const DeletedField = "_deleted"

// Stamp gives every named field the same reading, so a multi-field
// local edit is atomic as far as the clocks are concerned.
func Stamp(fields []string, at hlc.Clock) ClockTable {
	t := make(ClockTable, len(fields))
	for _, f := range fields {
		t[f] = at
	}
	return t
}

// StampFields stamps every field present in the partial object.
func StampFields(obj Fields, at hlc.Clock) ClockTable {
	t := make(ClockTable, len(obj))
	for f := range obj {
		t[f] = at
	}
	return t
}

func (t ClockTable) Clone() ClockTable {
	if t == nil {
		return nil
	}
	c := make(ClockTable, len(t))
	for f, at := range t {
		c[f] = at
	}
	return c
}

// MergeTables unions two tables, keeping the greater reading where
// both define a field. Either argument may be nil.
func MergeTables(a, b ClockTable) ClockTable {
	merged := make(ClockTable, len(a)+len(b))
	for f, at := range a {
		merged[f] = at
	}
	for f, at := range b {
		if prev, ok := merged[f]; !ok || prev.Less(at) {
			merged[f] = at
		}
	}
	return merged
}

// MergeFields applies an incoming partial object to the local one. Per
// incoming field, the incoming value wins only if its reading compares
// strictly greater than the local field's reading; otherwise the local
// value stays. Returns the merged object, the merged table, and
// whether anything the caller can observe actually changed (so callers
// skip redundant store writes).
func MergeFields(local Fields, localClocks ClockTable, incoming Fields, incomingClocks ClockTable) (Fields, ClockTable, bool) {
	merged := make(Fields, len(local)+len(incoming))
	for f, v := range local {
		merged[f] = v
	}
	clocks := localClocks.Clone()
	if clocks == nil {
		clocks = make(ClockTable, len(incoming))
	}
	changed := false
	for f, v := range incoming {
		inAt := incomingClocks[f]
		if localAt, ok := clocks[f]; ok && !localAt.Less(inAt) {
			continue
		}
		// field values can be nested maps off the wire, so no ==
		if prev, ok := merged[f]; !ok || !reflect.DeepEqual(prev, v) {
			changed = true
		}
		merged[f] = v
		if !inAt.IsZero() {
			clocks[f] = inAt
			changed = true
		}
	}
	return merged, clocks, changed
}

// DeleteWins reports whether a delete stamped at deleteAt beats the
// object as a whole: it must compare greater than every field reading,
// or some field was written concurrently-or-later and the object
// survives with that field's update.
func DeleteWins(deleteAt hlc.Clock, objectClocks ClockTable) bool {
	for _, at := range objectClocks {
		if !at.Less(deleteAt) {
			return false
		}
	}
	return true
}
