package lww

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/drpcorg/boardsync/hlc"
)

func at(ts uint64, ctr uint32, src string) hlc.Clock {
	return hlc.Clock{Timestamp: ts, Counter: ctr, Source: src}
}

func TestStamp(t *testing.T) {
	c := at(100, 0, "A")
	table := Stamp([]string{"x", "y"}, c)
	assert.Equal(t, ClockTable{"x": c, "y": c}, table)

	table2 := StampFields(Fields{"x": 1, "y": 2}, c)
	assert.Equal(t, table, table2)
}

func TestMergeTables(t *testing.T) {
	a := ClockTable{"x": at(100, 0, "A"), "y": at(50, 0, "A")}
	b := ClockTable{"y": at(60, 0, "B"), "z": at(10, 0, "B")}
	m := MergeTables(a, b)
	assert.Equal(t, at(100, 0, "A"), m["x"])
	assert.Equal(t, at(60, 0, "B"), m["y"])
	assert.Equal(t, at(10, 0, "B"), m["z"])

	// union is symmetric
	assert.Equal(t, m, MergeTables(b, a))

	// nil arguments are fine
	assert.Equal(t, a, MergeTables(a, nil))
	assert.Equal(t, a, MergeTables(nil, a))
}

func TestMergeFieldsNewerWins(t *testing.T) {
	local := Fields{"x": 1, "y": 2}
	localClocks := ClockTable{"x": at(100, 0, "A"), "y": at(100, 0, "A")}
	incoming := Fields{"x": 10, "y": 20}
	incomingClocks := ClockTable{"x": at(200, 0, "B"), "y": at(50, 0, "B")}

	merged, clocks, changed := MergeFields(local, localClocks, incoming, incomingClocks)
	assert.True(t, changed)
	assert.Equal(t, 10, merged["x"]) // newer, accepted
	assert.Equal(t, 2, merged["y"])  // older, kept
	assert.Equal(t, at(200, 0, "B"), clocks["x"])
	assert.Equal(t, at(100, 0, "A"), clocks["y"])
}

func TestMergeFieldsAbsentClockLoses(t *testing.T) {
	local := Fields{"x": 1}
	localClocks := ClockTable{"x": at(100, 0, "A")}
	merged, _, changed := MergeFields(local, localClocks, Fields{"x": 99}, nil)
	assert.False(t, changed)
	assert.Equal(t, 1, merged["x"])

	// but an unclocked local field accepts any incoming value
	merged, _, changed = MergeFields(Fields{"z": 0}, nil, Fields{"z": 5}, ClockTable{"z": at(1, 0, "B")})
	assert.True(t, changed)
	assert.Equal(t, 5, merged["z"])
}

func TestMergeCommutative(t *testing.T) {
	base := Fields{"x": 0}
	baseClocks := ClockTable{"x": at(10, 0, "A")}

	c1 := Fields{"x": 5, "y": "left"}
	c1Clocks := ClockTable{"x": at(100, 0, "B"), "y": at(100, 0, "B")}
	c2 := Fields{"x": 7, "z": "right"}
	c2Clocks := ClockTable{"x": at(100, 0, "C"), "z": at(90, 0, "C")}

	m12, t12, _ := MergeFields(base, baseClocks, c1, c1Clocks)
	m12, t12, _ = MergeFields(m12, t12, c2, c2Clocks)

	m21, t21, _ := MergeFields(base, baseClocks, c2, c2Clocks)
	m21, t21, _ = MergeFields(m21, t21, c1, c1Clocks)

	assert.Equal(t, m12, m21)
	assert.Equal(t, t12, t21)
	// the x tie at ts 100 breaks towards the greater source, "C"
	assert.Equal(t, 7, m12["x"])
}

func TestMergeIdempotent(t *testing.T) {
	base := Fields{"x": 0}
	baseClocks := ClockTable{"x": at(10, 0, "A")}
	in := Fields{"x": 5}
	inClocks := ClockTable{"x": at(100, 0, "B")}

	once, onceClocks, changed := MergeFields(base, baseClocks, in, inClocks)
	assert.True(t, changed)
	twice, twiceClocks, changed := MergeFields(once, onceClocks, in, inClocks)
	assert.False(t, changed)
	assert.Equal(t, once, twice)
	assert.Equal(t, onceClocks, twiceClocks)
}

func TestDeleteWins(t *testing.T) {
	clocks := ClockTable{"x": at(100, 0, "A"), "y": at(120, 0, "A")}

	assert.True(t, DeleteWins(at(130, 0, "B"), clocks))
	// one concurrently-newer field keeps the object alive
	assert.False(t, DeleteWins(at(110, 0, "B"), clocks))
	// a tie is not strictly greater, the object survives
	assert.False(t, DeleteWins(at(120, 0, "A"), clocks))
	// nothing recorded, delete goes through
	assert.True(t, DeleteWins(at(1, 0, "B"), nil))
}
