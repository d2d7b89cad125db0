package hlc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func frozen(at uint64) func() uint64 {
	return func() uint64 { return at }
}

func TestCompare(t *testing.T) {
	a := Clock{Timestamp: 100, Counter: 0, Source: "A"}
	b := Clock{Timestamp: 100, Counter: 0, Source: "B"}
	c := Clock{Timestamp: 100, Counter: 1, Source: "A"}
	d := Clock{Timestamp: 101, Counter: 0, Source: "A"}

	assert.Equal(t, -1, Compare(a, b))
	assert.Equal(t, 1, Compare(b, a))
	assert.Equal(t, 0, Compare(a, a))
	assert.True(t, a.Less(c))
	assert.True(t, c.Less(d))
	assert.True(t, b.Less(c))
	assert.True(t, Clock{}.Less(a))
}

func TestTickMonotonic(t *testing.T) {
	src := NewSourceAt("A", frozen(100))
	prev := src.Last()
	for i := 0; i < 1000; i++ {
		next := src.Tick()
		assert.True(t, prev.Less(next), "tick %d", i)
		prev = next
	}
	// counter path: wall clock never moved
	assert.Equal(t, uint64(100), prev.Timestamp)
	assert.Equal(t, uint32(1000), prev.Counter)
}

func TestTickFollowsWall(t *testing.T) {
	wall := uint64(100)
	src := NewSourceAt("A", func() uint64 { return wall })
	src.Tick()
	src.Tick()
	wall = 200
	c := src.Tick()
	assert.Equal(t, uint64(200), c.Timestamp)
	assert.Equal(t, uint32(0), c.Counter)
}

func TestSeeDominatesRemote(t *testing.T) {
	src := NewSourceAt("B", frozen(100))
	remote := Clock{Timestamp: 500, Counter: 7, Source: "A"}
	folded := src.See(remote)
	assert.True(t, remote.Less(folded))
	next := src.Tick()
	assert.True(t, folded.Less(next))
	assert.True(t, remote.Less(next))
}

func TestSeeEqualTimestamps(t *testing.T) {
	// remote shares the frozen wall time but carries a higher counter;
	// the fold must still come out ahead of it
	src := NewSourceAt("B", frozen(100))
	remote := Clock{Timestamp: 100, Counter: 9, Source: "A"}
	folded := src.See(remote)
	assert.Equal(t, uint64(100), folded.Timestamp)
	assert.Equal(t, uint32(10), folded.Counter)
	assert.True(t, remote.Less(folded))
}

func TestSeeStaleRemote(t *testing.T) {
	src := NewSourceAt("B", frozen(300))
	before := src.Tick()
	folded := src.See(Clock{Timestamp: 5, Counter: 0, Source: "A"})
	assert.True(t, before.Less(folded))
}

func TestSeeMonotonic(t *testing.T) {
	src := NewSourceAt("B", frozen(100))
	prev := src.Last()
	remotes := []Clock{
		{Timestamp: 50, Counter: 0, Source: "A"},
		{Timestamp: 100, Counter: 3, Source: "C"},
		{Timestamp: 400, Counter: 0, Source: "A"},
		{Timestamp: 400, Counter: 12, Source: "C"},
		{Timestamp: 90, Counter: 1, Source: "D"},
	}
	for _, r := range remotes {
		next := src.See(r)
		assert.True(t, prev.Less(next), "folding %v", r)
		assert.True(t, r.Less(next), "folding %v", r)
		prev = next
	}
}
