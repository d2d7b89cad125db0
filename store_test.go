package boardsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drpcorg/boardsync/hlc"
	"github.com/drpcorg/boardsync/lww"
	"github.com/drpcorg/boardsync/protocol"
)

func TestStoreGetReturnsCopy(t *testing.T) {
	s := NewStore(16)
	s.Put("o1", lww.Fields{"id": "o1", "x": 1}, nil)

	obj, ok := s.Get("o1")
	require.True(t, ok)
	obj["x"] = 99

	again, _ := s.Get("o1")
	assert.Equal(t, 1, again["x"])
}

func TestStorePutClearsTombstone(t *testing.T) {
	s := NewStore(16)
	at := hlc.Clock{Timestamp: 50, Source: "A"}
	s.Delete("o1", at)
	_, dead := s.Tombstone("o1")
	require.True(t, dead)

	s.Put("o1", lww.Fields{"id": "o1"}, nil)
	_, dead = s.Tombstone("o1")
	assert.False(t, dead)
}

func TestStoreKeepsGreaterTombstone(t *testing.T) {
	s := NewStore(16)
	newer := hlc.Clock{Timestamp: 90, Source: "A"}
	older := hlc.Clock{Timestamp: 50, Source: "B"}
	s.Delete("o1", newer)
	s.Delete("o1", older) // duplicate delivery of an older delete

	tomb, ok := s.Tombstone("o1")
	require.True(t, ok)
	assert.Equal(t, newer, tomb)
}

func TestStoreNotify(t *testing.T) {
	s := NewStore(16)
	var got [][]AppliedChange
	s.Subscribe(func(cs []AppliedChange) { got = append(got, cs) })

	s.notify(nil) // empty sets are silent
	s.notify([]AppliedChange{{Action: protocol.ActionCreate, ObjectID: "o1"}})

	require.Len(t, got, 1)
	assert.Equal(t, "o1", got[0][0].ObjectID)
}
