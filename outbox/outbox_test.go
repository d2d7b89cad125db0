package outbox

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drpcorg/boardsync/hlc"
	"github.com/drpcorg/boardsync/lww"
	"github.com/drpcorg/boardsync/protocol"
	"github.com/drpcorg/boardsync/utils"
)

func testLogger() utils.Logger {
	return utils.NewDefaultLogger(slog.LevelError)
}

func TestAppendLoadClear(t *testing.T) {
	dir := t.TempDir()
	o, err := Open(dir, testLogger())
	require.NoError(t, err)
	defer o.Close()

	at := hlc.Clock{Timestamp: 100, Counter: 0, Source: "A"}
	changes := []protocol.ChangeRecord{
		{Action: protocol.ActionCreate, Object: lww.Fields{"id": "o1", "x": int64(1)}, Clocks: lww.ClockTable{"x": at}},
		{Action: protocol.ActionUpdate, Object: lww.Fields{"id": "o1", "x": int64(2)}},
	}
	require.NoError(t, o.Append(changes[:1]))
	require.NoError(t, o.Append(changes[1:]))

	got, err := o.Load()
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, protocol.ActionCreate, got[0].Action)
	assert.Equal(t, "o1", got[0].ObjectID())
	assert.Equal(t, at, got[0].Clocks["x"])
	assert.Equal(t, protocol.ActionUpdate, got[1].Action)

	require.NoError(t, o.Clear())
	got, err = o.Load()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReopenKeepsJournal(t *testing.T) {
	dir := t.TempDir()
	o, err := Open(dir, testLogger())
	require.NoError(t, err)
	require.NoError(t, o.Append([]protocol.ChangeRecord{
		{Action: protocol.ActionDelete, Object: lww.Fields{"id": "o9"}},
	}))
	require.NoError(t, o.Close())

	o2, err := Open(dir, testLogger())
	require.NoError(t, err)
	defer o2.Close()

	got, err := o2.Load()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "o9", got[0].ObjectID())

	// appends after reopen keep increasing seqs, order survives
	require.NoError(t, o2.Append([]protocol.ChangeRecord{
		{Action: protocol.ActionUpdate, Object: lww.Fields{"id": "o10"}},
	}))
	got, err = o2.Load()
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "o9", got[0].ObjectID())
	assert.Equal(t, "o10", got[1].ObjectID())
}
