package boardsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drpcorg/boardsync/protocol"
)

func TestOptionsDefaults(t *testing.T) {
	var o Options
	o.SetDefaults()

	assert.NotEmpty(t, o.ReplicaID)
	assert.Equal(t, FieldClocks, o.Policy)
	assert.Equal(t, 5*time.Millisecond, o.IdleFlush)
	assert.Equal(t, 50*time.Millisecond, o.MaxFlush)
	assert.Equal(t, 10*time.Millisecond, o.InboundWindow)
	assert.Equal(t, protocol.MaxBatchBytes, o.MaxBatchBytes)
	assert.Equal(t, protocol.WarnBatchBytes, o.WarnBatchBytes)

	// fresh ids per call
	var o2 Options
	o2.SetDefaults()
	assert.NotEqual(t, o.ReplicaID, o2.ReplicaID)
}

func TestOptionsFromEnv(t *testing.T) {
	t.Setenv("BOARDSYNC_REPLICA_ID", "env-replica")
	t.Setenv("BOARDSYNC_POLICY", "last-message-wins")
	t.Setenv("BOARDSYNC_IDLE_FLUSH", "7ms")

	o, err := OptionsFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "env-replica", o.ReplicaID)
	assert.Equal(t, LastMessageWins, o.Policy)
	assert.Equal(t, 7*time.Millisecond, o.IdleFlush)
	assert.Equal(t, 50*time.Millisecond, o.MaxFlush) // default fills the gap
}

func TestConflictPolicyText(t *testing.T) {
	var p ConflictPolicy
	require.NoError(t, p.UnmarshalText([]byte("field-clocks")))
	assert.Equal(t, FieldClocks, p)
	require.NoError(t, p.UnmarshalText([]byte("last-message-wins")))
	assert.Equal(t, LastMessageWins, p)
	assert.Equal(t, "last-message-wins", p.String())

	err := p.UnmarshalText([]byte("quorum"))
	assert.ErrorIs(t, err, ErrBadPolicy)
}
