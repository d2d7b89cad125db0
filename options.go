package boardsync

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"

	"github.com/drpcorg/boardsync/protocol"
	"github.com/drpcorg/boardsync/utils"
)

// ConflictPolicy selects how concurrent writes are resolved. It is
// fixed at construction; all replicas of one board must agree on it.
type ConflictPolicy int

const (
	// FieldClocks stamps every change with per-field HLC readings and
	// merges per field, last writer wins.
	FieldClocks ConflictPolicy = iota
	// LastMessageWins sends no clocks; whichever message lands last
	// at each replica wins wholesale. Cheaper, order-dependent.
	LastMessageWins
)

func (p ConflictPolicy) String() string {
	switch p {
	case FieldClocks:
		return "field-clocks"
	case LastMessageWins:
		return "last-message-wins"
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

func (p *ConflictPolicy) UnmarshalText(text []byte) error {
	switch string(text) {
	case "", "field-clocks":
		*p = FieldClocks
	case "last-message-wins":
		*p = LastMessageWins
	default:
		return fmt.Errorf("%w: %q", ErrBadPolicy, text)
	}
	return nil
}

type Options struct {
	// ReplicaID identifies this session on the wire. Defaults to a
	// fresh uuid; a reconnecting session keeps its id.
	ReplicaID string `env:"BOARDSYNC_REPLICA_ID"`

	Policy ConflictPolicy `env:"BOARDSYNC_POLICY"`

	// IdleFlush fires after a quiet gap in local edits; MaxFlush is
	// the ceiling under continuous bursts.
	IdleFlush time.Duration `env:"BOARDSYNC_IDLE_FLUSH" envDefault:"5ms"`
	MaxFlush  time.Duration `env:"BOARDSYNC_MAX_FLUSH" envDefault:"50ms"`

	// InboundWindow lets near-simultaneous arrivals coalesce into
	// one store update.
	InboundWindow time.Duration `env:"BOARDSYNC_INBOUND_WINDOW" envDefault:"10ms"`

	MaxBatchBytes  int `env:"BOARDSYNC_MAX_BATCH_BYTES"`
	WarnBatchBytes int `env:"BOARDSYNC_WARN_BATCH_BYTES"`

	// OutboxDir enables the durable outbox; empty leaves queued
	// changes in memory only.
	OutboxDir string `env:"BOARDSYNC_OUTBOX_DIR"`

	// Cache sizes for delete tombstones and the inbound
	// duplicate-payload digests.
	TombstoneCache int `env:"BOARDSYNC_TOMBSTONE_CACHE"`
	DigestCache    int `env:"BOARDSYNC_DIGEST_CACHE"`

	Logger utils.Logger `env:"-"`
}

func (o *Options) SetDefaults() {
	if o.ReplicaID == "" {
		o.ReplicaID = uuid.NewString()
	}
	if o.IdleFlush == 0 {
		o.IdleFlush = 5 * time.Millisecond
	}
	if o.MaxFlush == 0 {
		o.MaxFlush = 50 * time.Millisecond
	}
	if o.InboundWindow == 0 {
		o.InboundWindow = 10 * time.Millisecond
	}
	if o.MaxBatchBytes == 0 {
		o.MaxBatchBytes = protocol.MaxBatchBytes
	}
	if o.WarnBatchBytes == 0 {
		o.WarnBatchBytes = protocol.WarnBatchBytes
	}
	if o.TombstoneCache == 0 {
		o.TombstoneCache = 4096
	}
	if o.DigestCache == 0 {
		o.DigestCache = 1024
	}
}

// OptionsFromEnv reads BOARDSYNC_* variables and fills the gaps with
// defaults.
func OptionsFromEnv() (Options, error) {
	var o Options
	if err := env.Parse(&o); err != nil {
		return o, err
	}
	o.SetDefaults()
	return o, nil
}
