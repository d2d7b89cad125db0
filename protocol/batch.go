// Package protocol defines the wire shape of a sync message: a batch
// of change records plus the sender's replica id, msgpack-encoded, with
// a hard byte ceiling per transport message.
package protocol

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/drpcorg/boardsync/lww"
)

type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Transport message budget. Batches are split below MaxBatchBytes;
// WarnBatchBytes is where operators get told about the pressure.
const (
	MaxBatchBytes  = 65536
	WarnBatchBytes = 51200
)

var (
	ErrBadAction  = errors.New("boardsync: unknown change action")
	ErrNoObject   = errors.New("boardsync: change carries no object")
	ErrNoObjectID = errors.New("boardsync: change object has no id")
	ErrNoSender   = errors.New("boardsync: batch has no sender id")
)

// ChangeRecord is one mutation of one object. Object always carries
// the "id" field and, for updates, only the fields that changed.
// Timestamp is wall time for human-facing recency only; merge
// correctness rests on Clocks alone. Clocks is nil when the sender
// runs the last-message-wins policy.
type ChangeRecord struct {
	Action    Action         `msgpack:"action" json:"action"`
	Object    lww.Fields     `msgpack:"object" json:"object"`
	Timestamp uint64         `msgpack:"timestamp,omitempty" json:"timestamp,omitempty"`
	Clocks    lww.ClockTable `msgpack:"clocks,omitempty" json:"clocks,omitempty"`
}

func (c *ChangeRecord) ObjectID() string {
	if c.Object == nil {
		return ""
	}
	id, _ := c.Object["id"].(string)
	return id
}

// Validate is the shape check applied to every inbound record. A
// record that fails it is skipped; the rest of its batch still
// applies.
func (c *ChangeRecord) Validate() error {
	switch c.Action {
	case ActionCreate, ActionUpdate, ActionDelete:
	default:
		return fmt.Errorf("%w: %q", ErrBadAction, c.Action)
	}
	if c.Object == nil {
		return ErrNoObject
	}
	if c.ObjectID() == "" {
		return ErrNoObjectID
	}
	return nil
}

// Batch is what one transport message carries.
type Batch struct {
	Changes  []ChangeRecord `msgpack:"changes" json:"changes"`
	SenderID string         `msgpack:"senderId" json:"senderId"`
}

func (b *Batch) Marshal() ([]byte, error) {
	return msgpack.Marshal(b)
}

func ParseBatch(raw []byte) (*Batch, error) {
	var b Batch
	if err := msgpack.Unmarshal(raw, &b); err != nil {
		return nil, err
	}
	if b.SenderID == "" {
		return nil, ErrNoSender
	}
	return &b, nil
}
