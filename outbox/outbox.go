// Package outbox journals queued-but-unsent changes to disk so a
// replica that goes away mid-edit does not lose them. The journal is a
// pebble keyspace of seq → TLV-framed change record; it is appended on
// queue, cleared after a fully successful send, and replayed into the
// outbound batcher on startup. Replaying twice is harmless: the merge
// is idempotent.
package outbox

import (
	"encoding/binary"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/learn-decentralized-systems/toytlv"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/drpcorg/boardsync/protocol"
	"github.com/drpcorg/boardsync/utils"
)

var ErrBadRecord = errors.New("boardsync: bad outbox record")

type Outbox struct {
	db  *pebble.DB
	log utils.Logger

	mu   sync.Mutex
	next uint64
}

func oKey(seq uint64) []byte {
	key := make([]byte, 1, 9)
	key[0] = 'O'
	return binary.BigEndian.AppendUint64(key, seq)
}

var writeOptions = pebble.WriteOptions{Sync: true}

func Open(dir string, log utils.Logger) (*Outbox, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrapf(err, "open outbox at %s", dir)
	}
	o := &Outbox{db: db, log: log}
	if err = o.seek(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return o, nil
}

// seek positions next past the greatest journaled seq.
func (o *Outbox) seek() error {
	it, err := o.db.NewIter(&pebble.IterOptions{
		LowerBound: oKey(0),
		UpperBound: oKey(^uint64(0)),
	})
	if err != nil {
		return err
	}
	defer it.Close()
	if it.Last() && len(it.Key()) == 9 {
		o.next = binary.BigEndian.Uint64(it.Key()[1:]) + 1
	}
	return it.Error()
}

// Append journals changes in queue order.
func (o *Outbox) Append(changes []protocol.ChangeRecord) error {
	if len(changes) == 0 {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	b := o.db.NewBatch()
	defer b.Close()
	for i := range changes {
		body, err := msgpack.Marshal(&changes[i])
		if err != nil {
			return err
		}
		if err = b.Set(oKey(o.next), toytlv.Record('C', body), nil); err != nil {
			return err
		}
		o.next++
	}
	return o.db.Apply(b, &writeOptions)
}

// Load returns all journaled changes in append order. Records that no
// longer parse are skipped with a warning, not returned as errors; one
// corrupt entry must not wedge the replica at startup.
func (o *Outbox) Load() ([]protocol.ChangeRecord, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	it, err := o.db.NewIter(&pebble.IterOptions{
		LowerBound: oKey(0),
		UpperBound: oKey(^uint64(0)),
	})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var changes []protocol.ChangeRecord
	for valid := it.First(); valid; valid = it.Next() {
		body, _ := toytlv.Take('C', it.Value())
		if body == nil {
			o.log.Warn("skipping bad outbox record", "key", it.Key())
			continue
		}
		var c protocol.ChangeRecord
		if err := msgpack.Unmarshal(body, &c); err != nil {
			o.log.Warn("skipping undecodable outbox record", "key", it.Key(), "err", err)
			continue
		}
		changes = append(changes, c)
	}
	return changes, it.Error()
}

// Clear drops the whole journal. Called after every change it held
// has been handed to the transport.
func (o *Outbox) Clear() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.db.DeleteRange(oKey(0), oKey(^uint64(0)), &writeOptions)
}

func (o *Outbox) Close() error {
	return o.db.Close()
}
