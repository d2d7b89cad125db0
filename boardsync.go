// Package boardsync is a leaderless synchronization core for a board
// of typed objects replicated across many concurrently connected
// sessions. There is no central arbiter of ordering: every replica
// stamps its writes with a hybrid logical clock, merges remote writes
// per field under last-writer-wins, and converges to the same state
// no matter how the transport orders or duplicates delivery.
package boardsync

import (
	"log/slog"
	"sync"

	"github.com/drpcorg/boardsync/hlc"
	"github.com/drpcorg/boardsync/lww"
	"github.com/drpcorg/boardsync/outbox"
	"github.com/drpcorg/boardsync/protocol"
	"github.com/drpcorg/boardsync/transport"
	"github.com/drpcorg/boardsync/utils"
)

// Replica is one connected session: the state store, the clock and
// both batchers, wired to a transport. All coordination with other
// replicas travels through the transport's messages; no memory is
// shared.
type Replica struct {
	opts Options
	log  utils.Logger

	cmu sync.Mutex // serializes the clock source
	src *hlc.Source

	store   *Store
	out     *Outbound
	in      *Inbound
	journal *outbox.Outbox
	metrics *Metrics

	closed bool
	clomu  sync.Mutex
}

func NewReplica(tr transport.Transport, opts Options) (*Replica, error) {
	if tr == nil {
		return nil, ErrNoTransport
	}
	opts.SetDefaults()
	if opts.Logger == nil {
		opts.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}

	r := &Replica{
		opts:    opts,
		log:     opts.Logger,
		src:     hlc.NewSource(opts.ReplicaID),
		store:   NewStore(opts.TombstoneCache),
		metrics: NewMetrics(),
	}

	if opts.OutboxDir != "" {
		j, err := outbox.Open(opts.OutboxDir, opts.Logger)
		if err != nil {
			return nil, err
		}
		r.journal = j
	}

	r.out = newOutbound(tr, r.tick, r.journal, r.metrics, opts)
	r.in = newInbound(r.store, r.see, r.metrics, opts)
	tr.OnMessage(r.in.Receive)

	if r.journal != nil {
		// changes journaled by a previous run go out again; replaying
		// something the peers already saw is harmless, merge is
		// idempotent
		stale, err := r.journal.Load()
		if err != nil {
			_ = r.journal.Close()
			return nil, err
		}
		if len(stale) > 0 {
			r.log.Info("requeueing journaled changes", "records", len(stale))
			_ = r.out.enqueue(stale, false)
		}
	}

	return r, nil
}

func (r *Replica) ID() string             { return r.opts.ReplicaID }
func (r *Replica) Policy() ConflictPolicy { return r.opts.Policy }
func (r *Replica) Store() *Store          { return r.store }
func (r *Replica) Metrics() *Metrics      { return r.metrics }

// Collector exposes the replica's counters to a prometheus registry.
func (r *Replica) Collector() *SyncCollector { return NewSyncCollector(r.metrics) }

func (r *Replica) tick() hlc.Clock {
	r.cmu.Lock()
	defer r.cmu.Unlock()
	return r.src.Tick()
}

func (r *Replica) see(at hlc.Clock) {
	r.cmu.Lock()
	defer r.cmu.Unlock()
	r.src.See(at)
}

// QueueBroadcast hands already-stamped changes to the outbound
// batcher. The UI layer calls StampChange/StampCreate first, applies
// the mutation to its own view, then queues.
func (r *Replica) QueueBroadcast(changes ...protocol.ChangeRecord) error {
	return r.out.Queue(changes...)
}

// FlushBroadcast forces out everything pending, e.g. before the
// session navigates away.
func (r *Replica) FlushBroadcast() error {
	return r.out.Flush()
}

// StampChange ticks the clock for an update touching the named
// fields. Nil under LastMessageWins.
func (r *Replica) StampChange(objectID string, fields []string) lww.ClockTable {
	return r.out.StampChange(objectID, fields)
}

// StampCreate stamps a whole freshly created object.
func (r *Replica) StampCreate(objectID string, obj lww.Fields) lww.ClockTable {
	return r.out.StampCreate(objectID, obj)
}

// CreateObject is the convenience local-write path: apply
// optimistically, stamp, queue.
func (r *Replica) CreateObject(id string, fields lww.Fields) error {
	obj := make(lww.Fields, len(fields)+1)
	for f, v := range fields {
		obj[f] = v
	}
	obj["id"] = id
	r.store.mu.Lock()
	clocks := r.out.StampCreate(id, obj)
	r.store.Put(id, obj, clocks)
	r.store.mu.Unlock()
	return r.out.Queue(protocol.ChangeRecord{
		Action: protocol.ActionCreate,
		Object: obj,
		Clocks: clocks,
	})
}

// UpdateObject applies a partial edit locally and queues it. The store
// lock spans the whole read-modify-write so a remote merge landing in
// between cannot be stomped.
func (r *Replica) UpdateObject(id string, fields lww.Fields) error {
	r.store.mu.Lock()
	local, ok := r.store.Get(id)
	if !ok {
		r.store.mu.Unlock()
		return ErrObjectUnknown
	}
	names := make([]string, 0, len(fields))
	for f := range fields {
		names = append(names, f)
	}
	clocks := r.out.StampChange(id, names)
	for f, v := range fields {
		local[f] = v
	}
	merged := r.store.ClockTable(id)
	if clocks != nil {
		merged = lww.MergeTables(merged, clocks)
	}
	r.store.Put(id, local, merged)
	r.store.mu.Unlock()

	partial := make(lww.Fields, len(fields)+1)
	for f, v := range fields {
		partial[f] = v
	}
	partial["id"] = id
	return r.out.Queue(protocol.ChangeRecord{
		Action: protocol.ActionUpdate,
		Object: partial,
		Clocks: clocks,
	})
}

// DeleteObject removes the object locally and queues the tombstone.
func (r *Replica) DeleteObject(id string) error {
	r.store.mu.Lock()
	clocks := r.out.StampDelete(id)
	r.store.Delete(id, clocks[lww.DeletedField])
	r.store.mu.Unlock()
	return r.out.Queue(protocol.ChangeRecord{
		Action: protocol.ActionDelete,
		Object: lww.Fields{"id": id},
		Clocks: clocks,
	})
}

// Close tears the replica down: all timers stop, nothing is flushed,
// the store is left as-is. The transport stays open, its owner closes
// it.
func (r *Replica) Close() error {
	r.clomu.Lock()
	defer r.clomu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	_ = r.out.Close()
	_ = r.in.Close()
	if r.journal != nil {
		_ = r.journal.Close()
	}
	return nil
}
