package boardsync

import (
	"reflect"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/drpcorg/boardsync/hlc"
	"github.com/drpcorg/boardsync/lww"
	"github.com/drpcorg/boardsync/protocol"
	"github.com/drpcorg/boardsync/utils"
)

// Inbound collects arriving batches for a short window, then applies
// them to the store through the merge in one pass, so a burst of
// near-simultaneous messages costs one downstream notification.
type Inbound struct {
	mu      sync.Mutex
	log     utils.Logger
	store   *Store
	see     func(hlc.Clock)
	selfID  string
	policy  ConflictPolicy
	metrics *Metrics
	window  time.Duration

	seen    *lru.Cache[uint64, struct{}]
	pending []protocol.ChangeRecord
	timer   *time.Timer
	closed  bool
}

func newInbound(store *Store, see func(hlc.Clock), metrics *Metrics, opts Options) *Inbound {
	seen, _ := lru.New[uint64, struct{}](opts.DigestCache)
	return &Inbound{
		log:     opts.Logger,
		store:   store,
		see:     see,
		selfID:  opts.ReplicaID,
		policy:  opts.Policy,
		metrics: metrics,
		window:  opts.InboundWindow,
		seen:    seen,
	}
}

// Receive is the transport handler: one raw payload in, parsed,
// deduplicated, pushed.
func (in *Inbound) Receive(raw []byte) {
	digest := xxhash.Sum64(raw)
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return
	}
	if _, dup := in.seen.Get(digest); dup {
		in.metrics.InDuplicate.Add(1)
		in.mu.Unlock()
		return
	}
	in.seen.Add(digest, struct{}{})
	in.mu.Unlock()

	batch, err := protocol.ParseBatch(raw)
	if err != nil {
		in.metrics.InMalformed.Add(1)
		in.log.Warn("dropping undecodable batch", "err", err, "bytes", len(raw))
		return
	}
	in.Push(batch)
}

// Push queues a parsed batch for the next apply window. The replica's
// own echoes never touch the store; the local write path already
// applied them optimistically.
func (in *Inbound) Push(batch *protocol.Batch) {
	in.metrics.InBatches.Add(1)
	if batch.SenderID == in.selfID {
		in.metrics.InSelfEcho.Add(1)
		return
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return
	}
	for i := range batch.Changes {
		c := &batch.Changes[i]
		if err := c.Validate(); err != nil {
			// one corrupt record must not poison the batch
			in.metrics.InMalformed.Add(1)
			in.log.Warn("skipping malformed change", "err", err, "sender", batch.SenderID)
			continue
		}
		// fold every observed reading so our next tick dominates it
		for _, at := range c.Clocks {
			in.see(at)
		}
		in.pending = append(in.pending, *c)
	}
	if in.timer == nil && len(in.pending) > 0 {
		in.timer = time.AfterFunc(in.window, in.apply)
	}
}

func (in *Inbound) apply() {
	in.mu.Lock()
	in.timer = nil
	if in.closed || len(in.pending) == 0 {
		in.mu.Unlock()
		return
	}
	changes := in.pending
	in.pending = nil

	applied := make([]AppliedChange, 0, len(changes))
	in.store.mu.Lock()
	for i := range changes {
		if a, ok := in.applyOne(&changes[i]); ok {
			applied = append(applied, a)
		}
	}
	in.store.mu.Unlock()
	in.mu.Unlock()

	// listeners run lock-free so they can queue further edits
	in.metrics.InApplied.Add(uint64(len(applied)))
	in.store.notify(applied)
}

func (in *Inbound) applyOne(c *protocol.ChangeRecord) (AppliedChange, bool) {
	id := c.ObjectID()
	switch c.Action {
	case protocol.ActionDelete:
		return in.applyDelete(id, c)
	case protocol.ActionCreate, protocol.ActionUpdate:
		return in.applyUpsert(id, c)
	}
	return AppliedChange{}, false
}

func (in *Inbound) applyDelete(id string, c *protocol.ChangeRecord) (AppliedChange, bool) {
	at := c.Clocks[lww.DeletedField]
	if in.policy == FieldClocks {
		if !lww.DeleteWins(at, in.store.ClockTable(id)) {
			// a concurrently-newer field keeps the object alive
			in.metrics.InDeletesIgnored.Add(1)
			return AppliedChange{}, false
		}
	}
	if !in.store.Has(id) {
		in.store.Delete(id, at) // record the tombstone anyway
		return AppliedChange{}, false
	}
	in.store.Delete(id, at)
	return AppliedChange{Action: protocol.ActionDelete, ObjectID: id}, true
}

func (in *Inbound) applyUpsert(id string, c *protocol.ChangeRecord) (AppliedChange, bool) {
	local, exists := in.store.Get(id)
	if !exists {
		if in.policy == FieldClocks {
			if tomb, dead := in.store.Tombstone(id); dead && !beatsTombstone(c.Clocks, tomb) {
				// the delete was causally newer, stay dead
				return AppliedChange{}, false
			}
		}
		obj := make(lww.Fields, len(c.Object))
		for f, v := range c.Object {
			obj[f] = v
		}
		in.store.Put(id, obj, c.Clocks.Clone())
		return AppliedChange{Action: c.Action, ObjectID: id, Object: obj}, true
	}

	// an id seen twice (reconnection replay, create echo from another
	// replica) degrades to a field merge either way
	merged, clocks, changed := mergePolicy(in.policy, local, in.store.ClockTable(id), c.Object, c.Clocks)
	if !changed {
		return AppliedChange{}, false
	}
	in.store.Put(id, merged, clocks)
	return AppliedChange{Action: protocol.ActionUpdate, ObjectID: id, Object: merged}, true
}

// mergePolicy is MergeFields under FieldClocks; under LastMessageWins
// the incoming values simply overwrite.
func mergePolicy(p ConflictPolicy, local lww.Fields, localClocks lww.ClockTable, incoming lww.Fields, incomingClocks lww.ClockTable) (lww.Fields, lww.ClockTable, bool) {
	if p == FieldClocks {
		return lww.MergeFields(local, localClocks, incoming, incomingClocks)
	}
	merged := make(lww.Fields, len(local)+len(incoming))
	for f, v := range local {
		merged[f] = v
	}
	changed := false
	for f, v := range incoming {
		if prev, ok := merged[f]; !ok || !equalValue(prev, v) {
			changed = true
		}
		merged[f] = v
	}
	return merged, localClocks, changed
}

func equalValue(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

func beatsTombstone(clocks lww.ClockTable, tomb hlc.Clock) bool {
	for f, at := range clocks {
		if f == lww.DeletedField {
			continue
		}
		if tomb.Less(at) {
			return true
		}
	}
	return false
}

// Close stops the window timer; whatever was pending is dropped with
// the store untouched.
func (in *Inbound) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return nil
	}
	in.closed = true
	if in.timer != nil {
		in.timer.Stop()
		in.timer = nil
	}
	in.pending = nil
	return nil
}
