package boardsync

import (
	"sync"
	"time"

	"github.com/drpcorg/boardsync/hlc"
	"github.com/drpcorg/boardsync/lww"
	"github.com/drpcorg/boardsync/outbox"
	"github.com/drpcorg/boardsync/protocol"
	"github.com/drpcorg/boardsync/transport"
	"github.com/drpcorg/boardsync/utils"
)

// Outbound accumulates local mutations, coalesces them per object and
// hands size-safe batches to the transport. Two timers bound latency:
// the idle timer fires after a quiet gap in queuing, the max timer
// fires unconditionally so a continuous burst still flushes.
type Outbound struct {
	mu      sync.Mutex
	log     utils.Logger
	tr      transport.Transport
	tick    func() hlc.Clock
	sender  string
	policy  ConflictPolicy
	metrics *Metrics
	journal *outbox.Outbox // nil without a durable outbox

	idleFlush time.Duration
	maxFlush  time.Duration
	maxBytes  int
	warnBytes int

	pending   []protocol.ChangeRecord
	idleTimer *time.Timer
	maxTimer  *time.Timer
	closed    bool
}

func newOutbound(tr transport.Transport, tick func() hlc.Clock, journal *outbox.Outbox, metrics *Metrics, opts Options) *Outbound {
	return &Outbound{
		log:       opts.Logger,
		tr:        tr,
		tick:      tick,
		sender:    opts.ReplicaID,
		policy:    opts.Policy,
		metrics:   metrics,
		journal:   journal,
		idleFlush: opts.IdleFlush,
		maxFlush:  opts.MaxFlush,
		maxBytes:  opts.MaxBatchBytes,
		warnBytes: opts.WarnBatchBytes,
	}
}

// StampChange ticks the clock and stamps the named fields for an
// update on objectID. Returns nil under LastMessageWins (changes then
// travel without clocks).
func (o *Outbound) StampChange(objectID string, fields []string) lww.ClockTable {
	if o.policy != FieldClocks {
		return nil
	}
	return lww.Stamp(fields, o.tick())
}

// StampCreate stamps every field of a freshly created object at once.
func (o *Outbound) StampCreate(objectID string, obj lww.Fields) lww.ClockTable {
	if o.policy != FieldClocks {
		return nil
	}
	return lww.StampFields(obj, o.tick())
}

// StampDelete produces the tombstone table for a delete of objectID.
func (o *Outbound) StampDelete(objectID string) lww.ClockTable {
	if o.policy != FieldClocks {
		return nil
	}
	return lww.ClockTable{lww.DeletedField: o.tick()}
}

// Queue adds local changes to the pending list and (re)arms the
// timers. Changes without a wall timestamp get one; it is for
// human-facing recency only.
func (o *Outbound) Queue(changes ...protocol.ChangeRecord) error {
	return o.enqueue(changes, true)
}

func (o *Outbound) enqueue(changes []protocol.ChangeRecord, journal bool) error {
	if len(changes) == 0 {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	for i := range changes {
		if changes[i].Timestamp == 0 {
			changes[i].Timestamp = hlc.WallNow()
		}
	}
	o.pending = append(o.pending, changes...)
	if journal && o.journal != nil {
		if err := o.journal.Append(changes); err != nil {
			o.log.Error("outbox append failed", "err", err)
		}
	}

	if o.idleTimer != nil {
		o.idleTimer.Stop()
	}
	o.idleTimer = time.AfterFunc(o.idleFlush, o.timedFlush)
	if o.maxTimer == nil {
		o.maxTimer = time.AfterFunc(o.maxFlush, o.timedFlush)
	}
	return nil
}

func (o *Outbound) timedFlush() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.flushLocked()
}

// Flush forces an immediate send of everything pending, e.g. before
// the session navigates away.
func (o *Outbound) Flush() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	return o.flushLocked()
}

func (o *Outbound) flushLocked() error {
	o.stopTimers()
	if len(o.pending) == 0 {
		return nil
	}
	if !o.tr.Ready() {
		// keep everything; the max timer doubles as the retry tick
		o.metrics.OutDeferred.Add(1)
		o.maxTimer = time.AfterFunc(o.maxFlush, o.timedFlush)
		return nil
	}

	coalesced := Coalesce(o.pending)
	packets, oversize, err := protocol.SplitBatch(coalesced, o.sender, o.maxBytes)
	if err != nil {
		// keep the pending list; a later edit or flush retries
		o.log.Error("batch serialization failed", "err", err, "records", len(coalesced))
		return err
	}
	o.metrics.OutCoalesced.Add(uint64(len(o.pending) - len(coalesced)))
	o.pending = nil
	if len(coalesced) == 0 {
		// everything cancelled out, nothing owed to the peers
		o.clearJournal()
		return nil
	}
	if oversize {
		o.metrics.OutOversize.Add(1)
		o.log.Error("change record exceeds the transport ceiling", "ceiling", o.maxBytes)
	}
	if len(packets) > 1 {
		o.metrics.OutSplits.Add(1)
	}

	var firstErr error
	var failed []protocol.ChangeRecord
	off := 0
	for _, p := range packets {
		recs := coalesced[off : off+p.Records]
		off += p.Records
		if len(p.Raw) > o.warnBytes {
			o.log.Warn("batch size nearing the transport ceiling",
				"size", len(p.Raw), "warn", o.warnBytes, "ceiling", o.maxBytes)
		}
		if err := o.tr.Send(p.Raw); err != nil {
			o.log.Error("batch send failed", "err", err, "records", p.Records)
			failed = append(failed, recs...)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		o.metrics.OutBatches.Add(1)
		o.metrics.OutBytes.Add(uint64(len(p.Raw)))
		o.metrics.OutRecords.Add(uint64(p.Records))
		o.metrics.BatchBytes.Add(float64(len(p.Raw)))
	}
	if firstErr != nil {
		// failed sub-batches stay pending and journaled; replaying the
		// sent ones after a restart is harmless, merge is idempotent
		o.pending = append(o.pending, failed...)
		o.maxTimer = time.AfterFunc(o.maxFlush, o.timedFlush)
		return firstErr
	}
	o.clearJournal()
	return nil
}

func (o *Outbound) clearJournal() {
	if o.journal == nil {
		return
	}
	if err := o.journal.Clear(); err != nil {
		o.log.Error("outbox clear failed", "err", err)
	}
}

func (o *Outbound) stopTimers() {
	if o.idleTimer != nil {
		o.idleTimer.Stop()
		o.idleTimer = nil
	}
	if o.maxTimer != nil {
		o.maxTimer.Stop()
		o.maxTimer = nil
	}
}

// Pending reports how many records wait for the next flush.
func (o *Outbound) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// Close cancels the timers without flushing; partial state does not
// leave a tearing-down replica. The journal, if any, keeps whatever
// was not sent.
func (o *Outbound) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true
	o.stopTimers()
	return nil
}

// Coalesce folds the pending list down to the minimal equivalent set,
// one record per object id, preserving first-arrival order:
//
//	update + update  -> one update, later field values win
//	create + update  -> one create carrying the folded fields
//	create + delete  -> nothing, the object never left this replica
//	any    + delete  -> just the delete
//	delete + update  -> just the delete; only a create revives the id
func Coalesce(changes []protocol.ChangeRecord) []protocol.ChangeRecord {
	type slot struct {
		rec  protocol.ChangeRecord
		dead bool
	}
	var order []string
	byID := make(map[string]*slot, len(changes))

	fresh := func(c protocol.ChangeRecord) protocol.ChangeRecord {
		obj := make(lww.Fields, len(c.Object))
		for f, v := range c.Object {
			obj[f] = v
		}
		c.Object = obj
		c.Clocks = c.Clocks.Clone()
		return c
	}

	for _, c := range changes {
		id := c.ObjectID()
		if id == "" {
			continue
		}
		s, ok := byID[id]
		if !ok {
			byID[id] = &slot{rec: fresh(c)}
			order = append(order, id)
			continue
		}
		if s.dead {
			// the earlier create+delete pair cancelled out; this is
			// a new life for the id
			s.rec = fresh(c)
			s.dead = false
			continue
		}
		switch c.Action {
		case protocol.ActionDelete:
			if s.rec.Action == protocol.ActionCreate {
				s.dead = true
			} else {
				s.rec = fresh(c)
			}
		case protocol.ActionCreate:
			s.rec = fresh(c)
		default: // update folds into whatever is there
			if s.rec.Action == protocol.ActionDelete {
				// the id is condemned in this batch, the fields go with it
				continue
			}
			for f, v := range c.Object {
				s.rec.Object[f] = v
			}
			// earliest timestamp stays, it marks when the edit began
			if s.rec.Timestamp == 0 {
				s.rec.Timestamp = c.Timestamp
			}
			if s.rec.Clocks != nil || c.Clocks != nil {
				s.rec.Clocks = lww.MergeTables(s.rec.Clocks, c.Clocks)
			}
		}
	}

	out := make([]protocol.ChangeRecord, 0, len(order))
	for _, id := range order {
		if s := byID[id]; !s.dead {
			out = append(out, s.rec)
		}
	}
	return out
}
