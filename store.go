package boardsync

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/drpcorg/boardsync/hlc"
	"github.com/drpcorg/boardsync/lww"
	"github.com/drpcorg/boardsync/protocol"
)

// AppliedChange tells listeners what one applied change did. Object is
// the post-merge state, nil for deletes.
type AppliedChange struct {
	Action   protocol.Action
	ObjectID string
	Object   lww.Fields
}

// Listener observes store mutations. One call covers a whole applied
// batch so downstream consumers (a renderer, usually) refresh once.
type Listener func(changes []AppliedChange)

// Store is the authoritative replica state: object id to fields, and
// object id to the clock table that justifies them. Recently deleted
// ids keep their tombstone reading in an LRU so a straggling update
// cannot silently resurrect an object.
type Store struct {
	objects    *xsync.MapOf[string, lww.Fields]
	clocks     *xsync.MapOf[string, lww.ClockTable]
	tombstones *lru.Cache[string, hlc.Clock]

	// mu serializes read-modify-write sequences: the local write paths
	// and the inbound merge both hold it from first read to final Put,
	// so neither can re-install state the other just superseded
	mu sync.Mutex

	lmu       sync.Mutex
	listeners []Listener
}

func NewStore(tombstoneCache int) *Store {
	tombs, _ := lru.New[string, hlc.Clock](tombstoneCache)
	return &Store{
		objects:    xsync.NewMapOf[string, lww.Fields](),
		clocks:     xsync.NewMapOf[string, lww.ClockTable](),
		tombstones: tombs,
	}
}

// Get returns a copy of the object; mutating it does not touch the
// store.
func (s *Store) Get(id string) (lww.Fields, bool) {
	obj, ok := s.objects.Load(id)
	if !ok {
		return nil, false
	}
	cp := make(lww.Fields, len(obj))
	for f, v := range obj {
		cp[f] = v
	}
	return cp, true
}

func (s *Store) Has(id string) bool {
	_, ok := s.objects.Load(id)
	return ok
}

func (s *Store) Len() int {
	return s.objects.Size()
}

// ClockTable returns the clock table recorded for the object, nil if
// none.
func (s *Store) ClockTable(id string) lww.ClockTable {
	t, _ := s.clocks.Load(id)
	return t
}

// Range visits every object. The visited maps are live store state;
// do not mutate them.
func (s *Store) Range(fn func(id string, obj lww.Fields) bool) {
	s.objects.Range(fn)
}

// Put installs an object and its clock table wholesale. This is the
// local-write path; remote changes land through the inbound batcher's
// merge instead.
func (s *Store) Put(id string, obj lww.Fields, clocks lww.ClockTable) {
	s.objects.Store(id, obj)
	if clocks != nil {
		s.clocks.Store(id, clocks)
	}
	s.tombstones.Remove(id)
}

// Delete drops the object and its clock table, keeping the tombstone
// reading for later delete-vs-update arbitration.
func (s *Store) Delete(id string, at hlc.Clock) {
	s.objects.Delete(id)
	s.clocks.Delete(id)
	// duplicate deletes keep the greater tombstone
	if prev, ok := s.tombstones.Get(id); ok && at.Less(prev) {
		return
	}
	s.tombstones.Add(id, at)
}

// Tombstone returns the delete reading recorded for a dropped id.
func (s *Store) Tombstone(id string) (hlc.Clock, bool) {
	return s.tombstones.Get(id)
}

// Subscribe registers a listener for applied batches.
func (s *Store) Subscribe(l Listener) {
	s.lmu.Lock()
	s.listeners = append(s.listeners, l)
	s.lmu.Unlock()
}

func (s *Store) notify(changes []AppliedChange) {
	if len(changes) == 0 {
		return
	}
	s.lmu.Lock()
	ls := make([]Listener, len(s.listeners))
	copy(ls, s.listeners)
	s.lmu.Unlock()
	for _, l := range ls {
		l(changes)
	}
}
