package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
)

// SnapshotStore is the durable blob adapter the engine consumes.
// Get must return ErrRecordNotFound for an object that was never persisted.
type SnapshotStore interface {
	Get(ctx context.Context, objectID string) ([]byte, error)
	Put(ctx context.Context, objectID string, snapshot []byte) error
}

// AppliedEvent is emitted once per merged update. Flush 计数、广播、Kafka
// 三个消费方都吃这条事件，互不阻塞合并路径。
type AppliedEvent struct {
	ObjectID  string
	Origin    string // connection id of the writer, "" for server-side writes
	Update    []byte
	AppliedAt time.Time
}

// DocStore owns every resident Document. Map access is guarded by mu;
// CRDT mutation is serialized per object by the Document's own lock, so
// merges on different objects proceed in parallel.
type DocStore struct {
	mu   sync.RWMutex
	docs map[string]*Document

	snapshots SnapshotStore
	events    chan AppliedEvent
}

func NewDocStore(snapshots SnapshotStore) *DocStore {
	return &DocStore{
		docs:      make(map[string]*Document),
		snapshots: snapshots,
		events:    make(chan AppliedEvent, 1024),
	}
}

// Open returns the resident document for objectID, hydrating from the
// snapshot store on first access. NotFound means a brand-new empty doc.
// A corrupt snapshot is fatal for this object: starting empty instead
// would re-introduce already-acknowledged edits as conflicting duplicates.
func (s *DocStore) Open(ctx context.Context, objectID string, collabType CollabType) (*Document, error) {
	s.mu.RLock()
	d := s.docs[objectID]
	s.mu.RUnlock()
	if d != nil {
		return d, nil
	}

	// hydrate outside the map lock; the double check below keeps one winner
	var doc *automerge.Doc
	blob, err := s.snapshots.Get(ctx, objectID)
	switch {
	case err == nil:
		doc, err = automerge.Load(blob)
		if err != nil {
			return nil, fmt.Errorf("load snapshot for %s: %w", objectID, err)
		}
	case errors.Is(err, ErrRecordNotFound):
		doc = automerge.New()
	default:
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if exist := s.docs[objectID]; exist != nil {
		return exist, nil
	}
	d = newDocument(objectID, collabType, doc)
	s.docs[objectID] = d
	return d, nil
}

// Lookup returns the resident document or nil.
func (s *DocStore) Lookup(objectID string) *Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.docs[objectID]
}

// Evict drops the resident document. 调用方负责先把未落盘的余量 flush 掉。
func (s *DocStore) Evict(objectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, objectID)
}

// ResidentIDs lists the object ids currently held in memory.
func (s *DocStore) ResidentIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.docs))
	for id := range s.docs {
		ids = append(ids, id)
	}
	return ids
}

// ApplyUpdate merges a client update into the resident document and emits
// the applied event. A duplicate update is a silent no-op (no event).
func (s *DocStore) ApplyUpdate(ctx context.Context, objectID, origin string, update []byte) error {
	d := s.Lookup(objectID)
	if d == nil {
		return ErrNotSubscribed
	}
	delta, err := d.ApplyUpdate(update)
	if err != nil {
		return err
	}
	if len(delta) == 0 {
		return nil
	}
	s.emit(ctx, AppliedEvent{ObjectID: objectID, Origin: origin, Update: delta, AppliedAt: time.Now()})
	return nil
}

// ReceiveSync feeds one handshake payload from a peer session and emits an
// applied event for whatever the exchange merged in.
func (s *DocStore) ReceiveSync(ctx context.Context, objectID, origin string, sess *SyncSession, payload []byte) error {
	delta, err := sess.Receive(payload)
	if err != nil {
		return err
	}
	if len(delta) == 0 {
		return nil
	}
	s.emit(ctx, AppliedEvent{ObjectID: objectID, Origin: origin, Update: delta, AppliedAt: time.Now()})
	return nil
}

// Snapshot serializes the resident document's full state.
func (s *DocStore) Snapshot(objectID string) ([]byte, error) {
	d := s.Lookup(objectID)
	if d == nil {
		return nil, ErrRecordNotFound
	}
	return d.Snapshot(), nil
}

// Events is the applied-event stream consumed by the engine loop.
func (s *DocStore) Events() <-chan AppliedEvent {
	return s.events
}

func (s *DocStore) emit(ctx context.Context, ev AppliedEvent) {
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}
