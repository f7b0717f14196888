package collab

import (
	"context"
	"log"
	"sync"
	"time"
)

// DefaultFlushPerUpdate is the number of applied updates that triggers a
// persistence flush for an object.
const DefaultFlushPerUpdate = 5

// FlushScheduler counts applied updates per object and persists a full
// snapshot every perUpdate updates. Flushing is best-effort and
// asynchronous: the update is acknowledged before the Put completes.
type FlushScheduler struct {
	docs      *DocStore
	snapshots SnapshotStore
	perUpdate int

	mu       sync.Mutex
	pending  map[string]int
	inflight map[string]bool
}

func NewFlushScheduler(docs *DocStore, snapshots SnapshotStore, perUpdate int) *FlushScheduler {
	if perUpdate <= 0 {
		perUpdate = DefaultFlushPerUpdate
	}
	return &FlushScheduler{
		docs:      docs,
		snapshots: snapshots,
		perUpdate: perUpdate,
		pending:   make(map[string]int),
		inflight:  make(map[string]bool),
	}
}

// OnApplied is called once per merged update. On a failed flush the counter
// is left untouched, so the next applied update retries the flush.
func (f *FlushScheduler) OnApplied(objectID string) {
	f.mu.Lock()
	f.pending[objectID]++
	trigger := f.pending[objectID] >= f.perUpdate && !f.inflight[objectID]
	if trigger {
		f.inflight[objectID] = true
	}
	f.mu.Unlock()

	if trigger {
		go f.flush(objectID)
	}
}

func (f *FlushScheduler) flush(objectID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// 先记下这次 flush 覆盖多少计数：flush 期间新合并的更新既不在
	// 这份快照里，也绝不能被成功路径清掉
	f.mu.Lock()
	counted := f.pending[objectID]
	f.mu.Unlock()

	snapshot, err := f.docs.Snapshot(objectID)
	if err == nil {
		err = f.snapshots.Put(ctx, objectID, snapshot)
	}

	retrigger := false
	f.mu.Lock()
	if err != nil {
		// 计数保留，下一次更新会再触发
		delete(f.inflight, objectID)
		log.Printf("flush object=%s failed, will retry: %v", objectID, err)
	} else {
		f.pending[objectID] -= counted
		if f.pending[objectID] < 0 {
			f.pending[objectID] = 0
		}
		if f.pending[objectID] >= f.perUpdate {
			retrigger = true
		} else {
			delete(f.inflight, objectID)
		}
	}
	f.mu.Unlock()

	if retrigger {
		go f.flush(objectID)
	}
}

// FlushNow persists the object synchronously, regardless of the counter.
// Used when a document loses its last subscriber and at shutdown.
func (f *FlushScheduler) FlushNow(ctx context.Context, objectID string) error {
	f.mu.Lock()
	counted := f.pending[objectID]
	f.mu.Unlock()
	if counted == 0 {
		return nil
	}

	snapshot, err := f.docs.Snapshot(objectID)
	if err != nil {
		return err
	}
	if err := f.snapshots.Put(ctx, objectID, snapshot); err != nil {
		return err
	}
	f.mu.Lock()
	f.pending[objectID] -= counted
	if f.pending[objectID] < 0 {
		f.pending[objectID] = 0
	}
	f.mu.Unlock()
	return nil
}

// FlushAll drains every dirty object. Called on graceful shutdown.
func (f *FlushScheduler) FlushAll(ctx context.Context) {
	f.mu.Lock()
	ids := make([]string, 0, len(f.pending))
	for id, n := range f.pending {
		if n > 0 {
			ids = append(ids, id)
		}
	}
	f.mu.Unlock()

	for _, id := range ids {
		if err := f.FlushNow(ctx, id); err != nil {
			log.Printf("shutdown flush object=%s failed: %v", id, err)
		}
	}
}

// Pending reports the unflushed update count for an object.
func (f *FlushScheduler) Pending(objectID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending[objectID]
}
