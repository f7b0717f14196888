package ws

import "sync"

type SyncState string

const (
	SyncStateSyncing      SyncState = "syncing"
	SyncStateSyncFinished SyncState = "sync_finished"
)

// syncTracker follows one (connection, object) pair through the catch-up
// lifecycle. pending counts deltas queued for the client but not yet
// written to its socket; the pair is caught up when pending drains.
// This is a liveness signal only, never a merge precondition.
type syncTracker struct {
	mu       sync.Mutex
	state    SyncState
	pending  int
	onChange func(SyncState)
}

func newSyncTracker(onChange func(SyncState)) *syncTracker {
	t := &syncTracker{state: SyncStateSyncing, onChange: onChange}
	return t
}

func (t *syncTracker) State() SyncState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// enqueued：有一条 sync/update 进入出站队列。
func (t *syncTracker) enqueued() {
	t.mu.Lock()
	t.pending++
	changed := t.state != SyncStateSyncing
	t.state = SyncStateSyncing
	t.mu.Unlock()
	if changed && t.onChange != nil {
		t.onChange(SyncStateSyncing)
	}
}

// delivered：writeLoop 写出了一条 sync/update。
func (t *syncTracker) delivered() {
	t.mu.Lock()
	if t.pending > 0 {
		t.pending--
	}
	changed := t.pending == 0 && t.state != SyncStateSyncFinished
	if changed {
		t.state = SyncStateSyncFinished
	}
	t.mu.Unlock()
	if changed && t.onChange != nil {
		t.onChange(SyncStateSyncFinished)
	}
}

// settle marks the pair finished when a handshake round produced nothing
// new to send and nothing is pending.
func (t *syncTracker) settle() {
	t.mu.Lock()
	changed := t.pending == 0 && t.state != SyncStateSyncFinished
	if changed {
		t.state = SyncStateSyncFinished
	}
	t.mu.Unlock()
	if changed && t.onChange != nil {
		t.onChange(SyncStateSyncFinished)
	}
}

// markSyncing forces the pair back to Syncing and discards the stale queue
// accounting (the failed enqueue left an increment nobody will deliver).
// Used when the subscriber is dropped for falling behind: the fresh
// handshake that follows carries its own enqueued/delivered bookkeeping.
func (t *syncTracker) markSyncing() {
	t.mu.Lock()
	t.pending = 0
	changed := t.state != SyncStateSyncing
	t.state = SyncStateSyncing
	t.mu.Unlock()
	if changed && t.onChange != nil {
		t.onChange(SyncStateSyncing)
	}
}
