package collab

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/automerge/automerge-go"
)

// Broadcaster fans one accepted update out to every other subscriber of the
// object. Implemented by ws.Hub; declared here so the engine stays free of
// transport imports.
type Broadcaster interface {
	Broadcast(objectID string, update []byte, originID string)
}

// Engine 把文档存储、flush 调度、广播和 Kafka 事件流接在一起。
// 每个成功合并的更新走一条事件，三个消费方互相独立：
// apply → AppliedEvent → {Broadcaster, FlushScheduler, KafkaDispatcher}
type Engine struct {
	docs        *DocStore
	flush       *FlushScheduler
	snapshots   SnapshotStore
	broadcaster Broadcaster
	dispatcher  *KafkaDispatcher
}

func NewEngine(docs *DocStore, flush *FlushScheduler, snapshots SnapshotStore, broadcaster Broadcaster, dispatcher *KafkaDispatcher) *Engine {
	return &Engine{
		docs:        docs,
		flush:       flush,
		snapshots:   snapshots,
		broadcaster: broadcaster,
		dispatcher:  dispatcher,
	}
}

// Run drains the applied-event stream until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.docs.Events():
			if e.broadcaster != nil {
				e.broadcaster.Broadcast(ev.ObjectID, ev.Update, ev.Origin)
			}
			e.flush.OnApplied(ev.ObjectID)
			if e.dispatcher != nil {
				enqCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
				if err := e.dispatcher.Enqueue(enqCtx, CollabEvent{
					EventType: "UPDATE_APPLIED",
					ObjectID:  ev.ObjectID,
					Origin:    ev.Origin,
					Update:    ev.Update,
					AppliedAt: ev.AppliedAt,
				}); err != nil {
					log.Printf("kafka enqueue dropped object=%s: %v", ev.ObjectID, err)
				}
				cancel()
			}
		}
	}
}

// Open hydrates (or creates) the resident document for objectID.
func (e *Engine) Open(ctx context.Context, objectID string, collabType CollabType) (*Document, error) {
	return e.docs.Open(ctx, objectID, collabType)
}

// ApplyUpdate merges a client update; the applied event drives broadcast,
// flush counting and the Kafka stream.
func (e *Engine) ApplyUpdate(ctx context.Context, objectID, origin string, update []byte) error {
	return e.docs.ApplyUpdate(ctx, objectID, origin, update)
}

// ReceiveSync feeds one handshake payload from a peer session.
func (e *Engine) ReceiveSync(ctx context.Context, objectID, origin string, sess *SyncSession, payload []byte) error {
	return e.docs.ReceiveSync(ctx, objectID, origin, sess, payload)
}

// GetCollab reads the object without establishing a subscription: resident
// state first, durable snapshot second. An object nobody ever wrote to is
// RecordNotFound even if some connection has it open.
func (e *Engine) GetCollab(ctx context.Context, objectID string, collabType CollabType) (map[string]any, error) {
	if d := e.docs.Lookup(objectID); d != nil && d.HasContent() {
		return d.ToValue()
	}
	blob, err := e.snapshots.Get(ctx, objectID)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	doc, err := automerge.Load(blob)
	if err != nil {
		return nil, fmt.Errorf("load snapshot for %s: %w", objectID, err)
	}
	return materializeMap(doc.RootMap())
}

// ReleaseObject flushes the unpersisted remainder once an object loses its
// last subscriber. The document stays resident as a cache.
func (e *Engine) ReleaseObject(objectID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.flush.FlushNow(ctx, objectID); err != nil {
		log.Printf("release flush object=%s failed: %v", objectID, err)
	}
}

// Shutdown flushes every dirty document.
func (e *Engine) Shutdown(ctx context.Context) {
	e.flush.FlushAll(ctx)
}
