package collab

import (
	"fmt"
	"sync"

	"github.com/automerge/automerge-go"
)

type CollabType string

const (
	CollabTypeDocument CollabType = "document"
	CollabTypeDatabase CollabType = "database"
)

// Document 是某个 object id 在内存中唯一的常驻副本。
// 所有 CRDT 访问都经过它；其他组件不会拿到第二个可变引用。
type Document struct {
	objectID   string
	collabType CollabType

	mu  sync.Mutex
	doc *automerge.Doc
}

func newDocument(objectID string, collabType CollabType, doc *automerge.Doc) *Document {
	return &Document{objectID: objectID, collabType: collabType, doc: doc}
}

func (d *Document) ObjectID() string       { return d.objectID }
func (d *Document) CollabType() CollabType { return d.collabType }

// validateUpdate 在一个空副本上独立解析 payload。已有历史的文档会把
// 非法字节静默吞掉（返回 nil），所以不能拿常驻副本的返回值当校验。
func validateUpdate(update []byte) error {
	return automerge.New().LoadIncremental(update)
}

// ApplyUpdate merges one incremental update into the replica. The returned
// delta is what the merge actually added; an already-seen update yields an
// empty delta (the CRDT dedups, no external log needed). A payload that
// does not parse is rejected without touching the document.
func (d *Document) ApplyUpdate(update []byte) ([]byte, error) {
	if err := validateUpdate(update); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMergeRejected, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.doc.LoadIncremental(update); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMergeRejected, err)
	}
	return d.doc.SaveIncremental(), nil
}

// Snapshot returns the full serialized state.
func (d *Document) Snapshot() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Save()
}

// HasContent reports whether any update was ever merged. A freshly opened
// (or merely subscribed) object stays invisible to queries until then.
func (d *Document) HasContent() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.doc.Heads()) > 0
}

// ToValue materializes the document into a plain key/value view.
func (d *Document) ToValue() (map[string]any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return materializeMap(d.doc.RootMap())
}

// NewSyncSession binds a fresh peer sync state to this replica. One session
// per (connection, object); the session serializes doc access through d.mu.
func (d *Document) NewSyncSession() *SyncSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	return &SyncSession{doc: d, state: automerge.NewSyncState(d.doc)}
}

// SyncSession drives the state-vector handshake with one remote replica.
// Receive merges whatever the peer has that we lack; Generate drains the
// messages that carry our missing history back to the peer.
type SyncSession struct {
	doc   *Document
	state *automerge.SyncState
}

// Receive feeds one sync payload from the peer. The returned delta is what
// the exchange newly merged into the document (empty when we were ahead).
// 同 ApplyUpdate：先在空副本上解码，坏消息不碰真实状态。
func (s *SyncSession) Receive(payload []byte) ([]byte, error) {
	if _, err := automerge.NewSyncState(automerge.New()).ReceiveMessage(payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMergeRejected, err)
	}
	s.doc.mu.Lock()
	defer s.doc.mu.Unlock()
	if _, err := s.state.ReceiveMessage(payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMergeRejected, err)
	}
	return s.doc.doc.SaveIncremental(), nil
}

// Generate returns the pending outbound sync messages for this peer, in
// order. An empty result means the peer has everything we know about.
func (s *SyncSession) Generate() [][]byte {
	s.doc.mu.Lock()
	defer s.doc.mu.Unlock()
	var out [][]byte
	for {
		msg, valid := s.state.GenerateMessage()
		if msg == nil {
			break
		}
		out = append(out, msg.Bytes())
		if !valid {
			break
		}
	}
	return out
}

func materializeMap(m *automerge.Map) (map[string]any, error) {
	values, err := m.Values()
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(values))
	for k, v := range values {
		gv, err := materializeValue(v)
		if err != nil {
			return nil, err
		}
		out[k] = gv
	}
	return out, nil
}

func materializeList(l *automerge.List) ([]any, error) {
	values, err := l.Values()
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(values))
	for _, v := range values {
		gv, err := materializeValue(v)
		if err != nil {
			return nil, err
		}
		out = append(out, gv)
	}
	return out, nil
}

func materializeValue(v *automerge.Value) (any, error) {
	switch v.Kind() {
	case automerge.KindStr:
		return v.Str(), nil
	case automerge.KindInt64:
		return v.Int64(), nil
	case automerge.KindUint64:
		return v.Uint64(), nil
	case automerge.KindFloat64:
		return v.Float64(), nil
	case automerge.KindBool:
		return v.Bool(), nil
	case automerge.KindBytes:
		return v.Bytes(), nil
	case automerge.KindTime:
		return v.Time(), nil
	case automerge.KindText:
		return v.Text().Get()
	case automerge.KindMap:
		return materializeMap(v.Map())
	case automerge.KindList:
		return materializeList(v.List())
	case automerge.KindNull, automerge.KindVoid:
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported value kind %v", v.Kind())
	}
}
