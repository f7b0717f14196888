package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/fyfrey/AppFlowy-Cloud/backend/internal/collab"
	"github.com/fyfrey/AppFlowy-Cloud/backend/internal/httpapi/handlers"
	"github.com/fyfrey/AppFlowy-Cloud/backend/internal/httpapi/middleware"
	"github.com/fyfrey/AppFlowy-Cloud/backend/internal/store"
)

const testSecret = "unit-test-secret"

type testServer struct {
	srv    *httptest.Server
	snaps  *store.MemorySnapshotStore
	engine *collab.Engine
}

// newTestServer 起一套完整的协同服务：引擎事件循环 + ws 接入 + REST 查询。
func newTestServer(t *testing.T, flushPerUpdate int) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	snaps := store.NewMemorySnapshotStore()
	docs := collab.NewDocStore(snaps)
	flush := collab.NewFlushScheduler(docs, snaps, flushPerUpdate)
	hub := NewHub()
	engine := collab.NewEngine(docs, flush, snaps, hub, nil)
	hub.SetOnEmpty(engine.ReleaseObject)

	arbiter := NewSessionArbiter()
	manager := NewManager(hub, engine, arbiter, nil, 64)
	collabHandler := handlers.NewCollabHandler(engine)

	ctx, cancel := context.WithCancel(context.Background())
	go engine.Run(ctx)

	r := gin.New()
	authed := r.Group("/collab")
	authed.Use(middleware.AuthMiddleware(testSecret))
	authed.GET("/ws", manager.WebSocketConnect)
	api := r.Group("/api")
	api.Use(middleware.AuthMiddleware(testSecret))
	api.GET("/collab/:objectID", collabHandler.GetCollab)

	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return &testServer{srv: srv, snaps: snaps, engine: engine}
}

func (ts *testServer) getCollab(t *testing.T, token, objectID string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, ts.srv.URL+"/api/collab/"+objectID, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get collab: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Value map[string]any `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return resp.StatusCode, body.Value
}

func accessToken(t *testing.T, userID uint64, username string) string {
	t.Helper()
	token, _, err := middleware.SignAccessToken(testSecret, userID, username, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func eventually(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type envelope struct {
	Type     string `json:"type"`
	ObjectID string `json:"objectId"`
	Code     string `json:"code"`
	Content  string `json:"content"`
	State    string `json:"state"`
	Payload  []byte `json:"payload"`
}

// testClient 模拟一个持有本地 automerge 副本的协同客户端。
// readLoop 驱动握手应答和广播合并，测试断言只看最终收敛结果。
type testClient struct {
	t    *testing.T
	conn *websocket.Conn

	wmu sync.Mutex // 写串行化（readLoop 和测试主线程都会发消息）

	mu      sync.Mutex
	doc     *automerge.Doc
	states  map[string]*automerge.SyncState
	synced  map[string]string
	acks    int
	updates int
	errs    []envelope

	closed   chan struct{}
	closeErr error
}

func dialClient(t *testing.T, ts *testServer, token, deviceID string) *testClient {
	return dialClientWithDoc(t, ts, token, deviceID, automerge.New())
}

// dialClientWithDoc 复用一个已有副本接入，模拟断线重连的客户端。
func dialClientWithDoc(t *testing.T, ts *testServer, token, deviceID string, doc *automerge.Doc) *testClient {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.srv.URL, "http") +
		"/collab/ws?deviceId=" + deviceID + "&token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	c := &testClient{
		t:      t,
		conn:   conn,
		doc:    doc,
		states: make(map[string]*automerge.SyncState),
		synced: make(map[string]string),
		closed: make(chan struct{}),
	}
	go c.readLoop()
	t.Cleanup(func() { conn.Close() })
	return c
}

func drainClientSync(st *automerge.SyncState) [][]byte {
	var out [][]byte
	for {
		msg, valid := st.GenerateMessage()
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

func (c *testClient) readLoop() {
	for {
		var env envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			c.mu.Lock()
			c.closeErr = err
			c.mu.Unlock()
			close(c.closed)
			return
		}
		switch env.Type {
		case "sync":
			c.mu.Lock()
			var replies [][]byte
			if st := c.states[env.ObjectID]; st != nil {
				if _, err := st.ReceiveMessage(env.Payload); err == nil {
					replies = drainClientSync(st)
				}
			}
			c.mu.Unlock()
			for _, payload := range replies {
				c.send(ClientMessage{Type: "sync", ObjectID: env.ObjectID, Payload: payload})
			}
		case "update":
			c.mu.Lock()
			_ = c.doc.LoadIncremental(env.Payload)
			c.updates++
			c.mu.Unlock()
		case "sync_state":
			c.mu.Lock()
			c.synced[env.ObjectID] = env.State
			c.mu.Unlock()
		case "ack":
			c.mu.Lock()
			c.acks++
			c.mu.Unlock()
		case "error":
			c.mu.Lock()
			c.errs = append(c.errs, env)
			c.mu.Unlock()
		}
	}
}

func (c *testClient) send(msg ClientMessage) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.WriteJSON(msg) // 被顶掉的连接写入会失败，由断言覆盖
}

// open 订阅对象并主动发起第一轮握手（把本地已有的离线修改推上去）。
func (c *testClient) open(objectID string) {
	c.mu.Lock()
	st := automerge.NewSyncState(c.doc)
	c.states[objectID] = st
	initial := drainClientSync(st)
	c.mu.Unlock()

	c.send(ClientMessage{Type: "open", ObjectID: objectID, CollabType: "document"})
	for _, payload := range initial {
		c.send(ClientMessage{Type: "sync", ObjectID: objectID, Payload: payload})
	}
}

func (c *testClient) writeKey(objectID, key, val string) {
	c.mu.Lock()
	if err := c.doc.Path(key).Set(val); err != nil {
		c.mu.Unlock()
		c.t.Errorf("set %s: %v", key, err)
		return
	}
	update := c.doc.SaveIncremental()
	c.mu.Unlock()
	c.send(ClientMessage{Type: "update", ObjectID: objectID, Payload: update})
}

func (c *testClient) rootStr(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	values, err := c.doc.RootMap().Values()
	if err != nil {
		return "", false
	}
	v, ok := values[key]
	if !ok || v.Kind() != automerge.KindStr {
		return "", false
	}
	return v.Str(), true
}

func (c *testClient) ackCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acks
}

func (c *testClient) updateCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updates
}

func (c *testClient) syncStateOf(objectID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.synced[objectID]
}

func (c *testClient) lastErrCode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.errs) == 0 {
		return ""
	}
	return c.errs[len(c.errs)-1].Code
}

func TestSingleClientWriteThenQuery(t *testing.T) {
	ts := newTestServer(t, 100)
	token := accessToken(t, 1, "alice")

	c := dialClient(t, ts, token, "dev-a")
	c.open("doc-1")
	eventually(t, 3*time.Second, "initial sync_finished", func() bool {
		return c.syncStateOf("doc-1") == string(SyncStateSyncFinished)
	})

	for i := 0; i < 6; i++ {
		c.writeKey("doc-1", fmt.Sprintf("%d", i), fmt.Sprintf("%d", i))
	}
	eventually(t, 3*time.Second, "6 acks", func() bool { return c.ackCount() == 6 })

	status, value := ts.getCollab(t, token, "doc-1")
	if status != http.StatusOK {
		t.Fatalf("GET collab status = %d, want 200", status)
	}
	for i := 0; i < 6; i++ {
		k := fmt.Sprintf("%d", i)
		if value[k] != k {
			t.Fatalf("value[%s] = %v, want %s (full: %v)", k, value[k], k, value)
		}
	}
}

func TestQueryUnknownObjectNotFound(t *testing.T) {
	ts := newTestServer(t, 100)
	token := accessToken(t, 1, "alice")
	if status, _ := ts.getCollab(t, token, "no-such-object"); status != http.StatusNotFound {
		t.Fatalf("GET unknown object status = %d, want 404", status)
	}
}

func TestQueryRequiresAuth(t *testing.T) {
	ts := newTestServer(t, 100)
	resp, err := http.Get(ts.srv.URL + "/api/collab/whatever")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated GET status = %d, want 401", resp.StatusCode)
	}
}

func TestLateJoinerCatchesUpViaHandshake(t *testing.T) {
	ts := newTestServer(t, 100)

	a := dialClient(t, ts, accessToken(t, 1, "alice"), "dev-a")
	a.open("doc-1")
	a.writeKey("doc-1", "k1", "v1")
	a.writeKey("doc-1", "k2", "v2")
	eventually(t, 3*time.Second, "writer acks", func() bool { return a.ackCount() == 2 })

	// 晚到的协作者通过初始握手补齐全部历史
	b := dialClient(t, ts, accessToken(t, 2, "bob"), "dev-b")
	b.open("doc-1")
	eventually(t, 3*time.Second, "late joiner convergence", func() bool {
		v1, ok1 := b.rootStr("k1")
		v2, ok2 := b.rootStr("k2")
		return ok1 && ok2 && v1 == "v1" && v2 == "v2"
	})
	eventually(t, 3*time.Second, "late joiner sync_finished", func() bool {
		return b.syncStateOf("doc-1") == string(SyncStateSyncFinished)
	})
}

func TestBroadcastFanOutSkipsOrigin(t *testing.T) {
	ts := newTestServer(t, 100)

	a := dialClient(t, ts, accessToken(t, 1, "alice"), "dev-a")
	b := dialClient(t, ts, accessToken(t, 2, "bob"), "dev-b")
	a.open("doc-1")
	b.open("doc-1")
	eventually(t, 3*time.Second, "both synced", func() bool {
		return a.syncStateOf("doc-1") == string(SyncStateSyncFinished) &&
			b.syncStateOf("doc-1") == string(SyncStateSyncFinished)
	})

	a.writeKey("doc-1", "shared", "yes")
	eventually(t, 3*time.Second, "broadcast delivery", func() bool {
		v, ok := b.rootStr("shared")
		return ok && v == "yes"
	})

	// 写入方不收到自己的回声
	if got := a.updateCount(); got != 0 {
		t.Fatalf("origin received %d update broadcasts, want 0", got)
	}
}

func TestDuplicateDeviceEvicted(t *testing.T) {
	ts := newTestServer(t, 100)
	token := accessToken(t, 1, "alice")

	c1 := dialClient(t, ts, token, "dev-a")
	c1.open("doc-1")
	c1.writeKey("doc-1", "first", "1")
	eventually(t, 3*time.Second, "first write ack", func() bool { return c1.ackCount() == 1 })

	// 同一设备身份的新连接顶掉旧连接
	c2 := dialClient(t, ts, token, "dev-a")
	select {
	case <-c1.closed:
	case <-time.After(3 * time.Second):
		t.Fatalf("old connection was not evicted")
	}
	c1.mu.Lock()
	closeErr := c1.closeErr
	c1.mu.Unlock()
	if !websocket.IsCloseError(closeErr, websocket.ClosePolicyViolation) {
		t.Fatalf("evicted close err = %v, want policy violation close frame", closeErr)
	}

	c2.open("doc-1")
	c2.writeKey("doc-1", "second", "2")
	eventually(t, 3*time.Second, "new connection write ack", func() bool { return c2.ackCount() == 1 })

	// 被顶掉的连接再写不会落到文档上
	c1.writeKey("doc-1", "stale", "x")
	time.Sleep(100 * time.Millisecond)

	status, value := ts.getCollab(t, token, "doc-1")
	if status != http.StatusOK {
		t.Fatalf("GET status = %d", status)
	}
	if value["first"] != "1" || value["second"] != "2" {
		t.Fatalf("value = %v, want first/second", value)
	}
	if _, ok := value["stale"]; ok {
		t.Fatalf("write from evicted connection landed: %v", value)
	}
}

func TestReconnectPushesOfflineEdits(t *testing.T) {
	ts := newTestServer(t, 2)
	token := accessToken(t, 1, "alice")

	c1 := dialClient(t, ts, token, "dev-a")
	c1.open("doc-1")

	// 打开但尚未写入：查询方还看不到这个对象
	if status, _ := ts.getCollab(t, token, "doc-1"); status != http.StatusNotFound {
		t.Fatalf("GET before first write status = %d, want 404", status)
	}

	c1.writeKey("doc-1", "a", "1")
	c1.writeKey("doc-1", "b", "2")
	eventually(t, 3*time.Second, "2 acks", func() bool { return c1.ackCount() == 2 })
	// flushPerUpdate=2：第二次更新后快照落盘
	eventually(t, 3*time.Second, "snapshot flushed", func() bool {
		_, err := ts.snaps.Get(context.Background(), "doc-1")
		return err == nil
	})

	c1.conn.Close()
	<-c1.closed

	// 断线期间的本地修改
	c1.mu.Lock()
	if err := c1.doc.Path("offline").Set("yes"); err != nil {
		c1.mu.Unlock()
		t.Fatalf("offline edit: %v", err)
	}
	doc := c1.doc
	c1.mu.Unlock()

	// 重连走普通的 open 流程，握手把两边缺的历史都补齐
	c2 := dialClientWithDoc(t, ts, token, "dev-a", doc)
	c2.open("doc-1")
	eventually(t, 3*time.Second, "offline edit reaches server", func() bool {
		status, value := ts.getCollab(t, token, "doc-1")
		return status == http.StatusOK && value["offline"] == "yes" && value["a"] == "1" && value["b"] == "2"
	})
	eventually(t, 3*time.Second, "reconnect sync_finished", func() bool {
		return c2.syncStateOf("doc-1") == string(SyncStateSyncFinished)
	})
}

func TestObjectsAreIsolated(t *testing.T) {
	ts := newTestServer(t, 100)

	a := dialClient(t, ts, accessToken(t, 1, "alice"), "dev-a")
	b := dialClient(t, ts, accessToken(t, 2, "bob"), "dev-b")
	a.open("obj-x")
	b.open("obj-y")
	eventually(t, 3*time.Second, "both synced", func() bool {
		return a.syncStateOf("obj-x") == string(SyncStateSyncFinished) &&
			b.syncStateOf("obj-y") == string(SyncStateSyncFinished)
	})

	a.writeKey("obj-x", "only-x", "1")
	eventually(t, 3*time.Second, "obj-x write ack", func() bool { return a.ackCount() == 1 })

	time.Sleep(100 * time.Millisecond)
	if got := b.updateCount(); got != 0 {
		t.Fatalf("obj-y subscriber received %d broadcasts from obj-x", got)
	}
	if _, ok := b.rootStr("only-x"); ok {
		t.Fatalf("obj-x edit leaked into obj-y replica")
	}
	if status, _ := ts.getCollab(t, accessToken(t, 2, "bob"), "obj-y"); status != http.StatusNotFound {
		t.Fatalf("untouched obj-y should stay 404")
	}
}

func TestUpdateWithoutOpenRejected(t *testing.T) {
	ts := newTestServer(t, 100)
	c := dialClient(t, ts, accessToken(t, 1, "alice"), "dev-a")

	c.mu.Lock()
	if err := c.doc.Path("k").Set("v"); err != nil {
		c.mu.Unlock()
		t.Fatalf("set: %v", err)
	}
	update := c.doc.SaveIncremental()
	c.mu.Unlock()
	c.send(ClientMessage{Type: "update", ObjectID: "never-opened", Payload: update})

	eventually(t, 3*time.Second, "NOT_SUBSCRIBED error", func() bool {
		return c.lastErrCode() == "NOT_SUBSCRIBED"
	})
}

func TestGarbageUpdateRejectedWithoutDamage(t *testing.T) {
	ts := newTestServer(t, 100)
	token := accessToken(t, 1, "alice")
	c := dialClient(t, ts, token, "dev-a")
	c.open("doc-1")
	c.writeKey("doc-1", "good", "1")
	eventually(t, 3*time.Second, "good write ack", func() bool { return c.ackCount() == 1 })

	c.send(ClientMessage{Type: "update", ObjectID: "doc-1", Payload: []byte("junk bytes")})
	eventually(t, 3*time.Second, "MERGE_REJECTED error", func() bool {
		return c.lastErrCode() == "MERGE_REJECTED"
	})

	// 非法负载只被丢弃，文档不受影响，连接继续可用
	c.writeKey("doc-1", "after", "2")
	eventually(t, 3*time.Second, "post-reject ack", func() bool { return c.ackCount() == 2 })
	status, value := ts.getCollab(t, token, "doc-1")
	if status != http.StatusOK || value["good"] != "1" || value["after"] != "2" {
		t.Fatalf("status=%d value=%v, want good/after intact", status, value)
	}
}

func TestMissingDeviceIDRejected(t *testing.T) {
	ts := newTestServer(t, 100)
	token := accessToken(t, 1, "alice")
	wsURL := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/collab/ws?token=" + token
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("dial without deviceId succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("dial without deviceId status = %v, want 400", resp)
	}
}
