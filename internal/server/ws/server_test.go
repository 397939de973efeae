package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/rzbill/relay/internal/chunklog"
	"github.com/rzbill/relay/internal/chunkstore"
	"github.com/rzbill/relay/internal/config"
	"github.com/rzbill/relay/internal/coordinator"
	"github.com/rzbill/relay/internal/events"
	"github.com/rzbill/relay/internal/fanout"
	"github.com/rzbill/relay/internal/message"
	"github.com/rzbill/relay/internal/recovery"
	"github.com/rzbill/relay/internal/session"
	pebblestore "github.com/rzbill/relay/internal/storage/pebble"
	"github.com/rzbill/relay/pkg/log"
)

type stack struct {
	srv      *Server
	registry *session.Registry
	store    *chunkstore.Store
	durable  *message.Store
	client   *redis.Client
	http     *httptest.Server
}

func newStack(t *testing.T) *stack {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	cfg := config.Default()
	lg := log.NewNop()
	durable := message.NewStore(db)
	registry := session.NewRegistry(client, durable, "node-a", cfg, lg)
	store := chunkstore.NewStore(client, chunklog.NewLog(db), cfg.Stream, lg)
	bus := fanout.NewBus(client, lg)
	coord := coordinator.New(registry, store, durable, bus, events.Nop{}, nil, cfg.Stream, lg)
	recov := recovery.NewEngine(client, registry, store, durable, cfg.Recovery, lg)

	hub := NewHub(lg)
	t.Cleanup(hub.CloseAll)
	srv := NewServer(cfg.WS, cfg.History, hub, coord, recov, durable, lg)

	e := echo.New()
	e.GET("/v1/stream", srv.Handle)
	ts := httptest.NewServer(e)
	t.Cleanup(ts.Close)

	return &stack{srv: srv, registry: registry, store: store, durable: durable, client: client, http: ts}
}

func (s *stack) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.http.URL, "http") + "/v1/stream?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMsg(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return m
}

func TestWelcomeAndHeartbeat(t *testing.T) {
	s := newStack(t)
	conn := s.dial(t, "session_id=s1&user_id=u1")

	if m := readMsg(t, conn); m.Type != TypeWelcome || m.SessionID != "s1" {
		t.Fatalf("want welcome, got %+v", m)
	}

	hb, _ := json.Marshal(Message{Type: TypeHeartbeat, SessionID: "s1"})
	if err := conn.WriteMessage(websocket.TextMessage, hb); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}
	if m := readMsg(t, conn); m.Type != TypeHeartbeatAck {
		t.Fatalf("want heartbeat_ack, got %+v", m)
	}
}

func TestMissingParamsRejected(t *testing.T) {
	s := newStack(t)
	url := "ws" + strings.TrimPrefix(s.http.URL, "http") + "/v1/stream?user_id=u1"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("dial without session_id should fail")
	}
	if resp == nil || resp.StatusCode != 400 {
		t.Fatalf("want 400, got %+v", resp)
	}
}

func TestBadTokenClosed(t *testing.T) {
	s := newStack(t)
	s.srv.cfg.AuthSecret = "topsecret"

	conn := s.dial(t, "session_id=s1&user_id=u1&token=wrong")
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("expected close for bad token")
	}
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("want policy violation close, got %v", err)
	}
}

func TestGoodTokenAccepted(t *testing.T) {
	s := newStack(t)
	s.srv.cfg.AuthSecret = "topsecret"

	conn := s.dial(t, "session_id=s1&user_id=u1&token="+Token("topsecret", "u1"))
	if m := readMsg(t, conn); m.Type != TypeWelcome {
		t.Fatalf("want welcome, got %+v", m)
	}
}

func TestHistoryReplay(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, content := range []string{"first turn", "second turn"} {
		m := message.Message{
			ID:             "h" + string(rune('1'+i)),
			ConversationID: "c1",
			Content:        content,
			Status:         message.MessageCompleted,
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.durable.SaveMessage(ctx, m); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	conn := s.dial(t, "session_id=s1&user_id=u1&conversation_id=c1")
	if m := readMsg(t, conn); m.Type != TypeWelcome {
		t.Fatalf("want welcome, got %+v", m)
	}
	for _, want := range []string{"first turn", "second turn"} {
		m := readMsg(t, conn)
		if m.Type != TypeComplete || m.Metadata["history"] != true {
			t.Fatalf("want history frame, got %+v", m)
		}
		var final message.Message
		if err := json.Unmarshal(m.Data, &final); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if final.Content != want {
			t.Fatalf("want %q, got %q", want, final.Content)
		}
	}
}

func TestReconnectRecoversMissingChunks(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	// a stream already in flight: 5 chunks cached, session STREAMING
	for i, content := range []string{"Hel", "lo ", "wor", "ld", "!"} {
		c := message.StreamChunk{MessageID: "m1", Index: i, Content: content, Type: message.ChunkText, Timestamp: time.Now()}
		if err := s.store.Append(ctx, c); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	sess := message.Session{
		SessionID:        "s1",
		MessageID:        "m1",
		UserID:           "u1",
		Status:           message.StatusStreaming,
		StartTime:        time.Now(),
		LastActivityTime: time.Now(),
		TotalChunks:      5,
	}
	if err := s.registry.Put(ctx, &sess); err != nil {
		t.Fatalf("put session: %v", err)
	}
	// the owning node holds the claim; this connection must not steal it
	if ok, _ := s.registry.ClaimOwnership(ctx, "s1"); !ok {
		t.Fatalf("claim setup failed")
	}

	conn := s.dial(t, "session_id=s1&user_id=u1")
	if m := readMsg(t, conn); m.Type != TypeWelcome {
		t.Fatalf("want welcome, got %+v", m)
	}

	rd, _ := json.Marshal(ReconnectData{MessageID: "m1", LastChunkIndex: 1})
	req, _ := json.Marshal(Message{Type: TypeReconnect, SessionID: "s1", Data: rd})
	if err := conn.WriteMessage(websocket.TextMessage, req); err != nil {
		t.Fatalf("write reconnect: %v", err)
	}

	for i, want := range []string{"wor", "ld", "!"} {
		m := readMsg(t, conn)
		if m.Type != TypeChunk {
			t.Fatalf("frame %d: want chunk, got %+v", i, m)
		}
		var c message.StreamChunk
		if err := json.Unmarshal(m.Data, &c); err != nil {
			t.Fatalf("unmarshal chunk: %v", err)
		}
		if c.Index != i+2 || c.Content != want {
			t.Fatalf("frame %d: %+v", i, c)
		}
	}
	st := readMsg(t, conn)
	if st.Type != TypeRecoveryStatus {
		t.Fatalf("want recovery_status, got %+v", st)
	}
	if st.Metadata["status"] != "RECOVERED" {
		t.Fatalf("status: %v", st.Metadata["status"])
	}
	if n, _ := st.Metadata["chunksRecovered"].(float64); n != 3 {
		t.Fatalf("chunksRecovered: %v", st.Metadata["chunksRecovered"])
	}
}

func TestChatRequestWithoutUpstream(t *testing.T) {
	s := newStack(t)
	conn := s.dial(t, "session_id=s1&user_id=u1")
	readMsg(t, conn) // welcome

	req, _ := json.Marshal(Message{Type: TypeChatRequest, SessionID: "s1"})
	if err := conn.WriteMessage(websocket.TextMessage, req); err != nil {
		t.Fatalf("write: %v", err)
	}
	if m := readMsg(t, conn); m.Type != TypeError {
		t.Fatalf("want error, got %+v", m)
	}
}
