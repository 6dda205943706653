package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/agentgate/internal/bus"
	"github.com/nextlevelbuilder/agentgate/internal/config"
	"github.com/nextlevelbuilder/agentgate/internal/store"
	"github.com/nextlevelbuilder/agentgate/pkg/protocol"
)

func startServer(t *testing.T, cfg *config.Config) (*Server, string) {
	t.Helper()

	sess, err := store.NewSQLiteSessionStore(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { sess.Close() })

	s := NewServer(cfg, bus.NewMessageBus(), sess, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	addr, start := StartTestServer(s, ctx)
	go start()

	// Wait for the listener to answer.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get("http://" + addr + "/health")
		if err == nil {
			resp.Body.Close()
			return s, addr
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("test server did not come up")
	return nil, ""
}

func dial(t *testing.T, addr string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func call(t *testing.T, conn *websocket.Conn, id, method string, params interface{}) protocol.ResponseFrame {
	t.Helper()

	req := map[string]interface{}{
		"type":   protocol.FrameTypeRequest,
		"id":     id,
		"method": method,
	}
	if params != nil {
		req["params"] = params
	}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("write %s: %v", method, err)
	}

	var resp protocol.ResponseFrame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read %s response: %v", method, err)
	}
	if resp.ID != id {
		t.Fatalf("response id = %q, want %q", resp.ID, id)
	}
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	_, addr := startServer(t, config.Default())

	resp, err := http.Get("http://" + addr + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestHealthMethodWithoutToken(t *testing.T) {
	// No gateway token configured: methods work without connect.
	_, addr := startServer(t, config.Default())
	conn := dial(t, addr)

	resp := call(t, conn, "1", protocol.MethodHealth, nil)
	if !resp.OK {
		t.Fatalf("health failed: %+v", resp.Error)
	}

	payload, _ := resp.Payload.(map[string]interface{})
	if payload["status"] != "ok" {
		t.Errorf("payload = %v, want status ok", payload)
	}
}

func TestTokenAuthRequired(t *testing.T) {
	cfg := config.Default()
	cfg.Gateway.Token = "sekrit"
	_, addr := startServer(t, cfg)
	conn := dial(t, addr)

	// Method before connect is rejected.
	resp := call(t, conn, "1", protocol.MethodStatus, nil)
	if resp.OK || resp.Error == nil || resp.Error.Code != protocol.ErrUnauthorized {
		t.Fatalf("pre-auth status = %+v, want unauthorized", resp)
	}

	// Wrong token is rejected.
	resp = call(t, conn, "2", protocol.MethodConnect, map[string]string{"token": "nope"})
	if resp.OK || resp.Error.Code != protocol.ErrUnauthorized {
		t.Fatalf("bad connect = %+v, want unauthorized", resp)
	}

	// Correct token unlocks the session.
	resp = call(t, conn, "3", protocol.MethodConnect, map[string]string{"token": "sekrit"})
	if !resp.OK {
		t.Fatalf("connect failed: %+v", resp.Error)
	}
	resp = call(t, conn, "4", protocol.MethodStatus, nil)
	if !resp.OK {
		t.Errorf("post-auth status failed: %+v", resp.Error)
	}
}

func TestUnknownMethod(t *testing.T) {
	_, addr := startServer(t, config.Default())
	conn := dial(t, addr)

	resp := call(t, conn, "1", "no.such.method", nil)
	if resp.OK || resp.Error == nil || resp.Error.Code != protocol.ErrUnknownMethod {
		t.Errorf("resp = %+v, want unknown_method", resp)
	}
}

func TestSessionsListAndDelete(t *testing.T) {
	s, addr := startServer(t, config.Default())

	if _, err := s.sessions.GetOrCreate(context.Background(), "agent:default:telegram:direct:42", "default"); err != nil {
		t.Fatal(err)
	}

	conn := dial(t, addr)
	resp := call(t, conn, "1", protocol.MethodSessionsList, nil)
	if !resp.OK {
		t.Fatalf("sessions.list failed: %+v", resp.Error)
	}
	payload, _ := resp.Payload.(map[string]interface{})
	sessions, _ := payload["sessions"].([]interface{})
	if len(sessions) != 1 {
		t.Fatalf("sessions = %v, want 1 entry", payload["sessions"])
	}

	resp = call(t, conn, "2", protocol.MethodSessionsDelete,
		map[string]string{"key": "agent:default:telegram:direct:42"})
	if !resp.OK {
		t.Fatalf("sessions.delete failed: %+v", resp.Error)
	}

	meta, err := s.sessions.Get(context.Background(), "agent:default:telegram:direct:42")
	if err != nil {
		t.Fatal(err)
	}
	if meta != nil {
		t.Error("session still present after delete")
	}
}

func TestConfigGetMasksSecrets(t *testing.T) {
	cfg := config.Default()
	cfg.Gateway.Token = "topsecret"
	cfg.Channels.Telegram.Token = "tg-token"
	_, addr := startServer(t, cfg)

	conn := dial(t, addr)
	call(t, conn, "0", protocol.MethodConnect, map[string]string{"token": "topsecret"})
	resp := call(t, conn, "1", protocol.MethodConfigGet, nil)
	if !resp.OK {
		t.Fatalf("config.get failed: %+v", resp.Error)
	}

	raw, _ := json.Marshal(resp.Payload)
	for _, secret := range []string{"topsecret", "tg-token"} {
		if strings.Contains(string(raw), secret) {
			t.Errorf("config payload leaks %q", secret)
		}
	}
}

func TestBroadcastEventReachesClient(t *testing.T) {
	s, addr := startServer(t, config.Default())
	conn := dial(t, addr)

	// The register handshake is asynchronous with dial; poll until the
	// client shows up before broadcasting.
	deadline := time.Now().Add(2 * time.Second)
	for {
		s.mu.RLock()
		n := len(s.clients)
		s.mu.RUnlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	s.BroadcastEvent(*protocol.NewEvent(protocol.EventTurnCompleted, map[string]string{
		"session_key": "agent:default:telegram:direct:42",
	}))

	var frame protocol.EventFrame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if frame.Type != protocol.FrameTypeEvent || frame.Event != protocol.EventTurnCompleted {
		t.Errorf("frame = %+v", frame)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(60, 2)
	if !rl.Enabled() {
		t.Fatal("limiter should be enabled")
	}
	for i := 0; i < 2; i++ {
		if !rl.Allow("c1") {
			t.Fatalf("request %d should pass within burst", i)
		}
	}
	if rl.Allow("c1") {
		t.Error("burst exhausted, request should be denied")
	}
	if !rl.Allow("c2") {
		t.Error("separate client should have its own bucket")
	}

	off := NewRateLimiter(0, 5)
	if off.Enabled() {
		t.Error("rpm 0 should disable the limiter")
	}
	if !off.Allow("anyone") {
		t.Error("disabled limiter should allow all")
	}
}
