package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/nextlevelbuilder/agentgate/internal/acp"
	"github.com/nextlevelbuilder/agentgate/internal/config"
	"github.com/nextlevelbuilder/agentgate/internal/store"
	"github.com/nextlevelbuilder/agentgate/pkg/protocol"
)

// usageStore records RecordUsage calls; every other store method is a no-op.
type usageStore struct {
	mu   sync.Mutex
	used float64
	size float64
	hits int
}

func (s *usageStore) GetOrCreate(ctx context.Context, key, agentID string) (*store.SessionMeta, error) {
	return &store.SessionMeta{Key: key, AgentID: agentID}, nil
}
func (s *usageStore) Get(ctx context.Context, key string) (*store.SessionMeta, error) { return nil, nil }
func (s *usageStore) SetBackendID(ctx context.Context, key, backendID string) error   { return nil }
func (s *usageStore) SetRoute(ctx context.Context, key, channel, chatID string) error { return nil }
func (s *usageStore) RecordTurn(ctx context.Context, key string, tool, block, final int) error {
	return nil
}
func (s *usageStore) RecordUsage(ctx context.Context, key string, used, size float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.used, s.size = used, size
	s.hits++
	return nil
}
func (s *usageStore) RecordError(ctx context.Context, key, msg string) error { return nil }
func (s *usageStore) List(ctx context.Context, agentID string) ([]store.SessionInfo, error) {
	return nil, nil
}
func (s *usageStore) LastUsedRoute(ctx context.Context, agentID string) (string, string, error) {
	return "", "", nil
}
func (s *usageStore) Delete(ctx context.Context, key string) error { return nil }
func (s *usageStore) Close() error                                 { return nil }

type fakeClient struct {
	mu       sync.Mutex
	alive    bool
	calls    []string
	newErr   error
	updates  []map[string]any // streamed during session/prompt
	stop     string
	handlers map[string]UpdateHandler
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		alive:    true,
		stop:     "end_turn",
		handlers: make(map[string]UpdateHandler),
	}
}

func (f *fakeClient) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, method)
	f.mu.Unlock()

	switch method {
	case protocol.MethodSessionNew:
		if f.newErr != nil {
			return nil, f.newErr
		}
		return json.RawMessage(`{"sessionId":"b1"}`), nil
	case protocol.MethodSessionPrompt:
		f.mu.Lock()
		handler := f.handlers["b1"]
		f.mu.Unlock()
		if handler != nil {
			for _, u := range f.updates {
				handler(u)
			}
		}
		data, _ := json.Marshal(map[string]string{"stopReason": f.stop})
		return data, nil
	}
	return nil, errors.New("unexpected method " + method)
}

func (f *fakeClient) Notify(ctx context.Context, method string, params any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, method)
	return nil
}

func (f *fakeClient) BindSession(id string, handler UpdateHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[id] = handler
}

func (f *fakeClient) UnbindSession(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, id)
}

func (f *fakeClient) Alive() bool { return f.alive }
func (f *fakeClient) Close() error {
	f.alive = false
	return nil
}

func (f *fakeClient) callCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.calls {
		if m == method {
			n++
		}
	}
	return n
}

func testManager(client backendClient, dialErr error) *Manager {
	m := NewManager(config.RuntimeConfig{URL: "ws://test"}, "default", nil)
	m.dial = func(ctx context.Context) (backendClient, error) {
		if dialErr != nil {
			return nil, dialErr
		}
		return client, nil
	}
	return m
}

func TestResolveSession_BackendUnreachable(t *testing.T) {
	m := testManager(nil, errors.New("connection refused"))

	res := m.ResolveSession("agent:default:telegram:direct:1")
	if res.Kind != acp.ResolutionBackendUnreachable {
		t.Errorf("Kind = %q, want backend_unreachable", res.Kind)
	}
	if res.Reason == "" {
		t.Error("Reason should carry the dial error")
	}
}

func TestResolveSession_AgentUnavailable(t *testing.T) {
	client := newFakeClient()
	client.newErr = &RPCError{Code: -32000, Message: "agent not loaded"}
	m := testManager(client, nil)

	res := m.ResolveSession("agent:default:telegram:direct:1")
	if res.Kind != acp.ResolutionAgentUnavailable {
		t.Errorf("Kind = %q, want agent_unavailable", res.Kind)
	}
}

func TestResolveSession_ReadyAndCached(t *testing.T) {
	client := newFakeClient()
	m := testManager(client, nil)

	res := m.ResolveSession("agent:default:telegram:direct:1")
	if res.Kind != acp.ResolutionReady {
		t.Fatalf("Kind = %q, want ready", res.Kind)
	}
	if res.Meta["sessionId"] != "b1" {
		t.Errorf("Meta sessionId = %q, want b1", res.Meta["sessionId"])
	}

	// Second resolve reuses the backend session.
	m.ResolveSession("agent:default:telegram:direct:1")
	if got := client.callCount(protocol.MethodSessionNew); got != 1 {
		t.Errorf("session/new called %d times, want 1", got)
	}
}

func TestRunTurn_StreamsUpdatesAndSynthesizesDone(t *testing.T) {
	client := newFakeClient()
	client.updates = []map[string]any{
		{"sessionUpdate": "agent_message_chunk", "content": map[string]any{"type": "text", "text": "hi"}},
		{"sessionUpdate": "tool_call", "title": "read file"},
	}
	m := testManager(client, nil)

	var got []map[string]any
	err := m.RunTurn(context.Background(), acp.RunParams{
		SessionKey: "agent:default:telegram:direct:1",
		Prompt:     "hello",
		OnEvent: func(ctx context.Context, raw any) {
			if obj, ok := raw.(map[string]any); ok {
				got = append(got, obj)
			}
		},
	})
	if err != nil {
		t.Fatalf("RunTurn() error = %v", err)
	}

	if len(got) != 3 {
		t.Fatalf("received %d events, want 3 (2 updates + done)", len(got))
	}
	last := got[2]
	if last["type"] != "done" || last["stopReason"] != "end_turn" {
		t.Errorf("terminal event = %v, want done/end_turn", last)
	}

	// Handler must be unbound once the turn resolves.
	client.mu.Lock()
	bound := len(client.handlers)
	client.mu.Unlock()
	if bound != 0 {
		t.Errorf("%d handlers still bound after turn", bound)
	}
}

func TestRunTurn_RecordsContextUsage(t *testing.T) {
	client := newFakeClient()
	client.updates = []map[string]any{
		{"sessionUpdate": "usage_update", "used": float64(120), "size": float64(8000)},
		{"sessionUpdate": "usage_update"}, // no numbers, must be skipped
	}
	meta := &usageStore{}
	m := testManager(client, nil)
	m.meta = meta

	err := m.RunTurn(context.Background(), acp.RunParams{
		SessionKey: "agent:default:telegram:direct:1",
		Prompt:     "hello",
		OnEvent:    func(ctx context.Context, raw any) {},
	})
	if err != nil {
		t.Fatalf("RunTurn() error = %v", err)
	}

	meta.mu.Lock()
	defer meta.mu.Unlock()
	if meta.hits != 1 {
		t.Fatalf("RecordUsage called %d times, want 1", meta.hits)
	}
	if meta.used != 120 || meta.size != 8000 {
		t.Errorf("recorded usage = %v/%v, want 120/8000", meta.used, meta.size)
	}
}

func TestRunTurn_DialErrorPropagates(t *testing.T) {
	m := testManager(nil, errors.New("no route to host"))

	err := m.RunTurn(context.Background(), acp.RunParams{
		SessionKey: "agent:default:telegram:direct:1",
		Prompt:     "hello",
		OnEvent:    func(ctx context.Context, raw any) {},
	})
	if err == nil {
		t.Fatal("RunTurn() should surface the dial error")
	}
}

func TestCancelTurn_NoSessionIsNoop(t *testing.T) {
	client := newFakeClient()
	m := testManager(client, nil)

	if err := m.CancelTurn(context.Background(), "agent:default:telegram:direct:1"); err != nil {
		t.Errorf("CancelTurn() on unknown session = %v, want nil", err)
	}
	if got := client.callCount(protocol.MethodSessionCancel); got != 0 {
		t.Errorf("session/cancel called %d times, want 0", got)
	}
}
