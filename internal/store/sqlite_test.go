package store

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *SQLiteSessionStore {
	t.Helper()
	s, err := NewSQLiteSessionStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteSessionStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetOrCreate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	meta, err := s.GetOrCreate(ctx, "agent:a:telegram:direct:1", "a")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if meta.Key != "agent:a:telegram:direct:1" || meta.AgentID != "a" {
		t.Errorf("meta = %+v", meta)
	}
	if meta.TurnCount != 0 {
		t.Errorf("TurnCount = %d, want 0", meta.TurnCount)
	}

	// Second call returns the same record, no duplicate.
	again, err := s.GetOrCreate(ctx, "agent:a:telegram:direct:1", "a")
	if err != nil {
		t.Fatal(err)
	}
	if !again.Created.Equal(meta.Created) {
		t.Error("GetOrCreate should not recreate an existing session")
	}
}

func TestGet_Absent(t *testing.T) {
	s := openTestStore(t)
	meta, err := s.Get(context.Background(), "agent:a:nope")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if meta != nil {
		t.Errorf("Get() = %+v, want nil for absent key", meta)
	}
}

func TestRecordTurnAndCounters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := "agent:a:discord:direct:9"

	if _, err := s.GetOrCreate(ctx, key, "a"); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordTurn(ctx, key, 2, 1, 1); err != nil {
		t.Fatalf("RecordTurn() error = %v", err)
	}
	if err := s.RecordTurn(ctx, key, 0, 3, 1); err != nil {
		t.Fatal(err)
	}

	meta, err := s.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if meta.TurnCount != 2 {
		t.Errorf("TurnCount = %d, want 2", meta.TurnCount)
	}
	if meta.ToolMsgs != 2 || meta.BlockMsgs != 4 || meta.FinalMsgs != 2 {
		t.Errorf("counters = %d/%d/%d, want 2/4/2", meta.ToolMsgs, meta.BlockMsgs, meta.FinalMsgs)
	}
}

func TestRouteAndUsage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := "agent:a:telegram:group:-100"

	if _, err := s.GetOrCreate(ctx, key, "a"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetRoute(ctx, key, "telegram", "-100"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetBackendID(ctx, key, "sess-42"); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordUsage(ctx, key, 120, 8000); err != nil {
		t.Fatal(err)
	}

	meta, err := s.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if meta.Channel != "telegram" || meta.ChatID != "-100" {
		t.Errorf("route = %s/%s", meta.Channel, meta.ChatID)
	}
	if meta.BackendID != "sess-42" {
		t.Errorf("BackendID = %q", meta.BackendID)
	}
	if meta.ContextUsed != 120 || meta.ContextSize != 8000 {
		t.Errorf("usage = %v/%v", meta.ContextUsed, meta.ContextSize)
	}
}

func TestLastUsedRoute(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// No sessions yet — empty, not an error.
	channel, chatID, err := s.LastUsedRoute(ctx, "a")
	if err != nil {
		t.Fatalf("LastUsedRoute() error = %v", err)
	}
	if channel != "" || chatID != "" {
		t.Errorf("LastUsedRoute() = %s/%s, want empty", channel, chatID)
	}

	if _, err := s.GetOrCreate(ctx, "agent:a:telegram:direct:1", "a"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetRoute(ctx, "agent:a:telegram:direct:1", "telegram", "1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetOrCreate(ctx, "agent:a:discord:direct:2", "a"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetRoute(ctx, "agent:a:discord:direct:2", "discord", "2"); err != nil {
		t.Fatal(err)
	}

	channel, chatID, err = s.LastUsedRoute(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if channel != "discord" || chatID != "2" {
		t.Errorf("LastUsedRoute() = %s/%s, want discord/2", channel, chatID)
	}
}

func TestListAndDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, key := range []string{"agent:a:telegram:direct:1", "agent:a:telegram:direct:2"} {
		if _, err := s.GetOrCreate(ctx, key, "a"); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.GetOrCreate(ctx, "agent:b:telegram:direct:3", "b"); err != nil {
		t.Fatal(err)
	}

	list, err := s.List(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("List(a) returned %d sessions, want 2", len(list))
	}

	if err := s.Delete(ctx, "agent:a:telegram:direct:1"); err != nil {
		t.Fatal(err)
	}
	list, err = s.List(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Errorf("List(a) after delete returned %d sessions, want 1", len(list))
	}
}
