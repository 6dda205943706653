package acp

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// --- test fakes ---

type fakeRouter struct {
	calls   []RouteRequest
	results []RouteResult
	err     error
}

func (f *fakeRouter) RouteReply(_ context.Context, req RouteRequest) (RouteResult, error) {
	f.calls = append(f.calls, req)
	if f.err != nil {
		return RouteResult{}, f.err
	}
	if len(f.results) > 0 {
		res := f.results[0]
		f.results = f.results[1:]
		return res, nil
	}
	return RouteResult{OK: true, MessageID: "m-default"}, nil
}

type fakeActions struct {
	calls []EditMessageAction
	err   error
}

func (f *fakeActions) RunMessageAction(_ context.Context, action EditMessageAction) error {
	f.calls = append(f.calls, action)
	return f.err
}

type fakeDispatcher struct {
	tool, block, final []ReplyPayload
	accept             bool
	queued             Counts
	completed          int
}

func (f *fakeDispatcher) SendToolResult(_ context.Context, p ReplyPayload) bool {
	f.tool = append(f.tool, p)
	return f.accept
}

func (f *fakeDispatcher) SendBlockReply(_ context.Context, p ReplyPayload) bool {
	f.block = append(f.block, p)
	return f.accept
}

func (f *fakeDispatcher) SendFinalReply(_ context.Context, p ReplyPayload) bool {
	f.final = append(f.final, p)
	return f.accept
}

func (f *fakeDispatcher) QueuedCounts() Counts { return f.queued }
func (f *fakeDispatcher) MarkComplete()        { f.completed++ }

func originRoute() *OriginatingRoute {
	return &OriginatingRoute{Channel: "telegram", To: "12345", ThreadID: "7"}
}

// --- tests ---

// TestStartReplyLifecycle_Idempotent verifies the one-shot latch: the
// callback fires exactly once no matter how start is triggered (P1).
func TestStartReplyLifecycle_Idempotent(t *testing.T) {
	started := 0
	coord := NewCoordinator(CoordinatorConfig{
		SessionKey:   "agent:default:telegram:direct:1",
		Route:        originRoute(),
		Router:       &fakeRouter{},
		OnReplyStart: func() { started++ },
	})

	coord.StartReplyLifecycle()
	coord.StartReplyLifecycle()
	coord.Deliver(context.Background(), KindBlock, ReplyPayload{Text: "visible"}, DeliverMeta{})
	coord.Deliver(context.Background(), KindFinal, ReplyPayload{Text: "done"}, DeliverMeta{})

	if started != 1 {
		t.Errorf("reply lifecycle callback fired %d times, want 1", started)
	}
	if !coord.StartedReplyLifecycle() {
		t.Error("latch not set after explicit start")
	}
}

// TestDeliver_EmptyPayloadSilence verifies that content-free deliveries never
// announce a visible response and never touch block accumulation (P2).
func TestDeliver_EmptyPayloadSilence(t *testing.T) {
	started := 0
	coord := NewCoordinator(CoordinatorConfig{
		Route:        originRoute(),
		Router:       &fakeRouter{},
		OnReplyStart: func() { started++ },
	})

	for _, kind := range []DeliveryKind{KindTool, KindBlock, KindFinal} {
		coord.Deliver(context.Background(), kind, ReplyPayload{}, DeliverMeta{})
		coord.Deliver(context.Background(), kind, ReplyPayload{Text: "   \t"}, DeliverMeta{})
	}

	if started != 0 {
		t.Errorf("lifecycle fired %d times for empty payloads, want 0", started)
	}
	if got := coord.AccumulatedBlockText(); got != "" {
		t.Errorf("accumulated block text = %q, want empty", got)
	}
	if got := coord.BlockCount(); got != 0 {
		t.Errorf("block count = %d, want 0", got)
	}
}

// TestDeliver_BlockAccumulation verifies newline-joined accumulation and the
// empty-block no-op (P3).
func TestDeliver_BlockAccumulation(t *testing.T) {
	coord := NewCoordinator(CoordinatorConfig{Route: originRoute(), Router: &fakeRouter{}})
	ctx := context.Background()

	coord.Deliver(ctx, KindBlock, ReplyPayload{Text: "a"}, DeliverMeta{})
	coord.Deliver(ctx, KindBlock, ReplyPayload{Text: "b"}, DeliverMeta{})
	coord.Deliver(ctx, KindBlock, ReplyPayload{Text: ""}, DeliverMeta{})

	if got := coord.AccumulatedBlockText(); got != "a\nb" {
		t.Errorf("accumulated block text = %q, want %q", got, "a\nb")
	}
	if got := coord.BlockCount(); got != 2 {
		t.Errorf("block count = %d, want 2", got)
	}
}

// TestDeliver_EditBeforeSend verifies that a second tool delivery with
// allowEdit reuses the recorded message handle and skips the route sink (P4).
func TestDeliver_EditBeforeSend(t *testing.T) {
	router := &fakeRouter{results: []RouteResult{{OK: true, MessageID: "m1"}}}
	actions := &fakeActions{}
	coord := NewCoordinator(CoordinatorConfig{
		SessionKey: "s",
		Route:      originRoute(),
		Router:     router,
		Actions:    actions,
	})
	ctx := context.Background()

	if !coord.Deliver(ctx, KindTool, ReplyPayload{Text: "Read file (in_progress)"},
		DeliverMeta{ToolCallID: "call-1"}) {
		t.Fatal("first tool delivery rejected")
	}
	if !coord.Deliver(ctx, KindTool, ReplyPayload{Text: "Read file (completed)"},
		DeliverMeta{ToolCallID: "call-1", AllowEdit: true}) {
		t.Fatal("edit delivery rejected")
	}

	if len(router.calls) != 1 {
		t.Errorf("routeReply called %d times, want 1", len(router.calls))
	}
	if len(actions.calls) != 1 {
		t.Fatalf("edit action called %d times, want 1", len(actions.calls))
	}
	edit := actions.calls[0]
	if edit.MessageID != "m1" {
		t.Errorf("edit messageId = %q, want m1", edit.MessageID)
	}
	if edit.Message != "Read file (completed)" {
		t.Errorf("edit message = %q", edit.Message)
	}
	if got := coord.RoutedCounts(); got.Tool != 2 {
		t.Errorf("tool count = %d, want 2 (one send + one edit)", got.Tool)
	}
}

// TestDeliver_EditNotApplicable covers the preconditions that make an edit
// fall back to the caller: no recorded handle, empty text, failing action.
func TestDeliver_EditNotApplicable(t *testing.T) {
	ctx := context.Background()

	t.Run("no recorded handle", func(t *testing.T) {
		coord := NewCoordinator(CoordinatorConfig{Route: originRoute(), Router: &fakeRouter{}, Actions: &fakeActions{}})
		ok := coord.Deliver(ctx, KindTool, ReplyPayload{Text: "x"},
			DeliverMeta{ToolCallID: "never-seen", AllowEdit: true})
		if ok {
			t.Error("edit with no handle reported success")
		}
	})

	t.Run("empty trimmed text", func(t *testing.T) {
		router := &fakeRouter{results: []RouteResult{{OK: true, MessageID: "m1"}}}
		actions := &fakeActions{}
		coord := NewCoordinator(CoordinatorConfig{Route: originRoute(), Router: router, Actions: actions})
		coord.Deliver(ctx, KindTool, ReplyPayload{Text: "working"}, DeliverMeta{ToolCallID: "c"})

		ok := coord.Deliver(ctx, KindTool, ReplyPayload{Text: "   "},
			DeliverMeta{ToolCallID: "c", AllowEdit: true})
		if ok {
			t.Error("edit with whitespace text reported success")
		}
		if len(actions.calls) != 0 {
			t.Errorf("edit action attempted %d times for empty text, want 0", len(actions.calls))
		}
	})

	t.Run("action error", func(t *testing.T) {
		router := &fakeRouter{results: []RouteResult{{OK: true, MessageID: "m1"}}}
		actions := &fakeActions{err: errors.New("edit unsupported")}
		coord := NewCoordinator(CoordinatorConfig{Route: originRoute(), Router: router, Actions: actions})
		coord.Deliver(ctx, KindTool, ReplyPayload{Text: "working"}, DeliverMeta{ToolCallID: "c"})

		ok := coord.Deliver(ctx, KindTool, ReplyPayload{Text: "done"},
			DeliverMeta{ToolCallID: "c", AllowEdit: true})
		if ok {
			t.Error("failing edit reported success")
		}
		if len(actions.calls) != 1 {
			t.Errorf("edit attempted %d times, want 1", len(actions.calls))
		}
		if got := coord.RoutedCounts(); got.Tool != 1 {
			t.Errorf("tool count = %d after failed edit, want 1", got.Tool)
		}
	})
}

// TestDeliver_RoutingFailure verifies sink failures surface as false, never
// as panics or errors, and leave counters untouched.
func TestDeliver_RoutingFailure(t *testing.T) {
	tests := []struct {
		name   string
		router *fakeRouter
	}{
		{name: "router error", router: &fakeRouter{err: errors.New("network down")}},
		{name: "router rejection", router: &fakeRouter{results: []RouteResult{{OK: false, Error: "forbidden"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			coord := NewCoordinator(CoordinatorConfig{Route: originRoute(), Router: tt.router})
			ok := coord.Deliver(context.Background(), KindFinal, ReplyPayload{Text: "hi"}, DeliverMeta{})
			if ok {
				t.Error("failed routing reported success")
			}
			if got := coord.RoutedCounts(); got.Total() != 0 {
				t.Errorf("counts = %+v after failed delivery, want all zero", got)
			}
		})
	}
}

// TestDeliver_DirectDispatchPath verifies the non-routed path delegates to
// the kind-specific dispatcher method verbatim and increments no counters.
func TestDeliver_DirectDispatchPath(t *testing.T) {
	dispatcher := &fakeDispatcher{accept: true}
	coord := NewCoordinator(CoordinatorConfig{Dispatcher: dispatcher})
	ctx := context.Background()

	coord.Deliver(ctx, KindTool, ReplyPayload{Text: "t"}, DeliverMeta{})
	coord.Deliver(ctx, KindBlock, ReplyPayload{Text: "b"}, DeliverMeta{})
	coord.Deliver(ctx, KindFinal, ReplyPayload{Text: "f"}, DeliverMeta{})

	if len(dispatcher.tool) != 1 || len(dispatcher.block) != 1 || len(dispatcher.final) != 1 {
		t.Errorf("dispatcher calls tool=%d block=%d final=%d, want 1 each",
			len(dispatcher.tool), len(dispatcher.block), len(dispatcher.final))
	}
	if got := coord.RoutedCounts(); got.Total() != 0 {
		t.Errorf("direct path incremented routed counts: %+v", got)
	}

	dispatcher.accept = false
	if coord.Deliver(ctx, KindFinal, ReplyPayload{Text: "f2"}, DeliverMeta{}) {
		t.Error("dispatcher rejection not propagated")
	}
}

// TestDeliver_TTSTransform verifies the transform is the single mutation
// point of the payload and that a failing transform delivers the original.
func TestDeliver_TTSTransform(t *testing.T) {
	t.Run("applied", func(t *testing.T) {
		router := &fakeRouter{}
		coord := NewCoordinator(CoordinatorConfig{
			Route:  originRoute(),
			Router: router,
			TTS: func(_ context.Context, p ReplyPayload, _ DeliveryKind) (ReplyPayload, error) {
				p.MediaURL = "/tmp/reply.ogg"
				return p, nil
			},
		})
		coord.Deliver(context.Background(), KindFinal, ReplyPayload{Text: "spoken"}, DeliverMeta{})

		if len(router.calls) != 1 {
			t.Fatalf("routeReply calls = %d, want 1", len(router.calls))
		}
		if router.calls[0].Payload.MediaURL != "/tmp/reply.ogg" {
			t.Errorf("tts media not attached: %+v", router.calls[0].Payload)
		}
	})

	t.Run("error falls back to original", func(t *testing.T) {
		router := &fakeRouter{}
		coord := NewCoordinator(CoordinatorConfig{
			Route:  originRoute(),
			Router: router,
			TTS: func(_ context.Context, _ ReplyPayload, _ DeliveryKind) (ReplyPayload, error) {
				return ReplyPayload{}, errors.New("synth failed")
			},
		})
		coord.Deliver(context.Background(), KindFinal, ReplyPayload{Text: "original"}, DeliverMeta{})

		if len(router.calls) != 1 {
			t.Fatalf("routeReply calls = %d, want 1", len(router.calls))
		}
		if router.calls[0].Payload.Text != "original" {
			t.Errorf("payload after tts failure = %+v, want original text", router.calls[0].Payload)
		}
	})
}

// TestDeliver_MediaOnlyPayloadStartsLifecycle verifies media without text
// counts as visible content.
func TestDeliver_MediaOnlyPayloadStartsLifecycle(t *testing.T) {
	started := 0
	coord := NewCoordinator(CoordinatorConfig{
		Route:        originRoute(),
		Router:       &fakeRouter{},
		OnReplyStart: func() { started++ },
	})
	coord.Deliver(context.Background(), KindFinal, ReplyPayload{MediaURL: "/tmp/pic.png"}, DeliverMeta{})

	if started != 1 {
		t.Errorf("lifecycle fired %d times for media-only payload, want 1", started)
	}
}

// TestDeliver_RouteRequestShape verifies destination fields reach the router.
func TestDeliver_RouteRequestShape(t *testing.T) {
	router := &fakeRouter{}
	coord := NewCoordinator(CoordinatorConfig{
		SessionKey: "agent:default:telegram:direct:12345",
		Route:      &OriginatingRoute{Channel: "telegram", AccountID: "bot-a", To: "12345", ThreadID: "9"},
		Router:     router,
	})
	coord.Deliver(context.Background(), KindBlock, ReplyPayload{Text: "chunk"}, DeliverMeta{})

	if len(router.calls) != 1 {
		t.Fatalf("routeReply calls = %d, want 1", len(router.calls))
	}
	req := router.calls[0]
	if req.Channel != "telegram" || req.AccountID != "bot-a" || req.To != "12345" || req.ThreadID != "9" {
		t.Errorf("route request destination = %+v", req)
	}
	if !strings.HasPrefix(req.SessionKey, "agent:default:") {
		t.Errorf("session key not propagated: %q", req.SessionKey)
	}
}
