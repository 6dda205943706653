package runtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentgate/internal/acp"
	"github.com/nextlevelbuilder/agentgate/internal/config"
	"github.com/nextlevelbuilder/agentgate/internal/store"
	"github.com/nextlevelbuilder/agentgate/pkg/protocol"
)

// backendClient is the connection surface the manager needs. Satisfied by
// *Client; tests substitute a fake.
type backendClient interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	Notify(ctx context.Context, method string, params any) error
	BindSession(sessionID string, handler UpdateHandler)
	UnbindSession(sessionID string)
	Alive() bool
	Close() error
}

type session struct {
	backendID string
	turnMu    sync.Mutex // one in-flight turn per session key
}

// Manager maps session keys to backend sessions and runs turns against them.
// It implements acp.SessionResolver and acp.TurnRunner.
type Manager struct {
	cfg     config.RuntimeConfig
	agentID string
	meta    store.SessionStore

	dial func(ctx context.Context) (backendClient, error)

	mu       sync.Mutex
	client   backendClient
	sessions map[string]*session
}

// NewManager creates a manager that dials cfg.URL on demand.
func NewManager(cfg config.RuntimeConfig, agentID string, meta store.SessionStore) *Manager {
	m := &Manager{
		cfg:      cfg,
		agentID:  agentID,
		meta:     meta,
		sessions: make(map[string]*session),
	}
	m.dial = func(ctx context.Context) (backendClient, error) {
		return Dial(ctx, cfg.URL, cfg.Token)
	}
	return m
}

func (m *Manager) handshakeTimeout() time.Duration {
	if m.cfg.HandshakeTimeoutSec > 0 {
		return time.Duration(m.cfg.HandshakeTimeoutSec) * time.Second
	}
	return 10 * time.Second
}

// ensureClient returns a live connection, dialing if needed.
func (m *Manager) ensureClient(ctx context.Context) (backendClient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client != nil && m.client.Alive() {
		return m.client, nil
	}
	if m.client != nil {
		m.client.Close()
		m.client = nil
		// A dead connection invalidates backend session IDs.
		m.sessions = make(map[string]*session)
	}

	client, err := m.dial(ctx)
	if err != nil {
		return nil, err
	}
	m.client = client
	return client, nil
}

// ResolveSession reports readiness for a turn on sessionKey, creating the
// backend session on first use.
func (m *Manager) ResolveSession(sessionKey string) acp.Resolution {
	ctx, cancel := context.WithTimeout(context.Background(), m.handshakeTimeout())
	defer cancel()

	client, err := m.ensureClient(ctx)
	if err != nil {
		return acp.Resolution{
			Kind:   acp.ResolutionBackendUnreachable,
			Reason: err.Error(),
		}
	}

	sess, err := m.ensureSession(ctx, client, sessionKey)
	if err != nil {
		return acp.Resolution{
			Kind:   acp.ResolutionAgentUnavailable,
			Reason: err.Error(),
		}
	}

	return acp.Resolution{
		Kind: acp.ResolutionReady,
		Meta: map[string]string{"sessionId": sess.backendID},
	}
}

func (m *Manager) ensureSession(ctx context.Context, client backendClient, sessionKey string) (*session, error) {
	m.mu.Lock()
	if sess, ok := m.sessions[sessionKey]; ok {
		m.mu.Unlock()
		return sess, nil
	}
	m.mu.Unlock()

	result, err := client.Call(ctx, protocol.MethodSessionNew, map[string]any{
		"sessionKey": sessionKey,
		"agentId":    m.agentID,
	})
	if err != nil {
		return nil, err
	}

	var created struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(result, &created); err != nil {
		return nil, err
	}

	m.mu.Lock()
	sess, ok := m.sessions[sessionKey]
	if !ok {
		sess = &session{backendID: created.SessionID}
		m.sessions[sessionKey] = sess
	}
	m.mu.Unlock()

	if m.meta != nil {
		if _, err := m.meta.GetOrCreate(ctx, sessionKey, m.agentID); err != nil {
			slog.Warn("runtime: session metadata create failed", "session", sessionKey, "error", err)
		} else if err := m.meta.SetBackendID(ctx, sessionKey, created.SessionID); err != nil {
			slog.Warn("runtime: session metadata update failed", "session", sessionKey, "error", err)
		}
	}
	return sess, nil
}

// RunTurn sends a prompt and forwards every update of the resulting stream to
// params.OnEvent. Returns after the backend resolves the prompt. Turns on the
// same session key are serialized.
func (m *Manager) RunTurn(ctx context.Context, params acp.RunParams) error {
	client, err := m.ensureClient(ctx)
	if err != nil {
		return err
	}
	sess, err := m.ensureSession(ctx, client, params.SessionKey)
	if err != nil {
		return err
	}

	sess.turnMu.Lock()
	defer sess.turnMu.Unlock()

	if m.cfg.TurnTimeoutSec > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(m.cfg.TurnTimeoutSec)*time.Second)
		defer cancel()
	}

	client.BindSession(sess.backendID, func(update map[string]any) {
		m.recordUsage(ctx, params.SessionKey, update)
		params.OnEvent(ctx, update)
	})
	defer client.UnbindSession(sess.backendID)

	result, err := client.Call(ctx, protocol.MethodSessionPrompt, map[string]any{
		"sessionId": sess.backendID,
		"prompt": []map[string]any{
			{"type": "text", "text": params.Prompt},
		},
	})
	if err != nil {
		return err
	}

	// The prompt response carries the stop reason; surface it as the
	// terminal event in case the stream did not emit one.
	var resolved struct {
		StopReason string `json:"stopReason"`
	}
	if err := json.Unmarshal(result, &resolved); err == nil {
		done := map[string]any{"type": "done"}
		if resolved.StopReason != "" {
			done["stopReason"] = resolved.StopReason
		}
		params.OnEvent(ctx, done)
	}
	return nil
}

// recordUsage persists context usage from usage_update notifications.
func (m *Manager) recordUsage(ctx context.Context, sessionKey string, update map[string]any) {
	if m.meta == nil || update["sessionUpdate"] != "usage_update" {
		return
	}
	used, okU := update["used"].(float64)
	size, okS := update["size"].(float64)
	if !okU || !okS {
		return
	}
	if err := m.meta.RecordUsage(ctx, sessionKey, used, size); err != nil {
		slog.Debug("runtime: usage metadata update failed", "session", sessionKey, "error", err)
	}
}

// CancelTurn asks the backend to interrupt the in-flight turn on sessionKey.
func (m *Manager) CancelTurn(ctx context.Context, sessionKey string) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionKey]
	client := m.client
	m.mu.Unlock()
	if !ok || client == nil {
		return nil
	}
	return client.Notify(ctx, protocol.MethodSessionCancel, map[string]any{
		"sessionId": sess.backendID,
	})
}

// Close shuts down the backend connection.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		return nil
	}
	err := m.client.Close()
	m.client = nil
	return err
}
