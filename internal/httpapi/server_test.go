package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/avatarbridge/internal/bridge"
	"github.com/ent0n29/avatarbridge/internal/config"
	"github.com/ent0n29/avatarbridge/internal/dispatch"
	"github.com/ent0n29/avatarbridge/internal/events"
	"github.com/ent0n29/avatarbridge/internal/heygen"
	"github.com/ent0n29/avatarbridge/internal/history"
	"github.com/ent0n29/avatarbridge/internal/retell"
	"github.com/ent0n29/avatarbridge/internal/segmenter"
	"github.com/ent0n29/avatarbridge/internal/session"
	"github.com/ent0n29/avatarbridge/internal/turn"
)

type testEnv struct {
	server   *httptest.Server
	avatar   *heygen.Mock
	sessions *session.Manager
	history  *history.InMemoryStore
	ready    atomic.Bool
}

func newTestEnv(t *testing.T, cfg config.Config) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if cfg.SessionInactivityTimeout == 0 {
		cfg.SessionInactivityTimeout = 2 * time.Minute
	}

	env := &testEnv{
		avatar:   heygen.NewMock(),
		sessions: session.NewManager(cfg.SessionInactivityTimeout),
		history:  history.NewInMemoryStore(),
	}
	env.ready.Store(true)
	hub := events.NewHub(64, logger)
	svc := bridge.NewService(env.sessions, env.avatar, retell.NewMock(), hub, logger, nil)
	orchestrator := turn.NewOrchestrator(turn.Config{AgentTimeout: 5 * time.Second, TurnTimeout: 10 * time.Second}, turn.Deps{
		Sessions:   env.sessions,
		Agent:      retell.NewMock(),
		Splitter:   segmenter.NewBuiltin(),
		Dispatcher: dispatch.New(env.avatar, dispatch.Config{LeadCorrection: 1500 * time.Millisecond}, logger, nil),
		History:    env.history,
		Events:     hub,
		Logger:     logger,
	})

	srv := New(Options{
		Config:    cfg,
		Bridge:    svc,
		Turns:     orchestrator,
		History:   env.history,
		Hub:       hub,
		Readiness: map[string]func() bool{"segmenter": env.ready.Load},
		Logger:    logger,
	})
	env.server = httptest.NewServer(srv.Router())
	t.Cleanup(env.server.Close)
	return env
}

func (e *testEnv) post(t *testing.T, path, bridgeSession string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, e.server.URL+path, &buf)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bridgeSession != "" {
		req.Header.Set("X-Bridge-Session", bridgeSession)
	}
	return do(t, req)
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.server.URL+path, nil)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	return do(t, req)
}

func do(t *testing.T, req *http.Request) (*http.Response, map[string]any) {
	t.Helper()
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", req.Method, req.URL.Path, err)
	}
	defer res.Body.Close()
	var payload map[string]any
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil && err != io.EOF {
		t.Fatalf("decode %s response: %v", req.URL.Path, err)
	}
	return res, payload
}

func TestLegacyFlowOnDefaultSlot(t *testing.T) {
	env := newTestEnv(t, config.Config{})

	res, body := env.post(t, "/api/video-agent/start", "", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d, body = %v", res.StatusCode, body)
	}
	sess, _ := body["session"].(map[string]any)
	avatarID, _ := sess["session_id"].(string)
	if body["success"] != true || avatarID == "" || sess["url"] == "" || sess["access_token"] == "" {
		t.Fatalf("start body = %v", body)
	}

	if res, body := env.post(t, "/api/video-agent/start-stream", "", nil); res.StatusCode != http.StatusOK {
		t.Fatalf("start-stream status = %d, body = %v", res.StatusCode, body)
	}

	res, body = env.post(t, "/api/chat-agent/talk", "", map[string]string{"text": "Hello there"})
	if res.StatusCode != http.StatusConflict || body["code"] != "chat_session_missing" {
		t.Fatalf("talk before chat start = %d %v, want 409 chat_session_missing", res.StatusCode, body)
	}

	res, body = env.post(t, "/api/chat-agent/start", "", nil)
	if res.StatusCode != http.StatusOK || body["chatId"] == "" {
		t.Fatalf("chat start = %d %v", res.StatusCode, body)
	}

	res, body = env.post(t, "/api/chat-agent/talk", "", map[string]string{"text": "Hello there"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("talk status = %d, body = %v", res.StatusCode, body)
	}
	wantReply := "I heard you say: Hello there. What would you like to do next?"
	if body["agentReply"] != wantReply {
		t.Fatalf("agentReply = %v, want %q", body["agentReply"], wantReply)
	}
	// Two six-word sentences at 380ms per word, minus the 1500ms lead.
	if got := body["duration_ms"]; got != float64(2*6*380-1500) {
		t.Fatalf("duration_ms = %v, want %d", got, 2*6*380-1500)
	}
	spoken := env.avatar.Spoken(avatarID)
	if len(spoken) != 2 || spoken[0] != "I heard you say: Hello there." {
		t.Fatalf("spoken = %q", spoken)
	}

	res, body = env.post(t, "/api/retell/end", "", nil)
	if res.StatusCode != http.StatusOK || body["message"] != "Retell chat session cleared" {
		t.Fatalf("retell end = %d %v", res.StatusCode, body)
	}

	if res, body := env.post(t, "/api/video-agent/end", "", nil); res.StatusCode != http.StatusOK {
		t.Fatalf("video end = %d %v", res.StatusCode, body)
	}
	if !env.avatar.Stopped(avatarID) {
		t.Fatalf("avatar session %s not stopped", avatarID)
	}
}

func TestVideoTalkErrors(t *testing.T) {
	env := newTestEnv(t, config.Config{})

	res, body := env.post(t, "/api/video-agent/talk", "", map[string]string{"text": "hi"})
	if res.StatusCode != http.StatusConflict || body["code"] != "avatar_session_missing" {
		t.Fatalf("talk without avatar = %d %v", res.StatusCode, body)
	}

	env.post(t, "/api/video-agent/start", "", nil)
	res, body = env.post(t, "/api/video-agent/talk", "", map[string]string{"text": "   "})
	if res.StatusCode != http.StatusBadRequest || body["code"] != "invalid_request" {
		t.Fatalf("blank talk = %d %v, want 400 invalid_request", res.StatusCode, body)
	}

	res, body = env.post(t, "/api/video-agent/talk", "", map[string]string{"text": "Hi there"})
	if res.StatusCode != http.StatusOK || body["duration_ms"] != float64(2*380) {
		t.Fatalf("talk = %d %v", res.StatusCode, body)
	}
}

func TestBridgeSessionsAreIsolated(t *testing.T) {
	env := newTestEnv(t, config.Config{SessionInactivityTimeout: 90 * time.Second})

	res, created := env.post(t, "/v1/sessions", "", nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	id, _ := created["session_id"].(string)
	if id == "" || created["inactivity_ttl_ms"] != float64(90000) {
		t.Fatalf("create body = %v", created)
	}

	if res, body := env.post(t, "/api/chat-agent/start", id, nil); res.StatusCode != http.StatusOK {
		t.Fatalf("chat start on %s = %d %v", id, res.StatusCode, body)
	}
	// The default slot has no chat of its own.
	if res, body := env.post(t, "/api/chat-agent/talk", "", map[string]string{"text": "hi"}); res.StatusCode != http.StatusConflict {
		t.Fatalf("default talk = %d %v, want 409", res.StatusCode, body)
	}
	if res, body := env.post(t, "/api/chat-agent/talk?bridge_session="+id, "", map[string]string{"text": "hi"}); res.StatusCode != http.StatusOK {
		t.Fatalf("talk via query selector = %d %v", res.StatusCode, body)
	}

	res, turns := env.get(t, "/v1/sessions/"+id+"/turns?limit=5")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("turns status = %d", res.StatusCode)
	}
	list, _ := turns["turns"].([]any)
	if len(list) != 1 {
		t.Fatalf("turns = %v, want one record", turns)
	}

	res, ended := env.post(t, "/v1/sessions/"+id+"/end", "", nil)
	if res.StatusCode != http.StatusOK || ended["status"] != string(session.StatusEnded) {
		t.Fatalf("end = %d %v", res.StatusCode, ended)
	}
	if res, body := env.post(t, "/api/chat-agent/talk", id, map[string]string{"text": "hi"}); res.StatusCode != http.StatusNotFound {
		t.Fatalf("talk on ended session = %d %v, want 404", res.StatusCode, body)
	}
	if res, _ := env.get(t, "/v1/sessions/unknown"); res.StatusCode != http.StatusNotFound {
		t.Fatalf("get unknown = %d, want 404", res.StatusCode)
	}
	if res, _ := env.get(t, "/v1/sessions/" + id + "/turns?limit=zero"); res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit = %d, want 400", res.StatusCode)
	}
}

func TestHealthAndReadiness(t *testing.T) {
	env := newTestEnv(t, config.Config{})

	if res, body := env.get(t, "/healthz"); res.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthz = %d %v", res.StatusCode, body)
	}
	if res, body := env.get(t, "/readyz"); res.StatusCode != http.StatusOK || body["status"] != "ready" {
		t.Fatalf("readyz = %d %v", res.StatusCode, body)
	}
	env.ready.Store(false)
	res, body := env.get(t, "/readyz")
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz status = %d, want 503", res.StatusCode)
	}
	checks, _ := body["checks"].(map[string]any)
	if checks["segmenter"] != false {
		t.Fatalf("checks = %v", checks)
	}

	if res, body := env.get(t, "/v1/perf/latency"); res.StatusCode != http.StatusOK || body == nil {
		t.Fatalf("perf latency = %d %v", res.StatusCode, body)
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, config.Config{CORSAllowOrigin: "*"})

	req, _ := http.NewRequest(http.MethodOptions, env.server.URL+"/api/chat-agent/talk", nil)
	req.Header.Set("Origin", "http://example.test")
	req.Header.Set("Access-Control-Request-Method", "POST")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want %d", res.StatusCode, http.StatusNoContent)
	}
	if got := res.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("Access-Control-Allow-Origin = %q, want *", got)
	}
}

func TestStaticDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<div id=\"avatar\"></div>"), 0o600); err != nil {
		t.Fatalf("write index: %v", err)
	}
	env := newTestEnv(t, config.Config{StaticDir: dir})

	res, err := http.Get(env.server.URL + "/")
	if err != nil {
		t.Fatalf("GET / error = %v", err)
	}
	defer res.Body.Close()
	raw, _ := io.ReadAll(res.Body)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(raw), "id=\"avatar\"") {
		t.Fatalf("GET / = %d %q", res.StatusCode, raw)
	}
}

func TestSessionWebSocketStreamsTurn(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	_, created := env.post(t, "/v1/sessions", "", nil)
	id := created["session_id"].(string)
	env.post(t, "/api/video-agent/start", id, nil)
	env.post(t, "/api/chat-agent/start", id, nil)

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/v1/session/ws?bridge_session=" + id
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	read := func() map[string]any {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("ReadJSON() error = %v", err)
		}
		return msg
	}

	if msg := read(); msg["type"] != "system_event" || msg["code"] != "ready" {
		t.Fatalf("first message = %v, want ready", msg)
	}

	if err := conn.WriteJSON(map[string]string{"type": "user_text", "text": "Hello there"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}

	var types []string
	for {
		msg := read()
		types = append(types, msg["type"].(string))
		if msg["type"] == "sentence_spoken" && msg["index"] == float64(1) && msg["total_ms"] != float64(2*6*380) {
			t.Fatalf("second sentence total_ms = %v", msg["total_ms"])
		}
		if msg["type"] == "turn_completed" {
			if msg["duration_ms"] != float64(2*6*380-1500) {
				t.Fatalf("turn_completed = %v", msg)
			}
			break
		}
		if msg["type"] == "error_event" {
			t.Fatalf("unexpected error_event %v", msg)
		}
	}
	want := []string{"turn_started", "sentence_spoken", "sentence_spoken", "turn_completed"}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Fatalf("message types = %v, want %v", types, want)
	}

	if err := conn.WriteJSON(map[string]string{"type": "nope"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	if msg := read(); msg["type"] != "error_event" || msg["code"] != "invalid_client_message" {
		t.Fatalf("reply to bad message = %v", msg)
	}
}

func TestSessionWebSocketReportsMissingChat(t *testing.T) {
	env := newTestEnv(t, config.Config{})

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/v1/session/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var ready map[string]any
	if err := conn.ReadJSON(&ready); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if err := conn.WriteJSON(map[string]string{"type": "user_text", "text": "anyone?"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if msg["type"] != "error_event" || msg["code"] != "chat_session_missing" || msg["session_id"] != session.DefaultID {
		t.Fatalf("message = %v, want chat_session_missing error on default session", msg)
	}
}
