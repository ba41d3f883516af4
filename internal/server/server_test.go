package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voxlab/sussurro/internal/config"
	"github.com/voxlab/sussurro/internal/history"
	"github.com/voxlab/sussurro/internal/protocol"
	"github.com/voxlab/sussurro/internal/recognizer"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// fakeEngine is a scriptable listening engine. Results pushed into feed are
// delivered to the active listening loop.
type fakeEngine struct {
	feed chan recognizer.Result

	// startDelay holds Listen back before it observes its context,
	// simulating a loop goroutine that has not been scheduled yet. Set
	// before the engine is first used.
	startDelay time.Duration

	mu      sync.Mutex
	listens int
	active  bool
	closed  bool
	cancel  context.CancelFunc
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{feed: make(chan recognizer.Result, 16)}
}

func (f *fakeEngine) Listen(ctx context.Context, maxDuration time.Duration, onResult func(recognizer.Result)) error {
	if f.startDelay > 0 {
		time.Sleep(f.startDelay)
	}
	f.mu.Lock()
	if f.active {
		f.mu.Unlock()
		return errors.New("already listening")
	}
	var lctx context.Context
	var cancel context.CancelFunc
	if maxDuration > 0 {
		lctx, cancel = context.WithTimeout(ctx, maxDuration)
	} else {
		lctx, cancel = context.WithCancel(ctx)
	}
	f.active = true
	f.cancel = cancel
	f.listens++
	f.mu.Unlock()

	defer func() {
		cancel()
		f.mu.Lock()
		f.active = false
		f.cancel = nil
		f.mu.Unlock()
	}()

	for {
		select {
		case r := <-f.feed:
			onResult(r)
		case <-lctx.Done():
			return nil
		}
	}
}

func (f *fakeEngine) Stop() {
	f.mu.Lock()
	cancel := f.cancel
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (f *fakeEngine) Listening() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeEngine) Close() error {
	f.Stop()
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) listenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listens
}

type harness struct {
	engines map[string]*fakeEngine
	srv     *httptest.Server
}

func testConfig() *config.Config {
	return &config.Config{
		Server:  config.ServerConfig{ListenAddr: "127.0.0.1:0"},
		Capture: config.CaptureConfig{TimeoutSeconds: 2},
		Languages: map[string]config.LanguageConfig{
			"it": {ModelPath: "/models/it"},
			"en": {ModelPath: "/models/en"},
		},
		DefaultLanguage: "it",
	}
}

// startTestServer runs the session loop and a WebSocket endpoint backed by
// fake engines, one per configured language.
func startTestServer(t *testing.T, cfg *config.Config, opts ...SessionOption) *harness {
	t.Helper()

	h := &harness{engines: make(map[string]*fakeEngine)}
	for code := range cfg.Languages {
		h.engines[code] = newFakeEngine()
	}
	provider := func(language string) (Engine, error) {
		eng, ok := h.engines[language]
		if !ok {
			return nil, errors.New("no engine for " + language)
		}
		return eng, nil
	}

	session := NewSession(cfg, provider, opts...)
	srv := New(cfg, session, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		session.Run(ctx)
		close(loopDone)
	}()

	h.srv = httptest.NewServer(http.HandlerFunc(srv.handleWS))
	t.Cleanup(func() {
		h.srv.Close()
		cancel()
		select {
		case <-loopDone:
		case <-time.After(2 * time.Second):
			t.Error("session loop did not stop")
		}
	})
	return h
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, h *harness) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(h.srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "done") })
	return conn
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("writeJSON marshal: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("writeJSON: %v", err)
	}
}

// readUntil reads frames until one with the wanted type arrives, failing the
// test when a frame of the rejected type shows up first.
func readUntil(t *testing.T, conn *websocket.Conn, want, reject string) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read waiting for %q: %v", want, err)
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		typ, _ := m["type"].(string)
		if reject != "" && typ == reject {
			t.Fatalf("received %q frame while waiting for %q: %v", reject, want, m)
		}
		if typ == want {
			return m
		}
	}
}

func readType(t *testing.T, conn *websocket.Conn, want string) map[string]any {
	return readUntil(t, conn, want, "")
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestConnectPushesInitialStatus(t *testing.T) {
	h := startTestServer(t, testConfig())
	conn := dial(t, h)

	status := readType(t, conn, protocol.TypeLanguageStatus)
	if got := status["current_language"]; got != "it" {
		t.Errorf("current_language = %v, want it", got)
	}
	if got := status["listening"]; got != false {
		t.Errorf("listening = %v, want false", got)
	}
	langs, _ := status["available_languages"].([]any)
	if len(langs) != 2 || langs[0] != "en" || langs[1] != "it" {
		t.Errorf("available_languages = %v, want [en it]", langs)
	}
}

func TestPermanentListeningFlow(t *testing.T) {
	h := startTestServer(t, testConfig())
	conn := dial(t, h)
	readType(t, conn, protocol.TypeLanguageStatus)

	writeJSON(t, conn, map[string]any{"type": protocol.TypeStartPermanent})
	readType(t, conn, protocol.TypeListeningStarted)
	status := readType(t, conn, protocol.TypeLanguageStatus)
	if status["listening"] != true {
		t.Fatalf("listening = %v after start, want true", status["listening"])
	}

	h.engines["it"].feed <- recognizer.Result{Text: "ciao mondo", Confidence: 0.92}
	res := readType(t, conn, protocol.TypeSpeechResult)
	if res["text"] != "ciao mondo" || res["language"] != "it" {
		t.Errorf("speech_result = %v, want text %q language it", res, "ciao mondo")
	}

	writeJSON(t, conn, map[string]any{"type": protocol.TypeStopPermanent})
	readType(t, conn, protocol.TypeListeningStopped)
	status = readType(t, conn, protocol.TypeLanguageStatus)
	if status["listening"] != false {
		t.Errorf("listening = %v after stop, want false", status["listening"])
	}
	if h.engines["it"].Listening() {
		t.Error("engine still listening after stop")
	}
}

func TestStopIssuedBeforeListenStartsStillStops(t *testing.T) {
	h := startTestServer(t, testConfig())
	h.engines["it"].startDelay = 100 * time.Millisecond
	conn := dial(t, h)
	readType(t, conn, protocol.TypeLanguageStatus)

	// The stop lands while the listening goroutine is still being scheduled.
	writeJSON(t, conn, map[string]any{"type": protocol.TypeStartPermanent})
	writeJSON(t, conn, map[string]any{"type": protocol.TypeStopPermanent})
	readType(t, conn, protocol.TypeListeningStarted)
	readType(t, conn, protocol.TypeListeningStopped)

	writeJSON(t, conn, map[string]any{"type": protocol.TypeGetStatus})
	status := readType(t, conn, protocol.TypeLanguageStatus)
	if status["listening"] != false {
		t.Fatalf("listening = %v after stop, want false", status["listening"])
	}

	// Give the delayed loop time to run; it must observe the cancellation
	// and never come up, so fed audio produces no results for anyone.
	time.Sleep(200 * time.Millisecond)
	if h.engines["it"].Listening() {
		t.Error("engine listening after acknowledged stop")
	}
	h.engines["it"].feed <- recognizer.Result{Text: "ghost", Confidence: 0.5}
	writeJSON(t, conn, map[string]any{"type": protocol.TypeGetStatus})
	readUntil(t, conn, protocol.TypeLanguageStatus, protocol.TypeSpeechResult)

	// The language is genuinely idle: a fresh start succeeds.
	writeJSON(t, conn, map[string]any{"type": protocol.TypeStartPermanent})
	readUntil(t, conn, protocol.TypeListeningStarted, protocol.TypeError)
}

func TestStartPermanentWhileActiveReportsError(t *testing.T) {
	h := startTestServer(t, testConfig())
	conn := dial(t, h)
	readType(t, conn, protocol.TypeLanguageStatus)

	writeJSON(t, conn, map[string]any{"type": protocol.TypeStartPermanent})
	readType(t, conn, protocol.TypeListeningStarted)

	writeJSON(t, conn, map[string]any{"type": protocol.TypeStartPermanent})
	errEvent := readType(t, conn, protocol.TypeError)
	if msg, _ := errEvent["message"].(string); !strings.Contains(msg, "already listening") {
		t.Errorf("error message = %q, want already listening", msg)
	}
}

func TestStopPermanentWhenIdleIsAcknowledged(t *testing.T) {
	h := startTestServer(t, testConfig())
	conn := dial(t, h)
	readType(t, conn, protocol.TypeLanguageStatus)

	writeJSON(t, conn, map[string]any{"type": protocol.TypeStopPermanent})
	readUntil(t, conn, protocol.TypeListeningStopped, protocol.TypeError)
}

func TestSingleCaptureDeliversFirstResultToRequester(t *testing.T) {
	h := startTestServer(t, testConfig())
	requester := dial(t, h)
	observer := dial(t, h)
	readType(t, requester, protocol.TypeLanguageStatus)
	readType(t, observer, protocol.TypeLanguageStatus)

	writeJSON(t, requester, map[string]any{
		"type":    protocol.TypeStartSingle,
		"context": "terminal",
		"timeout": 5,
	})
	readType(t, requester, protocol.TypeSingleCaptureStarted)

	h.engines["it"].feed <- recognizer.Result{Text: "elle es", Confidence: 0.8}

	res := readType(t, requester, protocol.TypeSpeechResult)
	if res["text"] != "ls" {
		t.Errorf("corrected text = %v, want ls", res["text"])
	}
	if res["original_text"] != "elle es" {
		t.Errorf("original_text = %v, want elle es", res["original_text"])
	}
	if res["context"] != "terminal" {
		t.Errorf("context = %v, want terminal", res["context"])
	}

	// The capture auto-reverts to idle once the result lands.
	writeJSON(t, requester, map[string]any{"type": protocol.TypeGetStatus})
	status := readUntil(t, requester, protocol.TypeLanguageStatus, "")
	for status["listening"] != false {
		status = readType(t, requester, protocol.TypeLanguageStatus)
	}

	// The observer sees status changes but never the capture's result.
	writeJSON(t, observer, map[string]any{"type": protocol.TypeGetStatus})
	readUntil(t, observer, protocol.TypeLanguageStatus, protocol.TypeSpeechResult)
}

func TestSingleCaptureTimesOutWithoutSpeech(t *testing.T) {
	cfg := testConfig()
	cfg.Capture.TimeoutSeconds = 1
	h := startTestServer(t, cfg)
	conn := dial(t, h)
	readType(t, conn, protocol.TypeLanguageStatus)

	writeJSON(t, conn, map[string]any{"type": protocol.TypeStartSingle})
	readType(t, conn, protocol.TypeSingleCaptureStarted)

	errEvent := readType(t, conn, protocol.TypeError)
	if msg, _ := errEvent["message"].(string); !strings.Contains(msg, "no speech") {
		t.Errorf("error message = %q, want no speech detected", msg)
	}
}

func TestSwitchLanguageRestartsPermanentListening(t *testing.T) {
	h := startTestServer(t, testConfig())
	conn := dial(t, h)
	readType(t, conn, protocol.TypeLanguageStatus)

	writeJSON(t, conn, map[string]any{"type": protocol.TypeStartPermanent})
	readType(t, conn, protocol.TypeListeningStarted)

	writeJSON(t, conn, map[string]any{"type": protocol.TypeSwitchLanguage, "language": "en"})

	var status map[string]any
	for {
		status = readType(t, conn, protocol.TypeLanguageStatus)
		if status["current_language"] == "en" {
			break
		}
	}
	if status["listening"] != true {
		t.Errorf("listening = %v after switch, want true", status["listening"])
	}
	if h.engines["it"].Listening() {
		t.Error("previous language still listening after switch")
	}
	if got := h.engines["en"].listenCount(); got != 1 {
		t.Errorf("new language listen count = %d, want 1", got)
	}
}

func TestSwitchLanguageUnconfigured(t *testing.T) {
	h := startTestServer(t, testConfig())
	conn := dial(t, h)
	readType(t, conn, protocol.TypeLanguageStatus)

	writeJSON(t, conn, map[string]any{"type": protocol.TypeSwitchLanguage, "language": "de"})
	errEvent := readType(t, conn, protocol.TypeError)
	if msg, _ := errEvent["message"].(string); !strings.Contains(msg, "not configured") {
		t.Errorf("error message = %q, want not configured", msg)
	}

	writeJSON(t, conn, map[string]any{"type": protocol.TypeGetStatus})
	status := readType(t, conn, protocol.TypeLanguageStatus)
	if status["current_language"] != "it" {
		t.Errorf("current_language = %v after failed switch, want it", status["current_language"])
	}
}

func TestMalformedMessageKeepsConnectionAlive(t *testing.T) {
	h := startTestServer(t, testConfig())
	conn := dial(t, h)
	readType(t, conn, protocol.TypeLanguageStatus)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"fly_to_the_moon"}`)); err != nil {
		t.Fatalf("write malformed: %v", err)
	}
	readType(t, conn, protocol.TypeError)

	writeJSON(t, conn, map[string]any{"type": protocol.TypeGetStatus})
	readType(t, conn, protocol.TypeLanguageStatus)
}

func TestHistoryRoundTrip(t *testing.T) {
	store, err := history.Open(context.Background(), config.HistoryConfig{
		Path: filepath.Join(t.TempDir(), "history.db"),
	}, nil)
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	h := startTestServer(t, testConfig(), WithStore(store))
	conn := dial(t, h)
	readType(t, conn, protocol.TypeLanguageStatus)

	writeJSON(t, conn, map[string]any{"type": protocol.TypeStartPermanent})
	readType(t, conn, protocol.TypeListeningStarted)
	h.engines["it"].feed <- recognizer.Result{Text: "ciao", Confidence: 0.9}
	readType(t, conn, protocol.TypeSpeechResult)

	writeJSON(t, conn, map[string]any{"type": protocol.TypeGetHistory, "limit": 5})
	hist := readType(t, conn, protocol.TypeHistory)
	results, _ := hist["results"].([]any)
	if len(results) != 1 {
		t.Fatalf("history results = %d entries, want 1", len(results))
	}
	first, _ := results[0].(map[string]any)
	if first["text"] != "ciao" {
		t.Errorf("history entry text = %v, want ciao", first["text"])
	}
}
