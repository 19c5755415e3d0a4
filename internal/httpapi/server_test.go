package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/ent0n29/rxdictate/internal/auth"
	"github.com/ent0n29/rxdictate/internal/finalize"
	"github.com/ent0n29/rxdictate/internal/medicine"
	"github.com/ent0n29/rxdictate/internal/observability"
	"github.com/ent0n29/rxdictate/internal/registry"
	"github.com/ent0n29/rxdictate/internal/session"
	"github.com/ent0n29/rxdictate/internal/store"
	"github.com/ent0n29/rxdictate/internal/textgen"
	"github.com/ent0n29/rxdictate/internal/transcription"
)

const testCatalogue = `id,name,manufacturer_name,short_composition1,short_composition2
1,Dolo 650 Tablet,Micro Labs Ltd,Paracetamol (650mg),
2,Zifi 200 Tablet,FDC Ltd,Cefixime (200mg),
3,Azithral 500 Tablet,Alembic,Azithromycin (500mg),
`

type stubCompleter struct {
	mu    sync.Mutex
	calls int
	text  string
}

func (c *stubCompleter) Complete(_ context.Context, task registry.Task, _ string, _ textgen.Options) (textgen.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return textgen.Result{RawText: c.text, BackendID: registry.BackendOpenAI, ModelID: "test-" + string(task)}, nil
}

func (c *stubCompleter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type stubTranscriber struct {
	text     string
	filename string
	mimeType string
}

func (s *stubTranscriber) Transcribe(_ context.Context, _ []byte, filename, mimeType string) (string, error) {
	s.filename = filename
	s.mimeType = mimeType
	return s.text, nil
}

// stubChannel replays queued events and closes when asked.
type stubChannel struct {
	events    chan transcription.Event
	closeOnce sync.Once
}

func (c *stubChannel) Send([]byte) error                  { return nil }
func (c *stubChannel) KeepAlive() error                   { return nil }
func (c *stubChannel) Events() <-chan transcription.Event { return c.events }
func (c *stubChannel) Close() error {
	c.closeOnce.Do(func() { close(c.events) })
	return nil
}

type stubStreaming struct {
	supported bool
	fragment  string
}

func (s *stubStreaming) ID() string                       { return registry.BackendDeepgram }
func (s *stubStreaming) Configured() bool                 { return true }
func (s *stubStreaming) KeepAliveInterval() time.Duration { return time.Hour }
func (s *stubStreaming) Open(context.Context, transcription.StreamConfig) (transcription.Channel, error) {
	ch := &stubChannel{events: make(chan transcription.Event, 1)}
	ch.events <- transcription.Event{Fragment: transcription.Fragment{Text: s.fragment, IsFinal: true}}
	return ch, nil
}

func (s *stubStreaming) Streaming() (transcription.StreamingBackend, registry.Selection, bool) {
	sel := registry.Selection{Task: registry.TaskTranscriptionLive, BackendID: registry.BackendDeepgram}
	if !s.supported {
		return nil, sel, false
	}
	return s, sel, true
}

type testEnv struct {
	ts          *httptest.Server
	store       *store.InMemoryStore
	registry    *registry.Registry
	completer   *stubCompleter
	transcriber *stubTranscriber
	verifier    *auth.Verifier
	token       string
}

func newTestEnv(t *testing.T, streaming *stubStreaming) *testEnv {
	t.Helper()
	metrics := observability.NewMetrics(fmt.Sprintf("test_httpapi_%d", time.Now().UnixNano()))
	st := store.NewInMemoryStore()
	reg := registry.New(registry.EnvLayer{})
	completer := &stubCompleter{text: "```html\n<h3>Diagnosis</h3><p>Fever</p><script>alert(1)</script>\n```"}
	transcriber := &stubTranscriber{text: "patient has cough give azithral"}
	pipeline := finalize.New(finalize.Deps{
		Gateway:     completer,
		Transcriber: transcriber,
		Ledger:      st,
		Macros:      st,
		Notes:       st,
		Metrics:     metrics,
		Logger:      zerolog.Nop(),
	})
	rows, err := medicine.Load(strings.NewReader(testCatalogue))
	if err != nil {
		t.Fatalf("medicine.Load() error = %v", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	verifier := auth.NewVerifier("test-secret-0123456789", "rxdictate")
	if streaming == nil {
		streaming = &stubStreaming{}
	}

	srv := New(Options{MaxUploadBytes: 1 << 20, LiveLanguage: "en-IN"}, Deps{
		Sessions: session.NewManager(time.Minute, 2),
		Pipeline: pipeline,
		Streamer: streaming,
		Store:    st,
		Registry: reg,
		Medicine: medicine.NewEngine(rows),
		Verifier: verifier,
		Admin:    auth.NewAdmin("admin", string(hash)),
		Metrics:  metrics,
		Logger:   zerolog.Nop(),
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	token, err := verifier.Issue("dr-1", time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	return &testEnv{
		ts:          ts,
		store:       st,
		registry:    reg,
		completer:   completer,
		transcriber: transcriber,
		verifier:    verifier,
		token:       token,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+e.token)
	req.Header.Set("Content-Type", "application/json")
	return e.send(t, req)
}

func (e *testEnv) admin(t *testing.T, method, path string, body any, password string) (*http.Response, map[string]any) {
	t.Helper()
	raw, _ := json.Marshal(body)
	req, err := http.NewRequest(method, e.ts.URL+path, bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.SetBasicAuth("admin", password)
	return e.send(t, req)
}

func (e *testEnv) send(t *testing.T, req *http.Request) (*http.Response, map[string]any) {
	t.Helper()
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", req.Method, req.URL.Path, err)
	}
	defer res.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(res.Body).Decode(&out)
	return res, out
}

func (e *testEnv) dial(t *testing.T, query string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/v1/dictation/ws" + query
	return websocket.DefaultDialer.Dial(url, nil)
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read websocket message: %v", err)
	}
	return msg
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t, nil)

	res, body := env.do(t, http.MethodGet, "/healthz", nil)
	if res.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthz = %d %+v", res.StatusCode, body)
	}
	res, body = env.do(t, http.MethodGet, "/readyz", nil)
	if res.StatusCode != http.StatusOK || body["medicine_loaded"] != true {
		t.Fatalf("readyz = %d %+v", res.StatusCode, body)
	}
}

func TestRESTRequiresOwnerToken(t *testing.T) {
	env := newTestEnv(t, nil)

	res, err := http.Get(env.ts.URL + "/v1/credits")
	if err != nil {
		t.Fatalf("GET /v1/credits error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
}

func TestWebsocketRejectsMissingToken(t *testing.T) {
	env := newTestEnv(t, nil)

	_, res, err := env.dial(t, "")
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
	if res == nil || res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("handshake response = %+v, want 401", res)
	}
}

func TestWebsocketFinalizeResultAndCreditGate(t *testing.T) {
	env := newTestEnv(t, &stubStreaming{supported: true, fragment: "fever"})
	if _, err := env.store.Grant(context.Background(), "dr-1", 1); err != nil {
		t.Fatalf("Grant() error = %v", err)
	}

	conn, _, err := env.dial(t, "?token="+env.token)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0, 1, 2, 3}); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	frag := readMessage(t, conn)
	if frag["type"] != "transcript_fragment" || frag["text"] != "fever" || frag["isFinal"] != true {
		t.Fatalf("fragment = %+v", frag)
	}

	finalizeMsg := map[string]string{"type": "finalize", "transcript": "patient has fever give dolo 650", "context": ""}
	if err := conn.WriteJSON(finalizeMsg); err != nil {
		t.Fatalf("write finalize: %v", err)
	}
	result := readMessage(t, conn)
	if result["type"] != "finalize_result" {
		t.Fatalf("result = %+v", result)
	}
	html, _ := result["html"].(string)
	if !strings.Contains(html, "<p>Fever</p>") || strings.Contains(html, "script") || strings.Contains(html, "```") {
		t.Fatalf("html not cleaned: %q", html)
	}
	if result["remainingCredits"] != float64(0) {
		t.Fatalf("remainingCredits = %v, want 0", result["remainingCredits"])
	}

	if err := conn.WriteJSON(finalizeMsg); err != nil {
		t.Fatalf("write finalize: %v", err)
	}
	rejected := readMessage(t, conn)
	if rejected["type"] != "finalize_result" || rejected["error"] != "insufficient_credits" {
		t.Fatalf("second finalize = %+v", rejected)
	}
	if _, ok := rejected["html"]; ok {
		t.Fatalf("rejected finalize carried html: %+v", rejected)
	}
	if env.completer.count() != 1 {
		t.Fatalf("completion calls = %d, want 1", env.completer.count())
	}
}

func TestWebsocketFallbackWhenStreamingUnsupported(t *testing.T) {
	env := newTestEnv(t, &stubStreaming{supported: false})

	conn, _, err := env.dial(t, "?token="+env.token)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()

	audio := map[string]any{"type": "stream_audio", "audio": []int{1, 2, 3, 4}}
	if err := conn.WriteJSON(audio); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	if msg := readMessage(t, conn); msg["type"] != "fallback_to_upload" {
		t.Fatalf("message = %+v, want fallback_to_upload", msg)
	}
}

func TestWebsocketConnectionLimit(t *testing.T) {
	env := newTestEnv(t, nil)

	for i := 0; i < 2; i++ {
		conn, _, err := env.dial(t, "?token="+env.token)
		if err != nil {
			t.Fatalf("dial %d error = %v", i, err)
		}
		defer conn.Close()
	}
	_, res, err := env.dial(t, "?token="+env.token)
	if err == nil {
		t.Fatalf("third connection accepted")
	}
	if res == nil || res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("third handshake = %+v, want 429", res)
	}
}

func TestUploadFinalizesTranscript(t *testing.T) {
	env := newTestEnv(t, nil)
	if _, err := env.store.Grant(context.Background(), "dr-1", 2); err != nil {
		t.Fatalf("Grant() error = %v", err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("audio", "visit.webm")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	_, _ = part.Write([]byte("fake-webm-bytes"))
	_ = mw.WriteField("context", "")
	_ = mw.Close()

	req, _ := http.NewRequest(http.MethodPost, env.ts.URL+"/v1/dictation/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+env.token)
	res, body := env.send(t, req)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("upload status = %d body=%+v", res.StatusCode, body)
	}
	if body["transcript"] != env.transcriber.text || body["remainingCredits"] != float64(1) {
		t.Fatalf("upload body = %+v", body)
	}
	if env.transcriber.filename != "visit.webm" {
		t.Fatalf("transcriber filename = %q", env.transcriber.filename)
	}

	res, body = env.do(t, http.MethodGet, "/v1/notes", nil)
	notes, _ := body["notes"].([]any)
	if res.StatusCode != http.StatusOK || len(notes) != 1 {
		t.Fatalf("notes = %d %+v", res.StatusCode, body)
	}
}

func TestUploadRequiresAudio(t *testing.T) {
	env := newTestEnv(t, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("context", "<p>existing</p>")
	_ = mw.Close()

	req, _ := http.NewRequest(http.MethodPost, env.ts.URL+"/v1/dictation/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+env.token)
	res, _ := env.send(t, req)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", res.StatusCode)
	}
}

func TestReviewAndFormatCreditGate(t *testing.T) {
	env := newTestEnv(t, nil)

	res, body := env.do(t, http.MethodPost, "/v1/notes/review", map[string]string{"note": "<p>fever</p>"})
	if res.StatusCode != http.StatusPaymentRequired || body["code"] != "insufficient_credits" {
		t.Fatalf("review without credits = %d %+v", res.StatusCode, body)
	}
	if env.completer.count() != 0 {
		t.Fatalf("provider called without credit")
	}

	_, _ = env.store.Grant(context.Background(), "dr-1", 1)
	res, body = env.do(t, http.MethodPost, "/v1/notes/review", map[string]string{"note": "<p>fever</p>"})
	if res.StatusCode != http.StatusOK || body["remainingCredits"] != float64(0) {
		t.Fatalf("review = %d %+v", res.StatusCode, body)
	}

	res, body = env.do(t, http.MethodPost, "/v1/notes/format", map[string]string{"note": ""})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("format with empty note = %d %+v", res.StatusCode, body)
	}
}

func TestCreditsAndAdminGrant(t *testing.T) {
	env := newTestEnv(t, nil)

	res, body := env.admin(t, http.MethodPost, "/v1/admin/credits", map[string]any{"owner_id": "dr-1", "amount": 5}, "wrong")
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("grant with bad password = %d %+v", res.StatusCode, body)
	}
	res, body = env.admin(t, http.MethodPost, "/v1/admin/credits", map[string]any{"owner_id": "dr-1", "amount": 0}, "hunter2")
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("grant of zero = %d %+v", res.StatusCode, body)
	}
	res, body = env.admin(t, http.MethodPost, "/v1/admin/credits", map[string]any{"owner_id": "dr-1", "amount": 5}, "hunter2")
	if res.StatusCode != http.StatusOK || body["credits"] != float64(5) {
		t.Fatalf("grant = %d %+v", res.StatusCode, body)
	}

	res, body = env.do(t, http.MethodGet, "/v1/credits", nil)
	if res.StatusCode != http.StatusOK || body["credits"] != float64(5) || body["owner_id"] != "dr-1" {
		t.Fatalf("credits = %d %+v", res.StatusCode, body)
	}
}

func TestAdminProviderOverrides(t *testing.T) {
	env := newTestEnv(t, nil)

	res, body := env.admin(t, http.MethodPut, "/v1/admin/providers", map[string]string{
		string(registry.TaskTextScribe): "not-a-backend",
	}, "hunter2")
	if res.StatusCode != http.StatusBadRequest || body["code"] != "invalid_override" {
		t.Fatalf("invalid override = %d %+v", res.StatusCode, body)
	}
	if len(env.registry.Overrides()) != 0 {
		t.Fatalf("invalid override applied")
	}

	res, body = env.admin(t, http.MethodPut, "/v1/admin/providers", map[string]string{
		string(registry.TaskTextScribe): registry.BackendAnthropic,
	}, "hunter2")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("valid override = %d %+v", res.StatusCode, body)
	}
	if got := env.registry.Resolve(registry.TaskTextScribe).BackendID; got != registry.BackendAnthropic {
		t.Fatalf("resolved backend = %q, want anthropic", got)
	}
	saved, _ := env.store.Overrides(context.Background())
	if saved[string(registry.TaskTextScribe)] != registry.BackendAnthropic {
		t.Fatalf("override not persisted: %+v", saved)
	}
}

func TestProfileRoundTrip(t *testing.T) {
	env := newTestEnv(t, nil)

	res, body := env.do(t, http.MethodPut, "/v1/profile", map[string]any{
		"pronunciation_hints": "Zifi, Azithral",
		"macros":              []map[string]string{{"trigger": "fever pack", "expansion": "Dolo 650 SOS"}},
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("put profile = %d %+v", res.StatusCode, body)
	}
	res, body = env.do(t, http.MethodGet, "/v1/profile", nil)
	macros, _ := body["macros"].([]any)
	if res.StatusCode != http.StatusOK || body["pronunciation_hints"] != "Zifi, Azithral" || len(macros) != 1 {
		t.Fatalf("get profile = %d %+v", res.StatusCode, body)
	}

	res, _ = env.do(t, http.MethodPut, "/v1/profile", map[string]any{
		"macros": []map[string]string{{"trigger": "", "expansion": "x"}},
	})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("blank macro trigger status = %d", res.StatusCode)
	}
}

func TestMedicineEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	res, body := env.do(t, http.MethodGet, "/v1/medicine/search?q=ziphy&mode=brand", nil)
	results, _ := body["results"].([]any)
	if res.StatusCode != http.StatusOK || len(results) == 0 {
		t.Fatalf("search = %d %+v", res.StatusCode, body)
	}
	if first, _ := results[0].(map[string]any); first["brand"] != "Zifi 200 Tablet" {
		t.Fatalf("top result = %+v", results[0])
	}

	res, _ = env.do(t, http.MethodGet, "/v1/medicine/search?q=dolo&mode=generic", nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad mode status = %d", res.StatusCode)
	}
	res, _ = env.do(t, http.MethodGet, "/v1/medicine/suggest", nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing query status = %d", res.StatusCode)
	}

	res, body = env.do(t, http.MethodGet, "/v1/medicine/validate?q=azithral", nil)
	if res.StatusCode != http.StatusOK || body["brand"] != "Azithral 500 Tablet" {
		t.Fatalf("validate = %d %+v", res.StatusCode, body)
	}
}

func TestPerfLatencyReportsPerBackend(t *testing.T) {
	env := newTestEnv(t, nil)
	if _, err := env.store.Grant(context.Background(), "dr-1", 1); err != nil {
		t.Fatalf("Grant() error = %v", err)
	}
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, _ := mw.CreateFormFile("audio", "visit.webm")
	_, _ = part.Write([]byte("fake-webm-bytes"))
	_ = mw.Close()
	req, _ := http.NewRequest(http.MethodPost, env.ts.URL+"/v1/dictation/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+env.token)
	if res, body := env.send(t, req); res.StatusCode != http.StatusOK {
		t.Fatalf("upload status = %d body=%+v", res.StatusCode, body)
	}

	res, body := env.do(t, http.MethodGet, "/v1/perf/latency", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("perf = %d %+v", res.StatusCode, body)
	}
	stages, _ := body["stages"].([]any)
	if len(stages) != 1 {
		t.Fatalf("stages = %+v", body["stages"])
	}
	stage, _ := stages[0].(map[string]any)
	if stage["stage"] != "finalize_total" || stage["backend"] != registry.BackendOpenAI {
		t.Fatalf("stage = %+v", stage)
	}

	res, _ = env.do(t, http.MethodDelete, "/v1/perf/latency", nil)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("reset status = %d", res.StatusCode)
	}
	_, body = env.do(t, http.MethodGet, "/v1/perf/latency", nil)
	if stages, _ := body["stages"].([]any); len(stages) != 0 {
		t.Fatalf("stages after reset = %+v", body["stages"])
	}
}
