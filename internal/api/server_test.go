package api

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dify2openai/difybridge/internal/config"
	"github.com/dify2openai/difybridge/internal/dify"
	"github.com/dify2openai/difybridge/internal/json"
	"github.com/dify2openai/difybridge/internal/openai"
	"github.com/dify2openai/difybridge/internal/session"
)

// fakeDify stands in for the upstream API.
func fakeDify(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/chat-messages", func(w http.ResponseWriter, r *http.Request) {
		var payload dify.ChatPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if payload.ResponseMode == dify.ModeStreaming {
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, "data: {\"event\":\"message\",\"answer\":\"streamed reply\",\"conversation_id\":\"conv-s\",\"task_id\":\"task-s\"}\n\n")
			fmt.Fprint(w, "data: {\"event\":\"message_end\",\"conversation_id\":\"conv-s\",\"task_id\":\"task-s\",\"metadata\":{\"usage\":{\"prompt_tokens\":3,\"completion_tokens\":5,\"total_tokens\":8}}}\n\n")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"answer":"echo: %s","conversation_id":"conv-b","message_id":"msg-b","metadata":{"usage":{"prompt_tokens":2,"completion_tokens":4,"total_tokens":6}}}`, payload.Query)
	})

	mux.HandleFunc("/v1/chat-messages/", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/stop") {
			if strings.Contains(r.URL.Path, "gone-task") {
				w.WriteHeader(http.StatusNotFound)
				fmt.Fprint(w, `{"code":"not_found","message":"task not found"}`)
				return
			}
			fmt.Fprint(w, `{"result":"success"}`)
			return
		}
		http.NotFound(w, r)
	})

	mux.HandleFunc("/v1/completion-messages", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"answer":"completed text","message_id":"msg-c"}`)
	})

	mux.HandleFunc("/v1/files/upload", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"id":"file-1","name":%q,"size":%d,"created_at":1700000000}`, header.Filename, header.Size)
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestServer(t *testing.T, upstreamURL string) *Server {
	t.Helper()

	cfgYAML := fmt.Sprintf(`
default-model: test-app
models:
  test-app:
    app-name: Test App
    description: test application
    base-url: %s
    api-key: app-test
`, upstreamURL)

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(cfgYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	store, err := config.NewStore(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	sessions := session.NewStore(time.Hour, time.Hour)
	t.Cleanup(sessions.Stop)

	return NewServer(Options{
		Config:   store,
		Sessions: sessions,
		Pool:     dify.NewPool(time.Minute),
		Usage:    nil,
	})
}

func doJSON(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer test-key")
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestChatCompletionsBlocking(t *testing.T) {
	s := newTestServer(t, fakeDify(t).URL)

	rec := doJSON(t, s, http.MethodPost, "/v1/chat/completions",
		`{"model":"test-app","messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}

	var res openai.ChatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Object != "chat.completion" || res.Choices[0].Message.Content != "echo: hi" {
		t.Fatalf("response: %+v", res)
	}
	if res.Usage.TotalTokens != 6 {
		t.Fatalf("usage: %+v", res.Usage)
	}
	if res.Choices[0].FinishReason != "stop" {
		t.Fatalf("finish reason: %q", res.Choices[0].FinishReason)
	}
}

func TestChatCompletionsStreaming(t *testing.T) {
	s := newTestServer(t, fakeDify(t).URL)

	rec := doJSON(t, s, http.MethodPost, "/v1/chat/completions",
		`{"model":"test-app","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type %q", ct)
	}

	body := rec.Body.String()
	if !strings.Contains(body, "streamed reply") {
		t.Fatalf("answer missing from stream: %s", body)
	}
	if !strings.Contains(body, `"finish_reason":"stop"`) {
		t.Fatalf("stop chunk missing: %s", body)
	}
	if !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Fatalf("stream must end with the terminator: %q", body[len(body)-40:])
	}
}

func TestChatRequiresAuthorization(t *testing.T) {
	s := newTestServer(t, fakeDify(t).URL)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"test-app","messages":[{"role":"user","content":"hi"}]}`))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", rec.Code)
	}

	var env openai.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Error.Code != "missing_authorization" {
		t.Fatalf("error: %+v", env.Error)
	}
}

func TestChatUnknownModel(t *testing.T) {
	s := newTestServer(t, fakeDify(t).URL)

	rec := doJSON(t, s, http.MethodPost, "/v1/chat/completions",
		`{"model":"nope","messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "model_not_found") {
		t.Fatalf("body: %s", rec.Body.String())
	}
}

func TestChatMissingMessages(t *testing.T) {
	s := newTestServer(t, fakeDify(t).URL)

	rec := doJSON(t, s, http.MethodPost, "/v1/chat/completions",
		`{"model":"test-app","messages":[]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rec.Code)
	}
}

func TestCompletions(t *testing.T) {
	s := newTestServer(t, fakeDify(t).URL)

	rec := doJSON(t, s, http.MethodPost, "/v1/completions",
		`{"model":"test-app","prompt":"write a haiku"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}

	var res openai.CompletionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Object != "text_completion" || res.Choices[0].Text != "completed text" {
		t.Fatalf("response: %+v", res)
	}
}

func TestCompletionsStream(t *testing.T) {
	s := newTestServer(t, fakeDify(t).URL)

	rec := doJSON(t, s, http.MethodPost, "/v1/completions",
		`{"model":"test-app","prompt":"write a haiku","stream":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if !strings.Contains(body, "completed text") || !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Fatalf("simulated stream wrong: %s", body)
	}
}

func TestModelsCatalog(t *testing.T) {
	s := newTestServer(t, fakeDify(t).URL)

	rec := doJSON(t, s, http.MethodGet, "/v1/models", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var list openai.ModelList
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Data) != 1 || list.Data[0].ID != "test-app" || list.Data[0].OwnedBy != "dify" {
		t.Fatalf("catalog: %+v", list)
	}

	rec = doJSON(t, s, http.MethodGet, "/v1/models/test-app", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	rec = doJSON(t, s, http.MethodGet, "/v1/models/other", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown model status %d", rec.Code)
	}
}

func TestStopTask(t *testing.T) {
	s := newTestServer(t, fakeDify(t).URL)

	rec := doJSON(t, s, http.MethodPost, "/v1/chat/completions/task-1/stop", `{}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var res openai.StopResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.ID != "task-1" || res.Result != "success" {
		t.Fatalf("stop response: %+v", res)
	}

	rec = doJSON(t, s, http.MethodPost, "/v1/chat/completions/gone-task/stop", `{}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("finished task status %d, want 404", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "task_not_found") {
		t.Fatalf("body: %s", rec.Body.String())
	}
}

func TestSessionAdmin(t *testing.T) {
	s := newTestServer(t, fakeDify(t).URL)

	// Run one chat to create a conversation binding.
	rec := doJSON(t, s, http.MethodPost, "/v1/chat/completions",
		`{"model":"test-app","user":"alice","messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("chat status %d", rec.Code)
	}

	rec = doJSON(t, s, http.MethodGet, "/v1/sessions/stats", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"active_conversations":1`) {
		t.Fatalf("stats: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, s, http.MethodDelete, "/v1/sessions?model=test-app&user=alice", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"terminated":true`) {
		t.Fatalf("terminate: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, s, http.MethodDelete, "/v1/sessions?model=test-app&user=alice", "")
	if !strings.Contains(rec.Body.String(), `"terminated":false`) {
		t.Fatalf("second terminate must be a no-op: %s", rec.Body.String())
	}
}

func TestSessionContinuity(t *testing.T) {
	upstream := fakeDify(t)
	s := newTestServer(t, upstream.URL)

	first := `{"model":"test-app","user":"bob","messages":[{"role":"user","content":"hi"}]}`
	if rec := doJSON(t, s, http.MethodPost, "/v1/chat/completions", first); rec.Code != http.StatusOK {
		t.Fatalf("first turn: %d", rec.Code)
	}

	// A follow-up with two user turns continues the recorded conversation.
	second := `{"model":"test-app","user":"bob","messages":[
		{"role":"user","content":"hi"},
		{"role":"assistant","content":"hello"},
		{"role":"user","content":"more"}]}`
	if rec := doJSON(t, s, http.MethodPost, "/v1/chat/completions", second); rec.Code != http.StatusOK {
		t.Fatalf("second turn: %d", rec.Code)
	}

	if id, ok := s.sessions.ActiveConversation("bob", "test-app", ""); !ok || id != "conv-b" {
		t.Fatalf("conversation binding = %q %v", id, ok)
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, fakeDify(t).URL)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("health: %s", rec.Body.String())
	}
}

func TestFileUpload(t *testing.T) {
	s := newTestServer(t, fakeDify(t).URL)

	var buf strings.Builder
	boundary := "testboundary"
	buf.WriteString("--" + boundary + "\r\n")
	buf.WriteString("Content-Disposition: form-data; name=\"file\"; filename=\"note.txt\"\r\n")
	buf.WriteString("Content-Type: text/plain\r\n\r\n")
	buf.WriteString("hello upload\r\n")
	buf.WriteString("--" + boundary + "--\r\n")

	req := httptest.NewRequest(http.MethodPost, "/v1/files", strings.NewReader(buf.String()))
	req.Header.Set("Authorization", "Bearer test-key")
	req.Header.Set("Content-Type", "multipart/form-data; boundary="+boundary)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}

	var file openai.File
	if err := json.Unmarshal(rec.Body.Bytes(), &file); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if file.ID != "file-1" || file.Object != "file" || file.Filename != "note.txt" {
		t.Fatalf("file object: %+v", file)
	}
}
