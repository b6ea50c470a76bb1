package stream

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/dify2openai/difybridge/internal/json"
	"github.com/dify2openai/difybridge/internal/openai"
)

// chunkReader yields predefined byte slices one Read at a time.
type chunkReader struct {
	chunks [][]byte
	pos    int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.chunks) {
		return 0, io.EOF
	}
	n := copy(p, r.chunks[r.pos])
	r.pos++
	return n, nil
}

func (r *chunkReader) Close() error { return nil }

func bodyFromChunks(chunks ...[]byte) io.ReadCloser {
	return &chunkReader{chunks: chunks}
}

func sseStream(events ...string) []byte {
	var b bytes.Buffer
	for _, ev := range events {
		b.WriteString("data: ")
		b.WriteString(ev)
		b.WriteString("\n\n")
	}
	return b.Bytes()
}

func drain(t *testing.T, body io.ReadCloser, opts Options) [][]byte {
	t.Helper()
	p := Run(context.Background(), body, opts)
	var frames [][]byte
	for chunk := range p.Output() {
		if chunk.Err != nil {
			t.Fatalf("unexpected chunk error: %v", chunk.Err)
		}
		frames = append(frames, chunk.Data)
	}
	return frames
}

func decodeChunks(t *testing.T, frames [][]byte) []openai.ChatChunk {
	t.Helper()
	var out []openai.ChatChunk
	for _, frame := range frames {
		payload := bytes.TrimSpace(bytes.TrimPrefix(frame, []byte("data:")))
		if string(payload) == "[DONE]" {
			continue
		}
		var c openai.ChatChunk
		if err := json.Unmarshal(payload, &c); err != nil {
			t.Fatalf("decode frame %q: %v", frame, err)
		}
		out = append(out, c)
	}
	return out
}

func contentOf(chunks []openai.ChatChunk) string {
	var b strings.Builder
	for _, c := range chunks {
		for _, ch := range c.Choices {
			b.WriteString(ch.Delta.Content)
		}
	}
	return b.String()
}

func TestLineSplitterBoundaryInvariance(t *testing.T) {
	input := []byte("data: {\"a\":1}\r\ndata: {\"b\":2}\n\ndata: {\"c\":3}\n")
	want := []string{"data: {\"a\":1}", "data: {\"b\":2}", "", "data: {\"c\":3}"}

	for split := 0; split <= len(input); split++ {
		s := &LineSplitter{}
		var got []string
		for _, line := range s.Feed(input[:split]) {
			got = append(got, string(line))
		}
		for _, line := range s.Feed(input[split:]) {
			got = append(got, string(line))
		}
		if len(got) != len(want) {
			t.Fatalf("split %d: got %d lines, want %d", split, len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("split %d line %d: got %q, want %q", split, i, got[i], want[i])
			}
		}
		if len(s.Rest()) != 0 {
			t.Fatalf("split %d: leftover carry %q", split, s.Rest())
		}
	}
}

func TestRunRelaysDeltasAndFinish(t *testing.T) {
	body := sseStream(
		`{"event":"message","answer":"Hel","task_id":"task-1","conversation_id":"conv-1","message_id":"msg-1"}`,
		`{"event":"message","answer":"lo","task_id":"task-1"}`,
		`{"event":"message_end","task_id":"task-1","conversation_id":"conv-1","message_id":"msg-1","metadata":{"usage":{"prompt_tokens":3,"completion_tokens":5,"total_tokens":8}}}`,
	)
	frames := drain(t, bodyFromChunks(body), Options{Model: "test-app", Created: 1700000000})
	if string(frames[len(frames)-1]) != "data: [DONE]\n\n" {
		t.Fatalf("stream must end with the done frame, got %q", frames[len(frames)-1])
	}

	chunks := decodeChunks(t, frames)
	if got := contentOf(chunks); got != "Hello" {
		t.Fatalf("content = %q, want %q", got, "Hello")
	}
	first := chunks[0]
	if first.ID != "task-1" {
		t.Fatalf("stream id = %q, want upstream task id", first.ID)
	}
	if first.Choices[0].Delta.Role != "assistant" {
		t.Fatalf("first chunk must carry the assistant role")
	}
	if chunks[1].Choices[0].Delta.Role != "" {
		t.Fatalf("later chunks must not repeat the role")
	}

	final := chunks[len(chunks)-1]
	if final.Choices[0].FinishReason == nil || *final.Choices[0].FinishReason != "stop" {
		t.Fatalf("final chunk missing finish_reason stop")
	}
	if final.Usage == nil || final.Usage.TotalTokens != 8 ||
		final.Usage.PromptTokens != 3 || final.Usage.CompletionTokens != 5 {
		t.Fatalf("usage not propagated: %+v", final.Usage)
	}
}

func TestRunChunkBoundaryInvariance(t *testing.T) {
	stream := sseStream(
		`{"event":"message","answer":"Hello, ","task_id":"task-9"}`,
		`{"event":"message","answer":"world","task_id":"task-9"}`,
		`{"event":"message_end","task_id":"task-9","metadata":{"usage":{"prompt_tokens":1,"completion_tokens":2,"total_tokens":3}}}`,
	)

	whole := drain(t, bodyFromChunks(stream), Options{Model: "m", Created: 1})
	for split := 1; split < len(stream); split++ {
		got := drain(t, bodyFromChunks(stream[:split], stream[split:]), Options{Model: "m", Created: 1})
		if len(got) != len(whole) {
			t.Fatalf("split %d: %d frames, want %d", split, len(got), len(whole))
		}
		for i := range whole {
			if !bytes.Equal(got[i], whole[i]) {
				t.Fatalf("split %d frame %d: %q != %q", split, i, got[i], whole[i])
			}
		}
	}
}

func TestRunSynthesizesCompletionWithoutMessageEnd(t *testing.T) {
	body := sseStream(
		`{"event":"message","answer":"Hello","task_id":"t"}`,
	)
	chunks := decodeChunks(t, drain(t, bodyFromChunks(body), Options{Model: "m"}))
	if got := contentOf(chunks); got != "Hello" {
		t.Fatalf("content = %q, want %q", got, "Hello")
	}
	final := chunks[len(chunks)-1]
	if final.Choices[0].FinishReason == nil || *final.Choices[0].FinishReason != "stop" {
		t.Fatalf("dropped stream with content must still finish with stop")
	}
	if final.Error != nil {
		t.Fatalf("partial delivery must not look like an error")
	}
}

func TestRunFailsOnEmptyStream(t *testing.T) {
	body := sseStream(`{"event":"ping"}`)
	frames := drain(t, bodyFromChunks(body), Options{Model: "m"})
	chunks := decodeChunks(t, frames)
	if len(chunks) != 1 || chunks[0].Error == nil {
		t.Fatalf("contentless stream must produce exactly one error chunk, got %+v", chunks)
	}
	if string(frames[len(frames)-1]) != "data: [DONE]\n\n" {
		t.Fatalf("error path must still terminate the stream")
	}
}

func TestRunMessageReplace(t *testing.T) {
	body := sseStream(
		`{"event":"message","answer":"something rude","task_id":"t"}`,
		`{"event":"message_replace","answer":"[filtered]","task_id":"t"}`,
		`{"event":"message_end","task_id":"t"}`,
	)
	p := Run(context.Background(), bodyFromChunks(body), Options{Model: "m"})
	var frames [][]byte
	for chunk := range p.Output() {
		frames = append(frames, chunk.Data)
	}
	chunks := decodeChunks(t, frames)
	last := ""
	for _, c := range chunks {
		for _, ch := range c.Choices {
			if ch.Delta.Content != "" {
				last = ch.Delta.Content
			}
		}
	}
	if last != "[filtered]" {
		t.Fatalf("replacement text not forwarded, last content %q", last)
	}
}

func TestRunErrorEvent(t *testing.T) {
	body := sseStream(
		`{"event":"message","answer":"partial","task_id":"t"}`,
		`{"event":"error","code":"internal_server_error","message":"model overloaded"}`,
	)
	frames := drain(t, bodyFromChunks(body), Options{Model: "m"})
	chunks := decodeChunks(t, frames)
	final := chunks[len(chunks)-1]
	if final.Error == nil || final.Error.Message != "model overloaded" {
		t.Fatalf("error event not surfaced: %+v", final)
	}
	if final.Error.Code != "internal_server_error" {
		t.Fatalf("error code lost: %+v", final.Error)
	}
	if string(frames[len(frames)-1]) != "data: [DONE]\n\n" {
		t.Fatalf("error path must still terminate the stream")
	}
}

func TestRunNodeFinishedNotForwarded(t *testing.T) {
	body := sseStream(
		`{"event":"workflow_started","workflow_run_id":"wf-1"}`,
		`{"event":"node_started","data":{"title":"LLM","node_type":"llm"}}`,
		`{"event":"message","answer":"real answer","task_id":"t"}`,
		`{"event":"node_finished","data":{"title":"LLM","node_type":"llm","outputs":{"text":"leaked node text"}}}`,
		`{"event":"workflow_finished","workflow_run_id":"wf-1"}`,
		`{"event":"message_end","task_id":"t"}`,
	)
	chunks := decodeChunks(t, drain(t, bodyFromChunks(body), Options{Model: "m"}))
	if got := contentOf(chunks); got != "real answer" {
		t.Fatalf("node output must never reach the client, content = %q", got)
	}
}

func TestRunSkipsMalformedLines(t *testing.T) {
	raw := []byte("data: {broken json\n\n" +
		"data: {\"event\":\"message\",\"answer\":\"ok\",\"task_id\":\"t\"}\n\n" +
		"data: {\"event\":\"message_end\",\"task_id\":\"t\"}\n\n")
	chunks := decodeChunks(t, drain(t, bodyFromChunks(raw), Options{Model: "m"}))
	if got := contentOf(chunks); got != "ok" {
		t.Fatalf("malformed line must be skipped, content = %q", got)
	}
}

type recordedSession struct {
	owner, model, conversation, alias string
	calls                             int
}

func (r *recordedSession) Record(owner, model, conversationID, alias string) {
	r.owner, r.model, r.conversation, r.alias = owner, model, conversationID, alias
	r.calls++
}

func TestRunRecordsConversation(t *testing.T) {
	body := sseStream(
		`{"event":"message","answer":"hi","conversation_id":"conv-7","task_id":"t"}`,
		`{"event":"message_end","conversation_id":"conv-7","task_id":"t"}`,
	)
	rec := &recordedSession{}
	drain(t, bodyFromChunks(body), Options{
		Model: "app", Owner: "user-1", Alias: "sess-1", Recorder: rec,
	})
	if rec.calls != 1 || rec.conversation != "conv-7" || rec.owner != "user-1" ||
		rec.model != "app" || rec.alias != "sess-1" {
		t.Fatalf("conversation binding not recorded: %+v", rec)
	}
}

func TestAggregate(t *testing.T) {
	body := sseStream(
		`{"event":"agent_message","answer":"Hel","conversation_id":"conv-2","message_id":"m-2","task_id":"t-2"}`,
		`{"event":"agent_message","answer":"lo","task_id":"t-2"}`,
		`{"event":"message_end","conversation_id":"conv-2","message_id":"m-2","task_id":"t-2","metadata":{"usage":{"prompt_tokens":2,"completion_tokens":4,"total_tokens":6}}}`,
	)
	rec := &recordedSession{}
	res, err := Aggregate(context.Background(), bodyFromChunks(body), Options{
		Model: "agent-app", Owner: "u", Recorder: rec,
	})
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if res.Answer != "Hello" {
		t.Fatalf("answer = %q", res.Answer)
	}
	if res.ConversationID != "conv-2" || res.MessageID != "m-2" || res.TaskID != "t-2" {
		t.Fatalf("ids lost: %+v", res)
	}
	if res.Usage == nil || res.Usage.TotalTokens != 6 {
		t.Fatalf("usage lost: %+v", res.Usage)
	}
	if rec.calls != 1 || rec.conversation != "conv-2" {
		t.Fatalf("binding not recorded: %+v", rec)
	}
}

func TestAggregateErrorEvent(t *testing.T) {
	body := sseStream(`{"event":"error","code":"quota_exceeded","message":"quota exceeded"}`)
	_, err := Aggregate(context.Background(), bodyFromChunks(body), Options{Model: "m"})
	if err == nil || !strings.Contains(err.Error(), "quota exceeded") {
		t.Fatalf("expected upstream error, got %v", err)
	}
}
