package dify

import "testing"

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    Event
		wantErr bool
	}{
		{
			name:    "message delta",
			payload: `{"event":"message","answer":"Hello","message_id":"m-1","conversation_id":"c-1","task_id":"t-1"}`,
			want: Event{
				Kind:           EventMessage,
				Answer:         "Hello",
				MessageID:      "m-1",
				ConversationID: "c-1",
				TaskID:         "t-1",
			},
		},
		{
			name:    "message end with usage",
			payload: `{"event":"message_end","message_id":"m-1","metadata":{"usage":{"prompt_tokens":3,"completion_tokens":5,"total_tokens":8}}}`,
			want: Event{
				Kind:      EventMessageEnd,
				MessageID: "m-1",
				Usage:     &Usage{PromptTokens: 3, CompletionTokens: 5, TotalTokens: 8},
			},
		},
		{
			name:    "error",
			payload: `{"event":"error","code":"completion_request_error","message":"model overloaded"}`,
			want: Event{
				Kind:    EventError,
				Code:    "completion_request_error",
				Message: "model overloaded",
			},
		},
		{
			name:    "node finished",
			payload: `{"event":"node_finished","data":{"title":"LLM","node_type":"llm","outputs":{"text":"done"}}}`,
			want: Event{
				Kind:        EventNodeFinished,
				NodeTitle:   "LLM",
				NodeType:    "llm",
				NodeOutputs: map[string]any{"text": "done"},
			},
		},
		{
			name:    "node title falls back to node id",
			payload: `{"event":"node_started","data":{"node_id":"node-7","node_type":"code"}}`,
			want:    Event{Kind: EventNodeStarted, NodeTitle: "node-7", NodeType: "code"},
		},
		{
			name:    "agent thought",
			payload: `{"event":"agent_thought","thought":"searching","tool":"web_search"}`,
			want:    Event{Kind: EventAgentThought, Thought: "searching", Tool: "web_search"},
		},
		{
			name:    "missing discriminator",
			payload: `{"answer":"Hello"}`,
			wantErr: true,
		},
		{
			name:    "malformed json",
			payload: `{"event":`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeEvent([]byte(tt.payload))
			if tt.wantErr {
				if err == nil {
					t.Fatal("want decode error")
				}
				return
			}
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got.Kind != tt.want.Kind || got.Answer != tt.want.Answer ||
				got.MessageID != tt.want.MessageID || got.ConversationID != tt.want.ConversationID ||
				got.TaskID != tt.want.TaskID || got.Code != tt.want.Code ||
				got.Message != tt.want.Message || got.Thought != tt.want.Thought ||
				got.Tool != tt.want.Tool || got.NodeTitle != tt.want.NodeTitle ||
				got.NodeType != tt.want.NodeType {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
			if (got.Usage == nil) != (tt.want.Usage == nil) {
				t.Fatalf("usage presence mismatch: %+v", got.Usage)
			}
			if got.Usage != nil && *got.Usage != *tt.want.Usage {
				t.Fatalf("usage = %+v, want %+v", *got.Usage, *tt.want.Usage)
			}
		})
	}
}

func TestExtractNodeOutputText(t *testing.T) {
	tests := []struct {
		name    string
		outputs map[string]any
		want    string
	}{
		{"empty", nil, ""},
		{"text wins", map[string]any{"result": "second", "text": "first"}, "first"},
		{"answer field", map[string]any{"answer": "from answer"}, "from answer"},
		{
			"skips system keys",
			map[string]any{"sys.query": "q", "node_id": "n-1", "elapsed_time": "2s", "summary": "kept"},
			"kept",
		},
		{"ignores non strings", map[string]any{"count": 3, "ok": true}, ""},
		{"ignores blank strings", map[string]any{"note": "   "}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractNodeOutputText(tt.outputs); got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}
