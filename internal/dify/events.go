package dify

import (
	"fmt"

	"github.com/dify2openai/difybridge/internal/json"
)

// EventKind discriminates the upstream streaming event types.
type EventKind string

const (
	EventMessage          EventKind = "message"
	EventAgentMessage     EventKind = "agent_message"
	EventAgentThought     EventKind = "agent_thought"
	EventMessageFile      EventKind = "message_file"
	EventWorkflowStarted  EventKind = "workflow_started"
	EventWorkflowFinished EventKind = "workflow_finished"
	EventNodeStarted      EventKind = "node_started"
	EventNodeFinished     EventKind = "node_finished"
	EventMessageEnd       EventKind = "message_end"
	EventMessageReplace   EventKind = "message_replace"
	EventError            EventKind = "error"
	EventPing             EventKind = "ping"
	EventTTSMessage       EventKind = "tts_message"
	EventTTSMessageEnd    EventKind = "tts_message_end"
)

// Event is the decoded form of one SSE data frame. Decoding is separated
// from stream handling so the state machine operates on typed values rather
// than raw JSON.
type Event struct {
	Kind EventKind

	// Text events.
	Answer         string
	MessageID      string
	ConversationID string
	TaskID         string

	// agent_thought diagnostics.
	Thought string
	Tool    string

	// Workflow/node diagnostics.
	WorkflowRunID string
	NodeTitle     string
	NodeType      string
	NodeOutputs   map[string]any

	// message_end metadata.
	Usage *Usage

	// error events.
	Code    string
	Message string
}

// wireEvent mirrors the upstream JSON for decoding.
type wireEvent struct {
	Event          string    `json:"event"`
	Answer         string    `json:"answer"`
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	TaskID         string    `json:"task_id"`
	Thought        string    `json:"thought"`
	Tool           string    `json:"tool"`
	WorkflowRunID  string    `json:"workflow_run_id"`
	Metadata       *Metadata `json:"metadata"`
	Code           string    `json:"code"`
	Message        string    `json:"message"`
	Data           *struct {
		Title    string         `json:"title"`
		NodeID   string         `json:"node_id"`
		NodeType string         `json:"node_type"`
		Outputs  map[string]any `json:"outputs"`
	} `json:"data"`
}

// DecodeEvent parses one SSE data payload into a typed event.
func DecodeEvent(payload []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(payload, &w); err != nil {
		return Event{}, fmt.Errorf("decode stream event: %w", err)
	}
	if w.Event == "" {
		return Event{}, fmt.Errorf("stream event missing discriminator")
	}

	ev := Event{
		Kind:           EventKind(w.Event),
		Answer:         w.Answer,
		MessageID:      w.MessageID,
		ConversationID: w.ConversationID,
		TaskID:         w.TaskID,
		Thought:        w.Thought,
		Tool:           w.Tool,
		WorkflowRunID:  w.WorkflowRunID,
		Code:           w.Code,
		Message:        w.Message,
	}
	if w.Metadata != nil {
		ev.Usage = w.Metadata.Usage
	}
	if w.Data != nil {
		ev.NodeTitle = w.Data.Title
		if ev.NodeTitle == "" {
			ev.NodeTitle = w.Data.NodeID
		}
		ev.NodeType = w.Data.NodeType
		ev.NodeOutputs = w.Data.Outputs
	}
	return ev, nil
}
