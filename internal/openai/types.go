// Package openai defines the OpenAI-compatible wire types the gateway serves:
// chat completions, text completions, streaming chunks, models, files, and
// the standard error envelope.
package openai

import (
	"fmt"

	"github.com/dify2openai/difybridge/internal/json"
)

// ContentPart is one element of a multimodal message content array.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL carries either an external URL or a data: URI.
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// MessageContent is either a plain string or a list of typed parts on the
// wire. Clients send both shapes; both decode into Parts with Text set for
// the plain-string form.
type MessageContent struct {
	Text  string
	Parts []ContentPart
}

// IsParts reports whether the content arrived as a multimodal array.
func (c *MessageContent) IsParts() bool { return c.Parts != nil }

// PlainText returns the textual content: the raw string for simple messages,
// or all text parts joined with a space for multimodal messages.
func (c *MessageContent) PlainText() string {
	if c.Parts == nil {
		return c.Text
	}
	var out string
	for _, p := range c.Parts {
		if p.Type == "text" && p.Text != "" {
			if out != "" {
				out += " "
			}
			out += p.Text
		}
	}
	return out
}

// UnmarshalJSON accepts both the string and the array form.
func (c *MessageContent) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &c.Text)
	}
	if len(data) > 0 && data[0] == '[' {
		return json.Unmarshal(data, &c.Parts)
	}
	if string(data) == "null" {
		return nil
	}
	return fmt.Errorf("message content must be a string or an array of parts")
}

// MarshalJSON re-emits whichever form was decoded.
func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.Parts != nil {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// Message is one chat turn.
type Message struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
	Name    string         `json:"name,omitempty"`
}

// ChatRequest is the inbound /v1/chat/completions body.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
	User        string    `json:"user,omitempty"`

	// Session handles for clients that manage their own continuity.
	// session_id and conversation_id are aliases; X-Session-ID and
	// X-Conversation-ID headers take effect at the handler layer.
	SessionID      string `json:"session_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// Roles returns the role of every message, in order.
func (r *ChatRequest) Roles() []string {
	roles := make([]string, len(r.Messages))
	for i := range r.Messages {
		roles[i] = r.Messages[i].Role
	}
	return roles
}

// Usage is the OpenAI token accounting block.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatChoice is one completion alternative in a blocking response.
type ChatChoice struct {
	Index        int           `json:"index"`
	Message      ChoiceMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

// ChoiceMessage is the assistant message inside a choice.
type ChoiceMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse is a blocking chat completion.
type ChatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   Usage        `json:"usage"`
}

// Delta is the incremental payload of one streamed chunk.
type Delta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ChunkChoice is one choice in a streamed chunk.
type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// ChunkError is the error block embedded in a terminal failure chunk.
type ChunkError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// ChatChunk is one SSE frame of a streamed chat completion.
type ChatChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
	Error   *ChunkError   `json:"error,omitempty"`
}

// CompletionRequest is the inbound /v1/completions body.
type CompletionRequest struct {
	Model       string   `json:"model"`
	Prompt      string   `json:"prompt"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	Stream      bool     `json:"stream,omitempty"`
	User        string   `json:"user,omitempty"`
}

// CompletionChoice is one alternative in a text completion.
type CompletionChoice struct {
	Text         string  `json:"text"`
	Index        int     `json:"index"`
	Logprobs     any     `json:"logprobs"`
	FinishReason *string `json:"finish_reason"`
}

// CompletionResponse is a blocking text completion.
type CompletionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []CompletionChoice `json:"choices"`
	Usage   Usage              `json:"usage"`
}

// Model is one catalog entry for GET /v1/models.
type Model struct {
	ID          string `json:"id"`
	Object      string `json:"object"`
	Created     int64  `json:"created"`
	OwnedBy     string `json:"owned_by"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Type        string `json:"type,omitempty"`
	MaxTokens   int    `json:"max_tokens,omitempty"`
}

// ModelList is the GET /v1/models envelope.
type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// StopResponse acknowledges a cancellation request.
type StopResponse struct {
	ID        string `json:"id"`
	Object    string `json:"object"`
	Result    string `json:"result"`
	StoppedAt int64  `json:"stopped_at"`
	Model     string `json:"model"`
}

// File is the OpenAI file object returned after an upload.
type File struct {
	ID        string `json:"id"`
	Object    string `json:"object"`
	Bytes     int64  `json:"bytes"`
	CreatedAt int64  `json:"created_at"`
	Filename  string `json:"filename"`
	Purpose   string `json:"purpose"`
}

// FinishReasonStop is the only finish reason this gateway reports; upstream
// cancellation and partial states are not distinguished.
var FinishReasonStop = "stop"
