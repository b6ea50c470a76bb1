package translator

import (
	"time"

	"github.com/google/uuid"

	"github.com/dify2openai/difybridge/internal/dify"
	"github.com/dify2openai/difybridge/internal/openai"
	"github.com/dify2openai/difybridge/internal/stream"
)

// EstimateTokens approximates a token count at four characters per token.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// usageFor prefers the upstream usage block and falls back to the
// character-length estimate.
func usageFor(query, answer string, upstream *dify.Usage) openai.Usage {
	if upstream != nil && upstream.TotalTokens > 0 {
		return openai.Usage{
			PromptTokens:     upstream.PromptTokens,
			CompletionTokens: upstream.CompletionTokens,
			TotalTokens:      upstream.TotalTokens,
		}
	}
	p, c := EstimateTokens(query), EstimateTokens(answer)
	return openai.Usage{PromptTokens: p, CompletionTokens: c, TotalTokens: p + c}
}

// RecordContext carries the session binding persisted when a blocking
// response reveals a conversation id.
type RecordContext struct {
	Owner    string
	Alias    string
	Sessions Sessions
}

func (rc *RecordContext) record(model, conversationID string) {
	if rc != nil && rc.Sessions != nil && conversationID != "" {
		rc.Sessions.Record(rc.Owner, model, conversationID, rc.Alias)
	}
}

// ToChatResponse maps a blocking upstream response to the OpenAI chat shape
// and records the conversation binding.
func ToChatResponse(model, query string, res *dify.ChatResponse, rc *RecordContext) *openai.ChatResponse {
	rc.record(model, res.ConversationID)

	var usage *dify.Usage
	if res.Metadata != nil {
		usage = res.Metadata.Usage
	}
	id := res.MessageID
	if id == "" {
		id = "chatcmpl-" + uuid.NewString()
	}
	return &openai.ChatResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []openai.ChatChoice{{
			Message:      openai.ChoiceMessage{Role: "assistant", Content: res.Answer},
			FinishReason: openai.FinishReasonStop,
		}},
		Usage: usageFor(query, res.Answer, usage),
	}
}

// ToChatResponseFromStream maps an aggregated stream result to the blocking
// chat shape, for apps that only stream.
func ToChatResponseFromStream(model, query string, res *stream.Result, rc *RecordContext) *openai.ChatResponse {
	rc.record(model, res.ConversationID)

	id := res.MessageID
	if id == "" {
		id = "chatcmpl-" + uuid.NewString()
	}
	return &openai.ChatResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []openai.ChatChoice{{
			Message:      openai.ChoiceMessage{Role: "assistant", Content: res.Answer},
			FinishReason: openai.FinishReasonStop,
		}},
		Usage: usageFor(query, res.Answer, res.Usage),
	}
}

// ToCompletionResponse maps a blocking upstream response to the legacy text
// completion shape.
func ToCompletionResponse(model, prompt string, res *dify.ChatResponse) *openai.CompletionResponse {
	var usage *dify.Usage
	if res.Metadata != nil {
		usage = res.Metadata.Usage
	}
	return &openai.CompletionResponse{
		ID:      "cmpl-" + uuid.NewString(),
		Object:  "text_completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []openai.CompletionChoice{{
			Text:         res.Answer,
			FinishReason: &openai.FinishReasonStop,
		}},
		Usage: usageFor(prompt, res.Answer, usage),
	}
}
