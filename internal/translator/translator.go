// Package translator converts between the OpenAI request/response shapes and
// the upstream Dify payloads. It owns two decisions the handlers delegate:
// which conversation (if any) a chat request continues, and whether the
// upstream call must run in a different response mode than the client asked
// for.
package translator

import (
	"context"
	"fmt"
	"strings"

	"github.com/dify2openai/difybridge/internal/config"
	"github.com/dify2openai/difybridge/internal/dify"
	log "github.com/dify2openai/difybridge/internal/logging"
	"github.com/dify2openai/difybridge/internal/openai"
)

// Sessions is the slice of the session store the translator needs.
type Sessions interface {
	ShouldStartNew(roles []string, owner, model, alias string) bool
	ActiveConversation(owner, model, alias string) (string, bool)
	Record(owner, model, conversationID, alias string)
}

// Uploader resolves inlined data-URI images into upstream file ids.
type Uploader interface {
	UploadDataURI(ctx context.Context, uri, user string) (string, error)
}

// ResolveOwner picks the acting user identifier: the request's user field
// when present, otherwise the caller identity derived from authorization.
func ResolveOwner(requestUser, fallback string) string {
	if requestUser != "" {
		return requestUser
	}
	return fallback
}

// BuildChatPayload turns an inbound chat request into the upstream payload.
// The query is the last user turn's text; image parts become file references
// (inlined data URIs are uploaded first, remote URLs pass through). The
// conversation id is included only when the session store says to continue,
// never as an empty string.
func BuildChatPayload(ctx context.Context, req *openai.ChatRequest, owner, alias string, sessions Sessions, uploader Uploader) (*dify.ChatPayload, error) {
	last := lastUserMessage(req.Messages)
	if last == nil {
		return nil, openai.ErrInvalidMessages()
	}

	query := last.Content.PlainText()
	files, err := fileRefs(ctx, last.Content.Parts, owner, uploader)
	if err != nil {
		return nil, err
	}
	if query == "" && len(files) == 0 {
		return nil, openai.ErrInvalidMessages()
	}

	payload := &dify.ChatPayload{
		Inputs: map[string]any{},
		Query:  query,
		User:   owner,
		Files:  files,
	}

	if !sessions.ShouldStartNew(req.Roles(), owner, req.Model, alias) {
		if id, ok := sessions.ActiveConversation(owner, req.Model, alias); ok {
			payload.ConversationID = id
		}
	}
	return payload, nil
}

// BuildCompletionPayload maps a single-prompt completion request. Completions
// never join a conversation.
func BuildCompletionPayload(req *openai.CompletionRequest, owner string) (*dify.ChatPayload, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, openai.ErrInvalidPrompt()
	}
	return &dify.ChatPayload{
		Inputs: map[string]any{},
		Query:  req.Prompt,
		User:   owner,
	}, nil
}

func lastUserMessage(messages []openai.Message) *openai.Message {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return &messages[i]
		}
	}
	return nil
}

func fileRefs(ctx context.Context, parts []openai.ContentPart, owner string, uploader Uploader) ([]dify.FileRef, error) {
	var files []dify.FileRef
	for _, part := range parts {
		if part.Type != "image_url" || part.ImageURL == nil || part.ImageURL.URL == "" {
			continue
		}
		url := part.ImageURL.URL
		if strings.HasPrefix(url, "data:") {
			if uploader == nil {
				return nil, openai.ErrInternal("inline image uploads are not available")
			}
			id, err := uploader.UploadDataURI(ctx, url, owner)
			if err != nil {
				return nil, fmt.Errorf("upload inline image: %w", err)
			}
			files = append(files, dify.FileRef{
				Type:           "image",
				TransferMethod: dify.TransferLocalFile,
				UploadFileID:   id,
			})
			continue
		}
		files = append(files, dify.FileRef{
			Type:           "image",
			TransferMethod: dify.TransferRemoteURL,
			URL:            url,
		})
	}
	return files, nil
}

// Mode is the resolved transport plan for one request.
type Mode struct {
	// ClientStream is what the caller asked for.
	ClientStream bool
	// UpstreamStream is what we actually run against the upstream app.
	UpstreamStream bool
}

// ForcedAggregate reports a blocking caller served by draining an upstream
// stream into one response.
func (m Mode) ForcedAggregate() bool { return !m.ClientStream && m.UpstreamStream }

// SimulatedStream reports a streaming caller served from a blocking upstream
// call replayed as a short SSE stream.
func (m Mode) SimulatedStream() bool { return m.ClientStream && !m.UpstreamStream }

// DecideMode reconciles the caller's streaming flag with the app capability.
func DecideMode(wantStream bool, mapping *config.ModelMapping) Mode {
	m := Mode{ClientStream: wantStream, UpstreamStream: wantStream}
	if wantStream && !mapping.StreamingSupported() {
		m.UpstreamStream = false
		log.Debugf("app %s cannot stream, simulating stream from blocking call", mapping.AppName)
	}
	if !wantStream && !mapping.BlockingSupported() {
		m.UpstreamStream = true
		log.Debugf("app %s cannot answer blocking calls, aggregating a stream", mapping.AppName)
	}
	return m
}

// MapUpstreamError converts upstream failures into the API error taxonomy.
// The one remap callers depend on: a blocking call rejected because the app
// only streams becomes a distinguishable streaming_required error.
func MapUpstreamError(model string, err error) error {
	if dify.IsBlockingUnsupported(err) {
		return openai.ErrStreamingRequired(model, map[string]any{
			"model": model,
			"hint":  "retry with \"stream\": true",
		}).Wrap(err)
	}
	if up, ok := dify.AsUpstreamError(err); ok {
		return openai.NewAPIError(up.Status, up.Message, "upstream_error", up.Code).Wrap(err)
	}
	return err
}
