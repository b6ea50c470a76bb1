package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/sjson"

	"github.com/dify2openai/difybridge/internal/config"
	"github.com/dify2openai/difybridge/internal/dify"
	"github.com/dify2openai/difybridge/internal/json"
	log "github.com/dify2openai/difybridge/internal/logging"
	"github.com/dify2openai/difybridge/internal/openai"
	"github.com/dify2openai/difybridge/internal/stream"
	"github.com/dify2openai/difybridge/internal/streamutil"
	"github.com/dify2openai/difybridge/internal/translator"
	"github.com/dify2openai/difybridge/internal/usage"
)

func (s *Server) handleChatCompletions(c *gin.Context) {
	var req openai.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, openai.ErrInvalidMessages().Wrap(err))
		return
	}
	if req.Model == "" {
		abortError(c, openai.ErrMissingModel())
		return
	}
	mapping, ok := s.cfg.Current().Resolve(req.Model)
	if !ok {
		abortError(c, openai.ErrModelNotFound(req.Model))
		return
	}

	owner := translator.ResolveOwner(req.User, callerIdentity(c))
	alias := sessionAlias(c, &req)
	client := s.pool.Get(req.Model, mapping)

	payload, err := translator.BuildChatPayload(c.Request.Context(), &req, owner, alias, s.sessions, client)
	if err != nil {
		abortError(c, err)
		return
	}

	mode := translator.DecideMode(req.Stream, mapping)
	switch {
	case mode.ClientStream && mode.UpstreamStream:
		s.streamChat(c, client, payload, req.Model, owner, alias)
	case mode.ForcedAggregate():
		s.aggregateChat(c, client, payload, req.Model, owner, alias)
	case mode.SimulatedStream():
		s.simulateChatStream(c, client, payload, req.Model, owner, alias)
	default:
		s.blockingChat(c, client, payload, req.Model, owner, alias, mapping)
	}
}

// blockingChat runs the plain blocking path. If the upstream rejects the
// call because the app only streams (capability not reflected in config),
// the request is retried once as an aggregated stream.
func (s *Server) blockingChat(c *gin.Context, client *dify.Client, payload *dify.ChatPayload, model, owner, alias string, mapping *config.ModelMapping) {
	res, err := client.SendChat(c.Request.Context(), payload)
	if err != nil {
		if dify.IsBlockingUnsupported(err) {
			log.Infof("%s rejected blocking mode, aggregating a stream instead", mapping.AppName)
			s.aggregateChat(c, client, payload, model, owner, alias)
			return
		}
		abortError(c, translator.MapUpstreamError(model, err))
		return
	}

	rc := &translator.RecordContext{Owner: owner, Alias: alias, Sessions: s.sessions}
	out := translator.ToChatResponse(model, payload.Query, res, rc)
	s.account(model, owner, usage.EndpointChat, false, false, out.Usage)
	c.JSON(http.StatusOK, out)
}

// aggregateChat serves a blocking caller by draining an upstream stream.
func (s *Server) aggregateChat(c *gin.Context, client *dify.Client, payload *dify.ChatPayload, model, owner, alias string) {
	body, done, err := client.StreamChat(c.Request.Context(), payload)
	if err != nil {
		abortError(c, translator.MapUpstreamError(model, err))
		return
	}

	res, err := stream.Aggregate(c.Request.Context(), body, stream.Options{
		Model: model, Owner: owner, Alias: alias, Recorder: s.sessions,
	})
	if err != nil {
		done(false)
		s.account(model, owner, usage.EndpointChat, false, true, openai.Usage{})
		abortError(c, translator.MapUpstreamError(model, err))
		return
	}
	done(true)

	out := translator.ToChatResponseFromStream(model, payload.Query, res, nil)
	s.account(model, owner, usage.EndpointChat, false, false, out.Usage)
	c.JSON(http.StatusOK, out)
}

// streamChat forwards the upstream SSE stream re-framed as OpenAI chunks.
func (s *Server) streamChat(c *gin.Context, client *dify.Client, payload *dify.ChatPayload, model, owner, alias string) {
	body, done, err := client.StreamChat(c.Request.Context(), payload)
	if err != nil {
		abortError(c, translator.MapUpstreamError(model, err))
		return
	}

	var result *stream.Result
	pipe := stream.Run(c.Request.Context(), body, stream.Options{
		Model:    model,
		Created:  time.Now().Unix(),
		Owner:    owner,
		Alias:    alias,
		Recorder: s.sessions,
		OnResult: func(res *stream.Result) { result = res },
		OnComplete: func(success bool, elapsed time.Duration) {
			done(success)
			u := openai.Usage{}
			if result != nil && result.Usage != nil {
				u = openai.Usage{
					PromptTokens:     result.Usage.PromptTokens,
					CompletionTokens: result.Usage.CompletionTokens,
					TotalTokens:      result.Usage.TotalTokens,
				}
			}
			s.account(model, owner, usage.EndpointChat, true, !success, u)
			log.Debugf("stream for %s finished in %s (success=%v)", model, elapsed, success)
		},
	})

	writeSSE(c, pipe)
}

// simulateChatStream serves a streaming caller from a blocking upstream call
// replayed as a short chunk stream.
func (s *Server) simulateChatStream(c *gin.Context, client *dify.Client, payload *dify.ChatPayload, model, owner, alias string) {
	res, err := client.SendChat(c.Request.Context(), payload)
	if err != nil {
		abortError(c, translator.MapUpstreamError(model, err))
		return
	}

	rc := &translator.RecordContext{Owner: owner, Alias: alias, Sessions: s.sessions}
	rcResponse := translator.ToChatResponse(model, payload.Query, res, rc)
	s.account(model, owner, usage.EndpointChat, true, false, rcResponse.Usage)

	writeSimulatedStream(c, rcResponse.ID, model, res.Answer, &rcResponse.Usage)
}

// writeSSE drains pipeline frames into the response, stopping silently when
// the client goes away.
func writeSSE(c *gin.Context, pipe *streamutil.Pipeline) {
	setSSEHeaders(c)

	flusher, canFlush := c.Writer.(http.Flusher)
	for chunk := range pipe.Output() {
		if chunk.Err != nil {
			log.Warnf("stream pipeline: %v", chunk.Err)
			continue
		}
		if _, err := c.Writer.Write(chunk.Data); err != nil {
			pipe.Cancel()
			for range pipe.Output() {
			}
			return
		}
		if canFlush {
			flusher.Flush()
		}
	}
}

func setSSEHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
}

// writeSimulatedStream replays a finished answer as content chunk, stop
// chunk, and terminator. The stop chunk is derived from the first frame by
// patching the serialized payload instead of rebuilding the struct.
func writeSimulatedStream(c *gin.Context, id, model, answer string, u *openai.Usage) {
	setSSEHeaders(c)

	first := openai.ChatChunk{
		ID: id, Object: "chat.completion.chunk", Created: time.Now().Unix(), Model: model,
		Choices: []openai.ChunkChoice{{Delta: openai.Delta{Role: "assistant", Content: answer}}},
	}
	payload, err := json.Marshal(first)
	if err != nil {
		log.Errorf("encode simulated chunk: %v", err)
		return
	}

	last := append([]byte(nil), payload...)
	last, _ = sjson.SetBytes(last, "choices.0.delta", struct{}{})
	last, _ = sjson.SetBytes(last, "choices.0.finish_reason", "stop")
	if u != nil {
		last, _ = sjson.SetBytes(last, "usage", u)
	}

	flusher, canFlush := c.Writer.(http.Flusher)
	for _, frame := range [][]byte{stream.Frame(payload), stream.Frame(last), stream.DoneFrame()} {
		if _, err := c.Writer.Write(frame); err != nil {
			return
		}
		if canFlush {
			flusher.Flush()
		}
	}
}

// account enqueues one usage record when a backend is configured.
func (s *Server) account(model, owner, endpoint string, streamed, failed bool, u openai.Usage) {
	if s.usage == nil {
		return
	}
	s.usage.Enqueue(usage.Record{
		Model:            model,
		Owner:            owner,
		Endpoint:         endpoint,
		Streamed:         streamed,
		Failed:           failed,
		PromptTokens:     int64(u.PromptTokens),
		CompletionTokens: int64(u.CompletionTokens),
		TotalTokens:      int64(u.TotalTokens),
		RequestedAt:      time.Now(),
	})
}

// sessionAlias resolves the external session token: headers first, then the
// request body aliases.
func sessionAlias(c *gin.Context, req *openai.ChatRequest) string {
	if v := c.GetHeader("X-Session-ID"); v != "" {
		return v
	}
	if v := c.GetHeader("X-Conversation-ID"); v != "" {
		return v
	}
	if req.SessionID != "" {
		return req.SessionID
	}
	return req.ConversationID
}

func abortError(c *gin.Context, err error) {
	var apiErr *openai.APIError
	if !errors.As(err, &apiErr) {
		switch {
		case errors.Is(err, dify.ErrUnavailable):
			apiErr = openai.ErrServiceUnavailable().Wrap(err)
		default:
			apiErr = openai.ErrInternal("").Wrap(err)
		}
	}
	if apiErr.Status >= 500 {
		log.Errorf("request failed: %v", err)
	}
	c.AbortWithStatusJSON(apiErr.Status, apiErr.Envelope())
}
