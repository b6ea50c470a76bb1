package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dify2openai/difybridge/internal/openai"
	"github.com/dify2openai/difybridge/internal/translator"
	"github.com/dify2openai/difybridge/internal/usage"
)

// handleCompletions serves the legacy single-prompt endpoint. Completions
// are always blocking upstream; a streaming caller gets the finished result
// replayed as a short chunk stream.
func (s *Server) handleCompletions(c *gin.Context) {
	var req openai.CompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, openai.ErrInvalidPrompt().Wrap(err))
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
	payload, err := translator.BuildCompletionPayload(&req, owner)
	if err != nil {
		abortError(c, err)
		return
	}

	client := s.pool.Get(req.Model, mapping)
	res, err := client.SendCompletion(c.Request.Context(), payload)
	if err != nil {
		abortError(c, translator.MapUpstreamError(req.Model, err))
		return
	}

	out := translator.ToCompletionResponse(req.Model, req.Prompt, res)
	s.account(req.Model, owner, usage.EndpointCompletion, req.Stream, false, out.Usage)

	if req.Stream {
		writeSimulatedStream(c, out.ID, req.Model, res.Answer, &out.Usage)
		return
	}
	c.JSON(http.StatusOK, out)
}
