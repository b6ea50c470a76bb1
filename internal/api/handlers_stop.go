package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dify2openai/difybridge/internal/dify"
	"github.com/dify2openai/difybridge/internal/openai"
	"github.com/dify2openai/difybridge/internal/translator"
)

type stopRequest struct {
	Model string `json:"model"`
	User  string `json:"user"`
}

// handleStop cancels an in-flight generation by its task id. A 404 from the
// upstream means the task already finished or was never known.
func (s *Server) handleStop(c *gin.Context) {
	taskID := c.Param("id")

	var req stopRequest
	_ = c.ShouldBindJSON(&req)
	if req.Model == "" {
		req.Model = c.Query("model")
	}

	cfg := s.cfg.Current()
	model := req.Model
	if model == "" {
		model = cfg.DefaultModel
	}
	if model == "" {
		abortError(c, openai.ErrMissingModel())
		return
	}
	mapping, ok := cfg.Resolve(model)
	if !ok {
		abortError(c, openai.ErrModelNotFound(model))
		return
	}

	owner := translator.ResolveOwner(req.User, callerIdentity(c))
	client := s.pool.Get(model, mapping)

	result, err := client.StopTask(c.Request.Context(), taskID, owner)
	if err != nil {
		if dify.IsNotFound(err) {
			abortError(c, openai.ErrTaskNotFound(taskID).Wrap(err))
			return
		}
		abortError(c, translator.MapUpstreamError(model, err))
		return
	}

	c.JSON(http.StatusOK, openai.StopResponse{
		ID:        taskID,
		Object:    "chat.completion",
		Result:    result.Result,
		StoppedAt: time.Now().Unix(),
		Model:     model,
	})
}
