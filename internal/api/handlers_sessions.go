package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dify2openai/difybridge/internal/openai"
	"github.com/dify2openai/difybridge/internal/translator"
)

func (s *Server) handleSessionStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.sessions.Snapshot())
}

// handleTerminateSession drops the conversation bound to (user, model).
func (s *Server) handleTerminateSession(c *gin.Context) {
	model := c.Query("model")
	if model == "" {
		abortError(c, openai.ErrMissingModel())
		return
	}
	owner := translator.ResolveOwner(c.Query("user"), callerIdentity(c))

	c.JSON(http.StatusOK, gin.H{
		"terminated": s.sessions.Terminate(owner, model),
	})
}

// handleTerminateAlias drops the conversation bound to an external session
// token.
func (s *Server) handleTerminateAlias(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"terminated": s.sessions.TerminateAlias(c.Param("token")),
	})
}
