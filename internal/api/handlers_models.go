package api

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/dify2openai/difybridge/internal/config"
	"github.com/dify2openai/difybridge/internal/openai"
)

func modelEntry(name string, m *config.ModelMapping, created int64) openai.Model {
	return openai.Model{
		ID:          name,
		Object:      "model",
		Created:     created,
		OwnedBy:     "dify",
		Name:        m.AppName,
		Description: m.Description,
		Type:        string(m.AppType),
		MaxTokens:   m.MaxTokens,
	}
}

func (s *Server) handleListModels(c *gin.Context) {
	cfg := s.cfg.Current()
	created := s.started.Unix()

	names := cfg.ModelNames()
	sort.Strings(names)

	models := make([]openai.Model, 0, len(names))
	for _, name := range names {
		m, _ := cfg.Resolve(name)
		models = append(models, modelEntry(name, m, created))
	}
	c.JSON(http.StatusOK, openai.ModelList{Object: "list", Data: models})
}

func (s *Server) handleGetModel(c *gin.Context) {
	name := c.Param("model")
	m, ok := s.cfg.Current().Resolve(name)
	if !ok {
		abortError(c, openai.ErrModelNotFound(name))
		return
	}
	c.JSON(http.StatusOK, modelEntry(name, m, s.started.Unix()))
}
