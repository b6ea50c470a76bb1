// Package api is the HTTP surface of the gateway: the OpenAI-compatible
// routes, authorization, rate limiting, and the health probe.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dify2openai/difybridge/internal/config"
	"github.com/dify2openai/difybridge/internal/dify"
	"github.com/dify2openai/difybridge/internal/logging"
	log "github.com/dify2openai/difybridge/internal/logging"
	"github.com/dify2openai/difybridge/internal/session"
	"github.com/dify2openai/difybridge/internal/usage"
)

// Server wires the router to the gateway's collaborators.
type Server struct {
	engine   *gin.Engine
	cfg      *config.Store
	sessions *session.Store
	pool     *dify.Pool
	usage    usage.Backend

	limiters *limiterPool
	srv      *http.Server
	started  time.Time
}

// Options collect the dependencies a Server needs.
type Options struct {
	Config   *config.Store
	Sessions *session.Store
	Pool     *dify.Pool
	Usage    usage.Backend
}

// NewServer builds the router with all middleware and routes registered.
func NewServer(opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	s := &Server{
		engine:   engine,
		cfg:      opts.Config,
		sessions: opts.Sessions,
		pool:     opts.Pool,
		usage:    opts.Usage,
		limiters: newLimiterPool(),
		started:  time.Now(),
	}

	engine.Use(logging.GinLogrusLogger())
	engine.Use(logging.GinLogrusRecovery())
	engine.Use(corsMiddleware())

	s.registerRoutes()
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) registerRoutes() {
	s.engine.GET("/health", s.handleHealth)

	v1 := s.engine.Group("/v1", s.authMiddleware(), s.rateLimitMiddleware())
	v1.POST("/chat/completions", s.handleChatCompletions)
	v1.POST("/chat/completions/:id/stop", s.handleStop)
	v1.POST("/completions", s.handleCompletions)
	v1.POST("/completions/:id/stop", s.handleStop)
	v1.GET("/models", s.handleListModels)
	v1.GET("/models/:model", s.handleGetModel)
	v1.POST("/files", s.handleFileUpload)

	v1.GET("/sessions/stats", s.handleSessionStats)
	v1.DELETE("/sessions", s.handleTerminateSession)
	v1.DELETE("/sessions/:token", s.handleTerminateAlias)
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.cfg.Current()
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.ListenAndServe()
	}()
	log.Infof("listening on %s, serving %d models", addr, len(cfg.Models))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
