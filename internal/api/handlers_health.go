package api

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

type healthResponse struct {
	Status  string          `json:"status"`
	Uptime  string          `json:"uptime"`
	Models  map[string]bool `json:"models"`
	Healthy int             `json:"healthy_models"`
	Total   int             `json:"total_models"`
}

// handleHealth probes every mapped app concurrently. Unreachable apps
// degrade the status but never fail the endpoint.
func (s *Server) handleHealth(c *gin.Context) {
	cfg := s.cfg.Current()
	names := cfg.ModelNames()
	sort.Strings(names)

	reachable := make(map[string]bool, len(names))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, name := range names {
		mapping, ok := cfg.Resolve(name)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			up := s.pool.Get(name, mapping).CheckReachable(c.Request.Context())
			mu.Lock()
			reachable[name] = up
			mu.Unlock()
		}(name)
	}
	wg.Wait()

	healthy := 0
	for _, up := range reachable {
		if up {
			healthy++
		}
	}

	status := "ok"
	if healthy < len(reachable) {
		status = "degraded"
	}

	c.JSON(http.StatusOK, healthResponse{
		Status:  status,
		Uptime:  time.Since(s.started).Round(time.Second).String(),
		Models:  reachable,
		Healthy: healthy,
		Total:   len(reachable),
	})
}
