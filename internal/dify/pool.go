package dify

import (
	"sync"
	"time"

	"github.com/dify2openai/difybridge/internal/config"
)

// Pool hands out one Client per model so breaker state and connection reuse
// persist across requests. Clients are rebuilt when the mapping they were
// created from changes (config hot reload).
type Pool struct {
	mu          sync.Mutex
	clients     map[string]*poolEntry
	idleTimeout time.Duration
}

type poolEntry struct {
	client  *Client
	mapping config.ModelMapping
}

// NewPool creates a client pool. idleTimeout applies to streaming bodies.
func NewPool(idleTimeout time.Duration) *Pool {
	return &Pool{
		clients:     make(map[string]*poolEntry),
		idleTimeout: idleTimeout,
	}
}

// Get returns the client for model, creating or refreshing it as needed.
func (p *Pool) Get(model string, mapping *config.ModelMapping) *Client {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.clients[model]
	if ok && entry.mapping == *mapping {
		return entry.client
	}
	client := NewClient(model, mapping, p.idleTimeout)
	p.clients[model] = &poolEntry{client: client, mapping: *mapping}
	return client
}
