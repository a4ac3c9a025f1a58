package health

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// ConnectionCounter reports live sockets
type ConnectionCounter interface {
	ConnectionCount() int
}

// DependencyCheck reports whether an optional dependency is degraded
type DependencyCheck interface {
	IsDegraded() bool
}

// Handler serves GET /health
type Handler struct {
	service      string
	started      time.Time
	connections  ConnectionCounter
	dependencies map[string]DependencyCheck
}

// NewHandler creates a health handler. Dependencies are optional and only
// the ones registered with WithDependency are reported.
func NewHandler(service string, connections ConnectionCounter) *Handler {
	return &Handler{
		service:      service,
		started:      time.Now(),
		connections:  connections,
		dependencies: make(map[string]DependencyCheck),
	}
}

// WithDependency adds a named dependency to the report
func (h *Handler) WithDependency(name string, check DependencyCheck) *Handler {
	h.dependencies[name] = check
	return h
}

// Health reports liveness. A degraded dependency keeps the relay serving,
// so the answer stays 200 with status "degraded".
// GET /health
func (h *Handler) Health(c *gin.Context) {
	status := "healthy"
	deps := make(map[string]string, len(h.dependencies))
	for name, check := range h.dependencies {
		if check.IsDegraded() {
			deps[name] = "degraded"
			status = "degraded"
		} else {
			deps[name] = "ok"
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":       status,
		"service":      h.service,
		"time":         time.Now().UTC(),
		"uptime":       time.Since(h.started).Round(time.Second).String(),
		"connections":  h.connections.ConnectionCount(),
		"dependencies": deps,
	})
}
