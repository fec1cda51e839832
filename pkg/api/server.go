// Package api exposes the operator HTTP surface: status, pause/resume,
// and pool scaling.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/autopilot/pkg/orchestrator"
)

// Pool is the subset of the orchestrator the HTTP surface drives.
type Pool interface {
	GetStatus() orchestrator.Status
	PauseAll()
	ResumeAll()
	PauseAgent(id int) bool
	ResumeAgent(id int) bool
	SetDesiredInstances(n int)
}

// Server represents the HTTP server
type Server struct {
	pool   Pool
	engine *gin.Engine
	http   *http.Server
}

// NewServer creates a new API server
func NewServer(pool Pool) *Server {
	s := &Server{pool: pool}

	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/health", s.Health)

	v1 := engine.Group("/api/v1")
	v1.GET("/status", s.GetStatus)
	v1.POST("/pause", s.PauseAll)
	v1.POST("/resume", s.ResumeAll)
	v1.POST("/scale", s.Scale)
	v1.POST("/agents/:id/pause", s.PauseAgent)
	v1.POST("/agents/:id/resume", s.ResumeAgent)

	s.engine = engine
	return s
}

// Handler returns the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.http.ListenAndServe()
}

// Shutdown stops the HTTP server, waiting for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Health handles GET /health
func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// GetStatus handles GET /api/v1/status
func (s *Server) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.pool.GetStatus())
}

// PauseAll handles POST /api/v1/pause
func (s *Server) PauseAll(c *gin.Context) {
	s.pool.PauseAll()
	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

// ResumeAll handles POST /api/v1/resume
func (s *Server) ResumeAll(c *gin.Context) {
	s.pool.ResumeAll()
	c.JSON(http.StatusOK, gin.H{"status": "resumed"})
}

// ScaleRequest represents the request body for scaling the agent pool
type ScaleRequest struct {
	Instances *int `json:"instances" binding:"required"`
}

// Scale handles POST /api/v1/scale
func (s *Server) Scale(c *gin.Context) {
	var req ScaleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if *req.Instances < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "instances must be non-negative"})
		return
	}
	s.pool.SetDesiredInstances(*req.Instances)
	c.JSON(http.StatusOK, gin.H{"desiredInstances": *req.Instances})
}

// PauseAgent handles POST /api/v1/agents/:id/pause
func (s *Server) PauseAgent(c *gin.Context) {
	id, ok := agentID(c)
	if !ok {
		return
	}
	if !s.pool.PauseAgent(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown agent"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": "paused"})
}

// ResumeAgent handles POST /api/v1/agents/:id/resume
func (s *Server) ResumeAgent(c *gin.Context) {
	id, ok := agentID(c)
	if !ok {
		return
	}
	if !s.pool.ResumeAgent(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown agent"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": "resumed"})
}

func agentID(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "agent id must be an integer"})
		return 0, false
	}
	return id, true
}
