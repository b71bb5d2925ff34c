package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/danmuck/convergectl/internal/agent"
	"github.com/danmuck/convergectl/internal/auth"
)

const version = "0.1.0"

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"host":    s.host,
			"version": version,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/ready", func(c *gin.Context) {
		ready := s.runs != nil && s.runs.Ready()
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":   ready,
			"running": s.runs != nil && s.runs.Busy(),
			"host":    s.host,
		})
	})

	s.router.GET("/runs/last", func(c *gin.Context) {
		if s.runs == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no run recorded"})
			return
		}
		last, ok := s.runs.Last()
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no run recorded"})
			return
		}
		c.JSON(http.StatusOK, last)
	})

	if s.validator == nil || s.runs == nil {
		return
	}
	s.router.POST("/runs", auth.Require(s.validator), func(c *gin.Context) {
		if err := s.runs.Start(s.runCtx); err != nil {
			if errors.Is(err, agent.ErrBusy) {
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "started"})
	})
}
