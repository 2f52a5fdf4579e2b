package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// handleHealth is the liveness probe.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ok":             true,
		"uptime":         int64(time.Since(s.startTime).Seconds()),
		"activeSessions": s.manager.Size(),
	})
}

// handleContact serves the operator's contact card when configured. This
// is the one cacheable response the relay has.
func (s *Server) handleContact(c *gin.Context) {
	if s.cfg.Contact.IsZero() {
		c.JSON(http.StatusNotFound, gin.H{"error": "no contact information configured"})
		return
	}

	c.Header("Cache-Control", "public, max-age=3600")
	c.JSON(http.StatusOK, s.cfg.Contact)
}
