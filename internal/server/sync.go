package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// handleSync runs one heartbeat round trip against the upstream and
// refreshes the session's clock-offset estimate. Relative caption times
// submitted afterwards are shifted by the new offset.
func (s *Server) handleSync(c *gin.Context) {
	sess, _, ok := s.resolveSession(c)
	if !ok {
		return
	}

	res, err := sess.Client.Sync(c.Request.Context())
	if err != nil {
		s.log.LogError(c.Request.Context(), err, "sync heartbeat failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream sync failed"})
		return
	}

	sess.SetSyncOffset(res.SyncOffset)

	c.JSON(http.StatusOK, gin.H{
		"syncOffset":      res.SyncOffset,
		"roundTripTime":   res.RoundTripTime,
		"serverTimestamp": res.ServerTimestamp,
		"statusCode":      res.StatusCode,
	})
}
