package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// handleUsage reports aggregated per-domain usage roll-ups. Admin-only
// unless USAGE_PUBLIC is set. from/to are inclusive dates (YYYY-MM-DD,
// default last 7 days); granularity is day or hour.
func (s *Server) handleUsage(c *gin.Context) {
	from := c.Query("from")
	to := c.Query("to")
	granularity := c.DefaultQuery("granularity", "day")

	if granularity != "day" && granularity != "hour" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "granularity must be day or hour"})
		return
	}

	now := time.Now().UTC()
	if to == "" {
		to = now.Format("2006-01-02")
	}
	if from == "" {
		from = now.AddDate(0, 0, -7).Format("2006-01-02")
	}
	for _, d := range []string{from, to} {
		if _, err := time.Parse("2006-01-02", d); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "dates must be YYYY-MM-DD"})
			return
		}
	}

	rows, err := s.store.AggregateUsage(c.Request.Context(), from, to, granularity)
	if err != nil {
		s.log.LogError(c.Request.Context(), err, "usage aggregation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to aggregate usage"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"from":        from,
		"to":          to,
		"granularity": granularity,
		"usage":       rows,
	})
}
