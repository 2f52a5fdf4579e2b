package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jsilvanus/live-captions-yt-sub000/internal/store"
)

// handleStats reports usage for the authenticated session's key: daily
// counts, recent sessions, recent delivery errors, and recent auth events.
func (s *Server) handleStats(c *gin.Context) {
	_, claims, ok := s.resolveSession(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	key, err := s.store.GetKey(ctx, claims.APIKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Unknown API key"})
			return
		}
		s.log.LogError(ctx, err, "failed to load key for stats")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load stats"})
		return
	}

	usage, err := s.store.UsageForKey(ctx, claims.APIKey, 30)
	if err != nil {
		s.log.LogError(ctx, err, "failed to load daily usage")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load stats"})
		return
	}

	sessions, err := s.store.RecentSessions(ctx, claims.APIKey, 20)
	if err != nil {
		s.log.LogError(ctx, err, "failed to load recent sessions")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load stats"})
		return
	}

	captionErrors, err := s.store.RecentCaptionErrors(ctx, claims.APIKey, 20)
	if err != nil {
		s.log.LogError(ctx, err, "failed to load recent caption errors")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load stats"})
		return
	}

	authEvents, err := s.store.RecentAuthEvents(ctx, claims.APIKey, 20)
	if err != nil {
		s.log.LogError(ctx, err, "failed to load recent auth events")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load stats"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"key": gin.H{
			"owner":         key.Owner,
			"createdAt":     key.CreatedAt,
			"expiresAt":     key.ExpiresAt,
			"dailyLimit":    key.DailyLimit,
			"lifetimeLimit": key.LifetimeLimit,
			"lifetimeUsed":  key.LifetimeUsed,
		},
		"usage":            usage,
		"recentSessions":   sessions,
		"recentErrors":     captionErrors,
		"recentAuthEvents": authEvents,
	})
}

// handleErasure is the self-service data-erasure path: the key's owner
// fields are blanked, the key is revoked, its dependent rows are dropped,
// and every live session on the key is torn down.
func (s *Server) handleErasure(c *gin.Context) {
	_, claims, ok := s.resolveSession(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if err := s.store.Anonymize(ctx, claims.APIKey); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Unknown API key"})
			return
		}
		s.log.LogError(ctx, err, "erasure failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "erasure failed"})
		return
	}

	for _, sess := range s.manager.All() {
		if sess.APIKey == claims.APIKey {
			s.manager.Remove(sess.ID, "erasure")
		}
	}

	c.JSON(http.StatusOK, gin.H{"ok": true})
}
