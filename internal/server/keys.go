package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jsilvanus/live-captions-yt-sub000/internal/auth"
	"github.com/jsilvanus/live-captions-yt-sub000/internal/store"
	"log/slog"
)

// Limits stamped on self-service free-tier keys.
const (
	freeTierDailyLimit    = 500
	freeTierLifetimeLimit = 5000
)

// keyAdminGate guards the key surface with the admin key, except for the
// self-service free-tier creation path when that is enabled.
func (s *Server) keyAdminGate() gin.HandlerFunc {
	admin := auth.RequireAdmin(s.cfg.AdminKey)
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodPost &&
			c.Query("freetier") != "" && s.cfg.FreeAPIKeyActive {
			c.Next()
			return
		}
		admin(c)
	}
}

// handleListKeys returns every key row.
func (s *Server) handleListKeys(c *gin.Context) {
	keys, err := s.store.ListKeys(c.Request.Context())
	if err != nil {
		s.log.LogError(c.Request.Context(), err, "failed to list keys")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list keys"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

type createKeyRequest struct {
	Key           string     `json:"key"`
	Owner         string     `json:"owner"`
	Email         *string    `json:"email"`
	ExpiresAt     *time.Time `json:"expiresAt"`
	DailyLimit    *int64     `json:"dailyLimit"`
	LifetimeLimit *int64     `json:"lifetimeLimit"`
}

// handleCreateKey creates a key. With ?freetier it is the rate-limited
// self-service path: fixed limits, one-month expiry, one key per email.
func (s *Server) handleCreateKey(c *gin.Context) {
	ctx := c.Request.Context()

	var req createKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if req.Owner == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "owner is required"})
		return
	}

	if c.Query("freetier") != "" && s.cfg.FreeAPIKeyActive {
		if req.Email == nil || *req.Email == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "email is required"})
			return
		}
		if !s.freeKeyLimiter.Allow(c.ClientIP()) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many key requests, try again later"})
			return
		}

		key, err := s.store.CreateFreeTierKey(ctx, req.Owner, *req.Email, freeTierDailyLimit, freeTierLifetimeLimit)
		if err != nil {
			if errors.Is(err, store.ErrDuplicateEmail) {
				c.JSON(http.StatusConflict, gin.H{"error": "email already has a key"})
				return
			}
			s.log.LogError(ctx, err, "free-tier key creation failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create key"})
			return
		}

		s.log.Info("free-tier key created", slog.String("owner", req.Owner))
		c.JSON(http.StatusCreated, key)
		return
	}

	key, err := s.store.CreateKey(ctx, store.CreateKeyParams{
		Key:           req.Key,
		Owner:         req.Owner,
		Email:         req.Email,
		ExpiresAt:     req.ExpiresAt,
		DailyLimit:    req.DailyLimit,
		LifetimeLimit: req.LifetimeLimit,
	})
	if err != nil {
		s.log.LogError(ctx, err, "key creation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create key"})
		return
	}

	c.JSON(http.StatusCreated, key)
}

// handleGetKey fetches one key row.
func (s *Server) handleGetKey(c *gin.Context) {
	key, err := s.store.GetKey(c.Request.Context(), c.Param("key"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Unknown API key"})
			return
		}
		s.log.LogError(c.Request.Context(), err, "failed to load key")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load key"})
		return
	}
	c.JSON(http.StatusOK, key)
}

type updateKeyRequest struct {
	Owner         *string    `json:"owner"`
	ExpiresAt     *time.Time `json:"expiresAt"`
	DailyLimit    *int64     `json:"dailyLimit"`
	LifetimeLimit *int64     `json:"lifetimeLimit"`
	Active        *bool      `json:"active"`
}

// handleUpdateKey applies the provided fields. active:false revokes,
// active:true reinstates.
func (s *Server) handleUpdateKey(c *gin.Context) {
	var req updateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	key, err := s.store.UpdateKey(c.Request.Context(), c.Param("key"), store.UpdateKeyParams{
		Owner:         req.Owner,
		ExpiresAt:     req.ExpiresAt,
		DailyLimit:    req.DailyLimit,
		LifetimeLimit: req.LifetimeLimit,
		Active:        req.Active,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Unknown API key"})
			return
		}
		s.log.LogError(c.Request.Context(), err, "key update failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update key"})
		return
	}

	c.JSON(http.StatusOK, key)
}

// handleDeleteKey revokes a key; ?hard=true removes the row and its
// dependents instead. Either way the key's live sessions are torn down.
func (s *Server) handleDeleteKey(c *gin.Context) {
	ctx := c.Request.Context()
	keyID := c.Param("key")

	var err error
	if c.Query("hard") == "true" {
		err = s.store.DeleteKey(ctx, keyID)
	} else {
		err = s.store.RevokeKey(ctx, keyID)
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Unknown API key"})
			return
		}
		s.log.LogError(ctx, err, "key deletion failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete key"})
		return
	}

	for _, sess := range s.manager.All() {
		if sess.APIKey == keyID {
			s.manager.Remove(sess.ID, "key_revoked")
		}
	}

	c.JSON(http.StatusOK, gin.H{"ok": true})
}
