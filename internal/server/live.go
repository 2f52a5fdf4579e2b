package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jsilvanus/live-captions-yt-sub000/internal/session"
	"github.com/jsilvanus/live-captions-yt-sub000/internal/store"
	"log/slog"
)

type registerRequest struct {
	APIKey    string `json:"apiKey"`
	StreamKey string `json:"streamKey"`
	Domain    string `json:"domain"`
	Sequence  *int64 `json:"sequence"`
}

type registerResponse struct {
	Token      string `json:"token"`
	SessionID  string `json:"sessionId"`
	Sequence   int64  `json:"sequence"`
	SyncOffset int64  `json:"syncOffset"`
	StartedAt  int64  `json:"startedAt"`
}

// handleRegister exchanges credentials for a session token. Registering
// the same credentials from the same origin again returns the existing
// session unchanged, so a page reload does not burn a new session.
func (s *Server) handleRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if req.APIKey == "" || req.StreamKey == "" || req.Domain == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "apiKey, streamKey and domain are required"})
		return
	}
	if req.Sequence != nil && *req.Sequence < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sequence must be non-negative"})
		return
	}

	ctx := c.Request.Context()

	if !s.allowlist.Allows(req.Domain) {
		s.recordAuthEvent(c, req.APIKey, req.Domain, "domain_not_allowed")
		c.JSON(http.StatusForbidden, gin.H{"error": "domain_not_allowed"})
		return
	}

	status, err := s.store.Validate(ctx, req.APIKey)
	if err != nil {
		s.log.LogError(ctx, err, "key validation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "key validation failed"})
		return
	}
	if status != store.KeyOK {
		s.recordAuthEvent(c, req.APIKey, req.Domain, string(status))
		c.JSON(http.StatusUnauthorized, gin.H{"error": authErrorMessage(status)})
		return
	}

	id := session.MakeSessionID(req.APIKey, req.StreamKey, req.Domain)
	if existing, ok := s.manager.Get(id); ok {
		existing.Touch()
		c.JSON(http.StatusOK, registerResponse{
			Token:      existing.Token,
			SessionID:  existing.ID,
			Sequence:   existing.Sequence(),
			SyncOffset: existing.SyncOffset(),
			StartedAt:  existing.StartedAt.UnixMilli(),
		})
		return
	}

	token, err := s.issuer.Issue(id, req.APIKey, req.StreamKey, req.Domain)
	if err != nil {
		s.log.LogError(ctx, err, "token issue failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}

	var initialSeq int64
	if req.Sequence != nil {
		initialSeq = *req.Sequence
	}

	sess, err := s.manager.Create(session.CreateParams{
		APIKey:    req.APIKey,
		StreamKey: req.StreamKey,
		Domain:    req.Domain,
		Token:     token,
		Sequence:  initialSeq,
	})
	if err != nil {
		s.log.LogError(ctx, err, "session creation failed", slog.String("domain", req.Domain))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create session"})
		return
	}

	// When a concurrent registration won the race, Create returned its
	// session; answering with that session's token keeps both callers on
	// the same credentials.
	c.JSON(http.StatusOK, registerResponse{
		Token:      sess.Token,
		SessionID:  sess.ID,
		Sequence:   sess.Sequence(),
		SyncOffset: sess.SyncOffset(),
		StartedAt:  sess.StartedAt.UnixMilli(),
	})
}

// authErrorMessage maps a validation status to its response message.
func authErrorMessage(status store.KeyStatus) string {
	switch status {
	case store.KeyRevoked:
		return "API key revoked"
	case store.KeyExpired:
		return "API key expired"
	default:
		return "Unknown API key"
	}
}

func (s *Server) recordAuthEvent(c *gin.Context, apiKey, domain, eventType string) {
	if err := s.store.RecordAuthEvent(c.Request.Context(), apiKey, domain, eventType); err != nil {
		s.log.LogError(c.Request.Context(), err, "failed to record auth event")
	}
}

// handleSessionInfo reports the session's live state.
func (s *Server) handleSessionInfo(c *gin.Context) {
	sess, _, ok := s.resolveSession(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessionId":  sess.ID,
		"sequence":   sess.Sequence(),
		"syncOffset": sess.SyncOffset(),
		"startedAt":  sess.StartedAt.UnixMilli(),
		"micHolder":  sess.MicHolder(),
	})
}

type setSequenceRequest struct {
	Sequence *int64 `json:"sequence"`
}

// handleSetSequence overrides the upstream sequence counter, for operators
// resuming a broadcast that already consumed sequence numbers.
func (s *Server) handleSetSequence(c *gin.Context) {
	sess, _, ok := s.resolveSession(c)
	if !ok {
		return
	}

	var req setSequenceRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Sequence == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sequence is required"})
		return
	}
	if *req.Sequence < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sequence must be non-negative"})
		return
	}

	sess.SetSequence(*req.Sequence)
	c.JSON(http.StatusOK, gin.H{"ok": true, "sequence": sess.Sequence()})
}

// handleTeardown ends the session on client request.
func (s *Server) handleTeardown(c *gin.Context) {
	_, claims, ok := s.resolveSession(c)
	if !ok {
		return
	}

	s.manager.Remove(claims.SessionID, "client")
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
