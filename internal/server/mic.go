package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type micRequest struct {
	Action   string `json:"action"`
	ClientID string `json:"clientId"`
}

// handleMic is the advisory mic lock shared by a session's clients. Claim
// is last-writer-wins; release by a non-holder changes nothing. mic_state
// is broadcast only when the holder actually changed.
func (s *Server) handleMic(c *gin.Context) {
	sess, _, ok := s.resolveSession(c)
	if !ok {
		return
	}

	var req micRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ClientID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "action and clientId are required"})
		return
	}

	switch req.Action {
	case "claim":
		changed := sess.MicHolder() != req.ClientID
		sess.ClaimMic(req.ClientID)
		if changed {
			sess.Emitter.Publish(sess.MicStateEvent())
		}
	case "release":
		if sess.ReleaseMic(req.ClientID) {
			sess.Emitter.Publish(sess.MicStateEvent())
		}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "action must be claim or release"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "micHolder": sess.MicHolder()})
}
