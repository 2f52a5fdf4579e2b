package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jsilvanus/live-captions-yt-sub000/internal/session"
)

// handleEvents is the per-session server-sent-events stream. The first
// frame is always connected; session_closed is always the last. Delivery
// outcomes for accepted captions arrive here, not on the submission
// response.
func (s *Server) handleEvents(c *gin.Context) {
	sess, _, ok := s.resolveSession(c)
	if !ok {
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	// Disable proxy buffering; nginx would otherwise hold frames back.
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)

	sub := sess.Emitter.Subscribe(c.Request.Context(), uuid.New().String(), 64)
	defer sess.Emitter.Unsubscribe(sub.ID)

	if err := writeEvent(c.Writer, sess.ConnectedEvent()); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case ev, open := <-sub.Ch:
			if !open {
				return
			}
			if err := writeEvent(c.Writer, ev); err != nil {
				return
			}
			flusher.Flush()
			if ev.Name == session.EventSessionClosed {
				return
			}
		}
	}
}

// writeEvent frames one event in SSE wire format.
func writeEvent(w http.ResponseWriter, ev session.Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, data)
	return err
}
