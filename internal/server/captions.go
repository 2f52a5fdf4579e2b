package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jsilvanus/live-captions-yt-sub000/internal/session"
	"github.com/jsilvanus/live-captions-yt-sub000/internal/upstream"
)

type captionItem struct {
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
	// Time is milliseconds since the session started; an alternative to
	// Timestamp for clients that only track relative time.
	Time *int64 `json:"time"`
}

type captionsRequest struct {
	Captions []captionItem `json:"captions"`
}

// handleCaptions accepts a caption submission and acknowledges it before
// delivery. The outcome arrives on the event stream under the returned
// requestId.
func (s *Server) handleCaptions(c *gin.Context) {
	sess, _, ok := s.resolveSession(c)
	if !ok {
		return
	}

	var req captionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if len(req.Captions) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "captions must be a non-empty array"})
		return
	}

	captions := make([]upstream.Caption, 0, len(req.Captions))
	for _, item := range req.Captions {
		if item.Text == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "caption text must not be empty"})
			return
		}
		captions = append(captions, upstream.Caption{
			Text:      item.Text,
			Timestamp: resolveTimestamp(item, sess),
		})
	}

	requestID := uuid.New().String()

	// The acknowledgement is flushed before the job can reach the delivery
	// worker, so the 202 always precedes the matching caption_result or
	// caption_error. A submission the queue cannot take fails on the event
	// stream under the same requestId.
	c.JSON(http.StatusAccepted, gin.H{"ok": true, "requestId": requestID})
	c.Writer.Flush()

	if err := sess.Enqueue(session.Job{CorrelationID: requestID, Captions: captions}); err != nil {
		reason := "queue_full"
		if err == session.ErrSessionClosed {
			reason = "session_closed"
		}
		sess.FailSubmission(requestID, reason)
	}
}

// resolveTimestamp picks the wire timestamp for one caption. An explicit
// timestamp wins; a relative time is anchored at session start and shifted
// by the current clock-offset estimate; neither means the upstream client
// stamps it at send time.
func resolveTimestamp(item captionItem, sess *session.Session) string {
	if item.Timestamp != "" {
		return item.Timestamp
	}
	if item.Time != nil {
		at := sess.StartedAt.
			Add(time.Duration(*item.Time) * time.Millisecond).
			Add(time.Duration(sess.SyncOffset()) * time.Millisecond)
		return upstream.FormatTimestamp(at.UTC())
	}
	return ""
}
