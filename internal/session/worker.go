package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jsilvanus/live-captions-yt-sub000/internal/logger"
	"github.com/jsilvanus/live-captions-yt-sub000/internal/relayerr"
	"github.com/jsilvanus/live-captions-yt-sub000/internal/store"
	"github.com/jsilvanus/live-captions-yt-sub000/internal/upstream"
)

// deliveryTimeout bounds one upstream POST including the usage check.
const deliveryTimeout = 30 * time.Second

// captionResultPayload is the caption_result event body. Count is present
// only for batches.
type captionResultPayload struct {
	RequestID       string `json:"requestId"`
	Sequence        int64  `json:"sequence"`
	ServerTimestamp string `json:"serverTimestamp"`
	Count           int    `json:"count,omitempty"`
}

// captionErrorPayload is the caption_error event body.
type captionErrorPayload struct {
	RequestID  string `json:"requestId"`
	Error      string `json:"error"`
	StatusCode *int   `json:"statusCode,omitempty"`
	Sequence   *int64 `json:"sequence,omitempty"`
}

// runWorker is the single consumer of one session's delivery queue. While
// one job is in flight the next waits, which gives at most one upstream
// POST per session at a time and strict sequence monotonicity. A failed
// job never stops the queue.
func (m *Manager) runWorker(sess *Session) {
	log := m.log.WithComponent("delivery")

	for {
		select {
		case <-sess.closed:
			return
		case job := <-sess.jobs:
			m.deliver(sess, job, log)
		}
	}
}

func (m *Manager) deliver(sess *Session, job Job, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()
	ctx = logger.WithSessionID(ctx, sess.ID)

	n := int64(len(job.Captions))

	// Limits are enforced before the upstream sees anything; a denial
	// costs no counters and no sequence slot.
	if err := m.cfg.Recorder.CheckAndIncrementUsage(ctx, sess.APIKey, n); err != nil {
		reason := "usage check failed"
		if relayerr.IsUsageLimit(err) || errors.Is(err, store.ErrNotFound) {
			reason = err.Error()
		} else {
			log.LogError(ctx, err, "usage check failed")
		}
		m.failJob(ctx, sess, job, reason, nil, nil)
		return
	}

	var (
		res upstream.Result
		err error
	)
	if len(job.Captions) == 1 {
		res, err = sess.Client.Send(ctx, job.Captions[0])
	} else {
		res, err = sess.Client.SendBatch(ctx, job.Captions)
	}

	if err != nil {
		var statusCode *int
		var upErr *relayerr.UpstreamError
		if errors.As(err, &upErr) {
			statusCode = &upErr.StatusCode
		}
		var seq *int64
		if res.Sequence > 0 {
			seq = &res.Sequence
		}
		m.failJob(ctx, sess, job, err.Error(), statusCode, seq)
		return
	}

	sess.mirrorSequence(res.Sequence)
	sess.Touch()
	sess.mu.Lock()
	sess.delivered += n
	sess.mu.Unlock()

	if err := m.cfg.Recorder.IncrementHourly(ctx, sess.Domain, store.HourlyCaptionsSent, n); err != nil {
		log.LogError(ctx, err, "failed to roll up captions sent")
	}
	if len(job.Captions) > 1 {
		if err := m.cfg.Recorder.IncrementHourly(ctx, sess.Domain, store.HourlyBatches, 1); err != nil {
			log.LogError(ctx, err, "failed to roll up batch")
		}
	}

	payload := captionResultPayload{
		RequestID:       job.CorrelationID,
		Sequence:        res.Sequence,
		ServerTimestamp: res.ServerTimestamp,
	}
	if len(job.Captions) > 1 {
		payload.Count = len(job.Captions)
	}
	sess.Emitter.Publish(Event{Name: EventCaptionResult, Data: payload})

	log.Debug("captions delivered",
		slog.String("session_id", sess.ID),
		slog.String("request_id", job.CorrelationID),
		slog.Int64("sequence", res.Sequence),
		slog.Int64("count", n))
}

// FailSubmission publishes a caption_error for a submission that was
// acknowledged but never entered the delivery queue.
func (s *Session) FailSubmission(requestID, reason string) {
	s.Emitter.Publish(Event{Name: EventCaptionError, Data: captionErrorPayload{
		RequestID: requestID,
		Error:     reason,
	}})
}

// failJob records one delivery failure: counters, the persistent error
// row, the hourly roll-up, and the caption_error event.
func (m *Manager) failJob(ctx context.Context, sess *Session, job Job, reason string, statusCode *int, seq *int64) {
	n := int64(len(job.Captions))

	sess.mu.Lock()
	sess.failed += n
	sess.mu.Unlock()

	if err := m.cfg.Recorder.RecordCaptionError(ctx, store.CaptionError{
		SessionID:     sess.ID,
		APIKey:        sess.APIKey,
		Domain:        sess.Domain,
		CorrelationID: job.CorrelationID,
		Error:         reason,
		StatusCode:    statusCode,
	}); err != nil {
		m.log.LogError(ctx, err, "failed to record caption error")
	}

	if err := m.cfg.Recorder.IncrementHourly(ctx, sess.Domain, store.HourlyCaptionsFailed, n); err != nil {
		m.log.LogError(ctx, err, "failed to roll up captions failed")
	}

	sess.Emitter.Publish(Event{Name: EventCaptionError, Data: captionErrorPayload{
		RequestID:  job.CorrelationID,
		Error:      reason,
		StatusCode: statusCode,
		Sequence:   seq,
	}})
}
