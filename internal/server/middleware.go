package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jsilvanus/live-captions-yt-sub000/internal/logger"
	"github.com/jsilvanus/live-captions-yt-sub000/internal/session"
	"log/slog"
)

// requestLogger tags each request with a request id and logs its outcome.
func requestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = logger.GenerateRequestID()
		}
		ctx := logger.WithRequestID(c.Request.Context(), requestID)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", requestID)

		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			slog.String("request_id", requestID),
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", status),
			slog.Duration("duration", time.Since(start)),
		}
		if status >= 500 {
			log.Error("request failed", attrs...)
		} else {
			log.Debug("request", attrs...)
		}
	}
}

// noCacheByDefault marks every response uncacheable. Handlers that serve
// genuinely cacheable content override the header before writing. Session
// tokens and live state must never land in a shared cache.
func noCacheByDefault() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}

// bodyLimit caps the request body. Caption payloads are small; anything
// larger is abuse or a bug.
func bodyLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		}
		c.Next()
	}
}

// corsMiddleware applies the relay's three CORS tiers and answers
// preflights. It runs globally so OPTIONS requests are handled even
// though no OPTIONS routes are registered.
//
//   - Admin paths carry no CORS headers at all: they are not for browsers.
//   - Registration, health, and contact answer any origin; the browser has
//     no session yet when it calls them.
//   - Everything else echoes the origin only when a live session is
//     registered for that origin's domain. Origins without a session get
//     no CORS headers, so the browser refuses the response.
func corsMiddleware(manager *session.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		method := c.Request.Method

		switch {
		case strings.HasPrefix(path, "/keys") || path == "/usage":
			// admin tier, nothing

		case path == "/health" || path == "/contact" ||
			(path == "/live" && (method == http.MethodPost || method == http.MethodOptions)):
			c.Header("Access-Control-Allow-Origin", "*")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")

		default:
			if origin := c.GetHeader("Origin"); origin != "" && manager.HasDomain(origin) {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
				c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
				c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
			}
		}

		if method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
