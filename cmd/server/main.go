package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jsilvanus/live-captions-yt-sub000/internal/config"
	"github.com/jsilvanus/live-captions-yt-sub000/internal/logger"
	"github.com/jsilvanus/live-captions-yt-sub000/internal/server"
	"github.com/jsilvanus/live-captions-yt-sub000/internal/session"
	"github.com/jsilvanus/live-captions-yt-sub000/internal/store"
	"log/slog"
)

func main() {
	config.LoadConfig()
	cfg := config.AppConfig

	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))

	log.Info("setting gin mode", slog.String("mode", cfg.GinMode))
	gin.SetMode(cfg.GinMode)

	log.Info("relay configuration",
		slog.String("port", cfg.Port),
		slog.String("upstream_url", cfg.UpstreamURL),
		slog.String("db_path", cfg.DBPath),
		slog.String("allowed_domains", cfg.AllowedDomains),
		slog.Duration("session_ttl", cfg.SessionTTL),
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
		slog.Bool("jwt_secret_generated", cfg.JWTSecretGenerated),
		slog.Bool("admin_enabled", cfg.AdminKey != ""),
		slog.Bool("usage_public", cfg.UsagePublic),
		slog.Bool("free_apikey_active", cfg.FreeAPIKeyActive))

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Error("failed to open database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	manager := session.NewManager(session.Config{
		UpstreamURL:     cfg.UpstreamURL,
		TTL:             cfg.SessionTTL,
		CleanupInterval: cfg.CleanupInterval,
		Recorder:        st,
		Logger:          log,
	})

	srv := server.New(cfg, log, st, manager)

	// Revoked keys are retained for a while so stats stay attributable,
	// then purged in the background.
	cleanerCtx, stopCleaner := context.WithCancel(context.Background())
	go runRevokedKeyCleaner(cleanerCtx, cfg, st, log)

	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: srv.Router(),
	}

	go func() {
		log.Info("relay listening", slog.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")

	stopCleaner()
	manager.StopCleanup()
	// Ending sessions first flushes summary rows and lets subscribers see
	// session_closed before the listener goes away.
	manager.RemoveAll("shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ServerShutdownTimeoutSecs)*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("forced shutdown", slog.String("error", err.Error()))
	}

	if err := st.Close(); err != nil {
		log.Error("failed to close database", slog.String("error", err.Error()))
	}

	log.Info("relay stopped")
}

// runRevokedKeyCleaner periodically purges keys revoked longer ago than the
// retention window.
func runRevokedKeyCleaner(ctx context.Context, cfg *config.Config, st *store.Store, log *logger.Logger) {
	if cfg.RevokedKeyTTLDays <= 0 {
		return
	}

	ticker := time.NewTicker(cfg.RevokedKeyCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := st.CleanRevoked(ctx, cfg.RevokedKeyTTLDays, false)
			if err != nil {
				log.Error("revoked key cleanup failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				log.Info("purged revoked keys", slog.Int64("count", n))
			}
		}
	}
}
