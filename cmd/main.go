// Package main is the entry point for the stevedore server. It wires the
// Docker client, the optional audit database and the HTTP transport.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"nfcunha/stevedore/core/repository"
	"nfcunha/stevedore/core/service"
	"nfcunha/stevedore/database"
	"nfcunha/stevedore/handler"
	"nfcunha/stevedore/utils/config"
	"nfcunha/stevedore/utils/docker"
	"nfcunha/stevedore/utils/logger"
	"nfcunha/stevedore/utils/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.New(cfg.Server.Mode, cfg.Log.Level)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zapLogger.Sync()

	for _, w := range cfg.Warnings {
		zapLogger.Warn(w)
	}

	if err := run(cfg, zapLogger); err != nil {
		zapLogger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, zapLogger *zap.Logger) error {
	zapLogger.Info("starting stevedore", zap.String("mode", cfg.Server.Mode))

	dockerClient, err := docker.NewClient(docker.Options{
		Host:       cfg.Docker.Host,
		APIVersion: cfg.Docker.APIVersion,
	}, zapLogger)
	if err != nil {
		return err
	}
	defer dockerClient.Close()

	// The daemon may come up after us; requests report it as unavailable
	// until then.
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := dockerClient.Ping(pingCtx); err != nil {
		zapLogger.Warn("docker daemon not reachable at startup", zap.Error(err))
	} else {
		zapLogger.Info("docker daemon reachable")
	}
	cancel()

	var (
		recorder service.ActionRecorder
		actions  handler.ActionLister
	)
	if cfg.Audit.Enabled {
		db, err := database.Open(cfg.Audit.Path, zapLogger)
		if err != nil {
			return err
		}
		defer closeDB(db, zapLogger)

		repo := repository.NewActionLogRepository(db)
		if removed, err := repo.DeleteOlderThan(context.Background(), cfg.Audit.RetentionDays); err != nil {
			zapLogger.Warn("failed to clean up old action logs", zap.Error(err))
		} else if removed > 0 {
			zapLogger.Info("cleaned up old action logs", zap.Int64("removed", removed))
		}
		recorder, actions = repo, repo
	}

	switch cfg.Server.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	engine := handler.NewRouter(handler.Services{
		Containers: service.NewContainerService(dockerClient, recorder, zapLogger),
		Images:     service.NewImageService(dockerClient, recorder, zapLogger),
		Volumes:    service.NewVolumeService(dockerClient, recorder, zapLogger),
		Networks:   service.NewNetworkService(dockerClient, recorder, zapLogger),
		System:     service.NewSystemService(dockerClient, cfg.Host.CPUSampleInterval, zapLogger),
		Actions:    actions,
	}, handler.RouterConfig{
		RequestTimeout: cfg.Server.RequestTimeout,
		CORSOrigins:    cfg.Server.CORSOrigins,
	}, metrics.New(), zapLogger)

	addr := cfg.Server.Host + ":" + cfg.Server.Port
	server := &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zapLogger.Info("stevedore listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		zapLogger.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		zapLogger.Error("error during shutdown", zap.Error(err))
	}

	zapLogger.Info("server stopped gracefully")
	return nil
}

func closeDB(db *sql.DB, zapLogger *zap.Logger) {
	if err := db.Close(); err != nil {
		zapLogger.Error("error closing database", zap.Error(err))
	}
}
