package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"shipcover/observability/logging"
	telemetry "shipcover/observability/otel"
	"shipcover/services/insurance-gateway/app"
	"shipcover/services/insurance-gateway/auth"
	"shipcover/services/insurance-gateway/config"
	insmw "shipcover/services/insurance-gateway/middleware"
	"shipcover/services/insurance-gateway/recon"
	"shipcover/services/insurance-gateway/server"
)

const serviceName = "insurance-gateway"

func main() {
	if err := run(); err != nil {
		log.Fatalf("%s: %v", serviceName, err)
	}
}

// run owns every deferred cleanup, so main only exits once they have run.
func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	logger := logging.Setup(serviceName, cfg.Environment,
		logging.WithLevel(cfg.Log.Level),
		logging.WithFile(logging.FileSink{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   true,
		}),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.OTel(serviceName))
	if err != nil {
		logger.Error("telemetry init failed", slog.Any("error", err))
		return err
	}

	deps, err := app.New(cfg, logger)
	if err != nil {
		logger.Error("startup failed", slog.Any("error", err))
		return err
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.Warn("database close failed", slog.Any("error", err))
		}
	}()

	verifier, err := auth.NewJWTVerifier(auth.Options{
		Alg:              cfg.Auth.Alg,
		Issuer:           cfg.Auth.Issuer,
		Audience:         cfg.Auth.Audience,
		HSSecret:         cfg.Auth.HSSecret,
		RSAPublicKeyFile: cfg.Auth.RSAPublicKeyFile,
		MaxSkew:          cfg.Auth.MaxSkew,
	})
	if err != nil {
		logger.Error("auth init failed", slog.Any("error", err))
		return err
	}

	srv, err := server.New(server.Config{
		DB:       deps.DB,
		Workflow: deps.Workflow,
		Verifier: verifier,
		RateLimit: insmw.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		},
		Logger: logger,
	})
	if err != nil {
		logger.Error("server init failed", slog.Any("error", err))
		return err
	}

	scheduler := recon.NewScheduler(recon.SchedulerConfig{
		Reconciler: deps.Reconciler,
		RunHour:    cfg.Recon.RunHour,
		RunMinute:  cfg.Recon.RunMinute,
		Logger:     logger,
	})
	go scheduler.Start(ctx)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("starting insurance gateway", slog.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", slog.Any("error", err))
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown failed", slog.Any("error", err))
	}
	logger.Info("insurance gateway stopped")
	return nil
}
