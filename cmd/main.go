package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"syscall"
	"time"

	"ochatle/backend/internal/api/handler"
	"ochatle/backend/internal/app"
	"ochatle/backend/internal/config"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := app.NewLogger(cfg, os.Stderr)
	slog.SetDefault(logger)
	logger.Info("starting ochatle backend", "addr", cfg.HTTPAddr, "store", cfg.StoreDriver, "user_db", cfg.UserDBDriver)

	if cfg.LogLevel > slog.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	deps, err := app.Setup(startCtx, cfg, logger)
	cancelStart()
	if err != nil {
		logger.Error("startup failed", "err", err)
		os.Exit(1)
	}

	h := handler.NewHandler(deps.Hub, deps.Auth, deps.Presence, deps.Services, logger)
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	runCtx, stopRun := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		deps.Hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return deps.Reaper.Run(gctx, cfg.ReapInterval)
	})
	g.Go(func() error {
		logger.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// A component failing on its own takes the same shutdown path as a signal.
	go func() {
		<-gctx.Done()
		if runCtx.Err() == nil {
			logger.Error("component stopped unexpectedly, shutting down")
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	wait := gfshutdown.GracefulShutdown(context.Background(), cfg.ShutdownTimeout, map[string]gfshutdown.Operation{
		"chat": func(ctx context.Context) error {
			logger.Info("graceful shutdown initiated")
			// Stop handshakes first, then let every participant end its session.
			err := server.Shutdown(ctx)
			err = errors.Join(err, deps.Hub.Shutdown(ctx))
			stopRun()
			err = errors.Join(err, g.Wait())
			return errors.Join(err, deps.Close())
		},
	})

	exitCode := <-wait
	logger.Info("application exited", "code", exitCode)
	os.Exit(exitCode)
}
