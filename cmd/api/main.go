package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/suPer8Hu/growth-lab/internal/ai"
	"github.com/suPer8Hu/growth-lab/internal/chat"
	"github.com/suPer8Hu/growth-lab/internal/config"
	"github.com/suPer8Hu/growth-lab/internal/db"
	"github.com/suPer8Hu/growth-lab/internal/httpapi"
	"github.com/suPer8Hu/growth-lab/internal/httpapi/handlers"
	"github.com/suPer8Hu/growth-lab/internal/logger"
	"github.com/suPer8Hu/growth-lab/internal/store/rabbitmq"
	"github.com/suPer8Hu/growth-lab/internal/store/redisstore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.New(cfg.Debug)
	defer func() { _ = log.Sync() }()

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	gdb, err := db.Connect(cfg.DBDSN, cfg.Debug)
	if err != nil {
		return err
	}

	reg, err := ai.NewRegistryFromConfig(cfg, log)
	if err != nil {
		return err
	}
	svc := chat.NewService(chat.NewRepo(gdb), reg, cfg.ChatContextWindowSize, log.Named("chat"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Redis and RabbitMQ are optional: without them limits are off and the
	// async endpoint answers 503.
	var limiter handlers.Limiter
	rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	if err := rds.Ping(pingCtx); err != nil {
		log.Warn("redis unavailable, rate limits disabled", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		_ = rds.Close()
	} else {
		limiter = rds
		defer rds.Close()
	}
	cancel()

	var publisher handlers.JobPublisher
	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue, log.Named("rabbitmq"))
	if err != nil {
		log.Warn("rabbitmq unavailable, async chat disabled", zap.Error(err))
	} else {
		publisher = pub
		defer pub.Close()
	}

	h := handlers.NewHandler(gdb, cfg, svc, limiter, publisher, log.Named("http"))
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httpapi.NewRouter(h),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("api listening", zap.String("addr", cfg.ListenAddr), zap.Strings("providers", reg.Names()), zap.String("default_provider", reg.Default()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("api shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	return srv.Shutdown(shutdownCtx)
}
