package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"chatrelay/internal/adapter/model"
	"chatrelay/internal/adapter/store"
	"chatrelay/internal/domain"
	"chatrelay/internal/eventbus"
	"chatrelay/internal/gateway"
	"chatrelay/internal/infra/config"
	"chatrelay/internal/infra/logger"
	"chatrelay/internal/infra/tracer"
	"chatrelay/internal/transcript"
	"chatrelay/internal/usecase"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "./config.yaml", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			log.Warn("tracer shutdown failed", "error", err)
		}
	}()

	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	transcripts, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open transcript store: %w", err)
	}
	defer transcripts.Close()

	bus := eventbus.New(log)
	defer bus.Close()

	sessions := usecase.NewSessionManager()
	if err := sessions.Restore(ctx, transcripts); err != nil {
		log.Warn("session restore failed", "error", err)
	}

	var querier domain.Querier = &model.LoopbackQuerier{Delay: cfg.Model.StreamDelay}
	querier = model.NewBreakerQuerier(querier, model.BreakerConfig{
		MaxFailures: cfg.Model.Breaker.MaxFailures,
		Timeout:     cfg.Model.Breaker.Timeout,
		Interval:    cfg.Model.Breaker.Interval,
	}, log)

	reducer := transcript.NewReducer(log, transcript.WithEstimate(cfg.Model.ToolEstimate))

	chat := usecase.NewChatService(sessions, transcripts, querier, reducer, bus, log, tracer.Tracer())

	views := gateway.NewViewRegistry(log)
	dispatcher := gateway.NewDispatcher(views, log)
	deps := gateway.HandlerDeps{Chat: chat, Sessions: sessions, Bus: bus, Logger: log}
	gateway.RegisterDefaultHandlers(dispatcher, deps)

	srv := gateway.NewServer(views, dispatcher, bus, cfg.Gateway.Addr, log)
	gateway.RegisterStatusRoute(srv, deps, version)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("gateway: %w", err)
		}
		return nil
	}

	// Stop in-flight streams first so terminal events reach views
	// before their transports close.
	chat.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Warn("gateway shutdown failed", "error", err)
	}
	return nil
}
