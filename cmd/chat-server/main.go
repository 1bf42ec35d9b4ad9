package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/comigor/chatrelay/internal/analysis"
	"github.com/comigor/chatrelay/internal/api"
	"github.com/comigor/chatrelay/internal/blob"
	"github.com/comigor/chatrelay/internal/chat"
	"github.com/comigor/chatrelay/internal/config"
	"github.com/comigor/chatrelay/internal/dispatch"
	"github.com/comigor/chatrelay/internal/handlers"
	"github.com/comigor/chatrelay/internal/history"
	"github.com/comigor/chatrelay/internal/llm"
	"github.com/comigor/chatrelay/internal/logger"
	"github.com/comigor/chatrelay/internal/templates"
)

func main() {
	if err := run(); err != nil {
		logger.L.Error("chat server stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger.SetLevel(cfg.Log.Level)
	log := logger.Service("chat-server")

	ctx := context.Background()

	store, err := history.NewStore(cfg.Storage.OutputDir, cfg.LLM.SystemPrompt, cfg.Storage.IndexDB)
	if err != nil {
		return err
	}
	defer store.Close()

	cache, closeCache, err := analysis.OpenCache(ctx, cfg.Analysis.CacheBackend, cfg.Storage.OutputDir, cfg.Analysis.RedisURL)
	if err != nil {
		return err
	}
	defer closeCache()

	blobs, err := blob.NewStore(cfg.Blob.Dir, cfg.Blob.PublicBaseURL)
	if err != nil {
		return err
	}
	tpl, err := templates.NewStore(cfg.Storage.TemplateDir)
	if err != nil {
		return err
	}

	// The model client is built on the first turn; a missing key is reported
	// per request rather than at startup.
	provider := llm.NewProvider(cfg.LLM)

	var dispatcher chat.Dispatcher = dispatch.Noop{}
	var pool *dispatch.Dispatcher
	if cfg.Analysis.URL != "" {
		pool = dispatch.New(dispatch.Options{
			URL:       cfg.Analysis.URL,
			Timeout:   cfg.Analysis.DispatchTimeout,
			QueueSize: cfg.Analysis.QueueSize,
			Workers:   cfg.Analysis.Workers,
		})
		dispatcher = pool
	} else {
		log.Warn("analysis.url is empty; conversations will not be analyzed")
	}

	svc := chat.New(store, cache, provider, dispatcher, tpl, chat.Policy{
		MinMessages: cfg.Analysis.MinMessages,
		Interval:    cfg.Analysis.Interval,
	})
	router := api.NewChatRouter(handlers.NewHandler(handlers.Deps{Chat: svc, Blob: blobs}), api.ChatOptions{
		RateLimitRPS:   cfg.Server.RateLimitRPS,
		RateLimitBurst: cfg.Server.RateLimitBurst,
	})

	srv := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.LLM.Timeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting chat server", "address", srv.Addr, "model", provider.Model(), "analysis_url", cfg.Analysis.URL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-quit:
	}

	log.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", "error", err)
	}
	if pool != nil {
		if err := pool.Close(shutdownCtx); err != nil {
			log.Warn("analysis dispatcher did not drain", "error", err)
		}
	}

	log.Info("server stopped")
	return nil
}
