package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/comigor/chatrelay/internal/analysis"
	"github.com/comigor/chatrelay/internal/api"
	"github.com/comigor/chatrelay/internal/config"
	"github.com/comigor/chatrelay/internal/handlers"
	"github.com/comigor/chatrelay/internal/llm"
	"github.com/comigor/chatrelay/internal/logger"
)

func main() {
	if err := run(); err != nil {
		logger.L.Error("analysis server stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger.SetLevel(cfg.Log.Level)
	log := logger.Service("analysis-server")

	ctx := context.Background()

	cache, closeCache, err := analysis.OpenCache(ctx, cfg.Analysis.CacheBackend, cfg.Storage.OutputDir, cfg.Analysis.RedisURL)
	if err != nil {
		return err
	}
	defer closeCache()

	analyzer, err := newAnalyzer(cfg)
	if err != nil {
		return err
	}

	pipeline := &analysis.Pipeline{
		Analyzer: analyzer,
		Cache:    cache,
		Speakers: analysis.Speakers{User: cfg.Analysis.SpeakerUser, Assistant: cfg.Analysis.SpeakerAssistant},
	}
	deps := handlers.Deps{
		Pipeline:        pipeline,
		AnalysisTimeout: cfg.Analysis.RunTimeout,
	}
	if rc, ok := cache.(*analysis.RedisCache); ok {
		deps.HealthCheck = rc.Ping
	}
	router := api.NewAnalysisRouter(handlers.NewHandler(deps))

	srv := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.AnalysisPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Analysis.RunTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting analysis server", "address", srv.Addr, "mode", cfg.Analysis.Mode, "cache", cfg.Analysis.CacheBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

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
	log.Info("server stopped")
	return nil
}

func newAnalyzer(cfg *config.Config) (analysis.Analyzer, error) {
	switch cfg.Analysis.Mode {
	case "", analysis.ModeInference:
		inf := cfg.Analysis.Inference
		client := analysis.NewInferenceClient(inf.BaseURL, inf.APIKey, inf.SummarizerModel, inf.ClassifierModel, inf.Timeout)
		return &analysis.ModelAnalyzer{Summarizer: client, Classifier: client, Labels: cfg.Analysis.Labels}, nil
	case analysis.ModeLLM:
		// The llm mode cannot do anything without a model, so fail fast.
		client, err := llm.NewProvider(cfg.LLM).Client()
		if err != nil {
			return nil, err
		}
		return &analysis.LLMAnalyzer{Client: client, Model: cfg.LLM.Model}, nil
	default:
		return nil, fmt.Errorf("unknown analysis.mode %q", cfg.Analysis.Mode)
	}
}
