package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"marketwatch/internal/config"
	"marketwatch/internal/engine"
	"marketwatch/internal/iforest"
	"marketwatch/internal/ingress"
	"marketwatch/internal/instrumentation"
	"marketwatch/internal/models"
	"marketwatch/internal/sink"
	"marketwatch/internal/window"
)

func main() {
	// .env is optional; real deployments configure through the environment.
	_ = godotenv.Load()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	logger.Info("marketwatch_starting",
		"stream_key", cfg.StreamKey,
		"consumer_group", cfg.ConsumerGroup,
		"sink", cfg.Sink,
		"model_path", cfg.ModelPath,
		"securities", cfg.Securities,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The scorer only consumes an already-fitted model; without one the
	// whole pipeline is down until resolved.
	model, err := iforest.Load(cfg.ModelPath)
	if err != nil {
		logger.Error("model_load_failed", "path", cfg.ModelPath, "error", err)
		os.Exit(1)
	}
	logger.Info("model_loaded", "model_ref", model.Ref(), "trees", len(model.Trees), "threshold", model.Threshold)

	resultSink, err := buildSink(cfg, logger)
	if err != nil {
		logger.Error("sink_init_failed", "sink", cfg.Sink, "error", err)
		os.Exit(1)
	}
	defer resultSink.Close()
	logger.Info("sink_initialized", "sink", cfg.Sink)

	metrics := instrumentation.NewMetrics()

	go func() {
		router := chi.NewRouter()
		router.Handle("/metrics", promhttp.Handler())
		router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, `{"status":"ok","model_ref":%q}`, model.Ref())
		})
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		logger.Info("http_server_starting", "addr", addr)
		if err := http.ListenAndServe(addr, router); err != nil {
			logger.Error("http_server_failed", "error", err)
		}
	}()

	agg := window.New(cfg.Windows())

	eng, err := engine.New(agg, model, resultSink, logger, metrics, engine.Options{
		AnomalyThreshold: cfg.AnomalyThreshold,
		Securities:       cfg.Securities,
		SinkRetries:      cfg.SinkRetries,
		SinkBackoff:      time.Duration(cfg.SinkBackoffMs) * time.Millisecond,
	})
	if err != nil {
		logger.Error("engine_init_failed", "error", err)
		os.Exit(1)
	}
	logger.Info("engine_initialized", "model_ref", eng.ModelRef())

	tickHandler := func(ctx context.Context, tick models.Tick) error {
		_, err := eng.ProcessTick(ctx, tick)
		if err != nil {
			var stageErr *engine.StageError
			if errors.As(err, &stageErr) {
				return stageErr.Err
			}
		}
		return err
	}

	cons, err := ingress.New(ingress.Config{
		RedisURL:      cfg.RedisURL,
		RedisPassword: cfg.RedisPassword,
		StreamKey:     cfg.StreamKey,
		ConsumerGroup: cfg.ConsumerGroup,
		ConsumerName:  fmt.Sprintf("marketwatch-%s", hostname()),
	}, tickHandler, logger)
	if err != nil {
		logger.Error("ingress_init_failed", "error", err)
		os.Exit(1)
	}
	defer cons.Close()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := cons.Start(ctx); err != nil && err != context.Canceled {
			errChan <- err
		}
	}()

	logger.Info("marketwatch_running", "status", "healthy")

	select {
	case sig := <-sigChan:
		logger.Info("shutdown_signal_received", "signal", sig.String())
		cancel()
	case err := <-errChan:
		logger.Error("ingress_error", "error", err)
		cancel()
	}

	logger.Info("marketwatch_stopped")
}

func buildSink(cfg *config.Config, logger *slog.Logger) (sink.ResultSink, error) {
	switch cfg.Sink {
	case "redis":
		return sink.NewRedisSink(cfg.RedisURL, cfg.RedisPassword,
			time.Duration(cfg.ResultCacheTTL)*time.Second, logger)
	case "postgres":
		return sink.NewPostgresSink(cfg.PostgresDSN, logger)
	case "memory":
		return sink.NewMemorySink(), nil
	default:
		return nil, fmt.Errorf("unknown sink %q", cfg.Sink)
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
