package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/theuselessai/pipelit/config"
	"github.com/theuselessai/pipelit/flow"
	"github.com/theuselessai/pipelit/flow/component"
	"github.com/theuselessai/pipelit/flow/emit"
	"github.com/theuselessai/pipelit/flow/engine"
	"github.com/theuselessai/pipelit/flow/model"
	"github.com/theuselessai/pipelit/flow/model/anthropic"
	"github.com/theuselessai/pipelit/flow/model/google"
	"github.com/theuselessai/pipelit/flow/model/openai"
	"github.com/theuselessai/pipelit/flow/queue"
	"github.com/theuselessai/pipelit/flow/sched"
	"github.com/theuselessai/pipelit/flow/store"
	"github.com/theuselessai/pipelit/flow/trigger"
)

// serve wires the whole daemon together and blocks until shutdown.
func serve(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	q, err := openQueue(cfg)
	if err != nil {
		return err
	}

	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	broadcaster := emit.NewBroadcaster()
	broadcaster.Attach(emit.NewLogEmitter(os.Stdout, cfg.Log.JSON))
	broadcaster.Attach(emit.NewOTelEmitter(tp.Tracer("pipelit")))
	sseEmitter := emit.NewSSEEmitter()
	broadcaster.Attach(sseEmitter)
	defer sseEmitter.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	metrics := engine.NewMetrics(registry)

	deps := &component.Deps{
		Store:       st,
		Emitter:     broadcaster,
		Models:      modelResolver(cfg),
		TOTPSecrets: cfg.TOTP,
	}
	orch := engine.New(st, q, queue.NewMemoryLocker(), component.NewRegistry(deps), broadcaster, metrics, engine.Config{
		DefaultMaxRetries:          cfg.Engine.MaxRetries,
		DefaultMaxExecutionSeconds: cfg.Engine.MaxExecutionSeconds,
		ZombieThresholdSeconds:     cfg.Engine.ZombieThresholdSeconds,
	})

	starter := func(ctx context.Context, w *flow.Workflow, triggerNodeID string, payload map[string]any, userID *int64) (string, error) {
		exec, err := orch.StartExecution(ctx, w, engine.StartOptions{
			TriggerNodeID: triggerNodeID,
			Payload:       payload,
			UserProfileID: userID,
		})
		if err != nil {
			return "", err
		}
		return exec.ExecutionID, nil
	}

	scheduler := sched.New(st, q, starter)
	resolver := trigger.New(st, starter)

	pool := queue.NewPool(q, cfg.Queue.Workers, queue.QueueWorkflows, queue.QueueScheduled)
	orch.Register(pool)
	scheduler.Register(pool)

	if err := scheduler.SyncCronTriggers(ctx); err != nil {
		return err
	}
	if err := scheduler.Kickoff(ctx); err != nil {
		return err
	}

	go pool.Run(ctx)
	go orch.RunSweeper(ctx, time.Duration(cfg.Engine.SweepIntervalSeconds)*time.Second)

	mux := http.NewServeMux()
	mux.HandleFunc("/events", sseEmitter.ServeHTTP)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/dispatch", dispatchHandler(resolver))
	mux.HandleFunc("/resume", resumeHandler(orch))
	mux.HandleFunc("/cancel", cancelHandler(orch))

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf("pipelitd: listening on %s", cfg.Server.Addr)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// sweepOnce runs a single reclamation pass: zombie executions plus stuck
// child waits.
func sweepOnce(ctx context.Context, cfg *config.Config) error {
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	q, err := openQueue(cfg)
	if err != nil {
		return err
	}

	deps := &component.Deps{Store: st, Emitter: emit.NewNullEmitter()}
	orch := engine.New(st, q, queue.NewMemoryLocker(), component.NewRegistry(deps), deps.Emitter, nil, engine.Config{
		DefaultMaxRetries:          cfg.Engine.MaxRetries,
		DefaultMaxExecutionSeconds: cfg.Engine.MaxExecutionSeconds,
		ZombieThresholdSeconds:     cfg.Engine.ZombieThresholdSeconds,
	})
	if err := orch.SweepZombies(ctx); err != nil {
		return err
	}
	return orch.CleanupStuckWaits(ctx)
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Database.Driver {
	case "sqlite":
		return store.NewSQLiteStore(cfg.Database.Path)
	case "mysql":
		return store.NewMySQLStore(cfg.Database.DSN)
	case "memory":
		return store.NewMemStore(), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

func openQueue(cfg *config.Config) (queue.Queue, error) {
	switch cfg.Queue.Driver {
	case "sqlite":
		return queue.NewSQLiteQueue(cfg.Queue.Path)
	case "memory":
		return queue.NewMemoryQueue(), nil
	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Queue.Driver)
	}
}

// modelResolver picks the provider client from the model name prefix.
func modelResolver(cfg *config.Config) component.ModelResolver {
	return func(modelName string, _ *int64) (model.ChatModel, error) {
		switch {
		case strings.HasPrefix(modelName, "claude"):
			if cfg.Providers.AnthropicAPIKey == "" {
				return nil, flow.Errf(flow.CodeValidation, "anthropic_api_key is not configured")
			}
			return anthropic.New(cfg.Providers.AnthropicAPIKey), nil
		case strings.HasPrefix(modelName, "gemini"):
			if cfg.Providers.GoogleAPIKey == "" {
				return nil, flow.Errf(flow.CodeValidation, "google_api_key is not configured")
			}
			return google.New(context.Background(), cfg.Providers.GoogleAPIKey)
		default:
			if cfg.Providers.OpenAIAPIKey == "" {
				return nil, flow.Errf(flow.CodeValidation, "openai_api_key is not configured")
			}
			if cfg.Providers.OpenAIBaseURL != "" {
				return openai.NewWithBaseURL(cfg.Providers.OpenAIAPIKey, cfg.Providers.OpenAIBaseURL), nil
			}
			return openai.New(cfg.Providers.OpenAIAPIKey), nil
		}
	}
}
