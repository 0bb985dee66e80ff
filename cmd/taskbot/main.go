package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/creastat/taskflow/config"
	"github.com/creastat/taskflow/docstore"
	"github.com/creastat/taskflow/docstore/minio"
	"github.com/creastat/taskflow/httpapi"
	"github.com/creastat/taskflow/inference"
	"github.com/creastat/taskflow/kv"
	"github.com/creastat/taskflow/observability"
	"github.com/creastat/taskflow/orchestrator"
	"github.com/creastat/taskflow/session"
	"github.com/creastat/taskflow/supabase"
	"github.com/creastat/taskflow/task"
	"github.com/creastat/taskflow/telegram"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("taskbot stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("taskbot stopped")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	shutdownTracing, err := observability.InitTracing("taskbot", observability.TracingConfig{
		Exporter: cfg.OTelExporter,
		Endpoint: cfg.OTelEndpoint,
		Insecure: cfg.OTelInsecure,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	kvStore, sessions, closeStores, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStores(); err != nil {
			logger.Warn("close stores failed", "error", err)
		}
	}()

	regOpts := []task.Option{task.WithTTL(cfg.TaskTTL), task.WithLogger(logger)}
	var (
		eventLog    orchestrator.EventLog
		handlerOpts []httpapi.HandlerOption
	)
	if cfg.SupabaseURL != "" {
		archive, err := supabase.New(supabase.Config{URL: cfg.SupabaseURL, APIKey: cfg.SupabaseKey})
		if err != nil {
			return err
		}
		defer archive.Close()
		regOpts = append(regOpts, task.WithArchiver(archive))
		eventLog = archiveEventLog{store: archive}
		handlerOpts = append(handlerOpts, httpapi.WithArchive(archive))
	}
	registry := task.NewRegistry(kvStore, regOpts...)

	docs, err := openDocuments(ctx, cfg)
	if err != nil {
		return err
	}
	defer docs.Close()

	backend, err := newBackend(cfg)
	if err != nil {
		return err
	}
	gateway := inference.NewGateway(backend,
		inference.WithTimeout(cfg.InferenceTimeout),
		inference.WithRetries(cfg.HFRetries),
		inference.WithLimits(cfg.MaxImages, cfg.MaxPromptLen),
		inference.WithDocumentStore(docs),
		inference.WithLogger(logger),
	)

	bot, err := telegram.New(cfg.TelegramToken, telegram.WithLogger(logger))
	if err != nil {
		return err
	}
	botUsername := cfg.BotUsername
	if botUsername == "" {
		botUsername = bot.Username()
	}

	orchOpts := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithDocumentStore(docs),
		orchestrator.WithMachineOptions(session.Options{MaxImages: cfg.MaxImages}),
		orchestrator.WithMaxSubmissions(cfg.MaxSubmissions),
		orchestrator.WithStaleAfter(cfg.StaleAfter),
		orchestrator.WithBindingTTL(cfg.TaskTTL),
	}
	if eventLog != nil {
		orchOpts = append(orchOpts, orchestrator.WithEventLog(eventLog))
	}
	orch, err := orchestrator.New(orchestrator.Deps{
		Sessions: sessions,
		Registry: registry,
		Gateway:  gateway,
		Sink:     bot,
		Bindings: kvStore,
	}, orchOpts...)
	if err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	router := httpapi.NewRouter(httpapi.NewHandler(registry, botUsername, logger, handlerOpts...), logger)
	server := httpapi.NewServer(cfg.HTTPAddr, router, logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	httpErr := make(chan error, 1)
	go func() {
		err := server.Run(ctx)
		if err != nil {
			cancel()
		}
		httpErr <- err
	}()

	logger.Info("taskbot started", "bot", botUsername, "store", cfg.Store, "backend", cfg.InferenceBackend)
	runErr := orch.Run(ctx, bot.Updates(ctx))
	orch.Wait()

	cancel()
	if err := <-httpErr; err != nil {
		return err
	}
	return runErr
}

// openStores returns the task and session stores and a function that
// releases them. In redis mode both share one client, closed once.
func openStores(cfg config.Config) (kv.Store, session.Store, func() error, error) {
	if cfg.Store != "redis" {
		store, err := kv.NewStore(kv.StoreTypeMemory)
		if err != nil {
			return nil, nil, nil, err
		}
		sessions, err := session.NewStore(session.StoreTypeMemory, session.WithIdleTTL(cfg.SessionTTL))
		if err != nil {
			return nil, nil, nil, err
		}
		closeAll := func() error {
			return errors.Join(store.Close(), sessions.Close())
		}
		return store, sessions, closeAll, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	store, err := kv.NewStore(kv.StoreTypeRedis, kv.WithRedisClient(client), kv.WithKeyPrefix("taskflow:"))
	if err != nil {
		_ = client.Close()
		return nil, nil, nil, err
	}
	sessions, err := session.NewStore(session.StoreTypeRedis, session.WithRedisClient(client), session.WithRedisTTL(cfg.SessionTTL))
	if err != nil {
		_ = client.Close()
		return nil, nil, nil, err
	}
	retrying := kv.WithRetry(store, kv.RetryPolicy{
		MaxAttempts:     cfg.StoreRetries,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		AttemptTimeout:  cfg.StoreTimeout,
	})
	return retrying, sessions, client.Close, nil
}

func openDocuments(ctx context.Context, cfg config.Config) (docstore.Store, error) {
	if cfg.MinIOEndpoint == "" {
		return docstore.NewMemory(), nil
	}
	client, err := minio.New(minio.Config{
		Endpoint:  cfg.MinIOEndpoint,
		AccessKey: cfg.MinIOAccessKey,
		SecretKey: cfg.MinIOSecretKey,
		Bucket:    cfg.MinIOBucket,
		UseSSL:    cfg.MinIOUseSSL,
	})
	if err != nil {
		return nil, err
	}
	if err := client.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

func newBackend(cfg config.Config) (inference.Backend, error) {
	if cfg.InferenceBackend == "ollama" {
		return inference.NewOllamaBackend(cfg.OllamaHost, cfg.OllamaModel)
	}
	return inference.NewHTTPBackend(cfg.HFAPIURL, cfg.HFAPIToken), nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// archiveEventLog writes bot replies to the Supabase bot_logs table.
type archiveEventLog struct {
	store supabase.Store
}

func (l archiveEventLog) RecordEvent(ctx context.Context, username, command, response string) error {
	return l.store.RecordEvent(ctx, supabase.Event{
		Username:  username,
		Command:   command,
		Response:  response,
		CreatedAt: time.Now().UTC(),
	})
}
