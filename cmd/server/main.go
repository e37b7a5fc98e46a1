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

	"github.com/dgraph-io/badger/v4"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"go-chat/internal/api"
	"go-chat/internal/chat"
	"go-chat/internal/config"
	"go-chat/internal/db"
	"go-chat/internal/identity"
	myMiddleware "go-chat/internal/middleware"
	"go-chat/internal/profile"
	"go-chat/internal/session"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

type store interface {
	chat.ConversationStore
	chat.MessageStore
}

func run() error {
	// 1. Config & Logger
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := cfg.Logger()
	log.Info("Starting chat service", "instance_id", cfg.InstanceID, "store", cfg.StoreDriver, "sessions", cfg.SessionDriver)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Storage
	repo, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	// 3. Redis & session registry
	var rdb redis.UniversalClient
	var registry session.Registry
	switch cfg.SessionDriver {
	case config.SessionRedis:
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		log.Info("Connected to Redis", "addr", cfg.RedisAddr)
		registry = session.NewRedisRegistry(rdb, "")
	default:
		log.Warn("In-memory session registry: run a single instance only")
		registry = session.NewMemoryRegistry()
	}

	// 4. Upstream services
	var introspector identity.Introspector
	switch cfg.IdentityMode {
	case config.IdentityRemote:
		introspector = identity.NewRemoteIntrospector(cfg.IdentityURL, cfg.IntrospectTimeout, log)
	default:
		introspector = identity.NewJWTIntrospector(cfg.JWTSecret, log)
	}
	profiles := profile.NewClient(cfg.ProfileURL, cfg.ProfileTimeout, log)

	// 5. Chat engine
	hub := chat.NewHub(cfg.InstanceID, registry, rdb, log)
	dispatcher := chat.NewFanoutDispatcher(registry, hub, log, chat.FanoutOptions{
		Workers:     cfg.FanoutWorkers,
		QueueSize:   cfg.FanoutQueueSize,
		Parallelism: cfg.FanoutParallelism,
	})
	service := chat.NewService(repo, repo, profiles, dispatcher, log)
	handler := chat.NewHandler(service, hub, log)

	errChan := make(chan error, 3)
	go func() {
		if err := hub.Run(ctx); err != nil {
			errChan <- fmt.Errorf("hub stopped: %w", err)
		}
	}()
	go func() {
		if err := dispatcher.Run(ctx); err != nil {
			errChan <- fmt.Errorf("dispatcher stopped: %w", err)
		}
	}()

	// 6. Routes
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		api.OK(w, map[string]any{"instanceId": cfg.InstanceID, "connections": hub.ConnectionCount()})
	})

	auth := myMiddleware.NewAuthMiddleware(introspector)
	r.Group(func(r chi.Router) {
		r.Use(auth.Handle)
		handler.Routes(r)
	})

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Info("Server starting", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("http server error: %w", err)
		}
	}()

	// 7. Wait for Stop or Error
	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
	case err := <-errChan:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	log.Info("Server stopped cleanly")
	return nil
}

func openStore(ctx context.Context, cfg config.Config, log *slog.Logger) (store, func(), error) {
	switch cfg.StoreDriver {
	case config.StoreBadger:
		opts := badger.DefaultOptions(cfg.BadgerPath).WithLoggingLevel(badger.WARNING)
		if cfg.BadgerPath == "" {
			opts = opts.WithInMemory(true)
		}
		bdb, err := badger.Open(opts)
		if err != nil {
			return nil, nil, fmt.Errorf("database opening failed: %w", err)
		}
		repo, err := chat.NewBadgerRepository(bdb, log)
		if err != nil {
			_ = bdb.Close()
			return nil, nil, err
		}
		log.Info("Opened BadgerDB", "path", cfg.BadgerPath)
		return repo, func() {
			log.Info("Closing BadgerDB...")
			_ = repo.Close()
			_ = bdb.Close()
		}, nil

	default:
		database, err := db.NewDatabase(ctx, cfg.DBDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to postgres: %w", err)
		}
		log.Info("Connected to PostgreSQL")
		if err := database.AutoMigrate(ctx); err != nil {
			_ = database.Close()
			return nil, nil, err
		}
		log.Info("Database schema initialized")
		return chat.NewPostgresRepository(database.Conn, log), func() { _ = database.Close() }, nil
	}
}
