package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"go-chatrelay/internal/chat"
	"go-chatrelay/internal/config"
	"go-chatrelay/internal/fanout"
	"go-chatrelay/internal/logger"
	myMiddleware "go-chatrelay/internal/middleware"
	"go-chatrelay/internal/pipeline"
	"go-chatrelay/internal/platform"
	"go-chatrelay/internal/user"
)

func main() {
	// 1. Config & Flags
	configDir := flag.String("config", "", "directory holding config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configDir)
	if err != nil {
		l := logger.L()
		l.Fatal().Err(err).Msg("❌ Invalid configuration")
	}
	cfg.Log.ServiceName = "chat-server"
	log := logger.Init(cfg.Log)

	if cfg.Auth.JWTSecret == "" {
		log.Fatal().Msg("❌ JWT_SECRET is not set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Platform Layer: storage, queue broker, fan-out
	p, err := platform.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("❌ Platform startup failed")
	}
	defer p.Close()
	log = log.With().Str(logger.FieldNodeID, p.NodeID).Logger()

	driver, err := p.FanoutDriver()
	if err != nil {
		log.Fatal().Err(err).Msg("❌ Fan-out driver")
	}
	bus := fanout.NewBus(driver, cfg.Fanout.BufferSize, cfg.Fanout.RetryDelay, log.With().Str("component", "fanout").Logger())

	// 3. User Feature
	userService := user.NewService(p.Users, cfg.Auth.JWTSecret)
	userHandler := user.NewHandler(userService)
	authMiddleware := myMiddleware.NewAuthMiddleware(userService)

	// 4. Chat Feature
	hub := chat.NewHub(p.NodeID, userService, p.Store, bus, log)
	if err := hub.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("❌ Hub startup failed")
	}
	producer := p.Producer()
	tracker := chat.NewTracker(p.Store, hub, log)
	service := chat.NewService(hub, p.Store, producer, tracker, chat.ServiceConfig{
		MessagesQueue: cfg.Queue.Messages,
		Partitions:    cfg.Queue.Partitions,
	}, log)
	chatHandler := chat.NewHandler(ctx, hub, service, p.Transport, chat.ClientConfig{
		WriteWait:      cfg.WebSocket.WriteWait,
		PongWait:       cfg.WebSocket.PongWait,
		PingPeriod:     cfg.WebSocket.PingInterval,
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
		SendBuffer:     cfg.WebSocket.SendBuffer,
	})

	// 5. Define Routes
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(logger.Middleware(log))
	r.Use(middleware.Recoverer)

	// Public Routes
	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"node":     p.NodeID,
			"sessions": hub.SessionCount(),
			"buffered": bus.Buffered(),
		})
	})

	// WebSocket authenticates its own credential before upgrading.
	r.Get("/ws", chatHandler.ServeWs)

	// Protected Routes (Require JWT)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/api/users/search", userHandler.SearchUsers)
		r.Post("/api/rooms", chatHandler.CreateRoom)
	})

	// Operator Routes (Require the operator token, not a user JWT)
	r.Group(func(r chi.Router) {
		r.Use(myMiddleware.RequireOperator(cfg.Auth.OperatorToken))
		r.Get("/admin/dead-letters", chatHandler.DeadLetters)
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		bus.Run(gctx)
		return nil
	})
	if cfg.Workers.Enabled {
		worker := pipeline.NewWorker(p.Transport, pipeline.WorkerConfig{
			MessageQueues:      p.MessageQueues(),
			NotificationsQueue: cfg.Queue.Notifications,
		},
			pipeline.NewMessageProcessor(p.Store, producer, cfg.Queue.Notifications, log),
			pipeline.NewNotificationProcessor(p.Store, tracker, log),
			log.With().Str("component", "worker").Logger(),
		)
		g.Go(func() error { return worker.Run(gctx) })
	}
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("🚀 Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("🛑 Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		hub.Shutdown(shutdownCtx)
		bus.Close()
		return err
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("❌ Server stopped with error")
		return
	}
	log.Info().Msg("👋 Server stopped")
}
