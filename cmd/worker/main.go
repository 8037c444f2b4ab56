package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"go-chatrelay/internal/chat"
	"go-chatrelay/internal/config"
	"go-chatrelay/internal/fanout"
	"go-chatrelay/internal/logger"
	"go-chatrelay/internal/pipeline"
	"go-chatrelay/internal/platform"
)

// The worker consumes the message and notification queues. It holds no
// sessions; receipts it produces reach clients through the fan-out bus.
func main() {
	configDir := flag.String("config", "", "directory holding config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configDir)
	if err != nil {
		l := logger.L()
		l.Fatal().Err(err).Msg("❌ Invalid configuration")
	}
	cfg.Log.ServiceName = "chat-worker"
	log := logger.Init(cfg.Log)

	if cfg.Queue.Driver == "memory" {
		log.Warn().Msg("⚠️ In-memory queue is not shared with any server process")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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
	hub := chat.NewHub(p.NodeID, nil, p.Store, bus, log)
	tracker := chat.NewTracker(p.Store, hub, log)

	worker := pipeline.NewWorker(p.Transport, pipeline.WorkerConfig{
		MessageQueues:      p.MessageQueues(),
		NotificationsQueue: cfg.Queue.Notifications,
	},
		pipeline.NewMessageProcessor(p.Store, p.Producer(), cfg.Queue.Notifications, log),
		pipeline.NewNotificationProcessor(p.Store, tracker, log),
		log,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		bus.Run(gctx)
		return nil
	})
	g.Go(func() error {
		defer bus.Close()
		return worker.Run(gctx)
	})

	log.Info().Strs("queues", worker.Queues()).Msg("🚀 Worker starting")
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("❌ Worker stopped with error")
		return
	}
	log.Info().Msg("👋 Worker stopped")
}
