// Package platform opens the external systems a process depends on and
// builds the drivers selected in config.
package platform

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"go-chatrelay/internal/chat"
	"go-chatrelay/internal/config"
	"go-chatrelay/internal/db"
	"go-chatrelay/internal/fanout"
	"go-chatrelay/internal/queue"
	"go-chatrelay/internal/user"
)

type Platform struct {
	Config *config.Config
	NodeID string
	Log    zerolog.Logger

	DB    *db.Database
	Redis *redis.Client

	Store     chat.Store
	Users     user.Store
	Transport queue.Transport
}

// Open connects storage and the queue broker. It returns once the broker
// has answered, retrying until ctx ends.
func Open(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Platform, error) {
	p := &Platform{Config: cfg, NodeID: cfg.Server.NodeID, Log: log}
	if p.NodeID == "" {
		p.NodeID = uuid.NewString()[:8]
	}

	switch cfg.Store.Driver {
	case "postgres":
		database, err := db.NewDatabase(ctx, cfg.DB.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to DB: %w", err)
		}
		log.Info().Msg("✅ Connected to PostgreSQL")
		if err := database.AutoMigrate(ctx); err != nil {
			database.Close()
			return nil, err
		}
		log.Info().Msg("✅ Database Schema Initialized")
		p.DB = database
		p.Store = chat.NewRepository(database.Conn)
		p.Users = user.NewRepository(database.Conn)
	default:
		log.Warn().Msg("⚠️ Using in-memory store, nothing survives a restart")
		p.Store = chat.NewMemoryStore()
		p.Users = user.NewMemoryRepository()
	}

	if cfg.Queue.Driver == "redis" || cfg.Fanout.Driver == "redis" {
		p.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	p.Transport = p.newTransport()
	if err := queue.Connect(ctx, p.Transport, cfg.Queue.ConnectRetryDelay, log, p.Queues()...); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *Platform) newTransport() queue.Transport {
	q := p.Config.Queue
	opts := queue.Options{Group: q.Group, Consumer: p.NodeID, MaxAttempts: q.MaxAttempts}
	log := p.Log.With().Str("component", "queue").Logger()

	switch q.Driver {
	case "redis":
		return queue.NewRedisStreamTransport(p.Redis, queue.RedisStreamOptions{
			Options:    opts,
			ClaimIdle:  q.ClaimIdle,
			Block:      q.Block,
			RetryDelay: q.ConnectRetryDelay,
		}, log)
	case "asynq":
		return queue.NewAsynqTransport(asynq.RedisClientOpt{
			Addr:     p.Config.Redis.Addr,
			Password: p.Config.Redis.Password,
			DB:       p.Config.Redis.DB,
		}, queue.AsynqOptions{Options: opts, RetryDelay: q.EnqueueRetryDelay}, log)
	default:
		return queue.NewMemoryTransport(opts)
	}
}

// MessageQueues lists every chat message partition.
func (p *Platform) MessageQueues() []string {
	return queue.Partitions(p.Config.Queue.Messages, p.Config.Queue.Partitions)
}

// Queues lists every queue the pipeline uses.
func (p *Platform) Queues() []string {
	return append(p.MessageQueues(), p.Config.Queue.Notifications)
}

func (p *Platform) Producer() *queue.Producer {
	q := p.Config.Queue
	return queue.NewProducer(p.Transport, q.EnqueueAttempts, q.EnqueueRetryDelay, p.Log)
}

// FanoutDriver builds the cross-instance bus driver.
func (p *Platform) FanoutDriver() (fanout.Driver, error) {
	switch p.Config.Fanout.Driver {
	case "redis":
		return fanout.NewRedisDriver(p.Redis), nil
	case "kafka":
		topics := []string{
			fanout.TopicFor(chat.RoomChannel("_")),
			fanout.TopicFor(chat.UserChannel("_")),
			fanout.TopicFor(chat.PresenceChannel),
		}
		log := p.Log.With().Str("component", "fanout").Logger()
		return fanout.NewKafkaDriver(p.Config.Kafka.Brokers, p.Config.Kafka.GroupPrefix, p.NodeID, topics, log), nil
	case "memory":
		if p.Config.Workers.Enabled || p.Config.Queue.Driver != "memory" {
			p.Log.Warn().Msg("⚠️ In-memory fan-out only reaches sessions on this instance")
		}
		return fanout.NewMemoryBroker(), nil
	default:
		return nil, fmt.Errorf("unknown fanout driver %q", p.Config.Fanout.Driver)
	}
}

func (p *Platform) Close() error {
	var errs []error
	if p.Transport != nil {
		errs = append(errs, p.Transport.Close())
	}
	if p.Redis != nil {
		errs = append(errs, p.Redis.Close())
	}
	if p.DB != nil {
		errs = append(errs, p.DB.Close())
	}
	return errors.Join(errs...)
}
