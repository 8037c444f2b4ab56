package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"go-chatrelay/internal/logger"
)

type Config struct {
	Server    ServerConfig
	Auth      AuthConfig
	Store     StoreConfig
	DB        DBConfig
	Redis     RedisConfig
	Queue     QueueConfig
	Fanout    FanoutConfig
	Kafka     KafkaConfig
	WebSocket WebSocketConfig
	Workers   WorkersConfig
	Log       logger.Config
}

type ServerConfig struct {
	Addr string
	// NodeID identifies this instance on the fan-out bus. Empty means generate one.
	NodeID string `mapstructure:"node_id"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	// OperatorToken unlocks the /admin routes. Empty disables them.
	OperatorToken string `mapstructure:"operator_token"`
}

type StoreConfig struct {
	// Driver is "postgres" or "memory".
	Driver string
}

type DBConfig struct {
	DSN string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type QueueConfig struct {
	// Driver is "redis", "asynq" or "memory".
	Driver            string
	Messages          string
	Notifications     string
	Group             string
	Partitions        int
	ConnectRetryDelay time.Duration `mapstructure:"connect_retry_delay"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	EnqueueAttempts   int           `mapstructure:"enqueue_attempts"`
	EnqueueRetryDelay time.Duration `mapstructure:"enqueue_retry_delay"`
	ClaimIdle         time.Duration `mapstructure:"claim_idle"`
	Block             time.Duration
}

type FanoutConfig struct {
	// Driver is "redis", "kafka" or "memory".
	Driver     string
	BufferSize int           `mapstructure:"buffer_size"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

type KafkaConfig struct {
	Brokers     string
	GroupPrefix string `mapstructure:"group_prefix"`
}

type WebSocketConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	SendBuffer     int           `mapstructure:"send_buffer"`
}

type WorkersConfig struct {
	// Enabled runs the pipeline consumers inside the server process.
	Enabled bool
}

// Load reads config/config.yaml (optional) and environment overrides.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	// Names the deployment already uses.
	_ = v.BindEnv("db.dsn", "DB_DSN")
	_ = v.BindEnv("auth.jwt_secret", "JWT_SECRET")
	_ = v.BindEnv("auth.operator_token", "OPERATOR_TOKEN")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("kafka.brokers", "KAFKA_BROKERS")
	_ = v.BindEnv("server.node_id", "NODE_ID")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.node_id", "")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.operator_token", "")
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("db.dsn", "")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("queue.driver", "redis")
	v.SetDefault("queue.messages", "chat_messages")
	v.SetDefault("queue.notifications", "notifications")
	v.SetDefault("queue.group", "chat-pipeline")
	v.SetDefault("queue.partitions", 1)
	v.SetDefault("queue.connect_retry_delay", "5s")
	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("queue.enqueue_attempts", 3)
	v.SetDefault("queue.enqueue_retry_delay", "500ms")
	v.SetDefault("queue.claim_idle", "5m")
	v.SetDefault("queue.block", "5s")
	v.SetDefault("fanout.driver", "redis")
	v.SetDefault("fanout.buffer_size", 1024)
	v.SetDefault("fanout.retry_delay", "2s")
	v.SetDefault("kafka.brokers", "localhost:9092")
	v.SetDefault("kafka.group_prefix", "chat-fanout")
	v.SetDefault("websocket.ping_interval", "54s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.max_message_size", 4096)
	v.SetDefault("websocket.send_buffer", 256)
	v.SetDefault("workers.enabled", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

// Validate rejects combinations the processes cannot start with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "postgres":
		if c.DB.DSN == "" {
			return errors.New("db.dsn (DB_DSN) is required for the postgres store")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch c.Queue.Driver {
	case "redis", "asynq", "memory":
	default:
		return fmt.Errorf("unknown queue driver %q", c.Queue.Driver)
	}
	switch c.Fanout.Driver {
	case "redis", "kafka", "memory":
	default:
		return fmt.Errorf("unknown fanout driver %q", c.Fanout.Driver)
	}
	if c.Queue.Partitions < 1 {
		return errors.New("queue.partitions must be at least 1")
	}
	if c.Queue.MaxAttempts < 1 {
		return errors.New("queue.max_attempts must be at least 1")
	}
	if c.WebSocket.PingInterval >= c.WebSocket.PongWait {
		return errors.New("websocket.ping_interval must be shorter than websocket.pong_wait")
	}
	return nil
}
