package fanout

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/rs/zerolog"
)

const headerChannel = "channel"

// KafkaDriver runs the bus over Kafka. Channels are folded onto a few topics
// ("chat:room:r1" goes to topic "chat-room" keyed by the channel) and every
// instance reads them through its own consumer group, so each instance sees
// every publication.
type KafkaDriver struct {
	brokers string
	groupID string
	topics  []string
	log     zerolog.Logger
}

// NewKafkaDriver creates the driver. topics are created on connect if missing.
func NewKafkaDriver(brokers, groupPrefix, nodeID string, topics []string, log zerolog.Logger) *KafkaDriver {
	return &KafkaDriver{
		brokers: brokers,
		groupID: sanitizeGroupID(groupPrefix + "-" + nodeID),
		topics:  topics,
		log:     log,
	}
}

func (d *KafkaDriver) Connect(ctx context.Context) (Conn, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": d.brokers,
		"acks":              "1",
		"linger.ms":         5,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	if _, err := p.GetMetadata(nil, false, 5000); err != nil {
		p.Close()
		return nil, fmt.Errorf("kafka unreachable: %w", err)
	}
	d.ensureTopics(ctx)

	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  d.brokers,
		"group.id":           d.groupID,
		"auto.offset.reset":  "latest",
		"enable.auto.commit": true,
	})
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	conn := &kafkaConn{
		producer: p,
		consumer: c,
		channels: make(map[string]struct{}),
		log:      d.log,
		done:     make(chan struct{}),
	}
	go conn.deliveryReports()
	return conn, nil
}

func (d *KafkaDriver) ensureTopics(ctx context.Context) {
	if len(d.topics) == 0 {
		return
	}
	admin, err := kafka.NewAdminClient(&kafka.ConfigMap{"bootstrap.servers": d.brokers})
	if err != nil {
		d.log.Warn().Err(err).Msg("failed to create kafka admin client")
		return
	}
	defer admin.Close()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	specs := make([]kafka.TopicSpecification, 0, len(d.topics))
	for _, t := range d.topics {
		specs = append(specs, kafka.TopicSpecification{Topic: t, NumPartitions: 1, ReplicationFactor: 1})
	}
	results, err := admin.CreateTopics(ctx, specs)
	if err != nil {
		d.log.Warn().Err(err).Msg("failed to create kafka topics")
		return
	}
	for _, r := range results {
		if r.Error.Code() != kafka.ErrNoError && r.Error.Code() != kafka.ErrTopicAlreadyExists {
			d.log.Warn().Str("topic", r.Topic).Err(r.Error).Msg("failed to create kafka topic")
		}
	}
}

type kafkaConn struct {
	producer *kafka.Producer
	consumer *kafka.Consumer
	log      zerolog.Logger

	mu       sync.Mutex
	channels map[string]struct{}
	topics   string

	// pollMu keeps Close from tearing the consumer down under Poll.
	pollMu sync.Mutex
	done   chan struct{}
	once   sync.Once
}

func (c *kafkaConn) deliveryReports() {
	for e := range c.producer.Events() {
		if m, ok := e.(*kafka.Message); ok && m.TopicPartition.Error != nil {
			c.log.Warn().Err(m.TopicPartition.Error).Msg("kafka fan-out delivery failed")
		}
	}
}

func (c *kafkaConn) Publish(ctx context.Context, channel string, payload []byte) error {
	topic := TopicFor(channel)
	return c.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(channel),
		Value:          payload,
		Headers:        []kafka.Header{{Key: headerChannel, Value: []byte(channel)}},
	}, nil)
}

func (c *kafkaConn) Subscribe(ctx context.Context, channels ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range channels {
		c.channels[ch] = struct{}{}
	}
	return c.resubscribeLocked()
}

func (c *kafkaConn) Unsubscribe(ctx context.Context, channels ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range channels {
		delete(c.channels, ch)
	}
	return c.resubscribeLocked()
}

// resubscribeLocked points the consumer at the topics the channel set needs,
// touching the group only when that set changes.
func (c *kafkaConn) resubscribeLocked() error {
	set := make(map[string]struct{})
	for ch := range c.channels {
		set[TopicFor(ch)] = struct{}{}
	}
	topics := make([]string, 0, len(set))
	for t := range set {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	key := strings.Join(topics, ",")
	if key == c.topics {
		return nil
	}
	c.topics = key
	if len(topics) == 0 {
		return c.consumer.Unsubscribe()
	}
	return c.consumer.SubscribeTopics(topics, nil)
}

func (c *kafkaConn) Receive(ctx context.Context) (Message, error) {
	for {
		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-c.done:
			return Message{}, ErrClosed
		default:
		}

		c.pollMu.Lock()
		ev := c.consumer.Poll(200)
		c.pollMu.Unlock()

		switch e := ev.(type) {
		case *kafka.Message:
			channel := string(e.Key)
			for _, h := range e.Headers {
				if h.Key == headerChannel {
					channel = string(h.Value)
				}
			}
			return Message{Channel: channel, Payload: e.Value}, nil
		case kafka.Error:
			if e.IsFatal() || e.Code() == kafka.ErrAllBrokersDown {
				return Message{}, fmt.Errorf("kafka: %w", e)
			}
			c.log.Warn().Err(e).Msg("kafka fan-out error")
		}
	}
}

func (c *kafkaConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.producer.Flush(2000)
		c.producer.Close()
		c.pollMu.Lock()
		err = c.consumer.Close()
		c.pollMu.Unlock()
	})
	return err
}

// TopicFor maps a channel onto the Kafka topic carrying it.
func TopicFor(channel string) string {
	parts := strings.SplitN(channel, ":", 3)
	if len(parts) == 3 {
		return sanitizeGroupID(parts[0] + "-" + parts[1])
	}
	return sanitizeGroupID(channel)
}

var groupIDRegexp = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

func sanitizeGroupID(s string) string {
	return groupIDRegexp.ReplaceAllString(s, "-")
}
