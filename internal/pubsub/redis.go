package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// channelPrefix namespaces signaling channels on a shared Redis
	channelPrefix = "staffcall:"

	// healthCheckInterval is how often an idle subscription pings Redis
	healthCheckInterval = 30 * time.Second
)

// RedisPubSub carries signals between instances over Redis channels. A user
// may be connected to one instance while the caller sits on another.
type RedisPubSub struct {
	client *redis.Client
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[*redisSubscription]struct{}
	closed bool
}

type redisSubscription struct {
	ps      *RedisPubSub
	topic   string
	rsub    *redis.PubSub
	handler Handler
	cancel  context.CancelFunc
	once    sync.Once
}

// Unsubscribe stops delivery. Safe to call more than once.
func (s *redisSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.ps.forget(s)
		err = s.stop()
	})
	return err
}

func (s *redisSubscription) stop() error {
	s.cancel()
	if err := s.rsub.Close(); err != nil {
		return fmt.Errorf("close redis subscription %s: %w", s.topic, err)
	}
	return nil
}

// NewRedisPubSub connects to url (redis://[:password@]host:port[/db]) and
// fails fast when the server does not answer a ping.
func NewRedisPubSub(ctx context.Context, url string) (*RedisPubSub, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger := slog.Default().With("component", "pubsub", "backend", "redis")
	logger.Info("connected to redis", "addr", opts.Addr, "db", opts.DB)

	return &RedisPubSub{
		client: client,
		logger: logger,
		subs:   make(map[*redisSubscription]struct{}),
	}, nil
}

func channelFor(topic string) string {
	return channelPrefix + topic
}

func topicFor(channel string) string {
	return strings.TrimPrefix(channel, channelPrefix)
}

func (ps *RedisPubSub) isClosed() bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.closed
}

// Publish sends msg to every instance subscribed to topic
func (ps *RedisPubSub) Publish(ctx context.Context, topic string, msg *Message) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	if ps.isClosed() {
		return ErrClosed
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	receivers, err := ps.client.Publish(ctx, channelFor(topic), data).Result()
	if err != nil {
		return fmt.Errorf("failed to publish to redis: %w", err)
	}
	ps.logger.Debug("published", "topic", topic, "msg_type", msg.Type, "receivers", receivers)
	return nil
}

// Subscribe blocks until Redis confirms the subscription, so a publish made
// after it returns is never missed.
func (ps *RedisPubSub) Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error) {
	if topic == "" {
		return nil, ErrEmptyTopic
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed {
		return nil, ErrClosed
	}

	rsub := ps.client.Subscribe(ctx, channelFor(topic))
	if _, err := rsub.Receive(ctx); err != nil {
		_ = rsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &redisSubscription{
		ps:      ps,
		topic:   topic,
		rsub:    rsub,
		handler: handler,
		cancel:  cancel,
	}
	ps.subs[sub] = struct{}{}

	go sub.receive(subCtx, ps.logger)

	ps.logger.Debug("subscribed", "topic", topic)
	return sub, nil
}

// receive runs the handler inline so one subscription observes channel order
func (s *redisSubscription) receive(ctx context.Context, logger *slog.Logger) {
	ch := s.rsub.Channel(
		redis.WithChannelSize(queueSize),
		redis.WithChannelHealthCheckInterval(healthCheckInterval),
	)
	for {
		select {
		case <-ctx.Done():
			return
		case rm, ok := <-ch:
			if !ok {
				return
			}
			var msg Message
			if err := json.Unmarshal([]byte(rm.Payload), &msg); err != nil {
				logger.Warn("dropping undecodable message", "topic", topicFor(rm.Channel), "error", err)
				continue
			}
			if msg.Topic == "" {
				msg.Topic = topicFor(rm.Channel)
			}
			s.handler(ctx, &msg)
		}
	}
}

// Ping checks the Redis connection
func (ps *RedisPubSub) Ping(ctx context.Context) error {
	if ps.isClosed() {
		return ErrClosed
	}
	if err := ps.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (ps *RedisPubSub) forget(s *redisSubscription) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	delete(ps.subs, s)
}

// Close ends every subscription and the client. Safe to call more than once.
func (ps *RedisPubSub) Close() error {
	ps.mu.Lock()
	if ps.closed {
		ps.mu.Unlock()
		return nil
	}
	ps.closed = true
	subs := make([]*redisSubscription, 0, len(ps.subs))
	for s := range ps.subs {
		subs = append(subs, s)
	}
	ps.subs = make(map[*redisSubscription]struct{})
	ps.mu.Unlock()

	for _, s := range subs {
		s.once.Do(func() {
			if err := s.stop(); err != nil {
				ps.logger.Warn("closing subscription failed", "topic", s.topic, "error", err)
			}
		})
	}

	if err := ps.client.Close(); err != nil {
		return fmt.Errorf("failed to close redis client: %w", err)
	}
	ps.logger.Info("redis pubsub closed", "subscriptions", len(subs))
	return nil
}
