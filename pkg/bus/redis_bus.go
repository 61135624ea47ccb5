package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"bizagent/pkg/logger"
)

// RedisBus fans activities out over Redis pub/sub so every gateway
// instance sees them. Each activity kind is its own channel under prefix.
type RedisBus struct {
	log    *logger.Logger
	client *redis.Client
	prefix string

	handlers map[Kind][]Handler
	mu       sync.RWMutex

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Pub/Sub
	pubsub *redis.PubSub

	// Metrics
	published   uint64
	delivered   uint64
	errors      uint64
	metricsLock sync.RWMutex
}

// RedisBusConfig configures the Redis bus.
type RedisBusConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedisBus connects to Redis and returns a bus ready to start.
func NewRedisBus(log *logger.Logger, cfg *RedisBusConfig) (*RedisBus, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "bizagent:bus:"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to Redis: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	b := &RedisBus{
		log:      log,
		client:   client,
		prefix:   cfg.Prefix,
		handlers: make(map[Kind][]Handler),
		ctx:      ctx,
		cancel:   cancel,
	}

	log.Info("Redis bus initialized",
		zap.String("addr", cfg.Addr),
		zap.Int("db", cfg.DB),
		zap.String("prefix", cfg.Prefix))

	return b, nil
}

// Start subscribes to every activity channel under the prefix.
func (b *RedisBus) Start() error {
	b.log.Info("Starting Redis activity bus")

	b.pubsub = b.client.PSubscribe(b.ctx, b.prefix+"*")
	if _, err := b.pubsub.Receive(b.ctx); err != nil {
		return fmt.Errorf("subscribing to Redis: %w", err)
	}

	b.wg.Add(1)
	go b.processMessages()

	return nil
}

// Stop stops the Redis bus.
func (b *RedisBus) Stop() error {
	b.log.Info("Stopping Redis activity bus")

	b.cancel()

	if b.pubsub != nil {
		_ = b.pubsub.Close()
	}

	b.wg.Wait()

	_ = b.client.Close()

	b.log.Info("Redis activity bus stopped")
	return nil
}

// Subscribe registers a handler for a kind.
func (b *RedisBus) Subscribe(kind Kind, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[kind] = append(b.handlers[kind], handler)
	b.log.Debug("Subscribed handler", zap.String("kind", string(kind)))
}

// Unsubscribe removes all handlers for a kind.
func (b *RedisBus) Unsubscribe(kind Kind) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.handlers, kind)
}

// Publish sends an activity to its kind channel.
func (b *RedisBus) Publish(activity *Activity) error {
	if activity == nil {
		return fmt.Errorf("activity is nil")
	}
	prepare(activity)

	data, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("marshaling activity: %w", err)
	}

	if err := b.client.Publish(b.ctx, b.channel(activity.Kind), data).Err(); err != nil {
		return fmt.Errorf("publishing to Redis: %w", err)
	}

	b.incrementPublished()
	return nil
}

// GetMetrics returns current bus metrics.
func (b *RedisBus) GetMetrics() map[string]uint64 {
	b.metricsLock.RLock()
	defer b.metricsLock.RUnlock()

	return map[string]uint64{
		"published": b.published,
		"delivered": b.delivered,
		"errors":    b.errors,
	}
}

func (b *RedisBus) channel(kind Kind) string {
	return b.prefix + string(kind)
}

func (b *RedisBus) processMessages() {
	defer b.wg.Done()

	ch := b.pubsub.Channel()

	for {
		select {
		case redisMsg, ok := <-ch:
			if !ok {
				return
			}
			b.handleRedisMessage(redisMsg)

		case <-b.ctx.Done():
			return
		}
	}
}

func (b *RedisBus) handleRedisMessage(redisMsg *redis.Message) {
	if !strings.HasPrefix(redisMsg.Channel, b.prefix) {
		b.log.Warn("Unknown channel format", zap.String("channel", redisMsg.Channel))
		return
	}

	var activity Activity
	if err := json.Unmarshal([]byte(redisMsg.Payload), &activity); err != nil {
		b.log.Error("Failed to unmarshal activity", zap.Error(err))
		b.incrementErrors()
		return
	}

	b.mu.RLock()
	handlers := handlersFor(b.handlers, activity.Kind)
	b.mu.RUnlock()

	for _, handler := range handlers {
		if err := handler(b.ctx, &activity); err != nil {
			b.incrementErrors()
			b.log.Error("Activity handler error",
				zap.String("kind", string(activity.Kind)),
				zap.String("activity_id", activity.ID),
				zap.Error(err))
			continue
		}
		b.incrementDelivered()
	}
}

func (b *RedisBus) incrementPublished() {
	b.metricsLock.Lock()
	b.published++
	b.metricsLock.Unlock()
}

func (b *RedisBus) incrementDelivered() {
	b.metricsLock.Lock()
	b.delivered++
	b.metricsLock.Unlock()
}

func (b *RedisBus) incrementErrors() {
	b.metricsLock.Lock()
	b.errors++
	b.metricsLock.Unlock()
}
