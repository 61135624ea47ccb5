package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bizagent/pkg/logger"
)

// LocalBus is an in-process activity bus backed by a buffered channel.
type LocalBus struct {
	log      *logger.Logger
	handlers map[Kind][]Handler
	mu       sync.RWMutex

	queue  chan *Activity
	closed bool
	sendMu sync.RWMutex

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Metrics
	published   uint64
	delivered   uint64
	errors      uint64
	metricsLock sync.RWMutex
}

// NewLocalBus creates a new local activity bus.
func NewLocalBus(log *logger.Logger, bufferSize int) *LocalBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &LocalBus{
		log:      log,
		handlers: make(map[Kind][]Handler),
		queue:    make(chan *Activity, bufferSize),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start starts the delivery loop.
func (b *LocalBus) Start() error {
	b.log.Info("Starting activity bus")

	b.wg.Add(1)
	go b.process()

	return nil
}

// Stop cancels delivery and waits for the loop to exit. Queued activities
// that were not yet dispatched are dropped.
func (b *LocalBus) Stop() error {
	b.log.Info("Stopping activity bus")

	b.cancel()

	b.sendMu.Lock()
	if !b.closed {
		b.closed = true
		close(b.queue)
	}
	b.sendMu.Unlock()

	b.wg.Wait()

	b.log.Info("Activity bus stopped")
	return nil
}

// Subscribe registers a handler for a kind.
func (b *LocalBus) Subscribe(kind Kind, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[kind] = append(b.handlers[kind], handler)
	b.log.Debug("Subscribed handler", zap.String("kind", string(kind)))
}

// Unsubscribe removes all handlers for a kind.
func (b *LocalBus) Unsubscribe(kind Kind) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.handlers, kind)
}

// Publish queues an activity. It fails once the bus is stopped or when the
// queue stays full for five seconds.
func (b *LocalBus) Publish(activity *Activity) error {
	if activity == nil {
		return fmt.Errorf("activity is nil")
	}
	prepare(activity)

	b.sendMu.RLock()
	defer b.sendMu.RUnlock()
	if b.closed {
		return fmt.Errorf("bus is shutting down")
	}

	select {
	case b.queue <- activity:
		b.incrementPublished()
		return nil
	case <-b.ctx.Done():
		return fmt.Errorf("bus is shutting down")
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timeout publishing activity")
	}
}

func (b *LocalBus) process() {
	defer b.wg.Done()

	for {
		select {
		case activity, ok := <-b.queue:
			if !ok {
				return
			}
			b.dispatch(activity)

		case <-b.ctx.Done():
			return
		}
	}
}

func (b *LocalBus) dispatch(activity *Activity) {
	b.mu.RLock()
	handlers := handlersFor(b.handlers, activity.Kind)
	b.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	b.log.Debug("Dispatching activity",
		zap.String("kind", string(activity.Kind)),
		zap.String("activity_id", activity.ID),
		zap.String("session_id", activity.SessionID))

	for _, handler := range handlers {
		if err := handler(b.ctx, activity); err != nil {
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

// GetMetrics returns current bus metrics.
func (b *LocalBus) GetMetrics() map[string]uint64 {
	b.metricsLock.RLock()
	defer b.metricsLock.RUnlock()

	return map[string]uint64{
		"published": b.published,
		"delivered": b.delivered,
		"errors":    b.errors,
	}
}

func (b *LocalBus) incrementPublished() {
	b.metricsLock.Lock()
	b.published++
	b.metricsLock.Unlock()
}

func (b *LocalBus) incrementDelivered() {
	b.metricsLock.Lock()
	b.delivered++
	b.metricsLock.Unlock()
}

func (b *LocalBus) incrementErrors() {
	b.metricsLock.Lock()
	b.errors++
	b.metricsLock.Unlock()
}

func prepare(activity *Activity) {
	if activity.ID == "" {
		activity.ID = uuid.NewString()
	}
	if activity.Timestamp.IsZero() {
		activity.Timestamp = time.Now().UTC()
	}
}
