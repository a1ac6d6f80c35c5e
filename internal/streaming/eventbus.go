package streaming

import (
	"context"
	"strconv"
	"sync"

	"apkscore-lab/internal/domain/models"
	"apkscore-lab/internal/domain/services"
	"apkscore-lab/pkg/logger"
)

// EventBus fans score events out to local subscribers and, when connected,
// to NATS. It never fails a caller because of a slow or absent consumer.
type EventBus struct {
	nats   *NATSPublisher
	logger *logger.Logger

	mu          sync.RWMutex
	subscribers map[string]*subscriber
	nextID      int
}

type subscriber struct {
	ch  chan *ScoreEvent
	sub *Subscription
}

var _ services.ScoreEvents = (*EventBus)(nil)

// NewEventBus creates a new event bus; nats may be nil
func NewEventBus(nats *NATSPublisher, log *logger.Logger) *EventBus {
	return &EventBus{
		nats:        nats,
		logger:      log.WithComponent("event-bus"),
		subscribers: make(map[string]*subscriber),
	}
}

// PublishScored implements services.ScoreEvents
func (eb *EventBus) PublishScored(ctx context.Context, res *models.AnalysisResult) error {
	return eb.Publish(ctx, NewScoredEvent(res))
}

// PublishFailed implements services.ScoreEvents
func (eb *EventBus) PublishFailed(ctx context.Context, name string, kind services.FailureKind, cause error) error {
	return eb.Publish(ctx, NewFailedEvent(name, string(kind), cause))
}

// Publish forwards an event to NATS and every matching local subscriber
func (eb *EventBus) Publish(ctx context.Context, event *ScoreEvent) error {
	if eb.nats != nil && eb.nats.IsConnected() {
		if err := eb.nats.Publish(ctx, event); err != nil {
			eb.logger.Warn().Err(err).Msg("failed to publish to NATS, using local broadcast only")
		}
	}

	eb.mu.RLock()
	defer eb.mu.RUnlock()

	for id, s := range eb.subscribers {
		if !s.sub.Matches(event) {
			continue
		}
		select {
		case s.ch <- event:
		default:
			eb.logger.Debug().Str("subscriber", id).Msg("subscriber channel full, dropping event")
		}
	}
	return nil
}

// Subscribe registers a local subscriber and returns its channel and an
// unsubscribe func
func (eb *EventBus) Subscribe(sub *Subscription) (<-chan *ScoreEvent, func()) {
	eb.mu.Lock()
	eb.nextID++
	id := strconv.Itoa(eb.nextID)
	s := &subscriber{ch: make(chan *ScoreEvent, 100), sub: sub}
	eb.subscribers[id] = s
	eb.mu.Unlock()

	eb.logger.Debug().Str("subscriber_id", id).Msg("new subscriber")

	unsubscribe := func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		if _, ok := eb.subscribers[id]; ok {
			close(s.ch)
			delete(eb.subscribers, id)
			eb.logger.Debug().Str("subscriber_id", id).Msg("subscriber removed")
		}
	}
	return s.ch, unsubscribe
}

// SubscriberCount returns the number of active subscribers
func (eb *EventBus) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subscribers)
}

// Close closes every subscriber and the NATS connection
func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for id, s := range eb.subscribers {
		close(s.ch)
		delete(eb.subscribers, id)
	}

	if eb.nats != nil {
		eb.nats.Close()
	}
}
