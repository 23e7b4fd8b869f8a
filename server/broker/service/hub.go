package service

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"support_broker/server/broker/domain"
	commonlog "support_broker/server/common/log"
)

const (
	hubEventsChannel      = "broker:events"
	hubShardCount         = 32
	defaultSubscriberBuf  = 64
	degradedAfterFailures = 3
)

var (
	// ErrSubscriptionLagged closes a subscriber whose buffer overflowed. The
	// client is expected to resubscribe and re-fetch canonical state.
	ErrSubscriptionLagged = errors.New("subscription lagged")
	ErrSubscriptionClosed = errors.New("subscription closed")
)

type Subscription struct {
	hub    *Hub
	topic  string
	events chan domain.Event
	done   chan struct{}
	once   sync.Once
	err    error
	accept func(eventType string) bool
}

// C yields events in publish order. It is never closed; select on Done too.
func (s *Subscription) C() <-chan domain.Event {
	return s.events
}

func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err is ErrSubscriptionLagged or ErrSubscriptionClosed once Done is closed.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *Subscription) Topic() string {
	return s.topic
}

func (s *Subscription) Close() {
	s.hub.remove(s, ErrSubscriptionClosed)
}

func (s *Subscription) terminate(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

type hubShard struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
}

// Hub fans events out to topic subscribers. Topics are spread over shards
// so unrelated sessions never contend on one lock. With Redis attached,
// events cross instances through a single Pub/Sub channel.
type Hub struct {
	shards    [hubShardCount]*hubShard
	bufSize   int
	mu        sync.Mutex
	redis     *redis.Client
	subCancel context.CancelFunc
	subDone   chan struct{}
	bridged   atomic.Bool
}

type hubEvent struct {
	Topic string       `json:"topic"`
	Event domain.Event `json:"event"`
}

func NewHub(bufSize int) *Hub {
	if bufSize <= 0 {
		bufSize = defaultSubscriberBuf
	}
	h := &Hub{bufSize: bufSize}
	for i := range h.shards {
		h.shards[i] = &hubShard{topics: map[string]map[*Subscription]struct{}{}}
	}
	return h
}

func (h *Hub) shard(topic string) *hubShard {
	f := fnv.New32a()
	_, _ = f.Write([]byte(topic))
	return h.shards[f.Sum32()%hubShardCount]
}

func (h *Hub) Subscribe(topic string) *Subscription {
	return h.SubscribeFiltered(topic, nil)
}

// SubscribeFiltered only buffers events whose type passes accept, so skipped
// traffic on a shared topic never counts against the subscriber's buffer.
func (h *Hub) SubscribeFiltered(topic string, accept func(eventType string) bool) *Subscription {
	sub := &Subscription{
		hub:    h,
		topic:  topic,
		events: make(chan domain.Event, h.bufSize),
		done:   make(chan struct{}),
		accept: accept,
	}
	sh := h.shard(topic)
	sh.mu.Lock()
	if _, ok := sh.topics[topic]; !ok {
		sh.topics[topic] = map[*Subscription]struct{}{}
	}
	sh.topics[topic][sub] = struct{}{}
	sh.mu.Unlock()
	return sub
}

func (h *Hub) remove(sub *Subscription, reason error) {
	sh := h.shard(sub.topic)
	sh.mu.Lock()
	if subs, ok := sh.topics[sub.topic]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(sh.topics, sub.topic)
		}
	}
	sh.mu.Unlock()
	sub.terminate(reason)
}

// SubscriberCount is used by health output and tests.
func (h *Hub) SubscriberCount(topic string) int {
	sh := h.shard(topic)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return len(sh.topics[topic])
}

func (h *Hub) UseRedis(client *redis.Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.redis = client
}

// Publish is best effort: failures are logged and never surfaced to the
// operation that produced the event.
func (h *Hub) Publish(ctx context.Context, event domain.Event) {
	h.mu.Lock()
	redisClient := h.redis
	h.mu.Unlock()

	if redisClient == nil {
		h.deliverLocal(event)
		return
	}

	b, err := json.Marshal(hubEvent{Topic: event.Topic, Event: event})
	if err != nil {
		commonlog.Errorf("event=broker_hub action=publish status=failed type=%s topic=%s error=%v", event.Type, event.Topic, err)
		h.deliverLocal(event)
		return
	}
	published := redisClient.Publish(ctx, hubEventsChannel, b).Err() == nil
	// Without a healthy subscription this instance would never see its own
	// event come back, so deliver it directly.
	if !published || !h.bridged.Load() {
		fanout := h.deliverLocal(event)
		commonlog.Debugf("event=broker_hub action=fallback_dispatch type=%s topic=%s published=%t fanout_count=%d", event.Type, event.Topic, published, fanout)
	}
}

// Emit publishes one event per topic with a shared payload.
func (h *Hub) Emit(ctx context.Context, eventType string, payload any, topics ...string) {
	for _, topic := range topics {
		event, err := domain.NewEvent(eventType, topic, payload)
		if err != nil {
			commonlog.Errorf("event=broker_hub action=encode status=failed type=%s topic=%s error=%v", eventType, topic, err)
			return
		}
		h.Publish(ctx, event)
	}
}

func (h *Hub) deliverLocal(event domain.Event) int {
	sh := h.shard(event.Topic)
	sh.mu.RLock()
	subs := make([]*Subscription, 0, len(sh.topics[event.Topic]))
	for sub := range sh.topics[event.Topic] {
		subs = append(subs, sub)
	}
	sh.mu.RUnlock()

	delivered := 0
	for _, sub := range subs {
		if sub.accept != nil && !sub.accept(event.Type) {
			continue
		}
		select {
		case <-sub.done:
			continue
		default:
		}
		select {
		case sub.events <- event:
			delivered++
		default:
			commonlog.Warnf("event=broker_hub action=drop_subscriber reason=lagged topic=%s", sub.topic)
			h.remove(sub, ErrSubscriptionLagged)
		}
	}
	return delivered
}

func (h *Hub) StartRedisSubscriber(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.redis == nil {
		return errors.New("redis client is nil")
	}
	if h.subCancel != nil {
		return nil
	}
	subCtx, cancel := context.WithCancel(ctx)
	h.subCancel = cancel
	h.subDone = make(chan struct{})
	go h.consumeEvents(subCtx, h.redis, h.subDone)
	return nil
}

func (h *Hub) StopRedisSubscriber() {
	h.mu.Lock()
	cancel, done := h.subCancel, h.subDone
	h.subCancel, h.subDone = nil, nil
	h.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// consumeEvents keeps a Pub/Sub subscription alive, resubscribing with
// exponential backoff. Degraded mode is logged once per outage.
func (h *Hub) consumeEvents(ctx context.Context, client *redis.Client, done chan struct{}) {
	defer close(done)
	defer h.bridged.Store(false)

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0
	policy.MaxInterval = 30 * time.Second
	failures := 0

	for ctx.Err() == nil {
		sub := client.Subscribe(ctx, hubEventsChannel)
		if _, err := sub.Receive(ctx); err != nil {
			_ = sub.Close()
			failures++
			if failures == degradedAfterFailures {
				commonlog.Errorf("event=broker_hub action=subscribe status=degraded failures=%d error=%v", failures, err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(policy.NextBackOff()):
			}
			continue
		}
		if failures >= degradedAfterFailures {
			commonlog.Infof("event=broker_hub action=subscribe status=recovered failures=%d", failures)
		}
		failures = 0
		policy.Reset()
		h.bridged.Store(true)
		h.drain(ctx, sub)
		h.bridged.Store(false)
		_ = sub.Close()
	}
}

func (h *Hub) drain(ctx context.Context, sub *redis.PubSub) {
	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				commonlog.Warnf("event=broker_hub action=consume status=interrupted error=%v", err)
			}
			return
		}
		var event hubEvent
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			commonlog.Warnf("event=broker_hub action=consume status=invalid_payload error=%v", err)
			continue
		}
		if event.Event.Topic == "" {
			event.Event.Topic = event.Topic
		}
		h.deliverLocal(event.Event)
	}
}
