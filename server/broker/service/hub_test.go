package service

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"support_broker/server/broker/domain"
)

func recvEvent(t *testing.T, sub *Subscription) domain.Event {
	t.Helper()
	select {
	case ev := <-sub.C():
		return ev
	case <-time.After(time.Second):
		t.Fatalf("no event on %s", sub.Topic())
		return domain.Event{}
	}
}

func assertNoEvent(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ev := <-sub.C():
		t.Fatalf("unexpected event %s on %s", ev.Type, sub.Topic())
	default:
	}
}

func TestHubDeliversOnlyToTopic(t *testing.T) {
	hub := NewHub(4)
	a := hub.Subscribe("session:a")
	b := hub.Subscribe("session:b")
	defer a.Close()
	defer b.Close()

	hub.Emit(context.Background(), domain.EventMessageCreated, map[string]string{"id": "m1"}, "session:a")

	ev := recvEvent(t, a)
	assert.Equal(t, domain.EventMessageCreated, ev.Type)
	assert.Equal(t, "session:a", ev.Topic)
	assert.JSONEq(t, `{"id":"m1"}`, string(ev.Payload))
	assertNoEvent(t, b)
}

func TestHubPreservesPublishOrder(t *testing.T) {
	hub := NewHub(16)
	sub := hub.Subscribe("session:x")
	defer sub.Close()

	for i := 0; i < 10; i++ {
		hub.Emit(context.Background(), domain.EventMessageCreated, i, "session:x")
	}
	for i := 0; i < 10; i++ {
		ev := recvEvent(t, sub)
		assert.JSONEq(t, strconv.Itoa(i), string(ev.Payload))
	}
}

func TestHubDropsLaggingSubscriber(t *testing.T) {
	hub := NewHub(2)
	slow := hub.Subscribe("operators")
	fast := hub.Subscribe("operators")
	defer fast.Close()

	for i := 0; i < 3; i++ {
		hub.Emit(context.Background(), domain.EventSessionUpdated, i, domain.OperatorsTopic)
		<-fast.C()
	}

	select {
	case <-slow.Done():
	case <-time.After(time.Second):
		t.Fatal("slow subscriber was not dropped")
	}
	assert.ErrorIs(t, slow.Err(), ErrSubscriptionLagged)
	assert.NoError(t, fast.Err())
	assert.Equal(t, 1, hub.SubscriberCount(domain.OperatorsTopic))
}

func TestSubscriptionClose(t *testing.T) {
	hub := NewHub(0)
	sub := hub.Subscribe("user:u1")
	require.Equal(t, 1, hub.SubscriberCount("user:u1"))
	assert.NoError(t, sub.Err())

	sub.Close()
	sub.Close()

	assert.ErrorIs(t, sub.Err(), ErrSubscriptionClosed)
	assert.Equal(t, 0, hub.SubscriberCount("user:u1"))
	hub.Emit(context.Background(), domain.EventNotificationCreated, "x", "user:u1")
	assertNoEvent(t, sub)
}

func TestStartRedisSubscriberRequiresClient(t *testing.T) {
	hub := NewHub(0)
	assert.Error(t, hub.StartRedisSubscriber(context.Background()))
	hub.StopRedisSubscriber()
}

func TestFilteredSubscriptionSkipsOtherEvents(t *testing.T) {
	hub := NewHub(2)
	sub := hub.SubscribeFiltered("user:u1", domain.IsNotificationEvent)
	defer sub.Close()

	for i := 0; i < 5; i++ {
		hub.Emit(context.Background(), domain.EventSessionUpdated, i, "user:u1")
	}
	hub.Emit(context.Background(), domain.EventNotificationCreated, "n1", "user:u1")

	assert.Equal(t, domain.EventNotificationCreated, recvEvent(t, sub).Type)
	assertNoEvent(t, sub)
	assert.NoError(t, sub.Err())
}
