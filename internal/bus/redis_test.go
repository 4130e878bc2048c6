package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	svc, err := NewService(mr.Addr(), "")
	require.NoError(t, err)

	return svc, mr
}

func TestNewService(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	assert.NotNil(t, svc.Client())
	assert.NoError(t, svc.Ping(context.Background()))
}

func TestPublishSubscribe(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan Delivery, 1)
	var wg sync.WaitGroup
	svc.Subscribe(ctx, "room.abc", &wg, func(d Delivery) {
		received <- d
	})

	// give the subscribe goroutine time to register with miniredis
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, svc.Publish(context.Background(), "room.abc", map[string]string{"hello": "world"}))

	select {
	case d := <-received:
		assert.Equal(t, "room.abc", d.Namespace)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestConsumerMultiBind(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	consumer := svc.NewConsumer(context.Background())
	defer consumer.Close()

	require.NoError(t, consumer.Bind("room.abc"))
	require.NoError(t, consumer.Bind("participant.p1"))

	time.Sleep(50 * time.Millisecond)

	require.NoError(t, svc.Publish(context.Background(), "room.abc", "x"))
	require.NoError(t, svc.Publish(context.Background(), "participant.p1", "y"))

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case d := <-consumer.Deliveries():
			seen[d.Namespace] = true
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for delivery")
		}
	}
	assert.True(t, seen["room.abc"])
	assert.True(t, seen["participant.p1"])
}

func TestConsumerUnbind(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	consumer := svc.NewConsumer(context.Background())
	defer consumer.Close()

	require.NoError(t, consumer.Bind("room.abc"))
	time.Sleep(50 * time.Millisecond)
	consumer.Unbind("room.abc")

	require.NoError(t, svc.Publish(context.Background(), "room.abc", "x"))

	select {
	case <-consumer.Deliveries():
		t.Fatal("expected no delivery after unbind")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestPublishGracefulDegradationOnNilService(t *testing.T) {
	var svc *Service
	assert.NoError(t, svc.Publish(context.Background(), "room.abc", "x"))
	assert.NoError(t, svc.Ping(context.Background()))
	assert.NoError(t, svc.Close())
}
