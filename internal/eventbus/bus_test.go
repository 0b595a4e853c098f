package eventbus

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryBus_HandlerFanOut(t *testing.T) {
	bus := NewInMemoryBus()
	var taskCreated, total int32

	bus.AddHandler(func(e DomainEvent) {
		atomic.AddInt32(&total, 1)
	}, nil)
	bus.AddHandler(func(e DomainEvent) {
		atomic.AddInt32(&taskCreated, 1)
	}, TaskCreated{})

	bus.Publish(TaskCreated{TaskID: "t1"})
	bus.Publish(ProjectOpened{ProjectID: "p1"})

	assert.Equal(t, int32(2), atomic.LoadInt32(&total))
	assert.Equal(t, int32(1), atomic.LoadInt32(&taskCreated))
}

func TestInMemoryBus_HandlerPanicSuppressed(t *testing.T) {
	bus := NewInMemoryBus()
	var ran int32

	bus.AddHandler(func(e DomainEvent) {
		panic("boom")
	}, nil)
	bus.AddHandler(func(e DomainEvent) {
		atomic.AddInt32(&ran, 1)
	}, nil)

	assert.NotPanics(t, func() {
		bus.Publish(TaskCreated{TaskID: "t1"})
	})
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
}

func TestInMemoryBus_RemoveHandler(t *testing.T) {
	bus := NewInMemoryBus()
	var count int32
	handler := func(e DomainEvent) { atomic.AddInt32(&count, 1) }

	bus.AddHandler(handler, nil)
	bus.Publish(TaskCreated{TaskID: "t1"})
	bus.RemoveHandler(handler)
	bus.Publish(TaskCreated{TaskID: "t2"})

	assert.Equal(t, int32(1), atomic.LoadInt32(&count))
}

func TestInMemoryBus_SubscribeReceivesFutureEventsOnly(t *testing.T) {
	bus := NewInMemoryBus()
	bus.Publish(TaskCreated{TaskID: "before"})

	ch, cancel := bus.Subscribe(TaskCreated{})
	defer cancel()

	bus.Publish(TaskCreated{TaskID: "after"})
	bus.Publish(ProjectOpened{ProjectID: "ignored"})

	select {
	case e := <-ch:
		tc, ok := e.(TaskCreated)
		require.True(t, ok)
		assert.Equal(t, "after", tc.TaskID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscribed event")
	}

	select {
	case e := <-ch:
		t.Fatalf("unexpected second event: %#v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestInMemoryBus_SubscribeDropsOnFullQueue(t *testing.T) {
	bus := NewInMemoryBus()
	ch, cancel := bus.Subscribe(nil)
	defer cancel()

	for i := 0; i < subscriberQueueSize+10; i++ {
		bus.Publish(TaskCreated{TaskID: "x"})
	}

	drained := 0
	for {
		select {
		case <-ch:
			drained++
		default:
			assert.LessOrEqual(t, drained, subscriberQueueSize)
			return
		}
	}
}

func TestInMemoryBus_CancelClosesChannel(t *testing.T) {
	bus := NewInMemoryBus()
	ch, cancel := bus.Subscribe(nil)
	cancel()
	cancel() // idempotent

	_, ok := <-ch
	assert.False(t, ok)
}
