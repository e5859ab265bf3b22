package network

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDispatcherOrderAndIsolation(t *testing.T) {
	d := newDispatcher(zap.NewNop(), NewMetrics(nil))

	var mu sync.Mutex
	var fast []int
	var slow []int
	release := make(chan struct{})

	d.subscribe(EventMessage, func(ev Event) {
		mu.Lock()
		fast = append(fast, ev.Payload.(int))
		mu.Unlock()
	})
	d.subscribe(EventMessage, func(ev Event) {
		<-release
		mu.Lock()
		slow = append(slow, ev.Payload.(int))
		mu.Unlock()
	})

	for i := 0; i < 20; i++ {
		d.publish(EventMessage, i)
	}

	// the blocked subscriber must not hold up the other one
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fast) == 20
	}, time.Second, time.Millisecond)

	close(release)
	d.close()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(slow) == 20
	}, time.Second, time.Millisecond)

	for i := 0; i < 20; i++ {
		assert.Equal(t, i, fast[i])
		assert.Equal(t, i, slow[i])
	}
}

func TestDispatcherKindsAndUnsubscribe(t *testing.T) {
	d := newDispatcher(zap.NewNop(), NewMetrics(nil))
	defer d.close()

	got := make(chan Event, 10)
	unsubscribe := d.subscribe(EventReceipt, func(ev Event) { got <- ev })

	d.publish(EventMessage, "ignored")
	d.publish(EventReceipt, "r1")
	select {
	case ev := <-got:
		assert.Equal(t, EventReceipt, ev.Kind)
		assert.Equal(t, "r1", ev.Payload)
		assert.False(t, ev.Time.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	unsubscribe()
	unsubscribe()
	d.publish(EventReceipt, "r2")
	select {
	case ev := <-got:
		t.Fatalf("unexpected event after unsubscribe: %v", ev.Payload)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestDispatcherRecoversPanics(t *testing.T) {
	d := newDispatcher(zap.NewNop(), NewMetrics(nil))
	defer d.close()

	got := make(chan int, 2)
	d.subscribe(EventError, func(ev Event) {
		if ev.Payload.(int) == 0 {
			panic("boom")
		}
		got <- ev.Payload.(int)
	})
	d.publish(EventError, 0)
	d.publish(EventError, 1)

	select {
	case v := <-got:
		assert.Equal(t, 1, v)
	case <-time.After(time.Second):
		t.Fatal("subscriber stopped after panic")
	}
}

func TestDispatcherClosed(t *testing.T) {
	d := newDispatcher(zap.NewNop(), NewMetrics(nil))
	d.close()
	d.close()

	called := make(chan struct{}, 1)
	unsubscribe := d.subscribe(EventMessage, func(Event) { called <- struct{}{} })
	d.publish(EventMessage, 1)
	unsubscribe()

	select {
	case <-called:
		t.Fatal("closed dispatcher delivered an event")
	case <-time.After(20 * time.Millisecond):
	}
}
