package eventbus

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToAllSubscribersInOrder(t *testing.T) {
	bus := New(nil)

	var mu sync.Mutex
	var order []int

	bus.Subscribe(StockUpdated, func(e Event) {
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
	})
	bus.Subscribe(StockUpdated, func(e Event) {
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
	})

	bus.Publish(Event{Type: StockUpdated, Payload: 42})

	require.Equal(t, []int{1, 2}, order, "expected subscribers called in registration order")
}

func TestPublishDoesNotCrossEventTypes(t *testing.T) {
	bus := New(nil)

	called := false
	bus.Subscribe(SyncFailed, func(e Event) { called = true })

	bus.Publish(Event{Type: SyncCompleted})

	assert.False(t, called, "subscriber to sync:failed should not receive sync:completed")
}

func TestPublishRecoversFromPanickingSubscriber(t *testing.T) {
	bus := New(nil)

	secondCalled := false
	bus.Subscribe(AlertTriggered, func(e Event) { panic("boom") })
	bus.Subscribe(AlertTriggered, func(e Event) { secondCalled = true })

	bus.Publish(Event{Type: AlertTriggered})

	assert.True(t, secondCalled, "a panicking subscriber should not prevent later subscribers from running")
}
