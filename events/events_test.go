package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBus(t *testing.T) {
	bus := NewEventBus()

	id, ch := bus.Subscribe()
	assert.Equal(t, 1, bus.GetTotalSubscriptions())
	assert.True(t, bus.HasSubscriber(id))

	go bus.Publish(NewBlockFinalized(7, "abc", 3))

	select {
	case ev := <-ch:
		assert.Equal(t, EventBlockFinalized, ev.Type())
		assert.Equal(t, uint64(7), ev.Height())
		assert.Equal(t, "abc", ev.Hash())
		assert.Equal(t, 3, ev.Fields()["txs"])
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	require.True(t, bus.Unsubscribe(id))
	assert.False(t, bus.Unsubscribe(id))
	assert.Equal(t, 0, bus.GetTotalSubscriptions())
}

func TestPublishDoesNotBlockOnFullSubscriber(t *testing.T) {
	bus := NewEventBus()
	_, _ = bus.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			bus.Publish(NewTransactionAccepted("tx", "s"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked")
	}
}

func TestEmitNilPublisher(t *testing.T) {
	assert.NotPanics(t, func() { Emit(nil, NewRoundStarted(1, 0, "p")) })
	var bus *EventBus
	assert.NotPanics(t, func() { bus.Publish(NewRoundStarted(1, 0, "p")) })
}

func TestFormat(t *testing.T) {
	line := Format(NewRoundTimedOut(4, 2, "PREPARE"))
	assert.Equal(t, "RoundTimedOut | height=4 | round=2 | step=PREPARE", line)
}
