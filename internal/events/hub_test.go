package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubRingKeepsNewest(t *testing.T) {
	h := NewHub(3)
	for i := 0; i < 5; i++ {
		h.Publish(TypeProcessed, map[string]int{"n": i})
	}

	all := h.Since(0)
	require.Len(t, all, 3)
	assert.Equal(t, int64(3), all[0].ID)
	assert.Equal(t, int64(5), all[2].ID)

	var data map[string]int
	require.NoError(t, json.Unmarshal(all[2].Data, &data))
	assert.Equal(t, 4, data["n"])

	assert.Len(t, h.Since(4), 1)
	assert.Empty(t, h.Since(5))
}

func TestHubSubscribe(t *testing.T) {
	h := NewHub(8)
	ch, cancel := h.Subscribe()

	h.Publish(TypeRejected, nil)
	select {
	case ev := <-ch:
		assert.Equal(t, TypeRejected, ev.Type)
		assert.Equal(t, "{}", string(ev.Data))
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)

	// Publishing after cancel must not panic on the closed channel.
	h.Publish(TypeDuplicate, nil)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(4)
	_, cancel := h.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*2; i++ {
			h.Publish(TypeProcessed, nil)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a full subscriber")
	}
}

func TestNilHubIsNoop(t *testing.T) {
	var h *Hub
	h.Publish(TypeProcessed, nil)
}
