package events

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusRing(t *testing.T) {
	b := NewBus(3)
	assert.Nil(t, b.Recent())

	b.Publish(Event{Type: EventAnnounce, Message: "one"})
	b.Publish(Event{Type: EventHeartBeat, Message: "two"})

	recent := b.Recent()
	require.Len(t, recent, 2)
	assert.Equal(t, "one", recent[0].Message)
	assert.Equal(t, "two", recent[1].Message)
	assert.False(t, recent[0].Timestamp.IsZero(), "publish stamps events")

	// Overflowing the ring drops the oldest entries.
	for i := range 4 {
		b.Publish(Event{Type: EventHeartBeat, Message: fmt.Sprintf("n%d", i)})
	}
	recent = b.Recent()
	require.Len(t, recent, 3)
	assert.Equal(t, []string{"n1", "n2", "n3"},
		[]string{recent[0].Message, recent[1].Message, recent[2].Message})
}

func TestBusSubscribe(t *testing.T) {
	b := NewBus(10)
	b.Publish(Event{Type: EventAnnounce, Message: "history"})

	id, ch, recent := b.Subscribe()
	require.Len(t, recent, 1)
	assert.Equal(t, "history", recent[0].Message)

	b.Publish(Event{Type: EventTradeSent, SteamID: 1, Partner: 2, Message: "live"})
	got := <-ch
	assert.Equal(t, EventTradeSent, got.Type)
	assert.EqualValues(t, 2, got.Partner)

	b.Unsubscribe(id)
	_, open := <-ch
	assert.False(t, open, "unsubscribe closes the channel")
}

func TestBusSlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBus(10)
	_, ch, _ := b.Subscribe()

	// Overrun the subscriber buffer; Publish must not block.
	for i := range 100 {
		b.Publish(Event{Type: EventHeartBeat, Message: fmt.Sprintf("n%d", i)})
	}
	assert.Len(t, ch, 64, "excess events are dropped, not queued")
	assert.Len(t, b.Recent(), 10)
}
