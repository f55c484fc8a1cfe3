package bridge

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"
)

func TestAcceptDeduplicates(t *testing.T) {
	b := New("serverpub", nil)
	require.True(t, b.accept("ev1"))
	require.False(t, b.accept("ev1"), "same id from a second relay is dropped")
	require.True(t, b.accept("ev2"))
}

func TestPublishFallsBackToBacklog(t *testing.T) {
	b := New("serverpub", nil)
	send := make(chan nostr.Event, 1)
	b.sends = []chan nostr.Event{send}

	b.Publish(nostr.Event{ID: "first"})
	b.Publish(nostr.Event{ID: "second"}) //queue full, goes to backlog

	require.Len(t, send, 1)
	b.drainBacklog(send)
	require.Len(t, send, 1, "backlog waits while the queue is full")

	got := <-send
	require.Equal(t, "first", got.ID)
	b.drainBacklog(send)
	got = <-send
	require.Equal(t, "second", got.ID)
}

func TestPublishWithNoRelaysKeepsEvents(t *testing.T) {
	b := New("serverpub", nil)
	b.Publish(nostr.Event{ID: "orphan"})

	send := make(chan nostr.Event, 4)
	b.drainBacklog(send)
	require.Len(t, send, 1)
}
