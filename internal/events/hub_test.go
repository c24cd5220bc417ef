package events

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/qsmgw/internal/session"
)

func TestHubRingOverwritesOldest(t *testing.T) {
	h := NewHub(3)
	for i := 0; i < 5; i++ {
		h.Publish("tick", map[string]int{"n": i})
	}

	snap := h.SnapshotSince(0)
	require.Len(t, snap, 3)
	assert.Equal(t, int64(3), snap[0].ID)
	assert.Equal(t, int64(5), snap[2].ID)

	since := h.SnapshotSince(4)
	require.Len(t, since, 1)
	assert.Equal(t, int64(5), since[0].ID)
}

func TestHubSubscribe(t *testing.T) {
	h := NewHub(8)
	ch, cancel := h.Subscribe()
	assert.Equal(t, 1, h.Subscribers())

	ev := h.Publish("session.created", SessionEvent{SessionID: "abc", Status: "pending"})
	got := <-ch
	assert.Equal(t, ev.ID, got.ID)

	var payload SessionEvent
	require.NoError(t, json.Unmarshal(got.Data, &payload))
	assert.Equal(t, "abc", payload.SessionID)

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, h.Subscribers())
}

func TestHubSlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(4)
	_, cancel := h.Subscribe()
	defer cancel()
	for i := 0; i < subscriberBuffer*2; i++ {
		h.Publish("tick", nil)
	}
	assert.Len(t, h.SnapshotSince(0), 4)
}

func TestSessionFeedPublishesStatusChanges(t *testing.T) {
	h := NewHub(16)
	feed := NewSessionFeed(h)
	ctx := context.Background()

	s := session.Session{ID: "s1", Status: session.StatusPending}
	require.NoError(t, feed.Record(ctx, s))
	s.Status = session.StatusRunning
	require.NoError(t, feed.Record(ctx, s))
	s.RootA = "/x"
	require.NoError(t, feed.Record(ctx, s)) // no status change
	s.Cancelled = true
	require.NoError(t, feed.Record(ctx, s))
	s.Status = session.StatusStopped
	require.NoError(t, feed.Record(ctx, s))

	var types []string
	for _, ev := range h.SnapshotSince(0) {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{"session.created", "session.running", "session.cancelled", "session.stopped"}, types)
}

func TestSessionFeedRestoredTerminal(t *testing.T) {
	h := NewHub(4)
	feed := NewSessionFeed(h)
	require.NoError(t, feed.Record(context.Background(), session.Session{ID: "e", Status: session.StatusError, Error: "no data root"}))

	snap := h.SnapshotSince(0)
	require.Len(t, snap, 1)
	assert.Equal(t, "session.error", snap[0].Type)
}
