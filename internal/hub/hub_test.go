package hub

import (
	"context"
	"testing"
	"time"

	"github.com/DoyleJ11/chess-duel-relay/internal/rules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countRooms returns -1 if the hub does not answer in time.
func countRooms(h *Hub) int {
	reply := make(chan int, 1)
	h.Inbox() <- CountRooms{Reply: reply}
	select {
	case n := <-reply:
		return n
	case <-time.After(200 * time.Millisecond):
		return -1
	}
}

func newTestHub(t *testing.T, grace time.Duration) *Hub {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewHub(ctx, rules.New(), Options{GracePeriod: grace})
}

func TestHub_Ensure_Get_SamePointer(t *testing.T) {
	h := newTestHub(t, time.Minute)
	ctx := context.Background()

	lb1, err := h.Acquire(ctx, "ZED123")
	require.NoError(t, err)
	lb2, err := h.Get(ctx, "ZED123")
	require.NoError(t, err)

	if lb1 == nil || lb2 == nil || lb1 != lb2 {
		t.Fatalf("expected same lobby pointer")
	}
	assert.Equal(t, "ZED123", lb1.ID())

	missing, err := h.Get(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestHub_EvictsEmptyRoomAfterGrace(t *testing.T) {
	h := newTestHub(t, 20*time.Millisecond)
	ctx := context.Background()

	lb, err := h.Acquire(ctx, "room")
	require.NoError(t, err)
	h.Release("room")

	select {
	case <-lb.Done():
	case <-time.After(time.Second):
		t.Fatalf("empty room was not evicted")
	}
	assert.Equal(t, 0, countRooms(h))
}

func TestHub_ReacquireDuringGraceKeepsRoom(t *testing.T) {
	h := newTestHub(t, 50*time.Millisecond)
	ctx := context.Background()

	lb1, err := h.Acquire(ctx, "room")
	require.NoError(t, err)
	h.Release("room")

	lb2, err := h.Acquire(ctx, "room")
	require.NoError(t, err)
	require.Same(t, lb1, lb2)

	time.Sleep(120 * time.Millisecond)
	select {
	case <-lb1.Done():
		t.Fatalf("room evicted while still held")
	default:
	}
	assert.Equal(t, 1, countRooms(h))
}

func TestHub_RoomsAreRefCounted(t *testing.T) {
	h := newTestHub(t, 10*time.Millisecond)
	ctx := context.Background()

	_, err := h.Acquire(ctx, "room")
	require.NoError(t, err)
	_, err = h.Acquire(ctx, "room")
	require.NoError(t, err)

	h.Release("room")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, countRooms(h), "one holder left, room must stay")

	h.Release("room")
	assert.Eventually(t, func() bool { return countRooms(h) == 0 }, time.Second, 10*time.Millisecond)
}

func TestHub_ShutdownStopsRooms(t *testing.T) {
	h := newTestHub(t, time.Minute)
	lb, err := h.Acquire(context.Background(), "room")
	require.NoError(t, err)

	h.Inbox() <- ShutdownHub{}

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatalf("hub did not stop")
	}
	select {
	case <-lb.Done():
	case <-time.After(time.Second):
		t.Fatalf("room did not stop")
	}
}
