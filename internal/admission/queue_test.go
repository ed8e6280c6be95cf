package admission

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/seatrush/flash-sale-ticketing/internal/model"
)

func newTestQueue(t *testing.T, window int) (*Queue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	q := NewQueue(rdb, window, 10*time.Second, time.Hour)
	return q, rdb
}

func TestEnqueuePreservesArrivalOrder(t *testing.T) {
	q, _ := newTestQueue(t, 100)
	ctx := context.Background()

	users := []string{"u1", "u2", "u3", "u4"}
	for i, u := range users {
		pos, err := q.Enqueue(ctx, 1, u)
		if err != nil {
			t.Fatalf("Enqueue(%s): %v", u, err)
		}
		if pos.State != model.Enqueued {
			t.Errorf("Enqueue(%s): state %s, want ENQUEUED", u, pos.State)
		}
		if pos.Ahead != int64(i) {
			t.Errorf("Enqueue(%s): ahead %d, want %d", u, pos.Ahead, i)
		}
		if pos.Total != int64(i+1) {
			t.Errorf("Enqueue(%s): total %d, want %d", u, pos.Total, i+1)
		}
	}
}

func TestEnqueueOrdersByArrivalNotMemberName(t *testing.T) {
	q, _ := newTestQueue(t, 100)
	ctx := context.Background()

	// Members arriving back to back must keep arrival order even when their
	// IDs sort the other way round lexicographically.
	first, err := q.Enqueue(ctx, 9, "zz-first")
	if err != nil {
		t.Fatalf("Enqueue(zz-first): %v", err)
	}
	second, err := q.Enqueue(ctx, 9, "aa-second")
	if err != nil {
		t.Fatalf("Enqueue(aa-second): %v", err)
	}
	if first.Ahead != 0 {
		t.Errorf("first arrival: ahead %d, want 0", first.Ahead)
	}
	if second.Ahead != 1 {
		t.Errorf("second arrival: ahead %d, want 1", second.Ahead)
	}
}

func TestEnqueueIsIdempotent(t *testing.T) {
	q, _ := newTestQueue(t, 100)
	ctx := context.Background()

	q.Enqueue(ctx, 1, "u1")
	q.Enqueue(ctx, 1, "u2")

	pos, err := q.Enqueue(ctx, 1, "u1")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if pos.State != model.AlreadyInQueue {
		t.Errorf("repeat enqueue: state %s, want ALREADY_IN_QUEUE", pos.State)
	}
	if pos.Ahead != 0 {
		t.Errorf("repeat enqueue: ahead %d, want 0 (original slot kept)", pos.Ahead)
	}
	if pos.Total != 2 {
		t.Errorf("repeat enqueue: total %d, want 2", pos.Total)
	}
}

func TestRefreshWritesSnapshotsSkippingBots(t *testing.T) {
	q, _ := newTestQueue(t, 100)
	ctx := context.Background()

	q.Enqueue(ctx, 2, "u1")
	q.Enqueue(ctx, 2, "bot:7")
	q.Enqueue(ctx, 2, "u2")

	total, err := q.RefreshTopWindow(ctx, 2)
	if err != nil {
		t.Fatalf("RefreshTopWindow: %v", err)
	}
	if total != 3 {
		t.Errorf("refresh total: got %d, want 3", total)
	}

	pos, ok, err := q.Position(ctx, 2, "u2")
	if err != nil || !ok {
		t.Fatalf("Position(u2): ok=%v err=%v", ok, err)
	}
	// The bot ahead of u2 still occupies a rank slot.
	if pos.Ahead != 2 || pos.Behind != 0 || pos.Total != 3 {
		t.Errorf("Position(u2): got %+v, want ahead=2 behind=0 total=3", pos)
	}

	if _, ok, _ := q.Position(ctx, 2, "bot:7"); ok {
		t.Error("bot received a position snapshot")
	}
}

func TestRefreshOnlyCoversWindow(t *testing.T) {
	q, _ := newTestQueue(t, 2)
	ctx := context.Background()

	q.Enqueue(ctx, 3, "u1")
	q.Enqueue(ctx, 3, "u2")
	q.Enqueue(ctx, 3, "u3")

	if _, err := q.RefreshTopWindow(ctx, 3); err != nil {
		t.Fatalf("RefreshTopWindow: %v", err)
	}
	if _, ok, _ := q.Position(ctx, 3, "u2"); !ok {
		t.Error("u2 inside the window has no snapshot")
	}
	if _, ok, _ := q.Position(ctx, 3, "u3"); ok {
		t.Error("u3 outside the window got a snapshot")
	}
}

func TestRemoveDropsMemberAndSnapshot(t *testing.T) {
	q, _ := newTestQueue(t, 100)
	ctx := context.Background()

	q.Enqueue(ctx, 4, "u1")
	q.Enqueue(ctx, 4, "u2")
	q.RefreshTopWindow(ctx, 4)

	if err := q.Remove(ctx, 4, "u1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if n, _ := q.Total(ctx, 4); n != 1 {
		t.Errorf("total after remove: got %d, want 1", n)
	}
	if _, ok, _ := q.Position(ctx, 4, "u1"); ok {
		t.Error("removed user still has a snapshot")
	}

	// u2 keeps the stale snapshot until the next refresh, then moves up.
	q.RefreshTopWindow(ctx, 4)
	pos, ok, _ := q.Position(ctx, 4, "u2")
	if !ok || pos.Ahead != 0 {
		t.Errorf("Position(u2) after refresh: ok=%v %+v, want ahead=0", ok, pos)
	}
}

func TestTeardownClearsRoomState(t *testing.T) {
	q, rdb := newTestQueue(t, 100)
	ctx := context.Background()

	q.Enqueue(ctx, 5, "u1")
	q.Enqueue(ctx, 5, "u2")
	q.RefreshTopWindow(ctx, 5)

	if err := q.Teardown(ctx, 5); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	keys, err := rdb.Keys(ctx, "*").Result()
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("keys left after teardown: %v", keys)
	}

	// A fresh line after teardown starts ordering from scratch.
	pos, err := q.Enqueue(ctx, 5, "u3")
	if err != nil {
		t.Fatalf("Enqueue after teardown: %v", err)
	}
	if pos.Ahead != 0 || pos.Total != 1 {
		t.Errorf("first enqueue after teardown: got %+v", pos)
	}
}
