package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLedger(t *testing.T) (*SeatLedger, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, time.Hour), rdb
}

func TestReserveRequiresOpenMirror(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	res, _, err := l.Reserve(ctx, 1, "A", []string{"1-1"}, "u1", "VIP", 2)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if res != Closed {
		t.Errorf("Reserve on missing mirror: got %v, want Closed", res)
	}

	if err := l.OpenMatch(ctx, 1); err != nil {
		t.Fatalf("OpenMatch: %v", err)
	}
	res, count, err := l.Reserve(ctx, 1, "A", []string{"1-1"}, "u1", "VIP", 2)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if res != OK || count != 1 {
		t.Errorf("Reserve: got (%v, %d), want (OK, 1)", res, count)
	}
}

func TestReserveFillsAndClosesInOneStep(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	l.OpenMatch(ctx, 7)

	if res, _, _ := l.Reserve(ctx, 7, "A", []string{"1-1"}, "u1", "VIP", 2); res != OK {
		t.Fatalf("first reserve: got %v, want OK", res)
	}
	res, count, err := l.Reserve(ctx, 7, "A", []string{"1-2"}, "u2", "STD", 2)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if res != OKFull || count != 2 {
		t.Errorf("filling reserve: got (%v, %d), want (OKFull, 2)", res, count)
	}

	status, err := l.MirrorStatus(ctx, 7)
	if err != nil {
		t.Fatalf("MirrorStatus: %v", err)
	}
	if status != MirrorClosed {
		t.Errorf("mirror after fill: got %q, want %q", status, MirrorClosed)
	}

	// The flip and the hold happened in the same step, so a later caller
	// must see Closed, not Conflict.
	if res, _, _ := l.Reserve(ctx, 7, "A", []string{"1-3"}, "u3", "STD", 2); res != Closed {
		t.Errorf("reserve after fill: got %v, want Closed", res)
	}
}

func TestReserveConflictMutatesNothing(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	l.OpenMatch(ctx, 3)

	if res, _, _ := l.Reserve(ctx, 3, "A", []string{"1-1"}, "u1", "VIP", 10); res != OK {
		t.Fatal("setup reserve failed")
	}

	// u2 wants two seats, one of them taken. Neither may be granted.
	res, count, err := l.Reserve(ctx, 3, "A", []string{"1-1", "1-2"}, "u2", "STD", 10)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if res != Conflict {
		t.Errorf("overlapping reserve: got %v, want Conflict", res)
	}
	if count != 0 {
		t.Errorf("conflict count: got %d, want 0", count)
	}
	if n, _ := l.ReservedCount(ctx, 3); n != 1 {
		t.Errorf("reserved count after conflict: got %d, want 1", n)
	}

	// The free seat of the failed pair must still be grantable.
	if res, _, _ := l.Reserve(ctx, 3, "A", []string{"1-2"}, "u2", "STD", 10); res != OK {
		t.Errorf("retry on free seat: got %v, want OK", res)
	}
}

func TestCancelReopensSale(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	l.OpenMatch(ctx, 9)

	l.Reserve(ctx, 9, "A", []string{"1-1"}, "u1", "VIP", 2)
	l.Reserve(ctx, 9, "A", []string{"1-2"}, "u2", "STD", 2)

	res, count, err := l.Cancel(ctx, 9, "A", []string{"1-1"}, "u1", 2)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if res != OKReopened || count != 1 {
		t.Errorf("Cancel: got (%v, %d), want (OKReopened, 1)", res, count)
	}
	if status, _ := l.MirrorStatus(ctx, 9); status != MirrorOpen {
		t.Errorf("mirror after reopen: got %q, want %q", status, MirrorOpen)
	}

	// The freed seat is immediately grantable and refills the sale.
	if res, _, _ := l.Reserve(ctx, 9, "A", []string{"1-1"}, "u3", "STD", 2); res != OKFull {
		t.Errorf("rehold after reopen: got %v, want OKFull", res)
	}
}

func TestCancelRequiresOwnership(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	l.OpenMatch(ctx, 4)

	l.Reserve(ctx, 4, "A", []string{"1-1"}, "u1", "VIP", 10)

	res, _, err := l.Cancel(ctx, 4, "A", []string{"1-1"}, "u2", 10)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if res != Conflict {
		t.Errorf("cancel by non-owner: got %v, want Conflict", res)
	}
	if n, _ := l.ReservedCount(ctx, 4); n != 1 {
		t.Errorf("count after rejected cancel: got %d, want 1", n)
	}

	// Cancelling a free seat is also a conflict, not a silent no-op.
	if res, _, _ := l.Cancel(ctx, 4, "A", []string{"2-1"}, "u1", 10); res != Conflict {
		t.Errorf("cancel of free seat: got %v, want Conflict", res)
	}
}

func TestConcurrentReserveGrantsOneWinner(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	l.OpenMatch(ctx, 5)

	const racers = 16
	results := make([]Result, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := string(rune('a' + i))
			res, _, err := l.Reserve(ctx, 5, "A", []string{"1-1"}, user, "STD", 100)
			if err != nil {
				t.Errorf("Reserve: %v", err)
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, r := range results {
		if r.Mutated() {
			winners++
		}
	}
	if winners != 1 {
		t.Errorf("winners: got %d, want 1", winners)
	}
	if n, _ := l.ReservedCount(ctx, 5); n != 1 {
		t.Errorf("reserved count: got %d, want 1", n)
	}
}

func TestOwnedSeatsAndSectionStatus(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	l.OpenMatch(ctx, 11)

	l.Reserve(ctx, 11, "B", []string{"2-3"}, "u1", "STD", 10)
	l.Reserve(ctx, 11, "A", []string{"1-1", "1-2"}, "u1", "VIP", 10)
	l.Reserve(ctx, 11, "A", []string{"1-3"}, "u2", "STD", 10)

	held, err := l.OwnedSeats(ctx, 11, "u1")
	if err != nil {
		t.Fatalf("OwnedSeats: %v", err)
	}
	if len(held) != 3 {
		t.Fatalf("OwnedSeats: got %d seats, want 3", len(held))
	}
	if held[0].SectionID != "A" || held[0].Seat != "1-1" || held[0].Grade != "VIP" {
		t.Errorf("held[0]: got %+v", held[0])
	}
	if held[2].SectionID != "B" || held[2].Grade != "STD" {
		t.Errorf("held[2]: got %+v", held[2])
	}

	statuses, err := l.SectionStatus(ctx, 11, "A", "u1")
	if err != nil {
		t.Fatalf("SectionStatus: %v", err)
	}
	want := map[string]string{"1-1": "MY_RESERVED", "1-2": "MY_RESERVED", "1-3": "TAKEN"}
	if len(statuses) != len(want) {
		t.Fatalf("SectionStatus: got %d entries, want %d", len(statuses), len(want))
	}
	for _, s := range statuses {
		if string(s.Status) != want[s.Seat] {
			t.Errorf("seat %s: got %s, want %s", s.Seat, s.Status, want[s.Seat])
		}
	}
}

func TestReleaseUserSpansSections(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	l.OpenMatch(ctx, 12)

	l.Reserve(ctx, 12, "A", []string{"1-1", "1-2"}, "u1", "VIP", 3)
	l.Reserve(ctx, 12, "B", []string{"2-1"}, "u1", "STD", 3)

	released, reopened, err := l.ReleaseUser(ctx, 12, "u1", 3)
	if err != nil {
		t.Fatalf("ReleaseUser: %v", err)
	}
	if released != 3 {
		t.Errorf("released: got %d, want 3", released)
	}
	if !reopened {
		t.Error("ReleaseUser on a full sale did not report reopen")
	}
	if n, _ := l.ReservedCount(ctx, 12); n != 0 {
		t.Errorf("count after release: got %d, want 0", n)
	}
	if holders, _ := l.Holders(ctx, 12); len(holders) != 0 {
		t.Errorf("holders after release: got %v, want none", holders)
	}

	// Releasing again with nothing held is a no-op, not an error.
	released, _, err = l.ReleaseUser(ctx, 12, "u1", 3)
	if err != nil || released != 0 {
		t.Errorf("second release: got (%d, %v), want (0, nil)", released, err)
	}
}

func TestConfirmRankAssignedOnce(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	r1, err := l.ConfirmRank(ctx, 20, "u1")
	if err != nil {
		t.Fatalf("ConfirmRank: %v", err)
	}
	r2, _ := l.ConfirmRank(ctx, 20, "u2")
	again, _ := l.ConfirmRank(ctx, 20, "u1")
	if r1 != 1 || r2 != 2 {
		t.Errorf("ranks: got (%d, %d), want (1, 2)", r1, r2)
	}
	if again != 1 {
		t.Errorf("repeat confirm: got rank %d, want 1", again)
	}

	arrivals, err := l.Arrivals(ctx, 20)
	if err != nil {
		t.Fatalf("Arrivals: %v", err)
	}
	if len(arrivals) != 2 || arrivals[0] != "u1" || arrivals[1] != "u2" {
		t.Errorf("arrivals: got %v, want [u1 u2]", arrivals)
	}
}

func TestParticipantSetCountsEachUserOnce(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	l.AddParticipant(ctx, 30, "u1")
	l.AddParticipant(ctx, 30, "u1") // repeat hold
	l.AddParticipant(ctx, 30, "u2")
	if n, _ := l.ParticipantCount(ctx, 30); n != 2 {
		t.Errorf("participants: got %d, want 2", n)
	}

	// Departures of users who were never counted leave the set alone.
	l.RemoveParticipant(ctx, 30, "u3")
	if n, _ := l.ParticipantCount(ctx, 30); n != 2 {
		t.Errorf("participants after unknown remove: got %d, want 2", n)
	}

	l.RemoveParticipant(ctx, 30, "u2")
	l.RemoveParticipant(ctx, 30, "u2") // duplicate disconnect
	if n, _ := l.ParticipantCount(ctx, 30); n != 1 {
		t.Errorf("participants after duplicate remove: got %d, want 1", n)
	}
}

func TestCleanupDropsAllMatchKeys(t *testing.T) {
	l, rdb := newTestLedger(t)
	ctx := context.Background()
	l.OpenMatch(ctx, 40)

	l.Reserve(ctx, 40, "A", []string{"1-1"}, "u1", "VIP", 10)
	l.Reserve(ctx, 40, "B", []string{"2-2"}, "u2", "STD", 10)
	l.ConfirmRank(ctx, 40, "u1")
	l.AddParticipant(ctx, 40, "u1")

	if err := l.Cleanup(ctx, 40); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}

	keys, err := rdb.Keys(ctx, "*").Result()
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("keys left after cleanup: %v", keys)
	}

	if status, _ := l.MirrorStatus(ctx, 40); status != MirrorClosed {
		t.Errorf("mirror after cleanup: got %q, want CLOSED", status)
	}
}
