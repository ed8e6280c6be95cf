// Package ledger implements the authoritative seat-ownership record for a
// match.  All mutations run as Lua scripts inside Redis so that the seat
// hash, the reserved counter and the OPEN/CLOSED status mirror change in a
// single indivisible step; conflicts are reported as result codes, never as
// errors, and a failed call performs zero mutation.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/seatrush/flash-sale-ticketing/internal/model"
)

// Result encodes the outcome of a reserve or cancel call.
type Result int

const (
	Conflict   Result = iota // a target seat is taken (reserve) or not owned (cancel)
	OK                       // mutation applied
	OKFull                   // mutation applied and the sale just filled
	OKReopened               // mutation applied and the sale just reopened
	Closed                   // the match is not accepting operations
)

// String returns the result name used in logs and responses.
func (r Result) String() string {
	switch r {
	case Conflict:
		return "CONFLICT"
	case OK:
		return "OK"
	case OKFull:
		return "OK_FULL"
	case OKReopened:
		return "OK_REOPENED"
	case Closed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

// Mutated reports whether the result left the ledger changed.
func (r Result) Mutated() bool { return r == OK || r == OKFull || r == OKReopened }

// Mirror status values for a match.
const (
	MirrorOpen   = "OPEN"
	MirrorClosed = "CLOSED"
)

// SeatLedger is the Redis-backed ownership ledger.  It has no dependency on
// any other component; the lifecycle service and the HTTP handlers drive it.
type SeatLedger struct {
	rdb *redis.Client
	ttl time.Duration // safety expiry applied to every per-match key
}

// New returns a SeatLedger bound to the provided client.  ttl bounds the
// lifetime of every per-match key so a crashed producer cannot leak state
// indefinitely; it must comfortably exceed the longest expected sale.
func New(rdb *redis.Client, ttl time.Duration) *SeatLedger {
	if rdb == nil {
		panic("nil redis client passed to ledger.New")
	}
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &SeatLedger{rdb: rdb, ttl: ttl}
}

// Key layout.  Everything is namespaced per match and carries the safety TTL.
func sectionKey(matchID uint64, sectionID string) string {
	return fmt.Sprintf("seats:%d:%s", matchID, sectionID)
}
func counterKey(matchID uint64) string  { return fmt.Sprintf("seatcnt:%d", matchID) }
func mirrorKey(matchID uint64) string   { return fmt.Sprintf("mstatus:%d", matchID) }
func holdersKey(matchID uint64) string  { return fmt.Sprintf("holders:%d", matchID) }
func sectionsKey(matchID uint64) string { return fmt.Sprintf("sections:%d", matchID) }
func mySeatsKey(matchID uint64, userID string) string {
	return fmt.Sprintf("myseats:%d:%s", matchID, userID)
}
func confirmedKey(matchID uint64) string    { return fmt.Sprintf("confirmed:%d", matchID) }
func arrivalsKey(matchID uint64) string     { return fmt.Sprintf("arrivals:%d", matchID) }
func participantsKey(matchID uint64) string { return fmt.Sprintf("participants:%d", matchID) }

// Reserve claims all of seatKeys in one section for userID.  Either every
// seat is simultaneously free and all become owned in the same atomic step
// that grows the reserved counter, or nothing changes and Conflict is
// returned.  When the new count reaches totalSeats the mirror flips to
// CLOSED and OKFull is returned.  A match whose mirror is not OPEN yields
// Closed.  The returned count is the reserved count after the call.
func (l *SeatLedger) Reserve(ctx context.Context, matchID uint64, sectionID string, seatKeys []string, userID, grade string, totalSeats int) (Result, int64, error) {
	if len(seatKeys) == 0 {
		return Conflict, 0, fmt.Errorf("ledger: reserve with no seats")
	}
	keys := []string{
		sectionKey(matchID, sectionID),
		counterKey(matchID),
		mirrorKey(matchID),
		mySeatsKey(matchID, userID),
		holdersKey(matchID),
		sectionsKey(matchID),
	}
	argv := make([]interface{}, 0, 5+len(seatKeys))
	argv = append(argv, userID, grade, totalSeats, int64(l.ttl/time.Second), sectionID)
	for _, k := range seatKeys {
		argv = append(argv, k)
	}
	return l.runSeatScript(ctx, reserveScript, keys, argv, OKFull)
}

// Cancel releases all of seatKeys in one section.  Every seat must currently
// be owned by userID or nothing changes and Conflict is returned.  When the
// mirror was CLOSED and the new count drops below totalSeats the mirror
// flips back to OPEN and OKReopened is returned.
func (l *SeatLedger) Cancel(ctx context.Context, matchID uint64, sectionID string, seatKeys []string, userID string, totalSeats int) (Result, int64, error) {
	if len(seatKeys) == 0 {
		return Conflict, 0, fmt.Errorf("ledger: cancel with no seats")
	}
	keys := []string{
		sectionKey(matchID, sectionID),
		counterKey(matchID),
		mirrorKey(matchID),
		mySeatsKey(matchID, userID),
		holdersKey(matchID),
	}
	argv := make([]interface{}, 0, 3+len(seatKeys))
	argv = append(argv, userID, totalSeats, sectionID)
	for _, k := range seatKeys {
		argv = append(argv, k)
	}
	return l.runSeatScript(ctx, cancelScript, keys, argv, OKReopened)
}

// runSeatScript executes a seat script and decodes its {code, count} reply.
// flipResult is the Result reported for code 1 (FULL for reserve, REOPENED
// for cancel).
func (l *SeatLedger) runSeatScript(ctx context.Context, script *redis.Script, keys []string, argv []interface{}, flipResult Result) (Result, int64, error) {
	vals, err := script.Run(ctx, l.rdb, keys, argv...).Result()
	if err != nil {
		return Conflict, 0, fmt.Errorf("ledger: script run: %w", err)
	}
	arr, ok := vals.([]interface{})
	if !ok || len(arr) != 2 {
		return Conflict, 0, fmt.Errorf("ledger: unexpected script reply %#v", vals)
	}
	code, _ := arr[0].(int64)
	count, _ := arr[1].(int64)
	switch code {
	case -2:
		return Closed, count, nil
	case -1:
		return Conflict, count, nil
	case 1:
		return flipResult, count, nil
	default:
		return OK, count, nil
	}
}

// ReleaseUser cancels every seat userID still owns in the match, one atomic
// step per section.  It is the disconnect/cleanup path: safe to call when
// the user holds nothing.  Returns the number of seats released and whether
// any cancellation reopened the sale.
func (l *SeatLedger) ReleaseUser(ctx context.Context, matchID uint64, userID string, totalSeats int) (int, bool, error) {
	held, err := l.OwnedSeats(ctx, matchID, userID)
	if err != nil {
		return 0, false, err
	}
	if len(held) == 0 {
		return 0, false, nil
	}
	bySection := make(map[string][]string)
	for _, s := range held {
		bySection[s.SectionID] = append(bySection[s.SectionID], s.Seat)
	}
	released := 0
	reopened := false
	for sectionID, seats := range bySection {
		res, _, err := l.Cancel(ctx, matchID, sectionID, seats, userID, totalSeats)
		if err != nil {
			return released, reopened, err
		}
		if res.Mutated() {
			released += len(seats)
		}
		if res == OKReopened {
			reopened = true
		}
	}
	return released, reopened, nil
}

// OwnedSeats lists the seats userID currently owns in the match, with the
// grade recorded at hold time.  Order is deterministic (section, then seat).
func (l *SeatLedger) OwnedSeats(ctx context.Context, matchID uint64, userID string) ([]model.HeldSeat, error) {
	members, err := l.rdb.SMembers(ctx, mySeatsKey(matchID, userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("ledger: owned seats: %w", err)
	}
	held := make([]model.HeldSeat, 0, len(members))
	for _, m := range members {
		sectionID, seat, ok := strings.Cut(m, "|")
		if !ok {
			continue
		}
		owner, err := l.rdb.HGet(ctx, sectionKey(matchID, sectionID), seat).Result()
		if err == redis.Nil {
			continue // raced with a cleanup; the set entry is stale
		}
		if err != nil {
			return nil, fmt.Errorf("ledger: owned seats: %w", err)
		}
		_, grade, _ := strings.Cut(owner, ":")
		held = append(held, model.HeldSeat{SectionID: sectionID, Seat: seat, Grade: grade})
	}
	sort.Slice(held, func(i, j int) bool {
		if held[i].SectionID != held[j].SectionID {
			return held[i].SectionID < held[j].SectionID
		}
		return held[i].Seat < held[j].Seat
	})
	return held, nil
}

// SectionStatus returns every seat in the section that is NOT available,
// tagged MY_RESERVED when owned by userID and TAKEN otherwise.  Seats absent
// from the result are free.
func (l *SeatLedger) SectionStatus(ctx context.Context, matchID uint64, sectionID, userID string) ([]model.SeatStatus, error) {
	entries, err := l.rdb.HGetAll(ctx, sectionKey(matchID, sectionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("ledger: section status: %w", err)
	}
	statuses := make([]model.SeatStatus, 0, len(entries))
	for seat, owner := range entries {
		ownerID, _, _ := strings.Cut(owner, ":")
		st := model.SeatTaken
		if ownerID == userID {
			st = model.SeatMyReserved
		}
		statuses = append(statuses, model.SeatStatus{Seat: seat, Status: st})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Seat < statuses[j].Seat })
	return statuses, nil
}

// ReservedCount returns the live seat count for the match.  A missing
// counter reads as zero.
func (l *SeatLedger) ReservedCount(ctx context.Context, matchID uint64) (int64, error) {
	n, err := l.rdb.Get(ctx, counterKey(matchID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ledger: reserved count: %w", err)
	}
	return n, nil
}

// OpenMatch force-writes the status mirror to OPEN with the safety expiry.
// Called on the WAITING->PLAYING transition and by the reconciliation sweep.
func (l *SeatLedger) OpenMatch(ctx context.Context, matchID uint64) error {
	return l.rdb.Set(ctx, mirrorKey(matchID), MirrorOpen, l.ttl).Err()
}

// CloseMatch force-writes the status mirror to CLOSED.  Used by the
// reconciliation sweep for WAITING and FINISHED matches.
func (l *SeatLedger) CloseMatch(ctx context.Context, matchID uint64) error {
	return l.rdb.Set(ctx, mirrorKey(matchID), MirrorClosed, l.ttl).Err()
}

// MirrorStatus reads the cached OPEN/CLOSED flag.  A missing key reads as
// CLOSED: a match with no mirror is not accepting operations.
func (l *SeatLedger) MirrorStatus(ctx context.Context, matchID uint64) (string, error) {
	v, err := l.rdb.Get(ctx, mirrorKey(matchID)).Result()
	if err == redis.Nil {
		return MirrorClosed, nil
	}
	if err != nil {
		return "", fmt.Errorf("ledger: mirror status: %w", err)
	}
	return v, nil
}

// Holders returns the users currently owning at least one seat in the match.
func (l *SeatLedger) Holders(ctx context.Context, matchID uint64) ([]string, error) {
	users, err := l.rdb.SMembers(ctx, holdersKey(matchID)).Result()
	if err != nil {
		return nil, fmt.Errorf("ledger: holders: %w", err)
	}
	sort.Strings(users)
	return users, nil
}

// ConfirmRank assigns userID its arrival-order rank among confirmations,
// exactly once: a repeat call returns the originally assigned rank.  Ranks
// start at 1.
func (l *SeatLedger) ConfirmRank(ctx context.Context, matchID uint64, userID string) (int, error) {
	n, err := confirmRankScript.Run(ctx, l.rdb,
		[]string{confirmedKey(matchID), arrivalsKey(matchID)},
		userID, int64(l.ttl/time.Second),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("ledger: confirm rank: %w", err)
	}
	return n, nil
}

// Arrivals returns the confirmed users in arrival order.
func (l *SeatLedger) Arrivals(ctx context.Context, matchID uint64) ([]string, error) {
	users, err := l.rdb.LRange(ctx, arrivalsKey(matchID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("ledger: arrivals: %w", err)
	}
	return users, nil
}

// AddParticipant records userID as an active real participant.  The set is
// keyed by user, so racing holds from the same user and repeated holds after
// a partial cancel all count once.
func (l *SeatLedger) AddParticipant(ctx context.Context, matchID uint64, userID string) error {
	key := participantsKey(matchID)
	if err := l.rdb.SAdd(ctx, key, userID).Err(); err != nil {
		return fmt.Errorf("ledger: add participant: %w", err)
	}
	return l.rdb.Expire(ctx, key, l.ttl).Err()
}

// RemoveParticipant uncounts userID.  Removing a user who was never counted
// (a queue-only disconnect, or a duplicate disconnect) is a no-op, so
// departures can never shrink the set below the users actually in it.
func (l *SeatLedger) RemoveParticipant(ctx context.Context, matchID uint64, userID string) error {
	if err := l.rdb.SRem(ctx, participantsKey(matchID), userID).Err(); err != nil {
		return fmt.Errorf("ledger: remove participant: %w", err)
	}
	return nil
}

// ParticipantCount returns the number of active real participants.
func (l *SeatLedger) ParticipantCount(ctx context.Context, matchID uint64) (int64, error) {
	n, err := l.rdb.SCard(ctx, participantsKey(matchID)).Result()
	if err != nil {
		return 0, fmt.Errorf("ledger: participant count: %w", err)
	}
	return n, nil
}

// Cleanup deletes every per-match ledger key.  Called once at finalization
// to bound memory; the TTLs only exist as a crash backstop.
func (l *SeatLedger) Cleanup(ctx context.Context, matchID uint64) error {
	keys := []string{
		counterKey(matchID),
		mirrorKey(matchID),
		confirmedKey(matchID),
		arrivalsKey(matchID),
		participantsKey(matchID),
	}
	sections, err := l.rdb.SMembers(ctx, sectionsKey(matchID)).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("ledger: cleanup: %w", err)
	}
	for _, s := range sections {
		keys = append(keys, sectionKey(matchID, s))
	}
	holders, err := l.rdb.SMembers(ctx, holdersKey(matchID)).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("ledger: cleanup: %w", err)
	}
	for _, u := range holders {
		keys = append(keys, mySeatsKey(matchID, u))
	}
	keys = append(keys, sectionsKey(matchID), holdersKey(matchID))
	if err := l.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("ledger: cleanup: %w", err)
	}
	return nil
}
