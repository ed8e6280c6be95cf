// Package admission implements the ordered waiting line that gates entry to
// the seat-selection phase.  Each room has one sorted set; membership is
// decided by a conditional-insert script so joining is race free and
// idempotent, and positions are fanned out by a periodic windowed refresher
// instead of per-request rank lookups.
package admission

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/seatrush/flash-sale-ticketing/internal/model"
)

// enqueueScript performs a conditional insert into the room's ordered set.
// An already-present member is left untouched and its original rank is
// reported; a new member is scored by the room's atomic arrival sequence.
// The sequence is the sole score: zset scores are float64, so mixing in a
// wall-clock term would push values past 2^53 and collapse same-millisecond
// arrivals into lexicographic ties.
//
//	KEYS[1] waiting zset  KEYS[2] sequence counter
//	ARGV[1] userID  ARGV[2] ttlSeconds
//
// Returns {inserted, rank, total}.
var enqueueScript = redis.NewScript(`
	if redis.call('ZSCORE', KEYS[1], ARGV[1]) then
		return {0, redis.call('ZRANK', KEYS[1], ARGV[1]), redis.call('ZCARD', KEYS[1])}
	end
	local seq = redis.call('INCR', KEYS[2])
	redis.call('ZADD', KEYS[1], seq, ARGV[1])
	local ttl = tonumber(ARGV[2])
	redis.call('EXPIRE', KEYS[1], ttl)
	redis.call('EXPIRE', KEYS[2], ttl)
	return {1, redis.call('ZRANK', KEYS[1], ARGV[1]), redis.call('ZCARD', KEYS[1])}
`)

// Queue is the admission controller for all rooms.  It owns only Redis
// state; cross-instance visibility of positions happens through the
// snapshot keys the refresher writes.
type Queue struct {
	rdb     *redis.Client
	window  int           // top-K members rescanned per refresh
	snapTTL time.Duration // lifetime of per-user position snapshots
	ttl     time.Duration // safety expiry on queue keys
}

// NewQueue returns an admission Queue.  window bounds the snapshot rescan;
// snapTTL must exceed the refresh interval or positions flicker out between
// refreshes.
func NewQueue(rdb *redis.Client, window int, snapTTL, ttl time.Duration) *Queue {
	if rdb == nil {
		panic("nil redis client passed to admission.NewQueue")
	}
	if window <= 0 {
		window = 3000
	}
	return &Queue{rdb: rdb, window: window, snapTTL: snapTTL, ttl: ttl}
}

func queueKey(roomID uint64) string { return fmt.Sprintf("waitq:%d", roomID) }
func seqKey(roomID uint64) string   { return fmt.Sprintf("waitseq:%d", roomID) }
func snapshotKey(roomID uint64, userID string) string {
	return fmt.Sprintf("qpos:%d:%s", roomID, userID)
}

// Enqueue joins userID to the room's waiting line.  The call is idempotent:
// a user already in line keeps their original rank and gets state
// ALREADY_IN_QUEUE; a new user is appended and gets ENQUEUED.
func (q *Queue) Enqueue(ctx context.Context, roomID uint64, userID string) (model.QueuePosition, error) {
	vals, err := enqueueScript.Run(ctx, q.rdb,
		[]string{queueKey(roomID), seqKey(roomID)},
		userID, int64(q.ttl/time.Second),
	).Result()
	if err != nil {
		return model.QueuePosition{}, fmt.Errorf("admission: enqueue: %w", err)
	}
	arr, ok := vals.([]interface{})
	if !ok || len(arr) != 3 {
		return model.QueuePosition{}, fmt.Errorf("admission: unexpected enqueue reply %#v", vals)
	}
	inserted, _ := arr[0].(int64)
	rank, _ := arr[1].(int64)
	total, _ := arr[2].(int64)
	state := model.AlreadyInQueue
	if inserted == 1 {
		state = model.Enqueued
	}
	return model.QueuePosition{
		State:  state,
		Ahead:  rank,
		Behind: total - rank - 1,
		Total:  total,
	}, nil
}

// Remove drops userID from the room's line and deletes their snapshot.
func (q *Queue) Remove(ctx context.Context, roomID uint64, userID string) error {
	pipe := q.rdb.Pipeline()
	pipe.ZRem(ctx, queueKey(roomID), userID)
	pipe.Del(ctx, snapshotKey(roomID, userID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("admission: remove: %w", err)
	}
	return nil
}

// Total returns the current length of the room's waiting line.
func (q *Queue) Total(ctx context.Context, roomID uint64) (int64, error) {
	n, err := q.rdb.ZCard(ctx, queueKey(roomID)).Result()
	if err != nil {
		return 0, fmt.Errorf("admission: total: %w", err)
	}
	return n, nil
}

// Position reads the snapshot written by the refresher.  The second return
// is false when no snapshot exists (user not in the window, a bot, or the
// snapshot expired between refreshes).
func (q *Queue) Position(ctx context.Context, roomID uint64, userID string) (model.QueuePosition, bool, error) {
	raw, err := q.rdb.Get(ctx, snapshotKey(roomID, userID)).Bytes()
	if err == redis.Nil {
		return model.QueuePosition{}, false, nil
	}
	if err != nil {
		return model.QueuePosition{}, false, fmt.Errorf("admission: position: %w", err)
	}
	var pos model.QueuePosition
	if err := json.Unmarshal(raw, &pos); err != nil {
		return model.QueuePosition{}, false, fmt.Errorf("admission: position decode: %w", err)
	}
	return pos, true, nil
}

// RefreshTopWindow rescans the top-K members of the room's line and writes a
// fresh position snapshot per real user.  Bot members keep their rank slot
// (so human positions count them) but are skipped for snapshot writes.
// Returns the total line length at rescan time.
func (q *Queue) RefreshTopWindow(ctx context.Context, roomID uint64) (int64, error) {
	members, err := q.rdb.ZRange(ctx, queueKey(roomID), 0, int64(q.window)-1).Result()
	if err != nil {
		return 0, fmt.Errorf("admission: refresh: %w", err)
	}
	total, err := q.rdb.ZCard(ctx, queueKey(roomID)).Result()
	if err != nil {
		return 0, fmt.Errorf("admission: refresh: %w", err)
	}
	pipe := q.rdb.Pipeline()
	for i, userID := range members {
		if model.IsBotUser(userID) {
			continue
		}
		snap := model.QueuePosition{
			Ahead:  int64(i),
			Behind: total - int64(i) - 1,
			Total:  total,
		}
		raw, err := json.Marshal(snap)
		if err != nil {
			return 0, fmt.Errorf("admission: refresh encode: %w", err)
		}
		pipe.Set(ctx, snapshotKey(roomID, userID), raw, q.snapTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("admission: refresh write: %w", err)
	}
	return total, nil
}

// Teardown deletes the room's line, its sequence counter and every snapshot
// belonging to members still in line.  Called when the room's match ends.
func (q *Queue) Teardown(ctx context.Context, roomID uint64) error {
	members, err := q.rdb.ZRange(ctx, queueKey(roomID), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("admission: teardown: %w", err)
	}
	keys := []string{queueKey(roomID), seqKey(roomID)}
	for _, userID := range members {
		keys = append(keys, snapshotKey(roomID, userID))
	}
	if err := q.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("admission: teardown: %w", err)
	}
	return nil
}
