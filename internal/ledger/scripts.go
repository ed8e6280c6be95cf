package ledger

import "github.com/redis/go-redis/v9"

// The ledger's whole correctness story lives in these scripts: the seat set,
// the reserved counter and the OPEN/CLOSED mirror mutate together in one
// single-threaded step inside Redis, so no client-side locking is needed and
// no two calls touching overlapping seats can interleave partially.

// reserveScript atomically claims a set of seats in one section.
//
//	KEYS[1] section hash            seats:{match}:{section}
//	KEYS[2] reserved counter        seatcnt:{match}
//	KEYS[3] status mirror           mstatus:{match}
//	KEYS[4] user's seat set         myseats:{match}:{user}
//	KEYS[5] holders set             holders:{match}
//	KEYS[6] touched-sections index  sections:{match}
//	ARGV[1] userID  ARGV[2] grade  ARGV[3] totalSeats  ARGV[4] ttlSeconds
//	ARGV[5] sectionID  ARGV[6..] seat keys ("row-col")
//
// Returns {code, count}: code -2 match closed, -1 conflict (zero mutation),
// 0 reserved, 1 reserved and the sale just filled up.
var reserveScript = redis.NewScript(`
	if redis.call('GET', KEYS[3]) ~= 'OPEN' then
		return {-2, 0}
	end
	for i = 6, #ARGV do
		if redis.call('HEXISTS', KEYS[1], ARGV[i]) == 1 then
			return {-1, 0}
		end
	end
	local owner = ARGV[1] .. ':' .. ARGV[2]
	for i = 6, #ARGV do
		redis.call('HSET', KEYS[1], ARGV[i], owner)
		redis.call('SADD', KEYS[4], ARGV[5] .. '|' .. ARGV[i])
	end
	local count = redis.call('INCRBY', KEYS[2], #ARGV - 5)
	redis.call('SADD', KEYS[5], ARGV[1])
	redis.call('SADD', KEYS[6], ARGV[5])
	local ttl = tonumber(ARGV[4])
	redis.call('EXPIRE', KEYS[1], ttl)
	redis.call('EXPIRE', KEYS[2], ttl)
	redis.call('EXPIRE', KEYS[4], ttl)
	redis.call('EXPIRE', KEYS[5], ttl)
	redis.call('EXPIRE', KEYS[6], ttl)
	if count >= tonumber(ARGV[3]) then
		redis.call('SET', KEYS[3], 'CLOSED', 'KEEPTTL')
		return {1, count}
	end
	return {0, count}
`)

// cancelScript atomically releases a set of seats in one section.  Every
// target seat must currently be owned by the calling user or nothing is
// mutated.
//
//	KEYS[1] section hash  KEYS[2] counter  KEYS[3] mirror
//	KEYS[4] user's seat set  KEYS[5] holders set
//	ARGV[1] userID  ARGV[2] totalSeats  ARGV[3] sectionID
//	ARGV[4..] seat keys
//
// Returns {code, count}: code -1 conflict (zero mutation), 0 cancelled,
// 1 cancelled and the sale reopened.
var cancelScript = redis.NewScript(`
	local prefix = ARGV[1] .. ':'
	for i = 4, #ARGV do
		local v = redis.call('HGET', KEYS[1], ARGV[i])
		if not v or string.sub(v, 1, string.len(prefix)) ~= prefix then
			return {-1, 0}
		end
	end
	for i = 4, #ARGV do
		redis.call('HDEL', KEYS[1], ARGV[i])
		redis.call('SREM', KEYS[4], ARGV[3] .. '|' .. ARGV[i])
	end
	local count = redis.call('DECRBY', KEYS[2], #ARGV - 3)
	if count < 0 then
		count = 0
		redis.call('SET', KEYS[2], 0, 'KEEPTTL')
	end
	if redis.call('SCARD', KEYS[4]) == 0 then
		redis.call('DEL', KEYS[4])
		redis.call('SREM', KEYS[5], ARGV[1])
	end
	if redis.call('GET', KEYS[3]) == 'CLOSED' and count < tonumber(ARGV[2]) then
		redis.call('SET', KEYS[3], 'OPEN', 'KEEPTTL')
		return {1, count}
	end
	return {0, count}
`)

// confirmRankScript assigns an arrival-order rank to a confirming user,
// exactly once per user.  A repeat call returns the rank assigned the first
// time instead of appending again.
//
//	KEYS[1] confirmed set  KEYS[2] arrivals list
//	ARGV[1] userID  ARGV[2] ttlSeconds
var confirmRankScript = redis.NewScript(`
	if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 1 then
		local list = redis.call('LRANGE', KEYS[2], 0, -1)
		for i, v in ipairs(list) do
			if v == ARGV[1] then
				return i
			end
		end
		return 0
	end
	redis.call('SADD', KEYS[1], ARGV[1])
	local n = redis.call('RPUSH', KEYS[2], ARGV[1])
	local ttl = tonumber(ARGV[2])
	redis.call('EXPIRE', KEYS[1], ttl)
	redis.call('EXPIRE', KEYS[2], ttl)
	return n
`)
