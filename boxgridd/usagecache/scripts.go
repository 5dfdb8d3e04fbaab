package usagecache

import "github.com/redis/go-redis/v9"

// Every multi-key mutation is a single Lua script so that a partial write
// can never leave the counters of one family arithmetically inconsistent.

// rehydrateScript sets all confirmed counters of a family with a TTL and
// stamps the family's fetched_at in the same atomic step.
//
// KEYS[1..n-1] = confirmed usage keys
// KEYS[n]      = fetched_at key
// ARGV[1]      = TTL seconds
// ARGV[2]      = now, epoch milliseconds
// ARGV[3..]    = values, one per usage key
var rehydrateScript = redis.NewScript(`
for i = 1, #KEYS - 1 do
	redis.call('SET', KEYS[i], ARGV[i + 2], 'EX', tonumber(ARGV[1]))
end
redis.call('SET', KEYS[#KEYS], ARGV[2])
return 1
`)

// applyDeltaScript adjusts one confirmed counter and, for a positive delta,
// settles up to that amount out of the corresponding pending counter. An
// absent confirmed key is left absent: resurrecting it from an event would
// desynchronize it from the source of truth, which only a rehydrate may
// speak for. Returns the new value, or -1 when the key was absent.
//
// KEYS[1] = confirmed usage key
// KEYS[2] = pending key (omitted for kinds without pending counters)
// ARGV[1] = delta
// ARGV[2] = TTL seconds
var applyDeltaScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
local value = redis.call('INCRBY', KEYS[1], ARGV[1])
redis.call('EXPIRE', KEYS[1], tonumber(ARGV[2]))
local delta = tonumber(ARGV[1])
if delta > 0 and #KEYS > 1 then
	local pending = tonumber(redis.call('GET', KEYS[2]))
	if pending ~= nil and pending > 0 then
		redis.call('DECRBY', KEYS[2], math.min(pending, delta))
	end
end
return value
`)

// incrementPendingScript reserves headroom on the selected pending
// counters, refreshing their TTL. Returns the new values in key order.
//
// KEYS[1..n] = pending keys
// ARGV[1]    = TTL seconds
// ARGV[2..]  = amounts, one per key
var incrementPendingScript = redis.NewScript(`
local out = {}
for i = 1, #KEYS do
	out[i] = redis.call('INCRBY', KEYS[i], ARGV[i + 1])
	redis.call('EXPIRE', KEYS[i], tonumber(ARGV[1]))
end
return out
`)

// decrementPendingScript releases reservations. The TTL is deliberately not
// refreshed: an abandoned reservation must be allowed to drain away.
//
// KEYS[1..n] = pending keys
// ARGV[1..]  = amounts, one per key
var decrementPendingScript = redis.NewScript(`
for i = 1, #KEYS do
	redis.call('DECRBY', KEYS[i], ARGV[i])
end
return 1
`)
