package semaphore

import "github.com/redis/go-redis/v9"

// Every script takes the same three keys:
//
//	KEYS[1] leases  ZSET ticket -> lease expiry (unix ms)
//	KEYS[2] owners  HASH ticket -> owner
//	KEYS[3] tickets HASH owner  -> ticket
//
// Expired leases are reaped inside acquireScript before the capacity check,
// so a crashed holder can never pin a slot past its lease.

// reapExpired is shared Lua that releases every ticket whose lease ended at
// or before now and leaves the count in the local "reaped".
const reapExpired = `
local reaped = 0
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', now)
for _, t in ipairs(expired) do
	local o = redis.call('HGET', KEYS[2], t)
	redis.call('ZREM', KEYS[1], t)
	redis.call('HDEL', KEYS[2], t)
	if o and redis.call('HGET', KEYS[3], o) == t then
		redis.call('HDEL', KEYS[3], o)
	end
	reaped = reaped + 1
end
`

// acquireScript returns {granted, ticket, expires_at_ms, reaped}.
// ARGV: now_ms, ttl_ms, max, owner, candidate_ticket.
var acquireScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local owner = ARGV[4]
local candidate = ARGV[5]
` + reapExpired + `
local held = redis.call('HGET', KEYS[3], owner)
if held then
	redis.call('ZADD', KEYS[1], now + ttl, held)
	return {1, held, now + ttl, reaped}
end

if redis.call('ZCARD', KEYS[1]) >= max then
	return {0, '', 0, reaped}
end

redis.call('ZADD', KEYS[1], now + ttl, candidate)
redis.call('HSET', KEYS[2], candidate, owner)
redis.call('HSET', KEYS[3], owner, candidate)
return {1, candidate, now + ttl, reaped}
`)

// releaseScript returns 1 if this call removed the ticket, 0 otherwise.
// ARGV: ticket.
var releaseScript = redis.NewScript(`
local t = ARGV[1]
local o = redis.call('HGET', KEYS[2], t)
local removed = redis.call('ZREM', KEYS[1], t)
redis.call('HDEL', KEYS[2], t)
if o and redis.call('HGET', KEYS[3], o) == t then
	redis.call('HDEL', KEYS[3], o)
end
return removed
`)

// releaseByOwnerScript returns 1 if this call removed the owner's ticket.
// ARGV: owner.
var releaseByOwnerScript = redis.NewScript(`
local o = ARGV[1]
local t = redis.call('HGET', KEYS[3], o)
if not t then
	return 0
end
redis.call('HDEL', KEYS[3], o)
redis.call('HDEL', KEYS[2], t)
return redis.call('ZREM', KEYS[1], t)
`)

// renewScript extends a live lease. Returns the new expiry in ms, or 0 when
// the ticket is gone or already expired.
// ARGV: now_ms, ttl_ms, ticket.
var renewScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local score = redis.call('ZSCORE', KEYS[1], ARGV[3])
if not score or tonumber(score) <= now then
	return 0
end
redis.call('ZADD', KEYS[1], 'XX', now + ttl, ARGV[3])
return now + ttl
`)

// reapScript releases expired tickets and returns how many it released.
// ARGV: now_ms.
var reapScript = redis.NewScript(`
local now = tonumber(ARGV[1])
` + reapExpired + `
return reaped
`)
