package redis

import goredis "github.com/redis/go-redis/v9"

// Lua scripts for atomic, field-level session mutation.
//
// Every mutating script starts with the same liveness check so that the
// sweeper and live traffic can race on one record without a lock: a record
// whose expires_at lies in the past is rejected even if it still exists.
// Scripts answer either a negative status code or the HGETALL of the record.
// Every slide clamps expires_at to created_at + max_lifetime and stores the
// shortened ttl_ms, so expires_at = last_activity + ttl_ms always holds.

const (
	codeNotFound = -1
	codeExpired  = -2
	codeLocked   = -4
	codeLifetime = -5
	codeLive     = -6
)

const livenessPrelude = `
local function check(key, now)
  if redis.call('EXISTS', key) == 0 then return -1 end
  local status = redis.call('HGET', key, 'status')
  if status == 'deleted' then return -1 end
  if status ~= 'active' then return -2 end
  local expires = tonumber(redis.call('HGET', key, 'expires_at'))
  if now > expires then return -2 end
  return 0
end

local function slide(key, index, id, last, ttl, grace, max_lifetime)
  local expires = last + ttl
  local cap = tonumber(redis.call('HGET', key, 'created_at')) + max_lifetime
  if expires > cap then
    expires = cap
    ttl = expires - last
  end
  redis.call('HSET', key, 'last_activity', last, 'ttl_ms', ttl, 'expires_at', expires)
  redis.call('PEXPIREAT', key, expires + grace)
  redis.call('ZADD', index, expires, id)
end
`

// touchScript slides the activity window forward. last_activity never moves
// backwards, so concurrent touches are last-writer-wins without regressions.
// KEYS: [1]=session, [2]=expiry index
// ARGV: [1]=now_ms, [2]=grace_ms, [3]=session id, [4]=max_lifetime_ms
var touchScript = goredis.NewScript(livenessPrelude + `
local now = tonumber(ARGV[1])
local code = check(KEYS[1], now)
if code ~= 0 then return code end
local last = tonumber(redis.call('HGET', KEYS[1], 'last_activity'))
if now > last then last = now end
slide(KEYS[1], KEYS[2], ARGV[3], last, tonumber(redis.call('HGET', KEYS[1], 'ttl_ms')), tonumber(ARGV[2]), tonumber(ARGV[4]))
return redis.call('HGETALL', KEYS[1])
`)

// attachScript writes exactly one asset field and touches the session.
// Sibling asset fields are never read or rewritten.
// KEYS: [1]=session, [2]=expiry index
// ARGV: [1]=now_ms, [2]=grace_ms, [3]=session id, [4]=asset field,
// [5]=asset json, [6]=1 when the slot is frozen by a generation lock,
// [7]=max_lifetime_ms
var attachScript = goredis.NewScript(livenessPrelude + `
local now = tonumber(ARGV[1])
local code = check(KEYS[1], now)
if code ~= 0 then return code end
if ARGV[6] == '1' and redis.call('HGET', KEYS[1], 'locked_at') ~= '0'
  and redis.call('HEXISTS', KEYS[1], ARGV[4]) == 1 then
  return -4
end
redis.call('HSET', KEYS[1], ARGV[4], ARGV[5])
local last = tonumber(redis.call('HGET', KEYS[1], 'last_activity'))
if now > last then last = now end
slide(KEYS[1], KEYS[2], ARGV[3], last, tonumber(redis.call('HGET', KEYS[1], 'ttl_ms')), tonumber(ARGV[2]), tonumber(ARGV[7]))
return redis.call('HGETALL', KEYS[1])
`)

// extendScript grows the session TTL and slides the window to now, capped at
// created_at + max_lifetime.
// KEYS: [1]=session, [2]=expiry index
// ARGV: [1]=now_ms, [2]=grace_ms, [3]=session id, [4]=extra_ms, [5]=max_lifetime_ms
var extendScript = goredis.NewScript(livenessPrelude + `
local now = tonumber(ARGV[1])
local code = check(KEYS[1], now)
if code ~= 0 then return code end
local created = tonumber(redis.call('HGET', KEYS[1], 'created_at'))
local last = tonumber(redis.call('HGET', KEYS[1], 'last_activity'))
local ttl = tonumber(redis.call('HGET', KEYS[1], 'ttl_ms'))
local old_expires = last + ttl
if now > last then last = now end
local expires = last + ttl + tonumber(ARGV[4])
local cap = created + tonumber(ARGV[5])
if expires > cap then expires = cap end
if expires <= old_expires then return -5 end
slide(KEYS[1], KEYS[2], ARGV[3], last, expires - last, tonumber(ARGV[2]), tonumber(ARGV[5]))
return redis.call('HGETALL', KEYS[1])
`)

// lockScript freezes uploaded slots once a generation has been submitted.
// KEYS: [1]=session
// ARGV: [1]=now_ms
var lockScript = goredis.NewScript(livenessPrelude + `
local now = tonumber(ARGV[1])
local code = check(KEYS[1], now)
if code ~= 0 then return code end
if redis.call('HGET', KEYS[1], 'locked_at') == '0' then
  redis.call('HSET', KEYS[1], 'locked_at', ARGV[1])
end
return 0
`)

// deleteScript turns the record into a deleted tombstone and gives it a
// zero index score, so the sweeper reclaims its stored bytes first. The
// tombstone keeps its asset fields for that.
// KEYS: [1]=session, [2]=expiry index
// ARGV: [1]=session id
var deleteScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
redis.call('HSET', KEYS[1], 'status', 'deleted')
redis.call('ZADD', KEYS[2], 0, ARGV[1])
return 0
`)

// markExpiredScript flips a lapsed record to expired and returns it with its
// asset fields. A record touched after the sweeper listed it is left alone.
// KEYS: [1]=session
// ARGV: [1]=now_ms
var markExpiredScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local status = redis.call('HGET', KEYS[1], 'status')
local expires = tonumber(redis.call('HGET', KEYS[1], 'expires_at'))
if status == 'active' then
  if tonumber(ARGV[1]) <= expires then return -6 end
  redis.call('HSET', KEYS[1], 'status', 'expired')
end
return redis.call('HGETALL', KEYS[1])
`)
