package redis

import goredis "github.com/redis/go-redis/v9"

// casScript applies a conditional envelope update and keeps the topic
// indexes in step with the new status.
//
// KEYS: job, ready, delayed, leased, old status index, new status index
// ARGV: expected status, expected token, status, attempt, not_before,
// lease_expiry, lease_token, last_error, updated_at, id, now (= updated_at)
var casScript = goredis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'status', 'lease_token', 'seq')
if not cur[1] then return 'NOTFOUND' end
if cur[1] ~= ARGV[1] or (cur[2] or '') ~= ARGV[2] then return 'CONFLICT' end
local seq = tonumber(cur[3])
local id = ARGV[10]
redis.call('HSET', KEYS[1],
  'status', ARGV[3], 'attempt', ARGV[4], 'not_before', ARGV[5],
  'lease_expiry', ARGV[6], 'lease_token', ARGV[7], 'last_error', ARGV[8],
  'updated_at', ARGV[9])
redis.call('ZREM', KEYS[2], id)
redis.call('ZREM', KEYS[3], id)
redis.call('ZREM', KEYS[4], id)
redis.call('ZREM', KEYS[5], id)
redis.call('ZADD', KEYS[6], seq, id)
if ARGV[3] == 'pending' then
  if tonumber(ARGV[5]) > tonumber(ARGV[11]) then
    redis.call('ZADD', KEYS[3], ARGV[5], id)
  else
    redis.call('ZADD', KEYS[2], seq, id)
  end
elseif ARGV[3] == 'leased' then
  redis.call('ZADD', KEYS[4], ARGV[6], id)
end
return 'OK'
`)

// firstEligibleScript promotes due delayed envelopes and returns the id of
// the earliest expired lease, or else the earliest ready envelope.
//
// KEYS: ready, delayed, leased
// ARGV: now (unix ms), job key prefix
var firstEligibleScript = goredis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, id in ipairs(due) do
  local seq = redis.call('HGET', ARGV[2] .. id, 'seq')
  redis.call('ZREM', KEYS[2], id)
  if seq then redis.call('ZADD', KEYS[1], seq, id) end
end
local expired = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', '(' .. ARGV[1], 'LIMIT', 0, 100)
local best, bestSeq = nil, nil
for _, id in ipairs(expired) do
  local seq = tonumber(redis.call('HGET', ARGV[2] .. id, 'seq'))
  if seq and (bestSeq == nil or seq < bestSeq) then
    best, bestSeq = id, seq
  end
end
if best then return best end
local ready = redis.call('ZRANGE', KEYS[1], 0, 0)
if ready[1] then return ready[1] end
return false
`)
