package storage

import "github.com/redis/go-redis/v9"

// KEYS[1]=waiting KEYS[2]=working
// ARGV[1]=now ARGV[2]=n ARGV[3]=default timeout seconds
// ARGV[4..]=optional (id, timeout seconds) pairs
var claimBatchScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local n = tonumber(ARGV[2])
local def = tonumber(ARGV[3])
local claimed = {}
if n <= 0 then
  return claimed
end
if #ARGV <= 3 then
  local ready = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', now, 'LIMIT', 0, n)
  for _, id in ipairs(ready) do
    redis.call('ZREM', KEYS[1], id)
    redis.call('ZADD', KEYS[2], now + def, id)
    claimed[#claimed + 1] = id
  end
  return claimed
end
for i = 4, #ARGV, 2 do
  if #claimed >= n then
    break
  end
  local id = ARGV[i]
  local score = redis.call('ZSCORE', KEYS[1], id)
  if score and tonumber(score) <= now then
    redis.call('ZREM', KEYS[1], id)
    redis.call('ZADD', KEYS[2], now + tonumber(ARGV[i + 1]), id)
    claimed[#claimed + 1] = id
  end
end
return claimed
`)

// KEYS[1]=working ARGV[1]=id ARGV[2]=expected claim expiry or ''
var releaseScript = redis.NewScript(`
if ARGV[2] ~= '' then
  local cur = redis.call('ZSCORE', KEYS[1], ARGV[1])
  if not cur or tonumber(cur) ~= tonumber(ARGV[2]) then
    return 0
  end
end
return redis.call('ZREM', KEYS[1], ARGV[1])
`)

// KEYS[1]=waiting KEYS[2]=working
// ARGV[1]=id ARGV[2]=score ARGV[3]=expected claim expiry or ''
var requeueScript = redis.NewScript(`
if ARGV[3] ~= '' then
  local cur = redis.call('ZSCORE', KEYS[2], ARGV[1])
  if not cur or tonumber(cur) ~= tonumber(ARGV[3]) then
    return 0
  end
end
if redis.call('ZREM', KEYS[2], ARGV[1]) == 1 then
  redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
  return 1
end
return 0
`)

// KEYS[1]=waiting KEYS[2]=working ARGV[1]=score ARGV[2..]=ids
var repopulateScript = redis.NewScript(`
local added = 0
for i = 2, #ARGV do
  local id = ARGV[i]
  if not redis.call('ZSCORE', KEYS[1], id) and not redis.call('ZSCORE', KEYS[2], id) then
    redis.call('ZADD', KEYS[1], ARGV[1], id)
    added = added + 1
  end
end
return added
`)

// KEYS[1]=waiting KEYS[2]=working ARGV[1]=exclusive cutoff ARGV[2]=requeue score ARGV[3]=limit
var reclaimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', '(' .. ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('ZADD', KEYS[1], ARGV[2], id)
end
return ids
`)

// KEYS[1]=leader ARGV[1]=holder ARGV[2]=ttl ms
var leaderScript = redis.NewScript(`
if redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2]) then
  return 1
end
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
return 0
`)
