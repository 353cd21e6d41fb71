package redis

const (
	// addDetectionScript atomically stores a detection and its indexes
	addDetectionScript = `
local timeline = KEYS[1]       -- nudge:detections
local data_hash = KEYS[2]      -- nudge:detections:data
local host_hash = KEYS[3]      -- nudge:detections:hosts
local host_index = KEYS[4]     -- nudge:detections:host:{host}

local id = ARGV[1]
local score = ARGV[2]
local payload = ARGV[3]
local host = ARGV[4]

redis.call('HSET', data_hash, id, payload)
redis.call('HSET', host_hash, id, host)
redis.call('ZADD', timeline, score, id)
redis.call('ZADD', host_index, score, id)

return 'OK'
`

	// deleteDetectionsBeforeScript removes detections scored below the cutoff
	deleteDetectionsBeforeScript = `
local timeline = KEYS[1]       -- nudge:detections
local data_hash = KEYS[2]      -- nudge:detections:data
local host_hash = KEYS[3]      -- nudge:detections:hosts

local cutoff = ARGV[1]
local host_prefix = ARGV[2]

local ids = redis.call('ZRANGEBYSCORE', timeline, '-inf', '(' .. cutoff)
for _, id in ipairs(ids) do
  local host = redis.call('HGET', host_hash, id)
  if host then
    redis.call('ZREM', host_prefix .. host, id)
  end
  redis.call('HDEL', data_hash, id)
  redis.call('HDEL', host_hash, id)
  redis.call('ZREM', timeline, id)
end

return #ids
`
)
