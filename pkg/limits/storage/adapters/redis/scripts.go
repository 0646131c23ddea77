package redis

import goredis "github.com/redis/go-redis/v9"

// All atomic sequences run server side. Scripts are loaded lazily by SHA on
// first use; the client re-loads on NOSCRIPT.

// incrExpireScript increments a counter and stamps its ttl on the creating
// call, or on every call when ARGV[3] requests elastic expiry.
// KEYS[1] counter key; ARGV[1] expiry seconds, ARGV[2] amount, ARGV[3] elastic flag.
var incrExpireScript = goredis.NewScript(`
local current = redis.call('INCRBY', KEYS[1], ARGV[2])
if ARGV[3] == '1' or tonumber(current) == tonumber(ARGV[2]) then
    redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return current
`)

// movingWindowScript scans the head of the timestamp list and reports the
// oldest entry still inside the window plus the active count.
// KEYS[1] window list; ARGV[1] cutoff (now - expiry), ARGV[2] limit.
var movingWindowScript = goredis.NewScript(`
local items = redis.call('LRANGE', KEYS[1], 0, tonumber(ARGV[2]) - 1)
local cutoff = tonumber(ARGV[1])
local oldest = nil
local count = 0
for i = 1, #items do
    local ts = tonumber(items[i])
    if ts >= cutoff then
        oldest = items[i]
        count = count + 1
    else
        break
    end
end
if oldest == nil then
    return {}
end
return {oldest, count}
`)

// acquireMovingWindowScript admits ARGV[4] entries when the element at index
// limit-amount has aged out (or is absent), maintaining the capped
// newest-first list.
// KEYS[1] window list; ARGV[1] now, ARGV[2] limit, ARGV[3] expiry seconds, ARGV[4] amount.
var acquireMovingWindowScript = goredis.NewScript(`
local limit = tonumber(ARGV[2])
local amount = tonumber(ARGV[4])
local entry = redis.call('LINDEX', KEYS[1], limit - amount)
if entry and tonumber(entry) >= tonumber(ARGV[1]) - tonumber(ARGV[3]) then
    return 0
end
local entries = {}
for i = 1, amount do
    entries[i] = ARGV[1]
end
redis.call('LPUSH', KEYS[1], unpack(entries))
redis.call('LTRIM', KEYS[1], 0, limit - 1)
redis.call('EXPIRE', KEYS[1], math.ceil(tonumber(ARGV[3])))
return 1
`)

// The sliding pair lives under two hash-tagged keys so cluster mode keeps
// them in one slot. The current counter is created with a 2*expiry ttl; once
// its remaining ttl drops below expiry its window has ended and a write
// shifts it into the previous slot (RENAME carries the ttl).

// slidingWindowShift rolls the current counter into the previous slot when
// its window has ended. Shared prologue of the sliding scripts.
const slidingWindowShift = `
local expiry_ms = tonumber(ARGV[1]) * 1000
local current_ttl = redis.call('PTTL', KEYS[2])
if current_ttl >= 0 and current_ttl < expiry_ms then
    redis.call('RENAME', KEYS[2], KEYS[1])
end
`

// slidingWindowScript reads the counter pair. Read only: a rollover that no
// write has shifted yet is folded in arithmetically.
// KEYS[1] previous, KEYS[2] current; ARGV[1] expiry seconds.
var slidingWindowScript = goredis.NewScript(`
local expiry_ms = tonumber(ARGV[1]) * 1000
local previous_count = tonumber(redis.call('GET', KEYS[1]) or '0')
local previous_ttl = redis.call('PTTL', KEYS[1])
local current_count = tonumber(redis.call('GET', KEYS[2]) or '0')
local current_ttl = redis.call('PTTL', KEYS[2])
if current_ttl >= 0 and current_ttl < expiry_ms then
    previous_count = current_count
    previous_ttl = current_ttl
    current_count = 0
    current_ttl = -2
end
if previous_ttl < 0 then
    previous_count = 0
    previous_ttl = 0
end
if current_ttl < 0 then
    current_ttl = 0
end
return {previous_count, previous_ttl, current_count, current_ttl}
`)

// acquireSlidingWindowScript computes the weighted count and admits ARGV[3]
// hits when capacity allows, creating the current counter with SET PX on
// first use.
// KEYS[1] previous, KEYS[2] current; ARGV[1] expiry seconds, ARGV[2] limit, ARGV[3] amount.
var acquireSlidingWindowScript = goredis.NewScript(slidingWindowShift + `
local previous_count = tonumber(redis.call('GET', KEYS[1]) or '0')
local previous_ttl = redis.call('PTTL', KEYS[1])
if previous_ttl < 0 then
    previous_count = 0
    previous_ttl = 0
end
local current_count = tonumber(redis.call('GET', KEYS[2]) or '0')
local weighted = math.floor(previous_count * previous_ttl / expiry_ms) + current_count
if weighted + tonumber(ARGV[3]) > tonumber(ARGV[2]) then
    return 0
end
if redis.call('EXISTS', KEYS[2]) == 0 then
    redis.call('SET', KEYS[2], ARGV[3], 'PX', 2 * expiry_ms)
else
    redis.call('INCRBY', KEYS[2], ARGV[3])
end
return 1
`)

// resetScript paginates SCAN and deletes every key under the library prefix.
// ARGV[1] match pattern.
var resetScript = goredis.NewScript(`
local cursor = '0'
local deleted = 0
repeat
    local result = redis.call('SCAN', cursor, 'MATCH', ARGV[1], 'COUNT', 5000)
    cursor = result[1]
    for _, key in ipairs(result[2]) do
        redis.call('DEL', key)
        deleted = deleted + 1
    end
until cursor == '0'
return deleted
`)
