package contextstore

import "github.com/redis/go-redis/v9"

// appendHistoryScript 原子地完成：追加历史消息、截断到长度上限、
// 刷新列表与对话 hash 的 TTL。
//
// 拆成多次往返会留下"已追加但无过期时间"的窗口（列表在 LPUSH 后、
// EXPIRE 前崩溃即永不过期），因此必须在一个脚本内完成。
//
// KEYS[1] = 历史列表键
// KEYS[2] = 对话 hash 键
// ARGV[1] = JSON 序列化的消息
// ARGV[2] = 历史长度上限
// ARGV[3] = TTL（秒）
// ARGV[4] = last_activity（RFC3339）
var appendHistoryScript = redis.NewScript(`
local list = KEYS[1]
local dialog = KEYS[2]
local entry = ARGV[1]
local limit = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])
local now = ARGV[4]

redis.call('LPUSH', list, entry)
redis.call('LTRIM', list, 0, limit - 1)
redis.call('EXPIRE', list, ttl)

redis.call('HSET', dialog, 'last_activity', now)
redis.call('EXPIRE', dialog, ttl)

return redis.call('LLEN', list)
`)
