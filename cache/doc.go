/*
包 cache 提供进程内的分类分区本地缓存（L1）。

每个分类（company、services、staff、clients、slots、context）携带独立的
默认 TTL；条目过期采用"读取时惰性检查 + 周期性主动清扫"双重机制。
容量达到上限时淘汰最早写入的条目。

# 主要能力

  - Get / Set / Delete / Flush：分类作用域的基本操作，带命中统计。
  - GetOrSet：cache-aside 读取，冷缓存并发未命中经 singleflight 去重，
    同一键的并发加载只执行一次工厂函数。
  - InvalidateRelated：按实体类型（client、booking、service、staff、tenant）
    路由到需要清除的分类/键。
  - Stats：总体与分分类的命中/未命中/写入/删除/淘汰计数。

L1 仅为本进程所有，跨进程的陈旧性由 TTL 界定，属于接受的风险。
*/
package cache
