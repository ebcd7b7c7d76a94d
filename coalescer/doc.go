/*
包 coalescer 将同一发送者的连发消息合并为一个逻辑回合。

每个会话键的状态机：Idle → Buffering →（Flushing）→ Idle。
首条消息创建待合并批次并启动两个计时器：

  - 去抖计时器：每来一条消息重置；静默期满后刷写；
  - 硬上限计时器：自批次创建起算，从不重置，界定最坏延迟。

刷写由三者之一触发：去抖期满、批次达到最大条数、硬上限到期。
刷写原子地从映射中摘下批次（pop-then-merge），因此并发追加
既不会被悄悄丢弃也不会被重复刷写；批次摘下后到达的消息开启
全新的批次。同一会话键的消息严格按到达顺序合并，不同键完全
独立、可并发刷写。

计时器为进程内所有：默认部署假定同一会话键的消息总是落在
同一进程（按发送者分片或单一摄入进程）。多进程并发接收同一
发送者时改用 SharedBuffer —— 批次存放在共享存储中，
"认领到期批次"为单个 Lua 脚本的原子取删操作。
*/
package coalescer
