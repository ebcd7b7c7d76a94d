/*
包 contextstore 是共享上下文存储（L2，Redis）之上的会话门面。

每个会话键对应一组带独立 TTL 的存储结构：

  - 对话状态 hash（state、data、client_name、last_activity），TTL 30 天，
    每次变更刷新；
  - 消息历史 list（JSON 序列化的 HistoryEntry），长度上限 50，
    与对话状态共享 TTL；追加 + 截断 + 刷新 TTL 为单个 Lua 脚本的
    原子操作，不存在"已追加但无过期时间"的窗口；
  - 偏好 key（JSON map），TTL 1 年，合并式更新（last-writer-wins）；
  - 客户子记录、最近预约、完整上下文快照，各自独立 TTL。

失败语义：所有读取方法降级返回空值并记录日志，存储不可达不会
传播为调用方错误——会话管线在 L2 故障时继续运行，仅损失个性化。
每次存储操作携带短超时。
*/
package contextstore
