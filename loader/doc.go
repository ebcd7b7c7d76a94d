/*
包 loader 在原始数据源之上叠加 L1 缓存，并组装完整会话上下文。

每类实体（商户、服务、员工、客户）的读取都经过 L1 的 cache-aside
（GetOrSet，带 singleflight 去重）；LoadFullContext 按依赖关系
扇出加载：商户/服务/员工/客户并行，随后排班，客户成功解析后
再并行加载预约与近期消息。

组装结果只有一份缓存快照：L1 context 分类作前端，
contextstore 的共享快照（L2）作跨进程层，两层经由同一个
失效入口（InvalidateConversation / InvalidateCache）一起清除。
*/
package loader
