// Package types 定义 chatflow 的核心数据类型：会话键、入站消息、
// 合并回合、对话上下文与完整上下文快照。
//
// 所有会话数据均以规范化的 ConversationKey 寻址，
// 等价的原始标识（带/不带国家码、带/不带传输后缀）必须规范化为同一个键。
package types
