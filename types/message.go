package types

import "time"

// InboundMessage 是 webhook 层交给合并器的规范化入站消息事件。
type InboundMessage struct {
	TenantID      string    `json:"tenant_id"`
	ParticipantID string    `json:"participant_id"`
	Text          string    `json:"text"`
	Timestamp     time.Time `json:"timestamp"`
}

// Key 返回消息所属的会话键。
func (m InboundMessage) Key() ConversationKey {
	return NewConversationKey(m.TenantID, m.ParticipantID)
}

// TurnMetadata 描述一次合并回合的来源。
type TurnMetadata struct {
	// IsBatch 表示该回合由多条消息合并而来
	IsBatch bool `json:"is_batch"`
	// OriginalMessagesCount 为合并前的原始消息条数
	OriginalMessagesCount int `json:"original_messages_count"`
}

// MergedTurn 是合并器输出的一个逻辑回合，交给下游处理管线。
type MergedTurn struct {
	ID         string          `json:"id"`
	Key        ConversationKey `json:"key"`
	MergedText string          `json:"merged_text"`
	Metadata   TurnMetadata    `json:"metadata"`
	// FirstAt / LastAt 为批次首末消息的到达时间
	FirstAt time.Time `json:"first_at"`
	LastAt  time.Time `json:"last_at"`
}

// HistoryEntry 是消息历史中的一条记录，存储边界处统一为该结构。
type HistoryEntry struct {
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// 历史消息的发送方取值。
const (
	SenderClient    = "client"
	SenderAssistant = "assistant"
)
