package types

import (
	"fmt"
	"strings"
)

// ConversationKey 唯一标识一个会话线程：租户（商户）+ 规范化的参与者号码。
type ConversationKey struct {
	TenantID      string `json:"tenant_id"`
	ParticipantID string `json:"participant_id"`
}

// NewConversationKey 构造规范化的会话键。
// participant 可以是任意原始形式（"+7 900 123-45-67"、"79001234567@c.us" 等）。
func NewConversationKey(tenantID, participant string) ConversationKey {
	return ConversationKey{
		TenantID:      strings.TrimSpace(tenantID),
		ParticipantID: NormalizePhone(participant),
	}
}

// String 返回 "tenant:participant" 形式，用作存储键的组成部分。
func (k ConversationKey) String() string {
	return fmt.Sprintf("%s:%s", k.TenantID, k.ParticipantID)
}

// IsZero 报告键是否为空。
func (k ConversationKey) IsZero() bool {
	return k.TenantID == "" || k.ParticipantID == ""
}

// NormalizePhone 将原始参与者标识规范化为统一的号码形式。
//
// 规范化步骤：
//  1. 去掉传输后缀（"79001234567@c.us" → "79001234567"）
//  2. 去掉所有非数字字符（"+7 900 123-45-67" → "79001234567"）
//  3. 统一国家码前缀：11 位以 8 开头替换为 7；10 位补 7 前缀
//
// 等价的输入必须得到完全相同的输出，见 key_test.go 的属性测试。
func NormalizePhone(raw string) string {
	s := strings.TrimSpace(raw)

	// 传输后缀（whatsapp/telegram 网关附加的 @domain 部分）
	if i := strings.IndexByte(s, '@'); i >= 0 {
		s = s[:i]
	}

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	switch {
	case len(digits) == 11 && digits[0] == '8':
		// 俄语区本地写法 8XXXXXXXXXX
		return "7" + digits[1:]
	case len(digits) == 10:
		return "7" + digits
	default:
		return digits
	}
}
