package types

import "time"

// DialogContext 是每个会话的对话状态记录（L2 中的 hash）。
type DialogContext struct {
	// State 为自由形式的状态标签（如 "idle"、"awaiting_time"）
	State string `json:"state"`
	// LastActivity 为最近一次交互时间，TTL 自该时间起算
	LastActivity time.Time `json:"last_activity"`
	// Data 为不透明的结构化数据（命令解析器写入/读取）
	Data map[string]any `json:"data,omitempty"`
	// ClientName 为可选的显示名缓存
	ClientName string `json:"client_name,omitempty"`
	// LastAction 为最近一次已执行的命令标签
	LastAction string `json:"last_action,omitempty"`
}

// ClientRecord 客户记录。
type ClientRecord struct {
	ID       int64  `json:"id,omitempty"`
	Name     string `json:"name,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Email    string `json:"email,omitempty"`
	Comment  string `json:"comment,omitempty"`
	TenantID string `json:"tenant_id,omitempty"`
}

// IsEmpty 报告记录是否不含任何可识别信息。
func (c ClientRecord) IsEmpty() bool {
	return c.ID == 0 && c.Name == "" && c.Phone == ""
}

// Company 商户（沙龙）信息。
type Company struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Address  string `json:"address,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// Service 商户提供的服务项目。
type Service struct {
	ID       int64   `json:"id"`
	Title    string  `json:"title"`
	Price    float64 `json:"price,omitempty"`
	Duration int     `json:"duration_minutes,omitempty"`
}

// Staff 员工记录。
type Staff struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	Specialization string `json:"specialization,omitempty"`
}

// StaffSchedule 员工近期排班。
type StaffSchedule struct {
	StaffID int64    `json:"staff_id"`
	Dates   []string `json:"dates,omitempty"`
}

// Booking 预约记录。
type Booking struct {
	ID        int64     `json:"id"`
	ServiceID int64     `json:"service_id,omitempty"`
	StaffID   int64     `json:"staff_id,omitempty"`
	StartAt   time.Time `json:"start_at"`
	Status    string    `json:"status,omitempty"`
}

// Context 是 GetContext 返回的会话上下文视图。
// 读失败时返回零值视图并带 Error 字段，调用方永远不会收到 error 返回值。
type Context struct {
	Client       ClientRecord   `json:"client"`
	LastMessages []HistoryEntry `json:"last_messages"`
	Preferences  map[string]any `json:"preferences,omitempty"`
	LastBooking  *Booking       `json:"last_booking,omitempty"`
	LastAction   string         `json:"last_action,omitempty"`
	// Error 记录降级原因；为空表示读取完整
	Error string `json:"error,omitempty"`
}

// FullContext 是组装后的完整上下文快照：
// 客户、商户、服务、员工、排班、预约与近期消息的聚合。
// 快照是组装时各组成部分的纯函数；TTL 内的陈旧可接受，
// 任一组成部分已知变化时必须显式失效。
type FullContext struct {
	Key         ConversationKey `json:"key"`
	Company     *Company        `json:"company,omitempty"`
	Services    []Service       `json:"services,omitempty"`
	Staff       []Staff         `json:"staff,omitempty"`
	Schedules   []StaffSchedule `json:"schedules,omitempty"`
	Client      *ClientRecord   `json:"client,omitempty"`
	Bookings    []Booking       `json:"bookings,omitempty"`
	Messages    []HistoryEntry  `json:"messages,omitempty"`
	AssembledAt time.Time       `json:"assembled_at"`
}

// Clone 返回快照的独立副本。缓存层把同一快照交给多个调用方，
// 调用方只应修改自己的副本，缓存内的原件保持不变。
func (fc *FullContext) Clone() *FullContext {
	if fc == nil {
		return nil
	}
	out := *fc
	if fc.Company != nil {
		c := *fc.Company
		out.Company = &c
	}
	if fc.Client != nil {
		c := *fc.Client
		out.Client = &c
	}
	out.Services = append([]Service(nil), fc.Services...)
	out.Staff = append([]Staff(nil), fc.Staff...)
	if fc.Schedules != nil {
		out.Schedules = make([]StaffSchedule, len(fc.Schedules))
		for i, sch := range fc.Schedules {
			sch.Dates = append([]string(nil), sch.Dates...)
			out.Schedules[i] = sch
		}
	}
	out.Bookings = append([]Booking(nil), fc.Bookings...)
	out.Messages = append([]HistoryEntry(nil), fc.Messages...)
	return &out
}

// ConversationSummary 是 GetConversationSummary 的返回结果。
type ConversationSummary struct {
	HasHistory     bool           `json:"has_history"`
	MessageCount   int            `json:"message_count"`
	RecentMessages []HistoryEntry `json:"recent_messages,omitempty"`
	LastBooking    *Booking       `json:"last_booking,omitempty"`
	Preferences    map[string]any `json:"preferences,omitempty"`
	CanContinue    bool           `json:"can_continue"`
}
