package store

import (
	"time"

	"github.com/BaSui01/chatflow/types"
)

// =============================================================================
// 🗄️ 表模型
// =============================================================================

// CompanyModel 商户表
type CompanyModel struct {
	ID       string `gorm:"primaryKey;column:id"`
	Title    string `gorm:"column:title"`
	Address  string `gorm:"column:address"`
	Phone    string `gorm:"column:phone"`
	Timezone string `gorm:"column:timezone"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName 表名
func (CompanyModel) TableName() string { return "companies" }

func (m CompanyModel) toEntity() *types.Company {
	return &types.Company{
		ID:       m.ID,
		Title:    m.Title,
		Address:  m.Address,
		Phone:    m.Phone,
		Timezone: m.Timezone,
	}
}

// ServiceModel 服务项目表
type ServiceModel struct {
	ID       int64   `gorm:"primaryKey;autoIncrement;column:id"`
	TenantID string  `gorm:"column:tenant_id;index"`
	Title    string  `gorm:"column:title"`
	Price    float64 `gorm:"column:price"`
	Duration int     `gorm:"column:duration_minutes"`
	Active   bool    `gorm:"column:active;default:true"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName 表名
func (ServiceModel) TableName() string { return "services" }

func (m ServiceModel) toEntity() types.Service {
	return types.Service{
		ID:       m.ID,
		Title:    m.Title,
		Price:    m.Price,
		Duration: m.Duration,
	}
}

// StaffModel 员工表
type StaffModel struct {
	ID             int64  `gorm:"primaryKey;autoIncrement;column:id"`
	TenantID       string `gorm:"column:tenant_id;index"`
	Name           string `gorm:"column:name"`
	Specialization string `gorm:"column:specialization"`
	Active         bool   `gorm:"column:active;default:true"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName 表名
func (StaffModel) TableName() string { return "staff" }

func (m StaffModel) toEntity() types.Staff {
	return types.Staff{
		ID:             m.ID,
		Name:           m.Name,
		Specialization: m.Specialization,
	}
}

// ScheduleModel 员工排班表，每行为一名员工的一个工作日
type ScheduleModel struct {
	ID       int64  `gorm:"primaryKey;autoIncrement;column:id"`
	TenantID string `gorm:"column:tenant_id;index:idx_schedule_tenant_staff"`
	StaffID  int64  `gorm:"column:staff_id;index:idx_schedule_tenant_staff"`
	// 工作日，格式 YYYY-MM-DD
	Date string `gorm:"column:date"`

	CreatedAt time.Time
}

// TableName 表名
func (ScheduleModel) TableName() string { return "staff_schedules" }

// ClientModel 客户表
type ClientModel struct {
	ID       int64  `gorm:"primaryKey;autoIncrement;column:id"`
	TenantID string `gorm:"column:tenant_id;index:idx_client_tenant_phone"`
	// 规范化电话（仅数字，带国家码）
	Phone   string `gorm:"column:phone;index:idx_client_tenant_phone"`
	Name    string `gorm:"column:name"`
	Email   string `gorm:"column:email"`
	Comment string `gorm:"column:comment"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName 表名
func (ClientModel) TableName() string { return "clients" }

func (m ClientModel) toEntity() *types.ClientRecord {
	return &types.ClientRecord{
		ID:       m.ID,
		Name:     m.Name,
		Phone:    m.Phone,
		Email:    m.Email,
		Comment:  m.Comment,
		TenantID: m.TenantID,
	}
}

// BookingModel 预约表
type BookingModel struct {
	ID        int64     `gorm:"primaryKey;autoIncrement;column:id"`
	TenantID  string    `gorm:"column:tenant_id;index:idx_booking_tenant_client"`
	ClientID  int64     `gorm:"column:client_id;index:idx_booking_tenant_client"`
	ServiceID int64     `gorm:"column:service_id"`
	StaffID   int64     `gorm:"column:staff_id"`
	StartAt   time.Time `gorm:"column:start_at"`
	Status    string    `gorm:"column:status"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName 表名
func (BookingModel) TableName() string { return "bookings" }

func (m BookingModel) toEntity() types.Booking {
	return types.Booking{
		ID:        m.ID,
		ServiceID: m.ServiceID,
		StaffID:   m.StaffID,
		StartAt:   m.StartAt,
		Status:    m.Status,
	}
}
