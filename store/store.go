package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/BaSui01/chatflow/config"
	"github.com/BaSui01/chatflow/types"
)

// =============================================================================
// 🗄️ 记录系统数据源
// =============================================================================

// Store 是记录系统（SQL 数据库）的数据源实现。
// 所有读取方法在记录缺失时返回空值/nil 而非错误。
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open 根据配置打开数据库连接并返回数据源
func Open(cfg config.DatabaseConfig, logger *zap.Logger) (*Store, error) {
	if cfg.Driver == "" {
		return nil, fmt.Errorf("database driver not configured")
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN())
	case "mysql":
		dialector = mysql.Open(cfg.DSN())
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN())
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: postgres, mysql, sqlite)", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	logger.Info("database connected", zap.String("driver", cfg.Driver))
	return NewWithDB(db, logger), nil
}

// NewWithDB 用已有的 GORM 连接创建数据源（测试用）
func NewWithDB(db *gorm.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:     db,
		logger: logger.With(zap.String("component", "record_store")),
	}
}

// AutoMigrate 自动迁移所有表结构
func (s *Store) AutoMigrate() error {
	err := s.db.AutoMigrate(
		&CompanyModel{},
		&ServiceModel{},
		&StaffModel{},
		&ScheduleModel{},
		&ClientModel{},
		&BookingModel{},
	)
	if err != nil {
		return fmt.Errorf("failed to auto migrate: %w", err)
	}
	return nil
}

// DB 返回底层 GORM 实例
func (s *Store) DB() *gorm.DB { return s.db }

// Stats 返回底层连接池统计（open/idle），用于指标上报
func (s *Store) Stats() (open, idle int) {
	sqlDB, err := s.db.DB()
	if err != nil {
		return 0, 0
	}
	st := sqlDB.Stats()
	return st.OpenConnections, st.Idle
}

// =============================================================================
// 🎯 DataSource 实现
// =============================================================================

// LoadCompany 读取商户信息；不存在时返回 (nil, nil)
func (s *Store) LoadCompany(ctx context.Context, tenantID string) (*types.Company, error) {
	var m CompanyModel
	err := s.db.WithContext(ctx).First(&m, "id = ?", tenantID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load company %s: %w", tenantID, err)
	}
	return m.toEntity(), nil
}

// LoadServices 读取商户的活跃服务列表
func (s *Store) LoadServices(ctx context.Context, tenantID string) ([]types.Service, error) {
	var ms []ServiceModel
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND active = ?", tenantID, true).
		Order("id").
		Find(&ms).Error
	if err != nil {
		return nil, fmt.Errorf("load services for %s: %w", tenantID, err)
	}
	out := make([]types.Service, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.toEntity())
	}
	return out, nil
}

// LoadStaff 读取商户的活跃员工名册
func (s *Store) LoadStaff(ctx context.Context, tenantID string) ([]types.Staff, error) {
	var ms []StaffModel
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND active = ?", tenantID, true).
		Order("id").
		Find(&ms).Error
	if err != nil {
		return nil, fmt.Errorf("load staff for %s: %w", tenantID, err)
	}
	out := make([]types.Staff, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.toEntity())
	}
	return out, nil
}

// LoadStaffSchedules 读取指定员工的近期排班，按员工聚合
func (s *Store) LoadStaffSchedules(ctx context.Context, tenantID string, staffIDs []int64) ([]types.StaffSchedule, error) {
	if len(staffIDs) == 0 {
		return nil, nil
	}
	var ms []ScheduleModel
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND staff_id IN ?", tenantID, staffIDs).
		Order("staff_id, date").
		Find(&ms).Error
	if err != nil {
		return nil, fmt.Errorf("load schedules for %s: %w", tenantID, err)
	}

	byStaff := make(map[int64][]string)
	for _, m := range ms {
		byStaff[m.StaffID] = append(byStaff[m.StaffID], m.Date)
	}

	// 保持传入 staffIDs 的顺序
	out := make([]types.StaffSchedule, 0, len(byStaff))
	for _, id := range staffIDs {
		dates, ok := byStaff[id]
		if !ok {
			continue
		}
		out = append(out, types.StaffSchedule{StaffID: id, Dates: dates})
	}
	return out, nil
}

// LoadClient 按规范化电话查找客户；不存在时返回 (nil, nil)
func (s *Store) LoadClient(ctx context.Context, participantID, tenantID string) (*types.ClientRecord, error) {
	phone := types.NormalizePhone(participantID)
	var m ClientModel
	err := s.db.WithContext(ctx).
		First(&m, "tenant_id = ? AND phone = ?", tenantID, phone).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load client %s: %w", phone, err)
	}
	return m.toEntity(), nil
}

// LoadBookings 读取客户的预约记录，最新优先
func (s *Store) LoadBookings(ctx context.Context, clientID int64, tenantID string) ([]types.Booking, error) {
	var ms []BookingModel
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND client_id = ?", tenantID, clientID).
		Order("start_at DESC").
		Find(&ms).Error
	if err != nil {
		return nil, fmt.Errorf("load bookings for client %d: %w", clientID, err)
	}
	out := make([]types.Booking, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.toEntity())
	}
	return out, nil
}
