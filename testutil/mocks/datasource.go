// Package mocks 提供 loader.DataSource 的可配置模拟实现。
package mocks

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/BaSui01/chatflow/types"
)

// DataSource 记录调用次数、可注入返回值与错误的模拟数据源。
// 零值即可用：所有实体返回内置的测试数据。
type DataSource struct {
	mu sync.Mutex

	Company   *types.Company
	Services  []types.Service
	Staff     []types.Staff
	Schedules []types.StaffSchedule
	Client    *types.ClientRecord
	Bookings  []types.Booking

	// Err 非空时所有方法返回该错误
	Err error

	CompanyCalls   atomic.Int32
	ServicesCalls  atomic.Int32
	StaffCalls     atomic.Int32
	SchedulesCalls atomic.Int32
	ClientCalls    atomic.Int32
	BookingsCalls  atomic.Int32
}

// NewDataSource 返回带默认测试数据的模拟数据源。
func NewDataSource() *DataSource {
	return &DataSource{
		Company: &types.Company{ID: "962302", Title: "Салон красоты", Timezone: "Europe/Moscow"},
		Services: []types.Service{
			{ID: 1, Title: "Стрижка", Price: 1500, Duration: 60},
			{ID: 2, Title: "Маникюр", Price: 2000, Duration: 90},
		},
		Staff: []types.Staff{
			{ID: 10, Name: "Анна", Specialization: "парикмахер"},
		},
		Schedules: []types.StaffSchedule{
			{StaffID: 10, Dates: []string{"2025-06-02", "2025-06-03"}},
		},
		Client: &types.ClientRecord{ID: 42, Name: "Мария", Phone: "79001234567", TenantID: "962302"},
		Bookings: []types.Booking{
			{ID: 100, ServiceID: 1, StaffID: 10, Status: "confirmed"},
		},
	}
}

func (d *DataSource) LoadCompany(ctx context.Context, tenantID string) (*types.Company, error) {
	d.CompanyCalls.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Company, d.Err
}

func (d *DataSource) LoadServices(ctx context.Context, tenantID string) ([]types.Service, error) {
	d.ServicesCalls.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Services, d.Err
}

func (d *DataSource) LoadStaff(ctx context.Context, tenantID string) ([]types.Staff, error) {
	d.StaffCalls.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Staff, d.Err
}

func (d *DataSource) LoadStaffSchedules(ctx context.Context, tenantID string, staffIDs []int64) ([]types.StaffSchedule, error) {
	d.SchedulesCalls.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Schedules, d.Err
}

func (d *DataSource) LoadClient(ctx context.Context, participantID, tenantID string) (*types.ClientRecord, error) {
	d.ClientCalls.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Client, d.Err
}

func (d *DataSource) LoadBookings(ctx context.Context, clientID int64, tenantID string) ([]types.Booking, error) {
	d.BookingsCalls.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Bookings, d.Err
}

// SetErr 注入错误（并发安全）。
func (d *DataSource) SetErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Err = err
}

// SetClient 替换客户记录（并发安全）。
func (d *DataSource) SetClient(c *types.ClientRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Client = c
}
