package cache

import "go.uber.org/zap"

// 实体类型 → 需要清除的缓存范围的固定路由表。
const (
	EntityClient  = "client"
	EntityBooking = "booking"
	EntityService = "service"
	EntityStaff   = "staff"
	EntityTenant  = "tenant"
)

// InvalidateRelated 按实体类型清除相关缓存。
//
// 路由规则：
//   - client：删除该客户的 clients 条目，清空 context 分类
//   - booking：清空 slots 与 context 分类（预约变化影响可用时段与上下文）
//   - service / staff：清空 services、staff、slots、context 分类
//   - tenant：商户级变化，清空全部
func (c *Local) InvalidateRelated(entityType, entityID string) {
	switch entityType {
	case EntityClient:
		c.Delete(CategoryClients, entityID)
		c.Flush(CategoryContext)
	case EntityBooking:
		c.Flush(CategorySlots)
		c.Flush(CategoryContext)
	case EntityService, EntityStaff:
		c.Flush(CategoryServices)
		c.Flush(CategoryStaff)
		c.Flush(CategorySlots)
		c.Flush(CategoryContext)
	case EntityTenant:
		c.Flush("")
	default:
		c.logger.Warn("invalidate for unknown entity type ignored",
			zap.String("entity_type", entityType),
			zap.String("entity_id", entityID))
	}
}
