// Package store 提供基于 GORM 的记录系统数据源实现。
// 它把商户、服务、员工、客户与预约表映射为加载器所需的实体，
// 本身不做任何缓存，缓存与失效由上层加载器负责。
package store
