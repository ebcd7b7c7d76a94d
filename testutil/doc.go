// Package testutil 提供通用测试辅助与数据源模拟。
// 仅供本仓库测试使用。
package testutil
