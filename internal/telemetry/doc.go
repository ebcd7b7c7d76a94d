// Package telemetry 初始化 OpenTelemetry SDK：OTLP gRPC 导出器、
// 按比例采样的 TracerProvider 与周期上报的 MeterProvider。
// 遥测关闭时全局 provider 保持 noop，不建立任何外部连接，
// 消息管道的行为不受影响。
package telemetry
