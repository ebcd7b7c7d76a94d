// Copyright (c) ChatFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 ChatFlow 服务端程序入口。

# 概述

cmd/chatflow 是会话上下文缓存与消息合并服务的可执行入口，
提供入站消息接收、运维 HTTP 面、记录系统表迁移、健康检查和
版本查询等子命令。程序支持 YAML 配置文件加载、结构化日志（zap）
与 Prometheus 指标采集。

# 核心类型

  - Server           — 主服务器，串联 Redis、记录系统、缓存与管道
  - Middleware       — HTTP 中间件函数签名 func(http.Handler) http.Handler
  - responseWriter   — 包装 http.ResponseWriter 以捕获状态码

# 主要能力

  - 子命令：serve（启动服务）、migrate（表结构迁移）、version、health
  - 中间件链：Recovery、RequestLogger、MetricsMiddleware
  - 运维端点：/healthz、/readyz、/metrics、缓存与合并器统计、
    入站消息接收与实体失效
  - 优雅关闭：信号监听 → 停止 HTTP → 冲刷合并批次 → 释放连接
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
