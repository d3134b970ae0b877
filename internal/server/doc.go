// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 提供运维 HTTP 服务：服务器生命周期管理与运维端点。

# 核心类型

  - Manager：封装 net/http.Server，提供非阻塞 Start、阻塞式 Run、
    带超时的 Shutdown 与异步错误通道 Errors。OnShutdown 注册的钩子
    在监听关闭后逆序执行，用于停止流水线各角色。
  - Ops：运维 handler，注册 /healthz、/readyz、/version、/metrics，
    启用归档时注册 /v1/results 与 /v1/results/{id}。
  - Middleware：Recovery、RequestLogger、MetricsMiddleware、Tracing，
    通过 Chain 组合。

指标路径中的任务 ID 会被归一化为 :id，避免标签基数膨胀。
*/
package server
