// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的流水线指标采集能力，覆盖
关联引擎、分类阶段、worker、客户端与归档五个环节。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制，避免手动管理 Registry。所有指标按 namespace 隔离。
nil Collector 是合法值，所有记录方法在 nil 上为空操作，方便组件
在未启用指标时直接传 nil。

# 主要能力

  - 引擎指标：扇出决策、逐 worker 分发、片段处理结果（accepted、
    duplicate、orphan、late）、终态计数与聚合耗时、在途数量 Gauge。
  - 阶段指标：分类来源（classifier、cache、fallback）、无法解析的
    消息数、worker 执行次数与耗时、客户端等待耗时、归档写入。
  - HTTP 指标：运维端口的请求总数与耗时，状态码归类为 2xx/3xx/4xx/5xx。
*/
package metrics
