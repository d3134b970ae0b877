// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 agentbus 全局共享的消息与错误类型。

# 概述

types 是最底层的公共包，不依赖任何内部包。bus、correlation、classifier、
worker、client 等上层模块都通过这里定义的记录结构在总线上交换数据，
以避免循环依赖。

# 核心类型

  - TaskRequest：客户端提交的原始任务（task_id + task_description）
  - TaskEnvelope：分类后的任务，携带 OP_CODE 与原始记录
  - DispatchMessage：扇出给单个 worker 的消息
  - ResultFragment：单个 worker 的回复，以 agent 字段去重
  - AggregatedResult：聚合后的最终结果或终止错误
  - Error / ErrorCode：结构化错误体系，含 Retryable 与 Topic 标记

# 任务 ID 提取

每个阶段都会把收到的记录原样嵌套在 original_task_data 之下。
ExtractTaskID 按深度优先检查当前层级及 NestingKeys 下的嵌套记录，
最多跟随 MaxEnvelopeDepth 层，遇到自引用结构也能终止；找不到时返回
UnknownTaskID，从不返回空字符串。

# 编解码

Decode* 系列函数对未知字段保持宽容，类型不符的可选字段按缺失处理，
数字以 json.Number 保留，避免大整数 ID 丢失精度。
*/
package types
