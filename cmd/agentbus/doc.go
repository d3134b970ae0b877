// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 agentbus 命令行入口。

# 子命令

  - serve：按配置启动流水线角色（分类阶段、关联引擎、worker、归档）
    与运维服务（/metrics、/healthz、/readyz、/v1/results），
    收到 SIGINT/SIGTERM 后优雅关闭。
  - submit：提交任务描述并以 JSON 打印聚合结果；内存总线下在进程内
    运行完整流水线，外部总线下只启动客户端。
  - version：打印构建注入的版本信息。
  - health：请求运行实例的 /readyz。

配置加载顺序为 默认值 → YAML → AGENTBUS_ 环境变量。
*/
package main
