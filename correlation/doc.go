/*
Package correlation 实现多 worker 扇出与回复聚合。

# 概述

Engine 订阅 classified topic，为每个任务通过 registry.Selector 选出
worker 集合并逐个发布扇出消息；随后订阅 replies topic，按 task_id
收集各 worker 的回复片段，凑齐预期数量后向 final topic 发布且仅发布
一次 AggregatedResult。

# 状态

每个任务 ID 对应一个 Entry，由 Store 按 ID 串行化访问：

  - StateOrphan: 回复先于扇出记录到达，片段被暂存，超过 OrphanTTL 后丢弃
  - StateFannedOut: 已扇出，等待 Expected 个不同 worker 的回复

完成或超时的 ID 进入 tombstone 记录，之后的重复投递和迟到回复均被吸收。

# 超时

后台 sweeper 按 SweepInterval 扫描，扇出超过 AggregationTimeout 的条目
按 TimeoutPolicy 处理：

  - partial: 发布已收到的片段并标记 incomplete
  - error: 发布 TIMEOUT 错误结果
  - drop: 不发布任何结果
*/
package correlation
