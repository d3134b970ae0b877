// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package testutil 提供 agentbus 测试的共享工具和辅助函数。

# 概述

testutil 包为各包的单元测试与端到端测试提供统一的辅助能力，
避免各包重复实现相似的测试基础设施。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 断言工具: AssertResultAgents / AssertDistinctAgents / AssertJSONEqual
  - 异步断言: AssertEventuallyTrue / AssertEventuallyEqual，
    支持超时轮询等待条件满足
  - 时间工具: FakeClock 手动推进的时钟，配合超时清理测试
  - 数据工具: MustJSON / MustParseJSON

# 子包

  - testutil/mocks: MockBus（记录发布、可同步投递）、MockSelector、
    MockClassifier，均支持 Builder 模式与错误注入
  - testutil/fixtures: 各阶段消息的测试数据工厂

# 使用示例

	ctx := testutil.TestContext(t)
	b := mocks.NewMockBus()
	sel := mocks.NewMockSelector().WithWorkers("A", "B")
	_ = engine.HandleClassified(ctx, fixtures.ClassifiedTask("t1", types.OpStockNews, "news"))
	assert.Len(t, b.Published("agent.A"), 1)
*/
package testutil
