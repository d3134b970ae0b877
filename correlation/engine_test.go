package correlation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/agentbus/bus"
	"github.com/BaSui01/agentbus/registry"
	"github.com/BaSui01/agentbus/testutil"
	"github.com/BaSui01/agentbus/testutil/fixtures"
	"github.com/BaSui01/agentbus/testutil/mocks"
	"github.com/BaSui01/agentbus/types"
)

// =============================================================================
// 🔧 测试辅助
// =============================================================================

var testStart = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

type engineFixture struct {
	engine *Engine
	bus    *mocks.MockBus
	clock  *testutil.FakeClock
	topics bus.Topics
}

func newEngineFixture(t *testing.T, sel registry.Selector, mutate ...func(*Config)) *engineFixture {
	t.Helper()

	cfg := DefaultConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	b := mocks.NewMockBus()
	clock := testutil.NewFakeClock(testStart)
	e, err := NewEngine(b, sel, cfg, zaptest.NewLogger(t), WithClock(clock.Now))
	require.NoError(t, err)

	return &engineFixture{engine: e, bus: b, clock: clock, topics: bus.DefaultTopics()}
}

func (f *engineFixture) results(t *testing.T) []*types.AggregatedResult {
	t.Helper()
	var out []*types.AggregatedResult
	for _, data := range f.bus.Published(f.topics.Final) {
		res, err := types.DecodeResult(data)
		require.NoError(t, err)
		out = append(out, res)
	}
	return out
}

func (f *engineFixture) dispatched(t *testing.T, worker string) []*types.DispatchMessage {
	t.Helper()
	var out []*types.DispatchMessage
	for _, data := range f.bus.Published(f.topics.Dispatch(worker)) {
		msg, err := types.DecodeDispatch(data)
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

// =============================================================================
// 🧪 构造与生命周期
// =============================================================================

func TestNewEngine_Validation(t *testing.T) {
	sel := mocks.NewMockSelector()

	_, err := NewEngine(nil, sel, DefaultConfig(), nil)
	assert.Error(t, err)

	_, err = NewEngine(mocks.NewMockBus(), nil, DefaultConfig(), nil)
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.TimeoutPolicy = "bogus"
	_, err = NewEngine(mocks.NewMockBus(), sel, cfg, nil)
	assert.Error(t, err)

	e, err := NewEngine(mocks.NewMockBus(), sel, DefaultConfig(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, e.Pending())
}

func TestEngine_StartWiresSubscriptions(t *testing.T) {
	ctx := testutil.TestContext(t)
	b := mocks.NewMockBus().WithDelivery()
	sel := mocks.NewMockSelector().WithWorkers("A", "B")
	e, err := NewEngine(b, sel, DefaultConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, e.Start(ctx))
	assert.Error(t, e.Start(ctx), "second start must fail")

	topics := bus.DefaultTopics()
	assert.Equal(t, 1, b.SubscriberCount(topics.Classified))
	assert.Equal(t, 1, b.SubscriberCount(topics.Replies))

	require.NoError(t, b.Publish(ctx, topics.Classified, fixtures.ClassifiedTask("t1", types.OpStockNews, "latest news")))
	assert.Len(t, b.Published("agent.A"), 1)
	assert.Len(t, b.Published("agent.B"), 1)

	require.NoError(t, b.Publish(ctx, topics.Replies, fixtures.Fragment("t1", "B", "b-info")))
	require.NoError(t, b.Publish(ctx, topics.Replies, fixtures.Fragment("t1", "A", "a-info")))

	finals := b.Published(topics.Final)
	require.Len(t, finals, 1)
	res, err := types.DecodeResult(finals[0])
	require.NoError(t, err)
	testutil.AssertResultAgents(t, res, "B", "A")

	require.NoError(t, e.Stop(ctx))
	assert.Equal(t, 0, b.SubscriberCount(topics.Classified))
	assert.Equal(t, 0, b.SubscriberCount(topics.Replies))
	assert.ErrorIs(t, e.Start(ctx), ErrEngineStopped)
}

func TestEngine_StopAbandonsPending(t *testing.T) {
	ctx := testutil.TestContext(t)
	f := newEngineFixture(t, mocks.NewMockSelector().WithWorkers("A", "B"))
	require.NoError(t, f.engine.Start(ctx))

	require.NoError(t, f.engine.HandleClassified(ctx, fixtures.ClassifiedTask("t1", types.OpStockNews, "x")))
	require.NoError(t, f.engine.HandleFragment(ctx, fixtures.Fragment("t1", "A", "a")))
	require.NoError(t, f.engine.HandleFragment(ctx, fixtures.Fragment("orphan", "A", "a")))
	assert.Equal(t, 2, f.engine.Pending())

	require.NoError(t, f.engine.Stop(ctx))
	assert.Equal(t, 0, f.engine.Pending())
	assert.Empty(t, f.results(t), "stop must not publish partial results")

	assert.ErrorIs(t, f.engine.HandleFragment(ctx, fixtures.Fragment("t1", "B", "b")), ErrEngineStopped)
	assert.ErrorIs(t, f.engine.HandleClassified(ctx, fixtures.ClassifiedTask("t2", types.OpStockNews, "x")), ErrEngineStopped)
	assert.NoError(t, f.engine.Stop(ctx), "stop is idempotent")
}

// =============================================================================
// 📤 扇出
// =============================================================================

func TestEngine_FanOutAndAggregate(t *testing.T) {
	ctx := testutil.TestContext(t)
	f := newEngineFixture(t, mocks.NewMockSelector().WithWorkers(
		registry.StockPriceAgent, registry.StockNewsAgent, registry.PricePredictorAgent))

	require.NoError(t, f.engine.HandleClassified(ctx,
		fixtures.ClassifiedTask("t1", types.OpStockRecommendation, "What should I buy?")))

	for _, w := range []string{registry.StockPriceAgent, registry.StockNewsAgent, registry.PricePredictorAgent} {
		msgs := f.dispatched(t, w)
		require.Len(t, msgs, 1, "worker %s", w)
		assert.Equal(t, "t1", msgs[0].TaskID)
		assert.Equal(t, w, msgs[0].Worker)
		assert.Equal(t, types.OpStockRecommendation, msgs[0].OpCode)
		assert.Equal(t, "What should I buy?", msgs[0].Description())
	}
	assert.Equal(t, 1, f.engine.Pending())

	require.NoError(t, f.engine.HandleFragment(ctx, fixtures.Fragment("t1", registry.StockNewsAgent, "news")))
	require.NoError(t, f.engine.HandleFragment(ctx, fixtures.Fragment("t1", registry.StockPriceAgent, "price")))
	assert.Empty(t, f.results(t))

	require.NoError(t, f.engine.HandleFragment(ctx, fixtures.Fragment("t1", registry.PricePredictorAgent, "buy")))

	results := f.results(t)
	require.Len(t, results, 1)
	res := results[0]
	assert.Equal(t, "t1", res.TaskID)
	assert.False(t, res.Incomplete)
	assert.False(t, res.Failed())
	assert.Equal(t, 3, res.Expected)
	assert.Equal(t, 3, res.Received)
	testutil.AssertResultAgents(t, res, registry.StockNewsAgent, registry.StockPriceAgent, registry.PricePredictorAgent)
	assert.Equal(t, "buy", fixtures.FragmentInfo(res.AggregatedResults[2]))

	assert.Equal(t, 0, f.engine.Pending())
	assert.True(t, f.engine.Terminated("t1"))
}

func TestEngine_DuplicateClassifiedDispatchesOnce(t *testing.T) {
	ctx := testutil.TestContext(t)
	f := newEngineFixture(t, mocks.NewMockSelector().WithWorkers("A", "B"))
	payload := fixtures.ClassifiedTask("t1", types.OpStockNews, "x")

	require.NoError(t, f.engine.HandleClassified(ctx, payload))
	require.NoError(t, f.engine.HandleClassified(ctx, payload))
	assert.Len(t, f.dispatched(t, "A"), 1)
	assert.Len(t, f.dispatched(t, "B"), 1)

	require.NoError(t, f.engine.HandleFragment(ctx, fixtures.Fragment("t1", "A", "a")))
	require.NoError(t, f.engine.HandleFragment(ctx, fixtures.Fragment("t1", "B", "b")))
	require.Len(t, f.results(t), 1)

	// re-delivery after completion is absorbed by the tombstone
	require.NoError(t, f.engine.HandleClassified(ctx, payload))
	assert.Len(t, f.dispatched(t, "A"), 1)
	assert.Len(t, f.results(t), 1)
	assert.Equal(t, 0, f.engine.Pending())
}

func TestEngine_TombstoneEvictionAllowsRefanOut(t *testing.T) {
	ctx := testutil.TestContext(t)
	f := newEngineFixture(t, mocks.NewMockSelector().WithWorkers("A"), func(c *Config) {
		c.TombstoneSize = 1
	})

	for _, id := range []string{"t1", "t2"} {
		require.NoError(t, f.engine.HandleClassified(ctx, fixtures.ClassifiedTask(id, types.OpStockNews, "x")))
		require.NoError(t, f.engine.HandleFragment(ctx, fixtures.Fragment(id, "A", "a")))
	}
	require.Len(t, f.results(t), 2)
	assert.True(t, f.engine.Terminated("t2"))
	assert.False(t, f.engine.Terminated("t1"), "t1 was pushed out by t2")

	// the at-most-once guarantee only spans tombstone_size ids
	require.NoError(t, f.engine.HandleClassified(ctx, fixtures.ClassifiedTask("t1", types.OpStockNews, "x")))
	assert.Len(t, f.dispatched(t, "A"), 3)
	assert.Equal(t, 1, f.engine.Pending())

	require.NoError(t, f.engine.HandleClassified(ctx, fixtures.ClassifiedTask("t2", types.OpStockNews, "x")))
	assert.Len(t, f.dispatched(t, "A"), 3, "t2 is still tombstoned")
}

func TestEngine_DuplicateFragmentKeepsFirst(t *testing.T) {
	ctx := testutil.TestContext(t)
	f := newEngineFixture(t, mocks.NewMockSelector().WithWorkers("A", "B"))

	require.NoError(t, f.engine.HandleClassified(ctx, fixtures.ClassifiedTask("t1", types.OpStockNews, "x")))
	require.NoError(t, f.engine.HandleFragment(ctx, fixtures.Fragment("t1", "A", "first")))
	require.NoError(t, f.engine.HandleFragment(ctx, fixtures.Fragment("t1", "A", "second")))
	assert.Empty(t, f.results(t), "duplicate must not count towards completion")

	require.NoError(t, f.engine.HandleFragment(ctx, fixtures.Fragment("t1", "B", "b")))
	results := f.results(t)
	require.Len(t, results, 1)
	testutil.AssertResultAgents(t, results[0], "A", "B")
	assert.Equal(t, "first", fixtures.FragmentInfo(results[0].AggregatedResults[0]))
}

func TestEngine_NoSuitableWorker(t *testing.T) {
	ctx := testutil.TestContext(t)
	f := newEngineFixture(t, mocks.NewMockSelector())
	payload := fixtures.ClassifiedTask("t1", types.OpUnknown, "tell me a joke")

	require.NoError(t, f.engine.HandleClassified(ctx, payload))

	results := f.results(t)
	require.Len(t, results, 1)
	assert.Equal(t, "t1", results[0].TaskID)
	assert.Equal(t, NoWorkerMessage, results[0].Error)
	assert.Equal(t, types.ErrNoSuitableWorker, results[0].ErrorCode)
	assert.Empty(t, results[0].AggregatedResults)
	assert.Equal(t, 0, f.engine.Pending())
	assert.True(t, f.engine.Terminated("t1"))

	require.NoError(t, f.engine.HandleClassified(ctx, payload))
	assert.Len(t, f.results(t), 1)

	// stray replies after the short-circuit are absorbed
	require.NoError(t, f.engine.HandleFragment(ctx, fixtures.Fragment("t1", "A", "a")))
	assert.Equal(t, 0, f.engine.Pending())
}

func TestEngine_SelectionFailure(t *testing.T) {
	ctx := testutil.TestContext(t)
	selErr := errors.New("index offline")
	f := newEngineFixture(t, mocks.NewMockSelector().WithError(selErr))

	err := f.engine.HandleClassified(ctx, fixtures.ClassifiedTask("t1", types.OpStockNews, "x"))
	assert.ErrorIs(t, err, selErr)

	results := f.results(t)
	require.Len(t, results, 1)
	assert.Equal(t, types.ErrSelectionUnavailable, results[0].ErrorCode)
	assert.Equal(t, SelectionFailedMessage, results[0].Error)
	assert.Equal(t, 0, f.engine.Pending())
}

func TestEngine_DispatchFailureAttemptsEveryWorker(t *testing.T) {
	ctx := testutil.TestContext(t)
	f := newEngineFixture(t, mocks.NewMockSelector().WithWorkers("A", "B", "C"))
	f.bus.WithTopicError("agent.B", types.NewBusError("agent.B", errors.New("down")))

	err := f.engine.HandleClassified(ctx, fixtures.ClassifiedTask("t1", types.OpStockNews, "x"))
	require.Error(t, err)
	assert.Equal(t, types.ErrBusUnavailable, types.GetErrorCode(err))

	assert.Len(t, f.dispatched(t, "A"), 1)
	assert.Len(t, f.dispatched(t, "C"), 1)
	assert.Equal(t, 1, f.engine.Pending(), "entry stays pending until timeout")
}

func TestEngine_MalformedMessages(t *testing.T) {
	ctx := testutil.TestContext(t)
	f := newEngineFixture(t, mocks.NewMockSelector().WithWorkers("A"))

	tests := []struct {
		name   string
		handle func(context.Context, []byte) error
		data   []byte
	}{
		{"classified not json", f.engine.HandleClassified, []byte("{oops")},
		{"classified without id", f.engine.HandleClassified, []byte(`{"OP_CODE":"STOCK_NEWS"}`)},
		{"fragment not json", f.engine.HandleFragment, []byte("nope")},
		{"fragment without agent", f.engine.HandleFragment, []byte(`{"task_id":"t1","info":"x"}`)},
		{"fragment without id", f.engine.HandleFragment, []byte(`{"agent":"A"}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.handle(ctx, tt.data)
			require.Error(t, err)
			assert.True(t, types.IsCode(err, types.ErrMalformedMessage), "got %v", err)
		})
	}
	assert.Equal(t, 0, f.engine.Pending())
	assert.Empty(t, f.bus.Messages())
}

func TestEngine_NestedTaskID(t *testing.T) {
	ctx := testutil.TestContext(t)
	f := newEngineFixture(t, mocks.NewMockSelector().WithWorkers("A"))

	classified := []byte(`{"OP_CODE":"STOCK_NEWS","original_task_data":{"task_id":"nested-1","task_description":"x"}}`)
	require.NoError(t, f.engine.HandleClassified(ctx, classified))
	require.Len(t, f.dispatched(t, "A"), 1)
	assert.Equal(t, "nested-1", f.dispatched(t, "A")[0].TaskID)

	require.NoError(t, f.engine.HandleFragment(ctx, []byte(`{"worker_identity":"A","original_task_data":{"task_id":"nested-1"},"info":"ok"}`)))
	results := f.results(t)
	require.Len(t, results, 1)
	assert.Equal(t, "nested-1", results[0].TaskID)
}

// =============================================================================
// 👻 孤儿片段
// =============================================================================

func TestEngine_OrphansCompleteOnFanOut(t *testing.T) {
	ctx := testutil.TestContext(t)
	f := newEngineFixture(t, mocks.NewMockSelector().WithWorkers("A", "B"))

	require.NoError(t, f.engine.HandleFragment(ctx, fixtures.Fragment("t1", "B", "b")))
	require.NoError(t, f.engine.HandleFragment(ctx, fixtures.Fragment("t1", "A", "a")))
	assert.Equal(t, 1, f.engine.Pending())
	assert.Empty(t, f.results(t))

	require.NoError(t, f.engine.HandleClassified(ctx, fixtures.ClassifiedTask("t1", types.OpStockNews, "x")))

	results := f.results(t)
	require.Len(t, results, 1)
	testutil.AssertResultAgents(t, results[0], "B", "A")
	assert.Len(t, f.dispatched(t, "A"), 1, "workers are still dispatched")
	assert.Equal(t, 0, f.engine.Pending())

	// the dispatched workers reply again; nothing more is published
	require.NoError(t, f.engine.HandleFragment(ctx, fixtures.Fragment("t1", "A", "again")))
	assert.Len(t, f.results(t), 1)
}

func TestEngine_OrphanThenRemainingReplies(t *testing.T) {
	ctx := testutil.TestContext(t)
	f := newEngineFixture(t, mocks.NewMockSelector().WithWorkers("A", "B"))

	require.NoError(t, f.engine.HandleFragment(ctx, fixtures.Fragment("t1", "A", "a")))
	require.NoError(t, f.engine.HandleClassified(ctx, fixtures.ClassifiedTask("t1", types.OpStockNews, "x")))
	assert.Empty(t, f.results(t))

	require.NoError(t, f.engine.HandleFragment(ctx, fixtures.Fragment("t1", "A", "dup")))
	assert.Empty(t, f.results(t))

	require.NoError(t, f.engine.HandleFragment(ctx, fixtures.Fragment("t1", "B", "b")))
	results := f.results(t)
	require.Len(t, results, 1)
	testutil.AssertResultAgents(t, results[0], "A", "B")
	assert.Equal(t, "a", fixtures.FragmentInfo(results[0].AggregatedResults[0]))
}

func TestEngine_OrphanOverflow(t *testing.T) {
	ctx := testutil.TestContext(t)
	f := newEngineFixture(t, mocks.NewMockSelector().WithWorkers("A", "B", "C"), func(c *Config) {
		c.MaxOrphanFragments = 2
	})

	require.NoError(t, f.engine.HandleFragment(ctx, fixtures.Fragment("t1", "A", "a")))
	require.NoError(t, f.engine.HandleFragment(ctx, fixtures.Fragment("t1", "B", "b")))
	require.NoError(t, f.engine.HandleFragment(ctx, fixtures.Fragment("t1", "C", "dropped")))

	require.NoError(t, f.engine.HandleClassified(ctx, fixtures.ClassifiedTask("t1", types.OpStockNews, "x")))
	assert.Empty(t, f.results(t), "overflowed orphan must not count")

	require.NoError(t, f.engine.HandleFragment(ctx, fixtures.Fragment("t1", "C", "kept")))
	results := f.results(t)
	require.Len(t, results, 1)
	testutil.AssertResultAgents(t, results[0], "A", "B", "C")
	assert.Equal(t, "kept", fixtures.FragmentInfo(results[0].AggregatedResults[2]))
}

func TestEngine_StrayFragmentDoesNotCount(t *testing.T) {
	ctx := testutil.TestContext(t)
	f := newEngineFixture(t, mocks.NewMockSelector().WithWorkers("A", "B"))

	require.NoError(t, f.engine.HandleClassified(ctx, fixtures.ClassifiedTask("t1", types.OpStockNews, "x")))
	require.NoError(t, f.engine.HandleFragment(ctx, fixtures.Fragment("t1", "A", "a")))
	require.NoError(t, f.engine.HandleFragment(ctx, fixtures.Fragment("t1", "Z", "stray")))
	assert.Empty(t, f.results(t), "a worker outside the dispatch set must not complete the task")

	require.NoError(t, f.engine.HandleFragment(ctx, fixtures.Fragment("t1", "B", "b")))
	results := f.results(t)
	require.Len(t, results, 1)
	testutil.AssertResultAgents(t, results[0], "A", "B")
	assert.False(t, results[0].Incomplete)
}

func TestEngine_StrayOrphansFilteredAtFanOut(t *testing.T) {
	ctx := testutil.TestContext(t)
	f := newEngineFixture(t, mocks.NewMockSelector().WithWorkers("A", "B"))

	require.NoError(t, f.engine.HandleFragment(ctx, fixtures.Fragment("t1", "Z", "stray")))
	require.NoError(t, f.engine.HandleFragment(ctx, fixtures.Fragment("t1", "A", "a")))
	require.NoError(t, f.engine.HandleClassified(ctx, fixtures.ClassifiedTask("t1", types.OpStockNews, "x")))
	assert.Empty(t, f.results(t), "held fragment from Z must be dropped at fan-out")
	assert.Equal(t, 1, f.engine.Pending())

	require.NoError(t, f.engine.HandleFragment(ctx, fixtures.Fragment("t1", "B", "b")))
	results := f.results(t)
	require.Len(t, results, 1)
	testutil.AssertResultAgents(t, results[0], "A", "B")
}

func TestEngine_OrphanExpiry(t *testing.T) {
	ctx := testutil.TestContext(t)
	f := newEngineFixture(t, mocks.NewMockSelector().WithWorkers("A"))

	require.NoError(t, f.engine.HandleFragment(ctx, fixtures.Fragment("ghost", "A", "a")))
	assert.Equal(t, 0, f.engine.Sweep(ctx))
	assert.Equal(t, 1, f.engine.Pending())

	f.clock.Advance(DefaultConfig().OrphanTTL + time.Second)
	assert.Equal(t, 1, f.engine.Sweep(ctx))
	assert.Equal(t, 0, f.engine.Pending())
	assert.Empty(t, f.results(t), "expired orphans publish nothing")
	assert.False(t, f.engine.Terminated("ghost"))
}

// =============================================================================
// ⏱️ 超时策略
// =============================================================================

func TestEngine_TimeoutPolicies(t *testing.T) {
	tests := []struct {
		name        string
		policy      TimeoutPolicy
		replies     []string
		wantResult  bool
		wantCode    types.ErrorCode
		wantAgents  []string
		wantOutcome string
	}{
		{name: "partial", policy: PolicyPartial, replies: []string{"A", "B"}, wantResult: true, wantAgents: []string{"A", "B"}},
		{name: "partial without replies", policy: PolicyPartial, wantResult: true, wantCode: types.ErrTimeout},
		{name: "error", policy: PolicyError, replies: []string{"A", "B"}, wantResult: true, wantCode: types.ErrTimeout},
		{name: "drop", policy: PolicyDrop, replies: []string{"A", "B"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := testutil.TestContext(t)
			f := newEngineFixture(t, mocks.NewMockSelector().WithWorkers("A", "B", "C"), func(c *Config) {
				c.TimeoutPolicy = tt.policy
			})

			require.NoError(t, f.engine.HandleClassified(ctx, fixtures.ClassifiedTask("t1", types.OpStockRecommendation, "x")))
			for _, agent := range tt.replies {
				require.NoError(t, f.engine.HandleFragment(ctx, fixtures.Fragment("t1", agent, agent)))
			}

			f.clock.Advance(DefaultConfig().AggregationTimeout - time.Second)
			assert.Equal(t, 0, f.engine.Sweep(ctx))

			f.clock.Advance(2 * time.Second)
			assert.Equal(t, 1, f.engine.Sweep(ctx))
			assert.Equal(t, 0, f.engine.Pending())
			assert.True(t, f.engine.Terminated("t1"))

			results := f.results(t)
			if !tt.wantResult {
				assert.Empty(t, results)
			} else {
				require.Len(t, results, 1)
				res := results[0]
				assert.True(t, res.Incomplete)
				assert.Equal(t, 3, res.Expected)
				assert.Equal(t, len(tt.replies), res.Received)
				assert.Equal(t, tt.wantCode, res.ErrorCode)
				if tt.wantCode == types.ErrTimeout {
					assert.Equal(t, TimeoutMessage, res.Error)
					assert.Empty(t, res.AggregatedResults)
				} else {
					testutil.AssertResultAgents(t, res, tt.wantAgents...)
				}
			}

			// the third reply arrives after the deadline and is discarded
			require.NoError(t, f.engine.HandleFragment(ctx, fixtures.Fragment("t1", "C", "late")))
			assert.Len(t, f.results(t), len(results))
			assert.Equal(t, 0, f.engine.Pending())
		})
	}
}

func TestEngine_SweepKeepsFreshEntries(t *testing.T) {
	ctx := testutil.TestContext(t)
	f := newEngineFixture(t, mocks.NewMockSelector().WithWorkers("A", "B"))

	require.NoError(t, f.engine.HandleClassified(ctx, fixtures.ClassifiedTask("old", types.OpStockNews, "x")))
	f.clock.Advance(30 * time.Second)
	require.NoError(t, f.engine.HandleClassified(ctx, fixtures.ClassifiedTask("new", types.OpStockNews, "x")))
	f.clock.Advance(20 * time.Second)

	assert.Equal(t, 1, f.engine.Sweep(ctx))
	assert.True(t, f.engine.Terminated("old"))
	assert.False(t, f.engine.Terminated("new"))
	assert.Equal(t, 1, f.engine.Pending())
}

func TestEngine_SweepLoopRunsOnTicker(t *testing.T) {
	ctx := testutil.TestContext(t)
	b := mocks.NewMockBus()
	cfg := DefaultConfig()
	cfg.AggregationTimeout = 20 * time.Millisecond
	cfg.SweepInterval = 5 * time.Millisecond
	e, err := NewEngine(b, mocks.NewMockSelector().WithWorkers("A", "B"), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, e.Start(ctx))
	t.Cleanup(func() { _ = e.Stop(context.Background()) })

	require.NoError(t, e.HandleClassified(ctx, fixtures.ClassifiedTask("t1", types.OpStockNews, "x")))
	require.NoError(t, e.HandleFragment(ctx, fixtures.Fragment("t1", "A", "a")))

	testutil.AssertEventuallyTrue(t, func() bool {
		return len(b.Published(bus.DefaultTopics().Final)) == 1
	}, 2*time.Second)

	res, err := types.DecodeResult(b.Published(bus.DefaultTopics().Final)[0])
	require.NoError(t, err)
	assert.True(t, res.Incomplete)
	testutil.AssertResultAgents(t, res, "A")
}

// =============================================================================
// 🔀 并发
// =============================================================================

func TestEngine_ConcurrentFragmentsSingleResult(t *testing.T) {
	ctx := testutil.TestContext(t)
	workers := make([]string, 20)
	for i := range workers {
		workers[i] = fmt.Sprintf("worker-%02d", i)
	}
	f := newEngineFixture(t, mocks.NewMockSelector().WithWorkers(workers...))
	require.NoError(t, f.engine.HandleClassified(ctx, fixtures.ClassifiedTask("t1", types.OpStockNews, "x")))

	var wg sync.WaitGroup
	for _, w := range workers {
		for copyN := 0; copyN < 3; copyN++ {
			wg.Add(1)
			go func(w string, n int) {
				defer wg.Done()
				_ = f.engine.HandleFragment(ctx, fixtures.Fragment("t1", w, fmt.Sprintf("%s-%d", w, n)))
			}(w, copyN)
		}
	}
	wg.Wait()

	results := f.results(t)
	require.Len(t, results, 1)
	assert.Len(t, results[0].AggregatedResults, len(workers))
	testutil.AssertDistinctAgents(t, results[0], len(workers))
	assert.Equal(t, 0, f.engine.Pending())
}

func TestEngine_ConcurrentTasksIndependent(t *testing.T) {
	ctx := testutil.TestContext(t)
	f := newEngineFixture(t, mocks.NewMockSelector().WithWorkers("A", "B", "C"))

	const tasks = 50
	var wg sync.WaitGroup
	for i := 0; i < tasks; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			// replies race the fan-out record
			for _, a := range []string{"C", "A"} {
				_ = f.engine.HandleFragment(ctx, fixtures.Fragment(id, a, a))
			}
			_ = f.engine.HandleClassified(ctx, fixtures.ClassifiedTask(id, types.OpStockNews, "x"))
			_ = f.engine.HandleFragment(ctx, fixtures.Fragment(id, "B", "B"))
		}(fmt.Sprintf("task-%d", i))
	}
	wg.Wait()

	results := f.results(t)
	require.Len(t, results, tasks)
	seen := make(map[string]bool)
	for _, res := range results {
		assert.False(t, seen[res.TaskID], "duplicate result for %s", res.TaskID)
		seen[res.TaskID] = true
		testutil.AssertResultAgents(t, res, "C", "A", "B")
	}
	assert.Equal(t, 0, f.engine.Pending())
}

func TestEngine_SelectorRunsOutsideLock(t *testing.T) {
	ctx := testutil.TestContext(t)
	release := make(chan struct{})
	entered := make(chan struct{})
	sel := mocks.NewMockSelector().WithSelectFunc(func(_ context.Context, env *types.TaskEnvelope) (registry.WorkerSet, error) {
		if env.TaskID == "slow" {
			close(entered)
			<-release
		}
		return registry.NewWorkerSet("A"), nil
	})
	f := newEngineFixture(t, sel)

	done := make(chan error, 1)
	go func() { done <- f.engine.HandleClassified(ctx, fixtures.ClassifiedTask("slow", types.OpStockNews, "x")) }()
	<-entered

	// fragments for the same identifier are not blocked by a slow selection
	require.NoError(t, f.engine.HandleFragment(ctx, fixtures.Fragment("slow", "A", "a")))
	require.NoError(t, f.engine.HandleClassified(ctx, fixtures.ClassifiedTask("fast", types.OpStockNews, "x")))

	close(release)
	require.NoError(t, <-done)

	results := f.results(t)
	require.Len(t, results, 1)
	assert.Equal(t, "slow", results[0].TaskID)
	assert.Equal(t, 1, f.engine.Pending())
}
