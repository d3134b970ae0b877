package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/agentbus/bus"
	"github.com/BaSui01/agentbus/testutil"
	"github.com/BaSui01/agentbus/testutil/mocks"
	"github.com/BaSui01/agentbus/types"
)

// responder answers every intake request on the final topic.
func responder(t *testing.T, b *mocks.MockBus, answer func(req *types.TaskRequest) [][]byte) {
	t.Helper()
	topics := bus.DefaultTopics()
	_, err := b.Subscribe(context.Background(), topics.Intake, func(ctx context.Context, msg *bus.Message) {
		req, _, err := types.DecodeRequest(msg.Data)
		require.NoError(t, err)
		for _, out := range answer(req) {
			_ = b.Publish(ctx, topics.Final, out)
		}
	})
	require.NoError(t, err)
}

func newTestClient(t *testing.T, b bus.Bus, cfg Config) *Client {
	t.Helper()
	c, err := New(context.Background(), b, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func resultFor(id string, agents ...string) []byte {
	res := &types.AggregatedResult{TaskID: id}
	for _, a := range agents {
		res.AggregatedResults = append(res.AggregatedResults, types.ResultFragment{TaskID: id, Agent: a, Info: []byte(`"ok"`)})
	}
	return testutil.MustJSON(res)
}

func TestClient_ResolvesMatchingResult(t *testing.T) {
	ctx := testutil.TestContext(t)
	b := mocks.NewMockBus().WithDelivery()
	responder(t, b, func(req *types.TaskRequest) [][]byte {
		return [][]byte{
			resultFor("someone-else", "X"),
			[]byte(`{"aggregated_results":[]}`),
			resultFor(req.TaskID, "A", "B"),
			resultFor(req.TaskID, "late"),
		}
	})
	c := newTestClient(t, b, DefaultConfig())

	res, err := c.Submit(ctx, "Which stocks should I buy?", "")
	require.NoError(t, err)
	testutil.AssertResultAgents(t, res, "A", "B")
	assert.Equal(t, 0, c.Pending())

	intake := b.Published(bus.DefaultTopics().Intake)
	require.Len(t, intake, 1)
	req, _, err := types.DecodeRequest(intake[0])
	require.NoError(t, err)
	assert.Equal(t, res.TaskID, req.TaskID)
	assert.Equal(t, DefaultTaskType, req.TaskType)
	assert.Equal(t, "Which stocks should I buy?", req.TaskDescription)
}

func TestClient_NestedResultID(t *testing.T) {
	ctx := testutil.TestContext(t)
	b := mocks.NewMockBus().WithDelivery()
	responder(t, b, func(req *types.TaskRequest) [][]byte {
		return [][]byte{[]byte(fmt.Sprintf(`{"original_task_data":{"task_id":%q},"aggregated_results":[{"agent":"A","info":1}]}`, req.TaskID))}
	})
	c := newTestClient(t, b, DefaultConfig())

	res, err := c.SubmitRequest(ctx, &types.TaskRequest{TaskID: "nested-7", TaskDescription: "x"})
	require.NoError(t, err)
	assert.Equal(t, "nested-7", res.TaskID)
	testutil.AssertResultAgents(t, res, "A")
}

func TestClient_ErrorResultIsAResult(t *testing.T) {
	ctx := testutil.TestContext(t)
	b := mocks.NewMockBus().WithDelivery()
	responder(t, b, func(req *types.TaskRequest) [][]byte {
		return [][]byte{testutil.MustJSON(types.NewErrorResult(req.TaskID, types.ErrNoSuitableWorker, "No suitable sub-agent found."))}
	})
	c := newTestClient(t, b, DefaultConfig())

	res, err := c.Submit(ctx, "tell me a joke", "")
	require.NoError(t, err)
	assert.True(t, res.Failed())
	assert.True(t, types.IsCode(res.Err(), types.ErrNoSuitableWorker))
}

func TestNewTaskID(t *testing.T) {
	id := NewTaskID()
	require.True(t, strings.HasPrefix(id, "task-"))
	_, err := uuid.Parse(strings.TrimPrefix(id, "task-"))
	assert.NoError(t, err)
	assert.NotEqual(t, id, NewTaskID())
}

func TestClient_Timeout(t *testing.T) {
	ctx := testutil.TestContext(t)
	cfg := DefaultConfig()
	cfg.Timeout = 20 * time.Millisecond
	c := newTestClient(t, mocks.NewMockBus(), cfg)

	res, err := c.Submit(ctx, "nobody listens", "")
	assert.Nil(t, res)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrTimeout))
	assert.True(t, types.IsRetryable(err))
	assert.Equal(t, 0, c.Pending())
}

func TestClient_ContextCancel(t *testing.T) {
	c := newTestClient(t, mocks.NewMockBus(), DefaultConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := c.Submit(ctx, "x", "")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = c.Submit(testutil.CancelledContext(), "x", "")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, c.Pending())
}

func TestClient_SubmitRequestLeavesCallerRequest(t *testing.T) {
	ctx := testutil.TestContext(t)
	b := mocks.NewMockBus().WithDelivery()
	responder(t, b, func(req *types.TaskRequest) [][]byte {
		return [][]byte{resultFor(req.TaskID, "A")}
	})
	c := newTestClient(t, b, DefaultConfig())

	req := &types.TaskRequest{TaskDescription: "x"}
	res, err := c.SubmitRequest(ctx, req)
	require.NoError(t, err)
	assert.Empty(t, req.TaskID)
	assert.True(t, strings.HasPrefix(res.TaskID, "task-"))

	// reusing the request yields a fresh identifier
	again, err := c.SubmitRequest(ctx, req)
	require.NoError(t, err)
	assert.NotEqual(t, res.TaskID, again.TaskID)
}

func TestClient_PublishFailure(t *testing.T) {
	ctx := testutil.TestContext(t)
	b := mocks.NewMockBus().WithPublishError(types.NewBusError("crew.captain", errors.New("down")))
	c := newTestClient(t, b, DefaultConfig())

	_, err := c.Submit(ctx, "x", "")
	assert.True(t, types.IsCode(err, types.ErrBusUnavailable))
	assert.Equal(t, 0, c.Pending())
}

func TestClient_DuplicateWaitRejected(t *testing.T) {
	ctx := testutil.TestContext(t)
	c := newTestClient(t, mocks.NewMockBus(), DefaultConfig())

	go func() { _, _ = c.SubmitRequest(ctx, &types.TaskRequest{TaskID: "dup", TaskDescription: "x"}) }()
	testutil.AssertEventuallyTrue(t, func() bool { return c.Pending() == 1 }, time.Second)

	_, err := c.SubmitRequest(ctx, &types.TaskRequest{TaskID: "dup", TaskDescription: "x"})
	assert.True(t, types.IsCode(err, types.ErrInvalidRequest))

	_, err = c.SubmitRequest(ctx, nil)
	assert.True(t, types.IsCode(err, types.ErrInvalidRequest))
}

func TestClient_CloseReleasesWaiters(t *testing.T) {
	ctx := testutil.TestContext(t)
	b := mocks.NewMockBus()
	c, err := New(ctx, b, DefaultConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, 1, b.SubscriberCount(bus.DefaultTopics().Final))

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Submit(ctx, "x", "")
		errCh <- err
	}()
	testutil.AssertEventuallyTrue(t, func() bool { return c.Pending() == 1 }, time.Second)

	require.NoError(t, c.Close())
	err, ok := testutil.WaitForChannel(errCh, time.Second)
	require.True(t, ok)
	assert.ErrorIs(t, err, ErrClientClosed)
	assert.Equal(t, 0, b.SubscriberCount(bus.DefaultTopics().Final))

	_, err = c.Submit(ctx, "x", "")
	assert.ErrorIs(t, err, ErrClientClosed)
	assert.NoError(t, c.Close())
}

func TestClient_ConcurrentRequests(t *testing.T) {
	ctx := testutil.TestContext(t)
	b := mocks.NewMockBus()
	c := newTestClient(t, b, DefaultConfig())
	topics := bus.DefaultTopics()

	const n = 20
	var wg sync.WaitGroup
	results := make([]*types.AggregatedResult, n)
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		ids[i] = fmt.Sprintf("req-%d", i)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := c.SubmitRequest(ctx, &types.TaskRequest{TaskID: ids[i], TaskDescription: "x"})
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	testutil.AssertEventuallyTrue(t, func() bool { return c.Pending() == n }, 2*time.Second)

	// answer in reverse order
	for i := n - 1; i >= 0; i-- {
		b.Deliver(ctx, topics.Final, resultFor(ids[i], fmt.Sprintf("agent-%d", i)))
	}
	wg.Wait()

	for i, res := range results {
		require.NotNil(t, res)
		assert.Equal(t, ids[i], res.TaskID)
		testutil.AssertResultAgents(t, res, fmt.Sprintf("agent-%d", i))
	}
}
