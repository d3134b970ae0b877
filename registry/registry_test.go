package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/BaSui01/agentbus/types"
)

func TestRegistry_RegisterAndSnapshot(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))
	require.NoError(t, RegisterDefaults(r))

	assert.Equal(t, 3, r.Len())
	v1 := r.Version()

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, PricePredictorAgent, list[0].ID)
	assert.Equal(t, StockNewsAgent, list[1].ID)
	assert.Equal(t, StockPriceAgent, list[2].ID)

	info, ok := r.Get(StockNewsAgent)
	require.True(t, ok)
	assert.True(t, info.Handles(types.OpStockNews))
	assert.False(t, info.Handles(types.OpPricePrediction))

	assert.True(t, r.Unregister(StockNewsAgent))
	assert.False(t, r.Unregister(StockNewsAgent))
	assert.Greater(t, r.Version(), v1)
	assert.False(t, r.Has(StockNewsAgent))
}

func TestRegistry_RejectsEmptyID(t *testing.T) {
	r := NewRegistry(nil)
	err := r.Register(WorkerInfo{ID: "  "})
	assert.True(t, types.IsCode(err, types.ErrInvalidRequest))
	assert.Zero(t, r.Len())
}

func TestRegistry_SnapshotIsDetached(t *testing.T) {
	r := NewRegistry(nil)
	caps := []string{"news"}
	require.NoError(t, r.Register(WorkerInfo{ID: "w", Capabilities: caps}))
	caps[0] = "changed"

	info, _ := r.Get("w")
	assert.Equal(t, []string{"news"}, info.Capabilities)
}

func TestNewWorkerSet(t *testing.T) {
	set := NewWorkerSet("b", "a", "", " b ", "c")
	assert.Equal(t, WorkerSet{"a", "b", "c"}, set)
	assert.True(t, set.Contains("b"))
	assert.False(t, set.Contains("z"))
	assert.False(t, set.Empty())

	assert.True(t, NewWorkerSet().Empty())
	assert.True(t, NewWorkerSet("", " ").Empty())
	assert.Equal(t, 1, NewWorkerSet("only").Len())
}

func TestProperty_WorkerSetNormalized(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ids := rapid.SliceOf(rapid.SampledFrom([]string{"a", "b", "c", "d", "", " a"})).Draw(rt, "ids")
		set := NewWorkerSet(ids...)

		for i := 1; i < len(set); i++ {
			if set[i-1] >= set[i] {
				rt.Fatalf("set not strictly sorted: %v", set)
			}
		}
		for _, id := range set {
			if id == "" {
				rt.Fatalf("empty id in set")
			}
		}
	})
}

func TestStaticSelector(t *testing.T) {
	ctx := context.Background()
	sel := NewStaticSelector(DefaultRoutes(), nil)

	set, err := sel.Select(ctx, &types.TaskEnvelope{TaskID: "t1", OpCode: types.OpStockRecommendation})
	require.NoError(t, err)
	assert.Equal(t, WorkerSet{PricePredictorAgent, StockNewsAgent, StockPriceAgent}, set)

	set, err = sel.Select(ctx, &types.TaskEnvelope{TaskID: "t2", OpCode: types.OpStockNews})
	require.NoError(t, err)
	assert.Equal(t, WorkerSet{StockNewsAgent}, set)

	set, err = sel.Select(ctx, &types.TaskEnvelope{TaskID: "t3", OpCode: types.OpUnknown})
	require.NoError(t, err)
	assert.True(t, set.Empty())
}

func TestStaticSelector_FiltersUnregistered(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(WorkerInfo{ID: StockPriceAgent}))

	sel := NewStaticSelector(DefaultRoutes(), r)
	set, err := sel.Select(context.Background(), &types.TaskEnvelope{OpCode: types.OpStockRecommendation})
	require.NoError(t, err)
	assert.Equal(t, WorkerSet{StockPriceAgent}, set)
}

func TestStaticSelector_ReturnsCopy(t *testing.T) {
	sel := NewStaticSelector(DefaultRoutes(), nil)
	env := &types.TaskEnvelope{OpCode: types.OpStockNews}

	first, err := sel.Select(context.Background(), env)
	require.NoError(t, err)
	first[0] = "mutated"

	second, err := sel.Select(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, WorkerSet{StockNewsAgent}, second)
}

func TestFallbackSelector(t *testing.T) {
	empty := SelectorFunc(func(context.Context, *types.TaskEnvelope) (WorkerSet, error) {
		return WorkerSet{}, nil
	})
	failing := SelectorFunc(func(context.Context, *types.TaskEnvelope) (WorkerSet, error) {
		return nil, types.NewError(types.ErrSelectionUnavailable, "down")
	})
	static := NewStaticSelector(DefaultRoutes(), nil)
	env := &types.TaskEnvelope{OpCode: types.OpStockNews}

	set, err := (&FallbackSelector{Primary: empty, Fallback: static}).Select(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, WorkerSet{StockNewsAgent}, set)

	set, err = (&FallbackSelector{Primary: failing, Fallback: static, Logger: zaptest.NewLogger(t)}).Select(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, WorkerSet{StockNewsAgent}, set)

	_, err = (&FallbackSelector{Primary: failing}).Select(context.Background(), env)
	assert.True(t, types.IsCode(err, types.ErrSelectionUnavailable))
}
