package ctxkeys

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	_, ok := TaskID(ctx)
	assert.False(t, ok)

	ctx = WithTaskID(ctx, "t1")
	ctx = WithTopic(ctx, "crew.responses")
	ctx = WithWorker(ctx, "stock_news_agent")

	id, ok := TaskID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "t1", id)

	topic, ok := Topic(ctx)
	assert.True(t, ok)
	assert.Equal(t, "crew.responses", topic)

	worker, ok := Worker(ctx)
	assert.True(t, ok)
	assert.Equal(t, "stock_news_agent", worker)

	_, ok = TaskID(WithTaskID(context.Background(), ""))
	assert.False(t, ok)
}
