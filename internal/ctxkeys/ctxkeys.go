package ctxkeys

import "context"

// contextKey 用于在 context 中存储值的键类型
type contextKey string

const (
	taskIDKey contextKey = "task_id"
	topicKey  contextKey = "topic"
	workerKey contextKey = "worker"
)

// WithTaskID 设置 TaskID
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey, taskID)
}

// TaskID 获取 TaskID
func TaskID(ctx context.Context) (string, bool) {
	return lookup(ctx, taskIDKey)
}

// WithTopic 设置当前处理的消息 topic
func WithTopic(ctx context.Context, topic string) context.Context {
	return context.WithValue(ctx, topicKey, topic)
}

// Topic 获取消息 topic
func Topic(ctx context.Context) (string, bool) {
	return lookup(ctx, topicKey)
}

// WithWorker 设置处理任务的 worker id
func WithWorker(ctx context.Context, worker string) context.Context {
	return context.WithValue(ctx, workerKey, worker)
}

// Worker 获取 worker id
func Worker(ctx context.Context) (string, bool) {
	return lookup(ctx, workerKey)
}

func lookup(ctx context.Context, key contextKey) (string, bool) {
	v, ok := ctx.Value(key).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
