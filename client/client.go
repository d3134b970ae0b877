package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/agentbus/bus"
	"github.com/BaSui01/agentbus/internal/metrics"
	"github.com/BaSui01/agentbus/types"
)

// ErrClientClosed is returned by Submit after Close.
var ErrClientClosed = errors.New("client: closed")

// DefaultTaskType is attached to requests submitted without a type.
const DefaultTaskType = "stock_recommendation"

// Config 客户端配置
type Config struct {
	// Timeout 等待聚合结果的上限
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// PublishTimeout 发布请求的超时
	PublishTimeout time.Duration `yaml:"publish_timeout" json:"publish_timeout"`

	// TaskType 默认任务类型
	TaskType string `yaml:"task_type" json:"task_type"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Timeout:        60 * time.Second,
		PublishTimeout: 5 * time.Second,
		TaskType:       DefaultTaskType,
	}
}

// =============================================================================
// 📮 请求 / 等待客户端
// =============================================================================

// Client submits tasks to the intake topic and waits for the matching
// AggregatedResult on the final topic. One subscription serves every
// in-flight request; each request owns a single-slot future keyed by its
// task identifier.
type Client struct {
	bus     bus.Bus
	topics  bus.Topics
	config  Config
	metrics *metrics.Collector
	logger  *zap.Logger

	mu      sync.Mutex
	pending map[string]chan *types.AggregatedResult
	sub     bus.Subscription
	done    chan struct{}
	closed  bool
}

// Option 客户端可选项
type Option func(*Client)

// WithTopics overrides the default topic layout.
func WithTopics(topics bus.Topics) Option {
	return func(c *Client) { c.topics = topics }
}

// WithMetrics 设置指标收集器
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Client) { c.metrics = m }
}

// New subscribes the final topic and returns a ready client.
func New(ctx context.Context, b bus.Bus, config Config, logger *zap.Logger, opts ...Option) (*Client, error) {
	if b == nil {
		return nil, fmt.Errorf("client: bus is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}

	c := &Client{
		bus:     b,
		topics:  bus.DefaultTopics(),
		config:  config,
		logger:  logger.With(zap.String("component", "client")),
		pending: make(map[string]chan *types.AggregatedResult),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	sub, err := b.Subscribe(ctx, c.topics.Final, c.onResult)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", c.topics.Final, err)
	}
	c.sub = sub
	return c, nil
}

// NewTaskID 生成 task-<uuid> 形式的任务 ID
func NewTaskID() string {
	return "task-" + uuid.NewString()
}

// Submit builds a request from description and waits for its result.
func (c *Client) Submit(ctx context.Context, description, taskType string) (*types.AggregatedResult, error) {
	if taskType == "" {
		taskType = c.config.TaskType
	}
	return c.SubmitRequest(ctx, &types.TaskRequest{
		TaskDescription: description,
		TaskType:        taskType,
	})
}

// SubmitRequest publishes req and waits for the first AggregatedResult
// carrying its identifier. An empty identifier is generated on a copy;
// req itself is never modified. Error
// results are returned as results; only transport failures, timeouts and
// cancellation are errors.
func (c *Client) SubmitRequest(ctx context.Context, req *types.TaskRequest) (*types.AggregatedResult, error) {
	if req == nil {
		return nil, types.NewError(types.ErrInvalidRequest, "request is required")
	}
	r := *req
	if r.TaskID == "" {
		r.TaskID = NewTaskID()
	}
	req = &r
	id := req.TaskID
	log := c.logger.With(zap.String("task_id", id))

	// the future exists before the request is visible to anyone
	slot, err := c.register(id)
	if err != nil {
		return nil, err
	}
	defer c.unregister(id)

	start := time.Now()
	if err := c.publish(ctx, req); err != nil {
		c.metrics.RecordClientWait("publish_error", time.Since(start))
		log.Error("publish request failed", zap.Error(err))
		return nil, err
	}
	log.Info("task submitted, waiting for result", zap.Duration("timeout", c.config.Timeout))

	timer := time.NewTimer(c.config.Timeout)
	defer timer.Stop()

	select {
	case res := <-slot:
		c.metrics.RecordClientWait("received", time.Since(start))
		log.Info("result received",
			zap.Int("fragments", len(res.AggregatedResults)),
			zap.String("error_code", string(res.ErrorCode)),
		)
		return res, nil
	case <-timer.C:
		c.metrics.RecordClientWait("timeout", time.Since(start))
		log.Warn("timed out waiting for result")
		return nil, types.NewTimeoutError(fmt.Sprintf("no result for %s within %s", id, c.config.Timeout))
	case <-ctx.Done():
		c.metrics.RecordClientWait("cancelled", time.Since(start))
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClientClosed
	}
}

// Pending 等待中的请求数
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close unsubscribes and fails every waiting request with ErrClientClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	sub := c.sub
	c.mu.Unlock()

	if sub != nil {
		return sub.Unsubscribe()
	}
	return nil
}

func (c *Client) register(id string) (chan *types.AggregatedResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClientClosed
	}
	if _, exists := c.pending[id]; exists {
		return nil, types.NewError(types.ErrInvalidRequest, fmt.Sprintf("task %s already waiting", id))
	}
	slot := make(chan *types.AggregatedResult, 1)
	c.pending[id] = slot
	return slot, nil
}

func (c *Client) unregister(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

func (c *Client) publish(ctx context.Context, req *types.TaskRequest) error {
	pctx := ctx
	if c.config.PublishTimeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, c.config.PublishTimeout)
		defer cancel()
	}
	return bus.PublishJSON(pctx, c.bus, c.topics.Intake, req)
}

// onResult resolves the matching future. Results for unknown ids, and
// any result after the first, are ignored.
func (c *Client) onResult(_ context.Context, msg *bus.Message) {
	id := types.ExtractTaskIDFromJSON(msg.Data)
	if id == types.UnknownTaskID {
		c.metrics.RecordMalformed(msg.Topic)
		c.logger.Debug("ignoring result without task id")
		return
	}

	c.mu.Lock()
	slot, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("ignoring result for unknown task", zap.String("task_id", id))
		return
	}

	res, err := types.DecodeResult(msg.Data)
	if err != nil {
		c.logger.Warn("result not decodable, reporting raw failure", zap.String("task_id", id), zap.Error(err))
		res = types.NewErrorResult(id, types.ErrMalformedMessage, "aggregated result could not be decoded")
	}
	res.TaskID = id

	select {
	case slot <- res:
	default:
	}
}
