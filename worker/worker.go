package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentbus/bus"
	"github.com/BaSui01/agentbus/internal/ctxkeys"
	"github.com/BaSui01/agentbus/internal/metrics"
	"github.com/BaSui01/agentbus/internal/pool"
	"github.com/BaSui01/agentbus/types"
)

// OverloadedMessage is the fragment error when the execution pool is full.
const OverloadedMessage = "worker overloaded"

// ErrHostStopped is returned after Stop.
var ErrHostStopped = errors.New("worker: host stopped")

// Handler executes one dispatched task. The returned info is encoded as
// the fragment's info field.
type Handler interface {
	Handle(ctx context.Context, task *types.DispatchMessage) (any, error)
}

// HandlerFunc 函数适配器
type HandlerFunc func(ctx context.Context, task *types.DispatchMessage) (any, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, task *types.DispatchMessage) (any, error) {
	return f(ctx, task)
}

// Endpoint binds a worker identity to its handler. The identity is both
// the dispatch topic suffix and the fragment's agent tag.
type Endpoint struct {
	ID      string
	Handler Handler
}

// Config 宿主配置
type Config struct {
	Pool pool.Config `yaml:"pool" json:"pool"`

	// HandlerTimeout 单次执行超时
	HandlerTimeout time.Duration `yaml:"handler_timeout" json:"handler_timeout"`

	// PublishTimeout 回复发布超时
	PublishTimeout time.Duration `yaml:"publish_timeout" json:"publish_timeout"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Pool:           pool.DefaultConfig(),
		HandlerTimeout: 30 * time.Second,
		PublishTimeout: 5 * time.Second,
	}
}

// =============================================================================
// 🤖 Worker 宿主
// =============================================================================

// Host serves a set of endpoints on one bus. Executions run on a bounded
// pool; every dispatch produces exactly one fragment, even when the
// handler fails or the pool rejects it.
type Host struct {
	bus     bus.Bus
	topics  bus.Topics
	config  Config
	pool    *pool.Pool
	metrics *metrics.Collector
	logger  *zap.Logger

	mu        sync.Mutex
	endpoints map[string]Endpoint
	subs      map[string]bus.Subscription
	started   bool
	stopped   bool
	runCtx    context.Context
	cancel    context.CancelFunc
}

// HostOption 宿主可选项
type HostOption func(*Host)

// WithHostTopics overrides the default topic layout.
func WithHostTopics(topics bus.Topics) HostOption {
	return func(h *Host) { h.topics = topics }
}

// WithHostMetrics 设置指标收集器
func WithHostMetrics(c *metrics.Collector) HostOption {
	return func(h *Host) { h.metrics = c }
}

// NewHost 创建 worker 宿主
func NewHost(b bus.Bus, config Config, logger *zap.Logger, opts ...HostOption) (*Host, error) {
	if b == nil {
		return nil, fmt.Errorf("worker: bus is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	h := &Host{
		bus:       b,
		topics:    bus.DefaultTopics(),
		config:    config,
		logger:    logger.With(zap.String("component", "worker_host")),
		endpoints: make(map[string]Endpoint),
		subs:      make(map[string]bus.Subscription),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.pool = pool.New(config.Pool, func(r any) {
		h.logger.Error("worker task panicked", zap.Any("recover", r))
	})
	h.runCtx, h.cancel = context.WithCancel(context.Background())
	return h, nil
}

// Register adds an endpoint. Endpoints added after Start subscribe
// immediately.
func (h *Host) Register(ctx context.Context, ep Endpoint) error {
	if ep.ID == "" {
		return types.NewError(types.ErrInvalidRequest, "endpoint id is required")
	}
	if ep.Handler == nil {
		return types.NewError(types.ErrInvalidRequest, "endpoint handler is required")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped {
		return ErrHostStopped
	}
	if _, exists := h.endpoints[ep.ID]; exists {
		return types.NewError(types.ErrInvalidRequest, fmt.Sprintf("endpoint %s already registered", ep.ID))
	}
	h.endpoints[ep.ID] = ep
	if h.started {
		return h.subscribeLocked(ctx, ep)
	}
	return nil
}

// Endpoints 已注册的 endpoint ID
func (h *Host) Endpoints() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	ids := make([]string, 0, len(h.endpoints))
	for id := range h.endpoints {
		ids = append(ids, id)
	}
	return ids
}

// Start subscribes every registered endpoint to its dispatch topic.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped {
		return ErrHostStopped
	}
	if h.started {
		return fmt.Errorf("worker: host already started")
	}
	for _, ep := range h.endpoints {
		if err := h.subscribeLocked(ctx, ep); err != nil {
			h.unsubscribeAllLocked()
			return err
		}
	}
	h.started = true
	h.logger.Info("worker host started", zap.Int("endpoints", len(h.endpoints)))
	return nil
}

// Stop unsubscribes, waits for running executions and releases the pool.
func (h *Host) Stop() error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	err := h.unsubscribeAllLocked()
	h.mu.Unlock()

	h.pool.Close()
	h.cancel()
	h.logger.Info("worker host stopped", zap.Any("pool", h.pool.Stats()))
	return err
}

func (h *Host) subscribeLocked(ctx context.Context, ep Endpoint) error {
	topic := h.topics.Dispatch(ep.ID)
	sub, err := h.bus.Subscribe(ctx, topic, func(_ context.Context, msg *bus.Message) {
		h.submit(ep, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	h.subs[ep.ID] = sub
	h.logger.Debug("endpoint subscribed", zap.String("worker", ep.ID), zap.String("topic", topic))
	return nil
}

func (h *Host) unsubscribeAllLocked() error {
	var errs []error
	for id, sub := range h.subs {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribe %s: %w", sub.Topic(), err))
		}
		delete(h.subs, id)
	}
	return errors.Join(errs...)
}

func (h *Host) submit(ep Endpoint, data []byte) {
	err := h.pool.Submit(h.runCtx, func(ctx context.Context) error {
		return h.Execute(ctx, ep, data)
	})
	if err == nil || errors.Is(err, pool.ErrPoolClosed) {
		return
	}

	// reply anyway so the aggregation is not left waiting
	task, decErr := types.DecodeDispatch(data)
	if decErr != nil || task.TaskID == types.UnknownTaskID {
		return
	}
	h.logger.Warn("execution rejected", zap.String("worker", ep.ID), zap.String("task_id", task.TaskID), zap.Error(err))
	h.metrics.RecordWorkerExecution(ep.ID, err, 0)
	_ = h.reply(h.runCtx, &types.ResultFragment{TaskID: task.TaskID, Agent: ep.ID, Error: OverloadedMessage})
}

// Execute runs ep's handler for one dispatch payload and publishes the
// resulting fragment. Handler errors and panics become fragment errors.
func (h *Host) Execute(ctx context.Context, ep Endpoint, data []byte) error {
	topic := h.topics.Dispatch(ep.ID)
	task, err := types.DecodeDispatch(data)
	if err != nil {
		h.metrics.RecordMalformed(topic)
		h.logger.Warn("dropping malformed dispatch", zap.String("worker", ep.ID), zap.Error(err))
		return types.NewMalformedError(topic, err)
	}
	if task.TaskID == types.UnknownTaskID {
		h.metrics.RecordMalformed(topic)
		h.logger.Warn("dropping dispatch without task id", zap.String("worker", ep.ID))
		return types.NewMalformedError(topic, errors.New("dispatch has no task identifier"))
	}

	ctx = ctxkeys.WithWorker(ctxkeys.WithTaskID(ctx, task.TaskID), ep.ID)
	log := h.logger.With(zap.String("worker", ep.ID), zap.String("task_id", task.TaskID))

	start := time.Now()
	info, runErr := h.run(ctx, ep, task)
	h.metrics.RecordWorkerExecution(ep.ID, runErr, time.Since(start))

	frag := &types.ResultFragment{TaskID: task.TaskID, Agent: ep.ID}
	if runErr != nil {
		log.Warn("handler failed", zap.Error(runErr))
		frag.Error = runErr.Error()
	} else if info != nil {
		raw, err := json.Marshal(info)
		if err != nil {
			frag.Error = fmt.Sprintf("encode info: %v", err)
		} else {
			frag.Info = raw
		}
	}

	if err := h.reply(ctx, frag); err != nil {
		log.Error("publish fragment failed", zap.Error(err))
		return err
	}
	log.Debug("fragment published", zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (h *Host) run(ctx context.Context, ep Endpoint, task *types.DispatchMessage) (info any, err error) {
	if h.config.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.config.HandlerTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = types.NewError(types.ErrWorkerFailed, fmt.Sprintf("handler panicked: %v", r))
		}
	}()
	return ep.Handler.Handle(ctx, task)
}

func (h *Host) reply(ctx context.Context, frag *types.ResultFragment) error {
	if h.config.PublishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.config.PublishTimeout)
		defer cancel()
	}
	return bus.PublishJSON(ctx, h.bus, h.topics.Replies, frag)
}
