package classifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/agentbus/bus"
	"github.com/BaSui01/agentbus/internal/ctxkeys"
	"github.com/BaSui01/agentbus/internal/metrics"
	"github.com/BaSui01/agentbus/types"
)

// DefaultDescription replaces an empty task description.
const DefaultDescription = "No task description provided"

// ErrStageStopped is returned by Handle after Stop.
var ErrStageStopped = errors.New("classifier: stage stopped")

// StageConfig 分类阶段配置
type StageConfig struct {
	// RateLimit 每秒最多分类的任务数，0 表示不限制
	RateLimit float64 `yaml:"rate_limit" json:"rate_limit"`

	// Burst 令牌桶容量
	Burst int `yaml:"burst" json:"burst"`

	// Timeout 单次分类超时
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// PublishTimeout 发布超时
	PublishTimeout time.Duration `yaml:"publish_timeout" json:"publish_timeout"`
}

// DefaultStageConfig 返回默认配置
func DefaultStageConfig() StageConfig {
	return StageConfig{
		RateLimit:      50,
		Burst:          10,
		Timeout:        10 * time.Second,
		PublishTimeout: 5 * time.Second,
	}
}

// =============================================================================
// 🏷️ 分类阶段
// =============================================================================

// Stage consumes intake requests, classifies them and publishes the
// structured envelope to the classified topic. Classification failures
// degrade to UNKNOWN so the request still reaches the engine.
type Stage struct {
	bus        bus.Bus
	classifier Classifier
	topics     bus.Topics
	config     StageConfig
	limiter    *rate.Limiter
	metrics    *metrics.Collector
	logger     *zap.Logger

	mu      sync.Mutex
	sub     bus.Subscription
	stopped bool
}

// StageOption 阶段可选项
type StageOption func(*Stage)

// WithStageTopics overrides the default topic layout.
func WithStageTopics(topics bus.Topics) StageOption {
	return func(s *Stage) { s.topics = topics }
}

// WithStageMetrics 设置指标收集器
func WithStageMetrics(c *metrics.Collector) StageOption {
	return func(s *Stage) { s.metrics = c }
}

// NewStage 创建分类阶段
func NewStage(b bus.Bus, c Classifier, config StageConfig, logger *zap.Logger, opts ...StageOption) (*Stage, error) {
	if b == nil {
		return nil, fmt.Errorf("classifier: bus is required")
	}
	if c == nil {
		return nil, fmt.Errorf("classifier: classifier is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Stage{
		bus:        b,
		classifier: c,
		topics:     bus.DefaultTopics(),
		config:     config,
		logger:     logger.With(zap.String("component", "classifier_stage")),
	}
	if config.RateLimit > 0 {
		burst := config.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start 订阅 intake topic
func (s *Stage) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStageStopped
	}
	if s.sub != nil {
		return fmt.Errorf("classifier: stage already started")
	}

	sub, err := s.bus.Subscribe(ctx, s.topics.Intake, func(ctx context.Context, msg *bus.Message) {
		_ = s.Handle(ctxkeys.WithTopic(ctx, msg.Topic), msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.topics.Intake, err)
	}
	s.sub = sub

	s.logger.Info("classifier stage started",
		zap.String("intake_topic", s.topics.Intake),
		zap.String("classified_topic", s.topics.Classified),
	)
	return nil
}

// Stop 取消订阅
func (s *Stage) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil
	}
	s.stopped = true
	if s.sub == nil {
		return nil
	}
	err := s.sub.Unsubscribe()
	s.sub = nil
	s.logger.Info("classifier stage stopped")
	return err
}

// Handle classifies one intake payload and publishes the envelope.
func (s *Stage) Handle(ctx context.Context, data []byte) error {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return ErrStageStopped
	}

	req, record, err := types.DecodeRequest(data)
	if err != nil {
		s.metrics.RecordMalformed(s.topics.Intake)
		s.logger.Warn("dropping malformed intake message", zap.Error(err))
		return types.NewMalformedError(s.topics.Intake, err)
	}
	if req.TaskID == types.UnknownTaskID {
		return s.rejectMissingID(ctx)
	}
	if req.TaskDescription == "" {
		s.logger.Warn("received empty task description", zap.String("task_id", req.TaskID))
		req.TaskDescription = DefaultDescription
	}
	log := s.logger.With(zap.String("task_id", req.TaskID))

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			log.Warn("rate limiter wait aborted", zap.Error(err))
			return err
		}
	}

	res := s.classify(ctx, req, log)
	s.metrics.RecordClassification(string(res.OpCode), res.Source)

	env := &types.TaskEnvelope{
		TaskID:         req.TaskID,
		OpCode:         res.OpCode,
		UserContext:    res.UserContext,
		ProcessContext: res.ProcessContext,
		OriginalTask:   record,
	}
	pctx, cancel := s.publishContext(ctx)
	defer cancel()
	if err := bus.PublishJSON(pctx, s.bus, s.topics.Classified, env); err != nil {
		log.Error("publish classified task failed", zap.Error(err))
		return err
	}

	log.Info("task classified",
		zap.String("op_code", string(res.OpCode)),
		zap.String("source", res.Source),
	)
	return nil
}

// rejectMissingID answers a request without task_id on the final topic under
// the sentinel id, since no engine entry could ever be keyed on it.
func (s *Stage) rejectMissingID(ctx context.Context) error {
	s.metrics.RecordMalformed(s.topics.Intake)
	s.logger.Warn("rejecting intake message without task_id")

	result := types.NewErrorResult(types.UnknownTaskID, types.ErrInvalidRequest, "Task request has no task_id.")
	pctx, cancel := s.publishContext(ctx)
	defer cancel()
	if err := bus.PublishJSON(pctx, s.bus, s.topics.Final, result); err != nil {
		s.logger.Error("publish rejection failed", zap.Error(err))
		return err
	}
	return types.NewError(types.ErrInvalidRequest, "task request has no task_id")
}

func (s *Stage) publishContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.config.PublishTimeout > 0 {
		return context.WithTimeout(ctx, s.config.PublishTimeout)
	}
	return ctx, func() {}
}

func (s *Stage) classify(ctx context.Context, req *types.TaskRequest, log *zap.Logger) *types.Classification {
	cctx := ctx
	if s.config.Timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, s.config.Timeout)
		defer cancel()
	}

	res, err := s.classifier.Classify(cctx, req)
	if err != nil {
		log.Warn("classification failed, falling back to UNKNOWN",
			zap.Error(types.NewError(types.ErrClassificationFailed, "classifier error").WithCause(err)))
		return types.Unknown("fallback")
	}
	if res == nil || res.OpCode == "" {
		log.Warn("classifier returned no code, falling back to UNKNOWN")
		return types.Unknown("fallback")
	}

	res.OpCode = types.ParseOpCode(string(res.OpCode))
	if res.OpCode == types.OpUnknown {
		// unknown tasks carry no context
		res.UserContext = map[string]any{}
		res.ProcessContext = map[string]any{}
	}
	if res.UserContext == nil {
		res.UserContext = map[string]any{}
	}
	if res.ProcessContext == nil {
		res.ProcessContext = map[string]any{}
	}
	if res.Source == "" {
		res.Source = "classifier"
	}
	return res
}
