package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/agentbus/archive"
	"github.com/BaSui01/agentbus/bus"
	"github.com/BaSui01/agentbus/classifier"
	"github.com/BaSui01/agentbus/client"
	"github.com/BaSui01/agentbus/config"
	"github.com/BaSui01/agentbus/correlation"
	"github.com/BaSui01/agentbus/internal/database"
	"github.com/BaSui01/agentbus/internal/metrics"
	"github.com/BaSui01/agentbus/registry"
	"github.com/BaSui01/agentbus/types"
	"github.com/BaSui01/agentbus/worker"
)

// ErrNotStarted is returned by Client before Start.
var ErrNotStarted = errors.New("pipeline: not started")

// =============================================================================
// 🧩 进程内流水线装配
// =============================================================================

// Pipeline wires every role of the task flow onto one bus: classifier
// stage, correlation engine, worker host, optional result archive and a
// request/await client. Roles disabled in the configuration are skipped,
// so several processes can share one external bus with different roles.
type Pipeline struct {
	config  *config.Config
	logger  *zap.Logger
	metrics *metrics.Collector

	bus     bus.Bus
	ownsBus bool

	registry *registry.Registry
	selector registry.Selector
	search   *registry.SearchSelector

	engine     *correlation.Engine
	classifier classifier.Classifier
	cache      *classifier.CachedClassifier
	stage      *classifier.Stage
	host       *worker.Host
	endpoints  []worker.Endpoint
	db         *database.PoolManager
	archive    *archive.Archive

	mu      sync.Mutex
	client  *client.Client
	started bool
	stopped bool
}

// Option 流水线可选项
type Option func(*Pipeline)

// WithBus uses b instead of building one from the configuration. The
// caller keeps ownership of b.
func WithBus(b bus.Bus) Option {
	return func(p *Pipeline) { p.bus = b }
}

// WithMetrics 设置指标收集器
func WithMetrics(m *metrics.Collector) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithClassifier replaces the configured keyword classifier.
func WithClassifier(c classifier.Classifier) Option {
	return func(p *Pipeline) { p.classifier = c }
}

// WithSelector replaces the configured worker selector.
func WithSelector(s registry.Selector) Option {
	return func(p *Pipeline) { p.selector = s }
}

// WithEndpoints hosts eps instead of the demo agents.
func WithEndpoints(eps ...worker.Endpoint) Option {
	return func(p *Pipeline) { p.endpoints = eps }
}

// New 按配置构建流水线，不订阅任何 topic
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (_ *Pipeline, err error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pipeline{
		config: cfg,
		logger: logger.With(zap.String("component", "pipeline")),
	}
	for _, opt := range opts {
		opt(p)
	}
	defer func() {
		if err != nil {
			p.release()
		}
	}()

	if p.bus == nil {
		b, err := bus.New(cfg.Bus, logger)
		if err != nil {
			return nil, types.NewBusError("", err)
		}
		p.bus = b
		p.ownsBus = true
	}

	if err := p.buildRegistry(logger); err != nil {
		return nil, err
	}

	p.engine, err = correlation.NewEngine(p.bus, p.selector, cfg.Engine, logger,
		correlation.WithTopics(cfg.Topics),
		correlation.WithMetrics(p.metrics),
	)
	if err != nil {
		return nil, err
	}

	if cfg.Classifier.Enabled {
		if err := p.buildStage(logger); err != nil {
			return nil, err
		}
	}

	if cfg.Worker.Enabled {
		if err := p.buildHost(logger); err != nil {
			return nil, err
		}
	}

	if cfg.Archive.Enabled {
		if err := p.buildArchive(logger); err != nil {
			return nil, err
		}
	}

	return p, nil
}

func (p *Pipeline) buildRegistry(logger *zap.Logger) error {
	cfg := p.config.Registry
	p.registry = registry.NewRegistry(logger)
	if len(cfg.Workers) == 0 {
		if err := registry.RegisterDefaults(p.registry); err != nil {
			return err
		}
	}
	for _, w := range cfg.Workers {
		if err := p.registry.Register(w); err != nil {
			return fmt.Errorf("register worker %s: %w", w.ID, err)
		}
	}

	if p.selector != nil {
		return nil
	}

	routes := registry.DefaultRoutes()
	if len(cfg.Routes) > 0 {
		routes = make(map[types.OpCode][]string, len(cfg.Routes))
		for code, ids := range cfg.Routes {
			routes[types.ParseOpCode(code)] = ids
		}
	}
	static := registry.NewStaticSelector(routes, p.registry)

	switch cfg.Selector {
	case config.SelectorSearch:
		p.search = registry.NewSearchSelector(p.registry, cfg.Search, logger)
		p.selector = p.search
	case config.SelectorFallback:
		p.search = registry.NewSearchSelector(p.registry, cfg.Search, logger)
		p.selector = &registry.FallbackSelector{Primary: static, Fallback: p.search, Logger: logger}
	default:
		p.selector = static
	}
	return nil
}

func (p *Pipeline) buildStage(logger *zap.Logger) error {
	cfg := p.config.Classifier
	c := p.classifier
	if c == nil {
		c = classifier.NewKeywordClassifier(cfg.Keywords)
		if cfg.Cache.Enabled {
			cached, err := classifier.NewCachedClassifier(c, cfg.Cache, logger)
			if err != nil {
				return err
			}
			p.cache = cached
			c = cached
		}
		p.classifier = c
	}

	stage, err := classifier.NewStage(p.bus, c, cfg.Stage, logger,
		classifier.WithStageTopics(p.config.Topics),
		classifier.WithStageMetrics(p.metrics),
	)
	if err != nil {
		return err
	}
	p.stage = stage
	return nil
}

func (p *Pipeline) buildHost(logger *zap.Logger) error {
	host, err := worker.NewHost(p.bus, p.config.Worker.Host, logger,
		worker.WithHostTopics(p.config.Topics),
		worker.WithHostMetrics(p.metrics),
	)
	if err != nil {
		return err
	}
	p.host = host

	eps := p.endpoints
	if eps == nil {
		eps = selectEndpoints(worker.DemoEndpoints(), p.config.Worker.Agents)
	}
	for _, ep := range eps {
		if err := host.Register(context.Background(), ep); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) buildArchive(logger *zap.Logger) error {
	cfg := p.config.Archive
	db, err := database.Open(cfg.Database, logger)
	if err != nil {
		return err
	}
	p.db, err = database.NewPoolManager(db, cfg.Database.Pool, logger)
	if err != nil {
		return err
	}
	p.archive, err = archive.New(p.db, p.bus, cfg, logger,
		archive.WithTopics(p.config.Topics),
		archive.WithMetrics(p.metrics),
	)
	return err
}

// selectEndpoints keeps the endpoints named in ids; empty ids keeps all.
func selectEndpoints(all []worker.Endpoint, ids []string) []worker.Endpoint {
	if len(ids) == 0 {
		return all
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	out := make([]worker.Endpoint, 0, len(ids))
	for _, ep := range all {
		if _, ok := want[ep.ID]; ok {
			out = append(out, ep)
		}
	}
	return out
}

// =============================================================================
// 🔄 生命周期
// =============================================================================

// Start subscribes every consumer before any producer so no message
// published by a stage of this process is missed by another.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return fmt.Errorf("pipeline: stopped")
	}
	if p.started {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.engine.Start(gctx) })
	if p.host != nil {
		g.Go(func() error { return p.host.Start(gctx) })
	}
	if p.archive != nil {
		g.Go(func() error { return p.archive.Start(gctx) })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if p.stage != nil {
		if err := p.stage.Start(ctx); err != nil {
			return err
		}
	}

	c, err := client.New(ctx, p.bus, p.config.Client, p.logger,
		client.WithTopics(p.config.Topics),
		client.WithMetrics(p.metrics),
	)
	if err != nil {
		return err
	}
	p.client = c
	p.started = true

	p.logger.Info("pipeline started",
		zap.String("bus", p.config.Bus.Driver),
		zap.Bool("classifier", p.stage != nil),
		zap.Bool("workers", p.host != nil),
		zap.Bool("archive", p.archive != nil),
	)
	return nil
}

// Stop shuts roles down producer first and releases owned resources.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	c := p.client
	p.mu.Unlock()

	var errs []error
	if c != nil {
		errs = append(errs, c.Close())
	}
	if p.stage != nil {
		errs = append(errs, p.stage.Stop())
	}
	errs = append(errs, p.engine.Stop(ctx))
	if p.host != nil {
		errs = append(errs, p.host.Stop())
	}
	if p.archive != nil {
		errs = append(errs, p.archive.Stop())
	}
	errs = append(errs, p.release())

	p.logger.Info("pipeline stopped")
	return errors.Join(errs...)
}

// release closes resources owned by the pipeline.
func (p *Pipeline) release() error {
	var errs []error
	if p.search != nil {
		errs = append(errs, p.search.Close())
	}
	if p.cache != nil {
		p.cache.Close()
	}
	if p.db != nil {
		errs = append(errs, p.db.Close())
	}
	if p.ownsBus && p.bus != nil {
		errs = append(errs, p.bus.Close())
	}
	return errors.Join(errs...)
}

// =============================================================================
// 🔍 访问器
// =============================================================================

// Client returns the request/await client once started.
func (p *Pipeline) Client() (*client.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return nil, ErrNotStarted
	}
	return p.client, nil
}

// Submit 通过内置客户端提交任务并等待结果
func (p *Pipeline) Submit(ctx context.Context, description, taskType string) (*types.AggregatedResult, error) {
	c, err := p.Client()
	if err != nil {
		return nil, err
	}
	return c.Submit(ctx, description, taskType)
}

// Bus 返回流水线使用的总线
func (p *Pipeline) Bus() bus.Bus { return p.bus }

// Engine 返回关联引擎
func (p *Pipeline) Engine() *correlation.Engine { return p.engine }

// Registry 返回 worker 注册表
func (p *Pipeline) Registry() *registry.Registry { return p.registry }

// Archive returns the result archive; nil when disabled.
func (p *Pipeline) Archive() *archive.Archive { return p.archive }

// Ready reports whether the bus and archive database are reachable.
func (p *Pipeline) Ready(ctx context.Context) error {
	p.mu.Lock()
	started, stopped := p.started, p.stopped
	p.mu.Unlock()
	if !started || stopped {
		return ErrNotStarted
	}
	if pinger, ok := p.bus.(interface{ Ping(context.Context) error }); ok {
		if err := pinger.Ping(ctx); err != nil {
			return types.NewBusError("", err)
		}
	}
	if p.db != nil {
		if err := p.db.Ping(ctx); err != nil {
			return fmt.Errorf("archive database: %w", err)
		}
	}
	return nil
}

// Stats 运行时统计
func (p *Pipeline) Stats() map[string]any {
	stats := map[string]any{
		"pending":  p.engine.Pending(),
		"workers":  p.registry.Len(),
		"bus":      p.config.Bus.Driver,
		"selector": p.config.Registry.Selector,
	}
	if p.host != nil {
		stats["endpoints"] = p.host.Endpoints()
	}
	if p.cache != nil {
		hits, misses := p.cache.Stats()
		stats["classifier_cache"] = map[string]int64{"hits": hits, "misses": misses}
	}
	p.mu.Lock()
	if p.client != nil {
		stats["client_pending"] = p.client.Pending()
	}
	p.mu.Unlock()
	return stats
}
