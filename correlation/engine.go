package correlation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/agentbus/bus"
	"github.com/BaSui01/agentbus/internal/ctxkeys"
	"github.com/BaSui01/agentbus/internal/metrics"
	"github.com/BaSui01/agentbus/internal/telemetry"
	"github.com/BaSui01/agentbus/registry"
	"github.com/BaSui01/agentbus/types"
)

// ErrEngineStopped is returned by handlers after Stop.
var ErrEngineStopped = errors.New("correlation: engine stopped")

// Result messages published on terminal short-circuits.
const (
	NoWorkerMessage        = "No suitable sub-agent found."
	SelectionFailedMessage = "Worker selection failed."
	TimeoutMessage         = "Aggregation timed out before all workers replied."
)

// Fragment outcomes, also used as metric labels.
const (
	outcomeAccepted  = "accepted"
	outcomeDuplicate = "duplicate"
	outcomeOrphan    = "orphan"
	outcomeLate      = "late"
	outcomeOverflow  = "overflow"
	outcomeStray     = "stray"
)

type fanOutDecision int

const (
	decisionDuplicate fanOutDecision = iota
	decisionDispatch
	decisionNoWorker
	decisionSelectionFailed
)

// =============================================================================
// 🔗 关联引擎
// =============================================================================

// Engine fans classified tasks out to workers and aggregates their replies
// into exactly one AggregatedResult per task identifier.
type Engine struct {
	bus        bus.Bus
	topics     bus.Topics
	selector   registry.Selector
	store      Store
	config     Config
	tombstones *expirable.LRU[string, time.Time]
	metrics    *metrics.Collector
	logger     *zap.Logger
	now        func() time.Time

	mu      sync.Mutex
	subs    []bus.Subscription
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped atomic.Bool
}

// EngineOption 引擎可选项
type EngineOption func(*Engine)

// WithStore replaces the default sharded MemoryStore.
func WithStore(store Store) EngineOption {
	return func(e *Engine) { e.store = store }
}

// WithTopics overrides the default topic layout.
func WithTopics(topics bus.Topics) EngineOption {
	return func(e *Engine) { e.topics = topics }
}

// WithMetrics 设置指标收集器
func WithMetrics(c *metrics.Collector) EngineOption {
	return func(e *Engine) { e.metrics = c }
}

// WithClock overrides the time source used for timeouts.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine 创建关联引擎
func NewEngine(b bus.Bus, selector registry.Selector, config Config, logger *zap.Logger, opts ...EngineOption) (*Engine, error) {
	if b == nil {
		return nil, fmt.Errorf("correlation: bus is required")
	}
	if selector == nil {
		return nil, fmt.Errorf("correlation: selector is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("correlation: invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		bus:      b,
		topics:   bus.DefaultTopics(),
		selector: selector,
		config:   config,
		logger:   logger.With(zap.String("component", "correlation")),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.store == nil {
		e.store = NewMemoryStore(config.Shards)
	}
	e.tombstones = expirable.NewLRU[string, time.Time](config.TombstoneSize, nil, config.TombstoneTTL)

	return e, nil
}

// Start subscribes the classified and reply topics and starts the
// timeout sweeper.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped.Load() {
		return ErrEngineStopped
	}
	if e.running {
		return fmt.Errorf("correlation: engine already started")
	}

	replies, err := e.bus.Subscribe(ctx, e.topics.Replies, e.onFragment)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", e.topics.Replies, err)
	}
	classified, err := e.bus.Subscribe(ctx, e.topics.Classified, e.onClassified)
	if err != nil {
		_ = replies.Unsubscribe()
		return fmt.Errorf("subscribe %s: %w", e.topics.Classified, err)
	}
	e.subs = []bus.Subscription{replies, classified}

	sweepCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.wg.Add(1)
	go e.sweepLoop(sweepCtx)

	e.running = true
	e.logger.Info("correlation engine started",
		zap.String("classified_topic", e.topics.Classified),
		zap.String("replies_topic", e.topics.Replies),
		zap.Duration("aggregation_timeout", e.config.AggregationTimeout),
		zap.String("timeout_policy", string(e.config.TimeoutPolicy)),
	)
	return nil
}

// Stop unsubscribes, stops the sweeper and abandons in-flight entries
// without publishing anything for them.
func (e *Engine) Stop(ctx context.Context) error {
	if !e.stopped.CompareAndSwap(false, true) {
		return nil
	}

	e.mu.Lock()
	subs := e.subs
	e.subs = nil
	cancel := e.cancel
	e.running = false
	e.mu.Unlock()

	var errs []error
	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribe %s: %w", s.Topic(), err))
		}
	}
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}

	abandoned := e.store.Len()
	e.store.Clear()
	e.reportPending(nil)

	e.logger.Info("correlation engine stopped", zap.Int("abandoned", abandoned))
	return errors.Join(errs...)
}

// Pending 在途条目数（含孤儿片段）
func (e *Engine) Pending() int {
	return e.store.Len()
}

// Terminated reports whether id reached COMPLETE or TIMED_OUT recently.
func (e *Engine) Terminated(id string) bool {
	return e.tombstones.Contains(id)
}

func (e *Engine) onClassified(ctx context.Context, msg *bus.Message) {
	ctx = ctxkeys.WithTopic(ctx, msg.Topic)
	_ = e.HandleClassified(ctx, msg.Data)
}

func (e *Engine) onFragment(ctx context.Context, msg *bus.Message) {
	ctx = ctxkeys.WithTopic(ctx, msg.Topic)
	_ = e.HandleFragment(ctx, msg.Data)
}

// =============================================================================
// 📤 扇出
// =============================================================================

// HandleClassified processes one classified-task payload. Re-deliveries
// for an identifier that is already fanned out or terminated dispatch
// nothing.
func (e *Engine) HandleClassified(ctx context.Context, data []byte) (err error) {
	if e.stopped.Load() {
		return ErrEngineStopped
	}

	env, err := types.DecodeEnvelope(data)
	if err != nil {
		return e.malformed(e.topics.Classified, err)
	}
	id := env.TaskID
	if id == types.UnknownTaskID {
		return e.malformed(e.topics.Classified, errors.New("classified task has no identifier"))
	}
	ctx = ctxkeys.WithTaskID(ctx, id)
	log := e.logger.With(zap.String("task_id", id), zap.String("op_code", string(env.OpCode)))

	if e.Terminated(id) {
		e.metrics.RecordFanOut(string(env.OpCode), "duplicate")
		log.Debug("classified task already terminated, ignoring")
		return nil
	}

	ctx, span := telemetry.StartTaskSpan(ctx, "correlation.fan_out", id,
		telemetry.AttrOpCode.String(string(env.OpCode)))
	defer func() { telemetry.EndSpan(span, err) }()

	// selection runs outside any identifier lock
	workers, selErr := e.selector.Select(ctx, env)

	now := e.now()
	var (
		decision fanOutDecision
		early    *types.AggregatedResult
		strays   int
	)
	e.store.GetOrCreate(id, now, func(entry *Entry, created bool) bool {
		if entry.State == StateFannedOut || e.Terminated(id) {
			decision = decisionDuplicate
			return created
		}
		if selErr != nil {
			decision = decisionSelectionFailed
			e.tombstone(id)
			return true
		}
		if workers.Empty() {
			decision = decisionNoWorker
			e.tombstone(id)
			return true
		}

		entry.State = StateFannedOut
		entry.OpCode = env.OpCode
		entry.Expected = workers.Len()
		strays = entry.SetWorkers(workers)
		entry.FannedOutAt = now
		decision = decisionDispatch

		// fragments that arrived before the fan-out record may already suffice
		if entry.Satisfied() {
			early = e.buildResult(entry, false)
			e.tombstone(id)
			return true
		}
		return false
	})

	span.SetAttributes(telemetry.AttrWorkers.Int(workers.Len()))

	switch decision {
	case decisionDuplicate:
		e.metrics.RecordFanOut(string(env.OpCode), "duplicate")
		span.SetAttributes(telemetry.AttrOutcome.String("duplicate"))
		log.Debug("classified task already fanned out, ignoring")
		return nil

	case decisionSelectionFailed:
		e.metrics.RecordFanOut(string(env.OpCode), "selection_failed")
		log.Error("worker selection failed", zap.Error(selErr))
		res := types.NewErrorResult(id, types.ErrSelectionUnavailable, SelectionFailedMessage)
		if pubErr := e.publishResult(ctx, res); pubErr != nil {
			return errors.Join(selErr, pubErr)
		}
		return selErr

	case decisionNoWorker:
		e.metrics.RecordFanOut(string(env.OpCode), "no_worker")
		span.SetAttributes(telemetry.AttrOutcome.String("no_worker"))
		log.Info("no suitable worker, publishing error result")
		return e.publishResult(ctx, types.NewErrorResult(id, types.ErrNoSuitableWorker, NoWorkerMessage))
	}

	e.metrics.RecordFanOut(string(env.OpCode), "dispatched")
	if strays > 0 {
		for i := 0; i < strays; i++ {
			e.metrics.RecordFragment(outcomeStray)
		}
		log.Warn("dropped held fragments from workers outside the dispatch set", zap.Int("count", strays))
	}
	span.SetAttributes(telemetry.AttrOutcome.String("dispatched"))
	log.Info("fanning out task", zap.Strings("workers", workers))

	dispatchErr := e.dispatch(ctx, env, workers)
	if dispatchErr != nil {
		// the entry stays pending; the sweeper resolves it on timeout
		log.Error("dispatch failed", zap.Error(dispatchErr))
	}

	if early != nil {
		e.metrics.RecordCompletion("complete", 0)
		if pubErr := e.publishResult(ctx, early); pubErr != nil {
			return errors.Join(dispatchErr, pubErr)
		}
	}
	return dispatchErr
}

// dispatch publishes one message per worker concurrently. Every worker is
// attempted even when another publish fails.
func (e *Engine) dispatch(ctx context.Context, env *types.TaskEnvelope, workers registry.WorkerSet) error {
	var g errgroup.Group
	for _, w := range workers {
		g.Go(func() error {
			pctx, cancel := e.publishContext(ctx)
			defer cancel()

			err := bus.PublishJSON(pctx, e.bus, e.topics.Dispatch(w), env.Dispatch(w))
			e.metrics.RecordDispatch(w, err)
			if err != nil {
				return fmt.Errorf("dispatch %s to %s: %w", env.TaskID, w, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// =============================================================================
// 📥 聚合
// =============================================================================

// HandleFragment processes one worker reply. Duplicates and replies for
// terminated identifiers are absorbed; a reply for an unknown identifier
// is held as an orphan until its fan-out arrives or OrphanTTL passes.
func (e *Engine) HandleFragment(ctx context.Context, data []byte) error {
	if e.stopped.Load() {
		return ErrEngineStopped
	}

	frag, err := types.DecodeFragment(data)
	if err != nil {
		return e.malformed(e.topics.Replies, err)
	}
	id := frag.TaskID
	if id == types.UnknownTaskID {
		return e.malformed(e.topics.Replies, errors.New("result fragment has no identifier"))
	}
	log := e.logger.With(zap.String("task_id", id), zap.String("agent", frag.Agent))

	if e.Terminated(id) {
		e.metrics.RecordFragment(outcomeLate)
		log.Debug("late fragment for terminated task, ignoring")
		return nil
	}

	now := e.now()
	var (
		outcome  string
		result   *types.AggregatedResult
		duration time.Duration
	)
	e.store.GetOrCreate(id, now, func(entry *Entry, created bool) bool {
		if e.Terminated(id) {
			outcome = outcomeLate
			return created
		}
		if created {
			entry.State = StateOrphan
		}
		if !entry.Dispatched(frag.Agent) {
			outcome = outcomeStray
			return false
		}
		if entry.HasAgent(frag.Agent) {
			outcome = outcomeDuplicate
			return false
		}
		if entry.State == StateOrphan && entry.Received() >= e.config.MaxOrphanFragments {
			outcome = outcomeOverflow
			return false
		}

		entry.AddFragment(*frag)
		if entry.State != StateFannedOut {
			outcome = outcomeOrphan
			return false
		}

		outcome = outcomeAccepted
		if entry.Satisfied() {
			result = e.buildResult(entry, false)
			duration = now.Sub(entry.FannedOutAt)
			e.tombstone(id)
			return true
		}
		return false
	})

	e.metrics.RecordFragment(outcome)
	switch outcome {
	case outcomeDuplicate:
		log.Debug("duplicate fragment, keeping the first")
	case outcomeOrphan:
		log.Debug("fragment arrived before fan-out, holding as orphan")
	case outcomeOverflow:
		log.Warn("orphan fragment limit reached, dropping fragment")
	case outcomeLate:
		log.Debug("late fragment for terminated task, ignoring")
	case outcomeStray:
		log.Warn("fragment from a worker outside the dispatch set, ignoring")
	}

	if result == nil {
		return nil
	}
	e.metrics.RecordCompletion("complete", duration)
	return e.publishResult(ctx, result)
}

func (e *Engine) buildResult(entry *Entry, incomplete bool) *types.AggregatedResult {
	n := len(entry.Fragments)
	if entry.Expected > 0 && n > entry.Expected {
		n = entry.Expected
	}
	return &types.AggregatedResult{
		TaskID:            entry.TaskID,
		AggregatedResults: append([]types.ResultFragment(nil), entry.Fragments[:n]...),
		Incomplete:        incomplete,
		Expected:          entry.Expected,
		Received:          n,
	}
}

// =============================================================================
// ⏱️ 超时清理
// =============================================================================

func (e *Engine) sweepLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sweep releases fanned-out entries older than AggregationTimeout and
// orphans older than OrphanTTL. It returns the number of released entries.
func (e *Engine) Sweep(ctx context.Context) int {
	now := e.now()
	live := make(map[State]int)
	var results []*types.AggregatedResult
	released := 0

	for _, id := range e.store.IDs() {
		var (
			outcome  string
			res      *types.AggregatedResult
			duration time.Duration
			received int
		)
		e.store.UpdateIfPresent(id, func(entry *Entry) bool {
			switch entry.State {
			case StateFannedOut:
				if now.Sub(entry.FannedOutAt) < e.config.AggregationTimeout {
					live[entry.State]++
					return false
				}
				e.tombstone(id)
				res, outcome = e.timeoutResult(entry)
				duration = now.Sub(entry.FannedOutAt)
				received = entry.Received()
				return true
			default:
				if now.Sub(entry.CreatedAt) < e.config.OrphanTTL {
					live[StateOrphan]++
					return false
				}
				outcome = "orphan_expired"
				received = entry.Received()
				return true
			}
		})
		if outcome == "" {
			continue
		}

		released++
		e.metrics.RecordCompletion(outcome, duration)
		e.logger.Info("aggregation released by sweeper",
			zap.String("task_id", id),
			zap.String("outcome", outcome),
			zap.Int("received", received),
		)
		if res != nil {
			results = append(results, res)
		}
	}

	e.reportPending(live)

	for _, res := range results {
		_ = e.publishResult(ctx, res)
	}
	return released
}

func (e *Engine) timeoutResult(entry *Entry) (*types.AggregatedResult, string) {
	switch e.config.TimeoutPolicy {
	case PolicyDrop:
		return nil, "dropped"
	case PolicyPartial:
		if entry.Received() > 0 {
			return e.buildResult(entry, true), "partial"
		}
	}
	res := types.NewErrorResult(entry.TaskID, types.ErrTimeout, TimeoutMessage)
	res.Incomplete = true
	res.Expected = entry.Expected
	res.Received = entry.Received()
	return res, "timeout"
}

func (e *Engine) reportPending(live map[State]int) {
	e.metrics.SetPending(StateFannedOut.String(), live[StateFannedOut])
	e.metrics.SetPending(StateOrphan.String(), live[StateOrphan])
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

func (e *Engine) tombstone(id string) {
	e.tombstones.Add(id, e.now())
}

func (e *Engine) publishContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.config.PublishTimeout > 0 {
		return context.WithTimeout(ctx, e.config.PublishTimeout)
	}
	return context.WithCancel(ctx)
}

func (e *Engine) publishResult(ctx context.Context, res *types.AggregatedResult) error {
	pctx, cancel := e.publishContext(ctx)
	defer cancel()

	if err := bus.PublishJSON(pctx, e.bus, e.topics.Final, res); err != nil {
		e.logger.Error("publish aggregated result failed",
			zap.String("task_id", res.TaskID),
			zap.Error(err),
		)
		return err
	}
	e.logger.Info("aggregated result published",
		zap.String("task_id", res.TaskID),
		zap.Int("fragments", len(res.AggregatedResults)),
		zap.Bool("incomplete", res.Incomplete),
		zap.String("error_code", string(res.ErrorCode)),
	)
	return nil
}

func (e *Engine) malformed(topic string, cause error) error {
	e.metrics.RecordMalformed(topic)
	e.logger.Warn("dropping malformed message", zap.String("topic", topic), zap.Error(cause))
	return types.NewMalformedError(topic, cause)
}
