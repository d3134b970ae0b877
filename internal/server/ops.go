package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/agentbus/archive"
	"github.com/BaSui01/agentbus/internal/metrics"
	"github.com/BaSui01/agentbus/types"
)

// TimeoutMessage is the error body of a task submission that saw no
// result within the client wait bound.
const TimeoutMessage = "Timeout waiting for response from agents"

const maxTaskBodyBytes = 1 << 20

// =============================================================================
// 🩺 运维端点
// =============================================================================

// HealthCheck reports the health of one dependency.
type HealthCheck func(ctx context.Context) error

// ResultStore 归档结果查询
type ResultStore interface {
	Get(ctx context.Context, taskID string) (*archive.Record, error)
	List(ctx context.Context, limit int) ([]archive.Record, error)
}

// SubmitFunc submits a task and waits for its aggregated result.
type SubmitFunc func(ctx context.Context, description, taskType string) (*types.AggregatedResult, error)

// OpsOptions 运维 handler 依赖
type OpsOptions struct {
	// Metrics 记录 HTTP 指标，可为 nil
	Metrics *metrics.Collector

	// Gatherer /metrics 数据源，nil 时使用 prometheus.DefaultGatherer
	Gatherer prometheus.Gatherer

	// Results 归档查询，nil 时不注册 /v1/results
	Results ResultStore

	// Submit 提交任务并等待结果，nil 时不注册 POST /v1/tasks
	Submit SubmitFunc

	// Stats 运行时统计，nil 时不注册 /v1/stats
	Stats func() map[string]any

	// Version 版本号
	Version string

	// CheckTimeout 单个健康检查超时
	CheckTimeout time.Duration
}

// Ops 运维 HTTP handler
type Ops struct {
	opts    OpsOptions
	logger  *zap.Logger
	handler http.Handler

	mu     sync.RWMutex
	checks map[string]HealthCheck
}

// NewOps 创建运维 handler：/healthz、/readyz、/version、/metrics，
// 以及可选的 /v1/tasks、/v1/results 与 /v1/stats。
func NewOps(opts OpsOptions, logger *zap.Logger) *Ops {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = 2 * time.Second
	}
	o := &Ops{
		opts:   opts,
		logger: logger.With(zap.String("component", "ops")),
		checks: make(map[string]HealthCheck),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", o.handleHealth)
	mux.HandleFunc("GET /readyz", o.handleReady)
	mux.HandleFunc("GET /version", o.handleVersion)
	mux.Handle("GET /metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	if opts.Results != nil {
		mux.HandleFunc("GET /v1/results", o.handleListResults)
		mux.HandleFunc("GET /v1/results/{id}", o.handleGetResult)
	}
	if opts.Submit != nil {
		mux.HandleFunc("POST /v1/tasks", o.handleSubmitTask)
	}
	if opts.Stats != nil {
		mux.HandleFunc("GET /v1/stats", o.handleStats)
	}

	o.handler = Chain(mux,
		Recovery(o.logger),
		Tracing(),
		MetricsMiddleware(opts.Metrics),
		RequestLogger(o.logger),
	)
	return o
}

// AddCheck 注册就绪检查
func (o *Ops) AddCheck(name string, check HealthCheck) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.checks[name] = check
}

// ServeHTTP implements http.Handler.
func (o *Ops) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	o.handler.ServeHTTP(w, r)
}

func (o *Ops) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (o *Ops) handleReady(w http.ResponseWriter, r *http.Request) {
	o.mu.RLock()
	names := make([]string, 0, len(o.checks))
	for name := range o.checks {
		names = append(names, name)
	}
	checks := make(map[string]HealthCheck, len(o.checks))
	for k, v := range o.checks {
		checks[k] = v
	}
	o.mu.RUnlock()
	sort.Strings(names)

	results := make(map[string]string, len(names))
	status := http.StatusOK
	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), o.opts.CheckTimeout)
		err := checks[name](ctx)
		cancel()
		if err != nil {
			status = http.StatusServiceUnavailable
			results[name] = err.Error()
			o.logger.Warn("readiness check failed", zap.String("check", name), zap.Error(err))
			continue
		}
		results[name] = "ok"
	}

	body := map[string]any{"status": "ok", "checks": results}
	if status != http.StatusOK {
		body["status"] = "unavailable"
	}
	writeJSON(w, status, body)
}

func (o *Ops) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": o.opts.Version})
}

func (o *Ops) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, o.opts.Stats())
}

func (o *Ops) handleGetResult(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := o.opts.Results.Get(r.Context(), id)
	if errors.Is(err, archive.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "result not found"})
		return
	}
	if err != nil {
		o.logger.Error("result lookup failed", zap.String("task_id", id), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "lookup failed"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(rec.Payload))
}

func (o *Ops) handleListResults(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be between 1 and 1000"})
			return
		}
		limit = n
	}
	recs, err := o.opts.Results.List(r.Context(), limit)
	if err != nil {
		o.logger.Error("result list failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "lookup failed"})
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// taskRequestBody is the body of POST /v1/tasks.
type taskRequestBody struct {
	TaskDescription string `json:"task_description"`
	TaskType        string `json:"task_type"`
}

// handleSubmitTask blocks until the aggregated result arrives. Error
// results such as NO_SUITABLE_WORKER are answered with 200 and the result
// body; only a missing result maps to 504.
func (o *Ops) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var body taskRequestBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTaskBodyBytes))
	if err := dec.Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if body.TaskDescription == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "task_description is required"})
		return
	}

	res, err := o.opts.Submit(r.Context(), body.TaskDescription, body.TaskType)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case types.IsCode(err, types.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusGatewayTimeout, map[string]string{
			"error":      TimeoutMessage,
			"error_code": string(types.ErrTimeout),
		})
	case types.IsCode(err, types.ErrInvalidRequest):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		o.logger.Error("task submission failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
