package types

import (
	"encoding/json"
	"strings"
)

// OpCode 任务分类码
type OpCode string

// Classification codes produced by the classifier stage.
const (
	OpStockRecommendation OpCode = "STOCK_RECOMMENDATION"
	OpStockNews           OpCode = "STOCK_NEWS"
	OpPricePrediction     OpCode = "PRICE_PREDICTION"
	OpUnknown             OpCode = "UNKNOWN"
)

var knownOpCodes = map[OpCode]struct{}{
	OpStockRecommendation: {},
	OpStockNews:           {},
	OpPricePrediction:     {},
	OpUnknown:             {},
}

// ParseOpCode 规范化分类码，未知值回退为 UNKNOWN
func ParseOpCode(s string) OpCode {
	code := OpCode(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := knownOpCodes[code]; ok {
		return code
	}
	return OpUnknown
}

// KnownOpCodes returns every classification code except UNKNOWN.
func KnownOpCodes() []OpCode {
	return []OpCode{OpStockRecommendation, OpStockNews, OpPricePrediction}
}

// TaskRequest 客户端提交到 intake topic 的原始任务
type TaskRequest struct {
	TaskID          string `json:"task_id"`
	TaskDescription string `json:"task_description"`
	TaskType        string `json:"task_type,omitempty"`
}

// Record converts the request into the generic record form that
// downstream stages nest under original_task_data.
func (r *TaskRequest) Record() map[string]any {
	rec := map[string]any{
		"task_id":          r.TaskID,
		"task_description": r.TaskDescription,
	}
	if r.TaskType != "" {
		rec["task_type"] = r.TaskType
	}
	return rec
}

// Classification 分类器输出
type Classification struct {
	OpCode         OpCode         `json:"OP_CODE"`
	UserContext    map[string]any `json:"UserContext"`
	ProcessContext map[string]any `json:"ProcessContext"`
	// Source names what produced the classification, used as a metric label.
	Source string `json:"-"`
}

// Unknown returns the fallback classification with empty contexts.
func Unknown(source string) *Classification {
	return &Classification{
		OpCode:         OpUnknown,
		UserContext:    map[string]any{},
		ProcessContext: map[string]any{},
		Source:         source,
	}
}

// Clone 深拷贝顶层上下文
func (c *Classification) Clone() *Classification {
	if c == nil {
		return nil
	}
	out := *c
	out.UserContext = cloneMap(c.UserContext)
	out.ProcessContext = cloneMap(c.ProcessContext)
	return &out
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if vs, ok := v.([]string); ok {
			v = append([]string(nil), vs...)
		}
		out[k] = v
	}
	return out
}

// TaskEnvelope 分类后的结构化任务
type TaskEnvelope struct {
	TaskID         string         `json:"task_id"`
	OpCode         OpCode         `json:"OP_CODE"`
	UserContext    map[string]any `json:"UserContext"`
	ProcessContext map[string]any `json:"ProcessContext"`
	// OriginalTask is the raw intake record, kept verbatim.
	OriginalTask map[string]any `json:"original_task_data,omitempty"`
}

// Description returns the natural-language task text carried by the
// original payload, searching the known nesting keys.
func (e *TaskEnvelope) Description() string {
	if e == nil {
		return ""
	}
	if d, ok := LookupString(e.OriginalTask, "task_description"); ok {
		return d
	}
	return ""
}

// Dispatch builds the per-worker fan-out record.
func (e *TaskEnvelope) Dispatch(worker string) *DispatchMessage {
	return &DispatchMessage{
		TaskID:         e.TaskID,
		Worker:         worker,
		OpCode:         e.OpCode,
		UserContext:    orEmpty(e.UserContext),
		ProcessContext: orEmpty(e.ProcessContext),
		OriginalTask:   orEmpty(e.OriginalTask),
	}
}

// DispatchMessage 发送给单个 worker 的扇出消息
type DispatchMessage struct {
	TaskID         string         `json:"task_id"`
	Worker         string         `json:"worker,omitempty"`
	OpCode         OpCode         `json:"OP_CODE"`
	UserContext    map[string]any `json:"UserContext"`
	ProcessContext map[string]any `json:"ProcessContext"`
	OriginalTask   map[string]any `json:"original_task_data"`
}

// Description returns the task text of the originating request.
func (d *DispatchMessage) Description() string {
	if v, ok := LookupString(d.OriginalTask, "task_description"); ok {
		return v
	}
	return ""
}

// ResultFragment 单个 worker 的回复
type ResultFragment struct {
	TaskID string `json:"task_id"`
	// Agent is the worker-identity tag used for de-duplication.
	Agent string          `json:"agent"`
	Info  json.RawMessage `json:"info,omitempty"`
	Error string          `json:"error,omitempty"`
}

// AggregatedResult 聚合后的最终结果
type AggregatedResult struct {
	TaskID            string           `json:"task_id"`
	AggregatedResults []ResultFragment `json:"aggregated_results,omitempty"`
	Error             string           `json:"error,omitempty"`
	ErrorCode         ErrorCode        `json:"error_code,omitempty"`
	Incomplete        bool             `json:"incomplete,omitempty"`
	Expected          int              `json:"expected,omitempty"`
	Received          int              `json:"received,omitempty"`
}

// NewErrorResult builds a terminal error result for a task.
func NewErrorResult(taskID string, code ErrorCode, message string) *AggregatedResult {
	return &AggregatedResult{
		TaskID:    taskID,
		Error:     message,
		ErrorCode: code,
	}
}

// Failed reports whether the result carries an error instead of fragments.
func (r *AggregatedResult) Failed() bool {
	return r.Error != ""
}

// Err converts an error result into *Error; nil for successful results.
func (r *AggregatedResult) Err() error {
	if !r.Failed() {
		return nil
	}
	code := r.ErrorCode
	if code == "" {
		code = ErrInternalError
	}
	return NewError(code, r.Error)
}

// Agents lists the worker-identity tags in arrival order.
func (r *AggregatedResult) Agents() []string {
	agents := make([]string, 0, len(r.AggregatedResults))
	for _, f := range r.AggregatedResults {
		agents = append(agents, f.Agent)
	}
	return agents
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
