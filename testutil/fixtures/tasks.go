// =============================================================================
// 📦 任务测试数据
// =============================================================================
// 提供各阶段消息的预定义测试数据
// =============================================================================
package fixtures

import (
	"encoding/json"

	"github.com/BaSui01/agentbus/types"
)

// =============================================================================
// 🎯 请求与分类结果
// =============================================================================

// Request 返回 intake topic 上的原始请求
func Request(id, description string) []byte {
	return mustJSON(map[string]any{
		"task_id":          id,
		"task_description": description,
	})
}

// Envelope 返回分类后的任务
func Envelope(id string, code types.OpCode, description string) *types.TaskEnvelope {
	return &types.TaskEnvelope{
		TaskID:         id,
		OpCode:         code,
		UserContext:    map[string]any{},
		ProcessContext: map[string]any{},
		OriginalTask: map[string]any{
			"task_id":          id,
			"task_description": description,
		},
	}
}

// ClassifiedTask 返回 classified topic 上的消息体
func ClassifiedTask(id string, code types.OpCode, description string) []byte {
	return mustJSON(Envelope(id, code, description))
}

// StockRecommendationTask 返回推荐类任务
func StockRecommendationTask(id string) []byte {
	return ClassifiedTask(id, types.OpStockRecommendation, "Which stocks should I buy today?")
}

// =============================================================================
// 📥 worker 回复
// =============================================================================

// Fragment 返回 worker 回复
func Fragment(id, agent, info string) []byte {
	return mustJSON(map[string]any{
		"task_id": id,
		"agent":   agent,
		"info":    info,
	})
}

// FailedFragment 返回带错误的 worker 回复
func FailedFragment(id, agent, errMsg string) []byte {
	return mustJSON(map[string]any{
		"task_id": id,
		"agent":   agent,
		"error":   errMsg,
	})
}

// FragmentInfo 解码片段的 info 字符串
func FragmentInfo(f types.ResultFragment) string {
	var s string
	if err := json.Unmarshal(f.Info, &s); err != nil {
		return string(f.Info)
	}
	return s
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
