package archive

import (
	"strings"
	"time"

	"github.com/BaSui01/agentbus/types"
)

// Record 归档的聚合结果
type Record struct {
	TaskID     string    `gorm:"primaryKey;size:191" json:"task_id"`
	Failed     bool      `gorm:"index" json:"failed"`
	ErrorCode  string    `gorm:"size:64" json:"error_code,omitempty"`
	Incomplete bool      `json:"incomplete"`
	Expected   int       `json:"expected"`
	Received   int       `json:"received"`
	Agents     string    `gorm:"size:1024" json:"agents"`
	Payload    string    `gorm:"type:text" json:"payload"`
	CreatedAt  time.Time `gorm:"index" json:"created_at"`
}

// TableName 表名
func (Record) TableName() string {
	return "archived_results"
}

// Result decodes the stored payload.
func (r *Record) Result() (*types.AggregatedResult, error) {
	return types.DecodeResult([]byte(r.Payload))
}

// AgentList splits the stored agent tags.
func (r *Record) AgentList() []string {
	if r.Agents == "" {
		return nil
	}
	return strings.Split(r.Agents, ",")
}

func newRecord(res *types.AggregatedResult, payload []byte, now time.Time) *Record {
	received := res.Received
	if received == 0 {
		received = len(res.AggregatedResults)
	}
	return &Record{
		TaskID:     res.TaskID,
		Failed:     res.Failed(),
		ErrorCode:  string(res.ErrorCode),
		Incomplete: res.Incomplete,
		Expected:   res.Expected,
		Received:   received,
		Agents:     strings.Join(res.Agents(), ","),
		Payload:    string(payload),
		CreatedAt:  now,
	}
}
