package bus

import "strings"

// Topics names the five topic roles of the pipeline.
type Topics struct {
	Intake         string `yaml:"intake" json:"intake"`
	Classified     string `yaml:"classified" json:"classified"`
	DispatchPrefix string `yaml:"dispatch_prefix" json:"dispatch_prefix"`
	Replies        string `yaml:"replies" json:"replies"`
	Final          string `yaml:"final" json:"final"`
}

// DefaultTopics 返回默认 topic 布局
func DefaultTopics() Topics {
	return Topics{
		Intake:         "crew.captain",
		Classified:     "agent.executor",
		DispatchPrefix: "agent.",
		Replies:        "crew.responses",
		Final:          "client.final.results",
	}
}

// Dispatch returns the per-worker dispatch topic.
func (t Topics) Dispatch(workerID string) string {
	return t.DispatchPrefix + workerID
}

// WorkerFromDispatch is the inverse of Dispatch.
func (t Topics) WorkerFromDispatch(topic string) (string, bool) {
	if !strings.HasPrefix(topic, t.DispatchPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(topic, t.DispatchPrefix)
	return id, id != ""
}
