package types

import (
	"encoding/json"
	"strings"
)

// Encode serializes a wire record.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// DecodeRequest decodes an intake payload. The raw record is returned as
// well so the classifier stage can nest it verbatim.
func DecodeRequest(data []byte) (*TaskRequest, map[string]any, error) {
	record, err := DecodeRecord(data)
	if err != nil {
		return nil, nil, err
	}
	req := &TaskRequest{TaskID: ExtractTaskID(record)}
	req.TaskDescription, _ = LookupString(record, "task_description")
	req.TaskType, _ = LookupString(record, "task_type")
	return req, record, nil
}

// DecodeEnvelope decodes a classified-task payload. Field types are
// checked leniently: unknown fields are ignored and ill-typed optional
// fields are treated as absent.
func DecodeEnvelope(data []byte) (*TaskEnvelope, error) {
	record, err := DecodeRecord(data)
	if err != nil {
		return nil, err
	}

	env := &TaskEnvelope{
		TaskID:         ExtractTaskID(record),
		OpCode:         OpUnknown,
		UserContext:    asMap(record["UserContext"]),
		ProcessContext: asMap(record["ProcessContext"]),
		OriginalTask:   asMap(record["original_task_data"]),
	}
	for _, key := range []string{"OP_CODE", "classification_code", "classification"} {
		if s, ok := record[key].(string); ok && strings.TrimSpace(s) != "" {
			env.OpCode = ParseOpCode(s)
			break
		}
	}
	return env, nil
}

// DecodeDispatch decodes a worker dispatch payload.
func DecodeDispatch(data []byte) (*DispatchMessage, error) {
	env, err := DecodeEnvelope(data)
	if err != nil {
		return nil, err
	}
	msg := env.Dispatch("")
	if record, err := DecodeRecord(data); err == nil {
		if w, ok := record["worker"].(string); ok {
			msg.Worker = w
		}
	}
	return msg, nil
}

// DecodeFragment decodes a worker reply. A reply without a worker-identity
// tag cannot be de-duplicated and is rejected as malformed.
func DecodeFragment(data []byte) (*ResultFragment, error) {
	record, err := DecodeRecord(data)
	if err != nil {
		return nil, err
	}

	frag := &ResultFragment{TaskID: ExtractTaskID(record)}
	for _, key := range []string{"agent", "worker_identity", "worker"} {
		if s, ok := record[key].(string); ok && strings.TrimSpace(s) != "" {
			frag.Agent = strings.TrimSpace(s)
			break
		}
	}
	if frag.Agent == "" {
		return nil, NewError(ErrMalformedMessage, "result fragment has no worker identity")
	}
	if info, ok := record["info"]; ok && info != nil {
		raw, err := json.Marshal(info)
		if err != nil {
			return nil, NewError(ErrMalformedMessage, "result fragment info not encodable").WithCause(err)
		}
		frag.Info = raw
	}
	if s, ok := record["error"].(string); ok {
		frag.Error = s
	}
	return frag, nil
}

// DecodeResult decodes a final AggregatedResult payload.
func DecodeResult(data []byte) (*AggregatedResult, error) {
	var res AggregatedResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, err
	}
	if res.TaskID == "" {
		res.TaskID = ExtractTaskIDFromJSON(data)
	}
	return &res, nil
}

func asMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok && m != nil {
		return m
	}
	return map[string]any{}
}
