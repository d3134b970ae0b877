package types

import (
	"bytes"
	"encoding/json"
	"reflect"
	"strconv"
	"strings"
)

// UnknownTaskID is returned when no identifier can be found.
const UnknownTaskID = "no-id"

// MaxEnvelopeDepth bounds how many wrapping stages extraction follows.
const MaxEnvelopeDepth = 8

// maxTraversals caps the number of maps visited in one lookup.
const maxTraversals = 64

// NestingKeys are the fields under which pipeline stages nest the payload
// they received, searched in this order at every level.
var NestingKeys = []string{"original_task_data", "original_task", "task"}

// ExtractTaskID returns the first non-empty task_id found in record or in
// its nested envelopes. It never fails: UnknownTaskID is returned when
// nothing usable exists at any depth.
func ExtractTaskID(record map[string]any) string {
	if id, ok := lookupNested(record, "task_id", normalizeID); ok {
		return id
	}
	return UnknownTaskID
}

// ExtractTaskIDFromJSON decodes data and applies ExtractTaskID. Payloads
// that are not JSON objects yield UnknownTaskID.
func ExtractTaskIDFromJSON(data []byte) string {
	record, err := DecodeRecord(data)
	if err != nil {
		return UnknownTaskID
	}
	return ExtractTaskID(record)
}

// LookupString finds a non-empty string field in record or its nested envelopes.
func LookupString(record map[string]any, field string) (string, bool) {
	return lookupNested(record, field, func(v any) (string, bool) {
		s, ok := v.(string)
		if !ok {
			return "", false
		}
		s = strings.TrimSpace(s)
		return s, s != ""
	})
}

// lookupNested walks record depth-first: the current level is checked
// before descending into NestingKeys. Maps already visited are skipped so
// self-referencing structures terminate.
func lookupNested(record map[string]any, field string, accept func(any) (string, bool)) (string, bool) {
	if record == nil {
		return "", false
	}

	type frame struct {
		m     map[string]any
		depth int
	}

	seen := make(map[uintptr]struct{})
	stack := []frame{{m: record}}
	visits := 0

	for len(stack) > 0 && visits < maxTraversals {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		ptr := reflect.ValueOf(top.m).Pointer()
		if _, dup := seen[ptr]; dup {
			continue
		}
		seen[ptr] = struct{}{}
		visits++

		if v, ok := top.m[field]; ok {
			if s, ok := accept(v); ok {
				return s, true
			}
		}

		if top.depth >= MaxEnvelopeDepth {
			continue
		}
		// reverse push keeps NestingKeys order on pop
		for i := len(NestingKeys) - 1; i >= 0; i-- {
			if nested, ok := top.m[NestingKeys[i]].(map[string]any); ok && nested != nil {
				stack = append(stack, frame{m: nested, depth: top.depth + 1})
			}
		}
	}
	return "", false
}

func normalizeID(v any) (string, bool) {
	var s string
	switch x := v.(type) {
	case string:
		s = x
	case json.Number:
		s = x.String()
	case float64:
		s = strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		s = strconv.Itoa(x)
	case int64:
		s = strconv.FormatInt(x, 10)
	default:
		return "", false
	}
	s = strings.TrimSpace(s)
	if s == "" || s == UnknownTaskID {
		return "", false
	}
	return s, true
}

// DecodeRecord decodes a JSON object keeping numbers as json.Number.
func DecodeRecord(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var record map[string]any
	if err := dec.Decode(&record); err != nil {
		return nil, err
	}
	if record == nil {
		return nil, NewError(ErrMalformedMessage, "payload is not a JSON object")
	}
	return record, nil
}
