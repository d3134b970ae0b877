package types

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestExtractTaskID(t *testing.T) {
	tests := []struct {
		name   string
		record map[string]any
		want   string
	}{
		{name: "nil record", record: nil, want: UnknownTaskID},
		{name: "top level", record: map[string]any{"task_id": "t1"}, want: "t1"},
		{name: "trimmed", record: map[string]any{"task_id": "  t1 "}, want: "t1"},
		{
			name: "nested once",
			record: map[string]any{
				"OP_CODE":            "STOCK_RECOMMENDATION",
				"original_task_data": map[string]any{"task_id": "t2"},
			},
			want: "t2",
		},
		{
			name: "empty top falls through to nested",
			record: map[string]any{
				"task_id":            "",
				"original_task_data": map[string]any{"original_task_data": map[string]any{"task_id": "t3"}},
			},
			want: "t3",
		},
		{
			name:   "sentinel value is not an identifier",
			record: map[string]any{"task_id": UnknownTaskID, "original_task_data": map[string]any{"task_id": "t4"}},
			want:   "t4",
		},
		{name: "json number", record: map[string]any{"task_id": json.Number("42")}, want: "42"},
		{name: "float", record: map[string]any{"task_id": float64(7)}, want: "7"},
		{name: "bool ignored", record: map[string]any{"task_id": true}, want: UnknownTaskID},
		{name: "unknown nesting key ignored", record: map[string]any{"payload": map[string]any{"task_id": "x"}}, want: UnknownTaskID},
		{
			name: "nesting key order",
			record: map[string]any{
				"task":               map[string]any{"task_id": "from-task"},
				"original_task_data": map[string]any{"task_id": "from-original"},
			},
			want: "from-original",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractTaskID(tt.record))
		})
	}
}

func TestExtractTaskID_Cycle(t *testing.T) {
	a := map[string]any{}
	b := map[string]any{"original_task_data": a}
	a["original_task_data"] = b

	assert.Equal(t, UnknownTaskID, ExtractTaskID(a))

	b["task_id"] = "found"
	assert.Equal(t, "found", ExtractTaskID(a))
}

func TestExtractTaskID_DepthBound(t *testing.T) {
	build := func(depth int) map[string]any {
		inner := map[string]any{"task_id": "deep"}
		for i := 0; i < depth; i++ {
			inner = map[string]any{"original_task_data": inner}
		}
		return inner
	}

	assert.Equal(t, "deep", ExtractTaskID(build(MaxEnvelopeDepth)))
	assert.Equal(t, UnknownTaskID, ExtractTaskID(build(MaxEnvelopeDepth+1)))
}

func TestExtractTaskIDFromJSON(t *testing.T) {
	assert.Equal(t, "t1", ExtractTaskIDFromJSON([]byte(`{"original_task_data":{"task_id":"t1"}}`)))
	assert.Equal(t, UnknownTaskID, ExtractTaskIDFromJSON([]byte(`not json`)))
	assert.Equal(t, UnknownTaskID, ExtractTaskIDFromJSON([]byte(`[1,2,3]`)))
	assert.Equal(t, UnknownTaskID, ExtractTaskIDFromJSON([]byte(`null`)))
	assert.Equal(t, UnknownTaskID, ExtractTaskIDFromJSON(nil))
}

// genRecord draws an arbitrary record whose values mix scalars and nested
// maps under both known and unknown keys.
func genRecord(depth int) *rapid.Generator[map[string]any] {
	return rapid.Custom(func(t *rapid.T) map[string]any {
		keys := append([]string{"task_id", "payload", "info"}, NestingKeys...)
		n := rapid.IntRange(0, 4).Draw(t, "fields")
		rec := make(map[string]any, n)
		for i := 0; i < n; i++ {
			key := rapid.SampledFrom(keys).Draw(t, "key")
			kind := rapid.IntRange(0, 4).Draw(t, "kind")
			switch {
			case kind == 0:
				rec[key] = rapid.String().Draw(t, "str")
			case kind == 1:
				rec[key] = rapid.Float64().Draw(t, "num")
			case kind == 2:
				rec[key] = rapid.Bool().Draw(t, "bool")
			case kind == 3 && depth > 0:
				rec[key] = genRecord(depth-1).Draw(t, "nested")
			default:
				rec[key] = nil
			}
		}
		return rec
	})
}

// Extraction is total: any input yields a non-empty identifier or the sentinel.
func TestProperty_ExtractTaskID_Total(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		rec := genRecord(10).Draw(rt, "record")
		if rapid.Bool().Draw(rt, "cyclic") {
			rec["original_task_data"] = rec
		}

		id := ExtractTaskID(rec)
		if id == "" {
			rt.Fatalf("extraction returned empty identifier")
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return // cyclic records are not encodable
		}
		if got := ExtractTaskIDFromJSON(data); got == "" {
			rt.Fatalf("JSON extraction returned empty identifier")
		}
	})
}

// An identifier wrapped by up to MaxEnvelopeDepth stages is always recovered.
func TestProperty_ExtractTaskID_FindsWrappedID(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("wrapped identifier is extracted", prop.ForAll(
		func(id string, depth int, keyIdx int) bool {
			rec := map[string]any{"task_id": id}
			for i := 0; i < depth; i++ {
				rec = map[string]any{
					NestingKeys[(keyIdx+i)%len(NestingKeys)]: rec,
					"noise": "x",
				}
			}
			return ExtractTaskID(rec) == id
		},
		gen.RegexMatch(`task-[a-z0-9]{1,12}`),
		gen.IntRange(0, MaxEnvelopeDepth),
		gen.IntRange(0, 10),
	))

	properties.TestingRun(t)
}
