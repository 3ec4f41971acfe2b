package normalize

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stepOutput struct {
	CurrentState string         `json:"current_state"`
	Action       map[string]any `json:"action"`
	Ignored      string         `json:"-"`
	Untagged     int
	hidden       string
}

type agentHistory struct {
	Steps  []stepOutput
	Result *finalResult `json:"result"`
}

type finalResult struct {
	Approved bool   `json:"approved"`
	Summary  string `json:"summary,omitempty"`
}

type status string

type priority int32

type node struct {
	Name string `json:"name"`
	Next *node  `json:"next"`
}

func TestSerializePrimitivesUnchanged(t *testing.T) {
	for _, value := range []any{"text", true, false, 3.5, 7, int64(9), nil} {
		require.Equal(t, value, Serialize(value))
	}
}

func TestSerializeNamedPrimitives(t *testing.T) {
	require.Equal(t, "ok", Serialize(status("ok")))
	require.Equal(t, int8(4), Serialize(int8(4)))
	require.Equal(t, uint16(4), Serialize(uint16(4)))
	require.Equal(t, float32(1.5), Serialize(float32(1.5)))
	require.Equal(t, int32(7), Serialize(priority(7)))
	require.Equal(t, "bytes", Serialize([]byte("bytes")))
}

func TestSerializeNestedStructs(t *testing.T) {
	value := agentHistory{
		Steps: []stepOutput{{
			CurrentState: "on login page",
			Action:       map[string]any{"click": map[string]any{"index": 3}},
			Ignored:      "drop",
			Untagged:     2,
			hidden:       "private",
		}},
		Result: &finalResult{Approved: true, Summary: "done"},
	}

	serialized := Serialize(value)
	expected := map[string]any{
		"Steps": []any{
			map[string]any{
				"current_state": "on login page",
				"action":        map[string]any{"click": map[string]any{"index": 3}},
				"Untagged":      2,
			},
		},
		"result": map[string]any{"approved": true, "summary": "done"},
	}
	require.Equal(t, expected, serialized)
}

func TestSerializeIsIdempotent(t *testing.T) {
	values := []any{
		agentHistory{Steps: []stepOutput{{CurrentState: "x"}}},
		[]string{"a", "b"},
		map[int]float32{1: 1.5},
		[2]bool{true, false},
		errors.New("boom"),
	}
	for _, value := range values {
		once := Serialize(value)
		require.Equal(t, once, Serialize(once))
	}
}

func TestSerializeOtherUsesTextualRepresentation(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	require.Equal(t, ts.String(), Serialize(ts))
	require.Equal(t, "boom", Serialize(errors.New("boom")))
	ch := make(chan int)
	require.IsType(t, "", Serialize(ch))
}

func TestSerializeRawJSON(t *testing.T) {
	require.Equal(t, map[string]any{"approved": true}, Serialize(json.RawMessage(`{"approved":true}`)))
	require.Equal(t, "not json", Serialize(json.RawMessage(`not json`)))
}

func TestSerializeNilContainers(t *testing.T) {
	var items []string
	var ptr *finalResult
	require.Equal(t, []any{}, Serialize(items))
	require.Nil(t, Serialize(ptr))
}

func TestSerializeSelfReferencingMap(t *testing.T) {
	m := map[string]any{"notes": "success"}
	m["self"] = m

	require.Equal(t, map[string]any{"notes": "success", "self": "<cycle>"}, Serialize(m))
	require.True(t, Verdict(m))
}

func TestSerializeSelfReferencingSlice(t *testing.T) {
	s := []any{"success", nil}
	s[1] = s

	require.Equal(t, []any{"success", "<cycle>"}, Serialize(s))
	require.True(t, Verdict(s))
}

func TestSerializeSharedReferenceIsNotACycle(t *testing.T) {
	shared := map[string]any{"ok": true}
	value := map[string]any{"a": shared, "b": shared}

	require.Equal(t, map[string]any{
		"a": map[string]any{"ok": true},
		"b": map[string]any{"ok": true},
	}, Serialize(value))
}

func TestSerializeRepeatedSelfReferences(t *testing.T) {
	m := map[string]any{}
	for _, key := range []string{"a", "b", "c", "d", "e", "f"} {
		m[key] = m
	}

	serialized, ok := Serialize(m).(map[string]any)
	require.True(t, ok)
	require.Len(t, serialized, 6)
	require.Equal(t, "<cycle>", serialized["a"])
	require.False(t, Verdict(m))
}

func TestSerializePointerCycle(t *testing.T) {
	head := &node{Name: "head"}
	head.Next = &node{Name: "tail", Next: head}

	require.Equal(t, map[string]any{
		"name": "head",
		"next": map[string]any{"name": "tail", "next": "<cycle>"},
	}, Serialize(head))
}

func TestSerializeDepthLimit(t *testing.T) {
	var value any = "success"
	for i := 0; i < maxDepth+10; i++ {
		value = []any{value}
	}

	current := Serialize(value)
	for i := 0; i <= maxDepth; i++ {
		items, ok := current.([]any)
		require.True(t, ok, "level %d", i)
		require.Len(t, items, 1)
		current = items[0]
	}
	require.Equal(t, "<max depth>", current)
	require.False(t, Verdict(value))
}

func TestClassify(t *testing.T) {
	require.Equal(t, KindPrimitive, Classify("x"))
	require.Equal(t, KindPrimitive, Classify(nil))
	require.Equal(t, KindSequence, Classify([]int{1}))
	require.Equal(t, KindMapping, Classify(map[string]int{}))
	require.Equal(t, KindAttributeObject, Classify(&finalResult{}))
	require.Equal(t, KindOther, Classify(time.Time{}))
	require.Equal(t, KindOther, Classify(func() {}))
	require.Equal(t, KindMapping, Classify(json.RawMessage(`{"a":1}`)))
	require.Equal(t, "attribute_object", KindAttributeObject.String())
}

func TestVerdict(t *testing.T) {
	cases := []struct {
		name     string
		input    any
		expected bool
	}{
		{name: "explicit true", input: map[string]any{"approved": true}, expected: true},
		{name: "explicit false", input: map[string]any{"approved": false}, expected: false},
		{name: "heuristic list", input: []string{"the feature is working correctly"}, expected: true},
		{name: "failure text", input: "Test failed: button missing", expected: false},
		{name: "mapping without approved", input: map[string]any{"notes": "success confirmed"}, expected: true},
		{name: "non-bool approved falls through", input: map[string]any{"approved": "yes"}, expected: false},
		{name: "non-bool approved with signal", input: map[string]any{"approved": "Success"}, expected: true},
		{name: "struct verdict", input: finalResult{Approved: true}, expected: true},
		{name: "struct verdict false with success summary", input: &finalResult{Approved: false, Summary: "success"}, expected: false},
		{name: "case insensitive", input: "SUCCESS", expected: true},
		{name: "nil", input: nil, expected: false},
		{name: "mixed list", input: []any{"step one", map[string]any{"msg": "Working Correctly"}}, expected: true},
		{name: "empty list", input: []any{}, expected: false},
		{name: "raw json", input: json.RawMessage(`{"approved": true}`), expected: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, Verdict(tc.input))
		})
	}
}

func TestFlatten(t *testing.T) {
	require.Equal(t, "", Flatten(nil))
	require.Equal(t, "a b 3", Flatten([]any{"a", "b", int64(3)}))
	require.Equal(t, `{"k":"<v>"}`, Flatten(map[string]any{"k": "<v>"}))
	require.Equal(t, "true", Flatten(true))
}
