// Package normalize reduces arbitrary agent output to JSON-safe values and
// extracts a boolean verdict from them.
package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// Kind is the shape a value takes at the normalization boundary.
type Kind int

const (
	KindPrimitive Kind = iota
	KindSequence
	KindMapping
	KindAttributeObject
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindPrimitive:
		return "primitive"
	case KindSequence:
		return "sequence"
	case KindMapping:
		return "mapping"
	case KindAttributeObject:
		return "attribute_object"
	default:
		return "other"
	}
}

// maxDepth bounds recursion on deeply nested values. Values that reference
// themselves are cut at the first repeat instead.
const maxDepth = 64

const (
	depthPlaceholder = "<max depth>"
	cyclePlaceholder = "<cycle>"
)

// basicTypes maps each primitive kind to its predeclared type so named
// primitives keep their width.
var basicTypes = map[reflect.Kind]reflect.Type{
	reflect.Bool:    reflect.TypeOf(false),
	reflect.Int:     reflect.TypeOf(int(0)),
	reflect.Int8:    reflect.TypeOf(int8(0)),
	reflect.Int16:   reflect.TypeOf(int16(0)),
	reflect.Int32:   reflect.TypeOf(int32(0)),
	reflect.Int64:   reflect.TypeOf(int64(0)),
	reflect.Uint:    reflect.TypeOf(uint(0)),
	reflect.Uint8:   reflect.TypeOf(uint8(0)),
	reflect.Uint16:  reflect.TypeOf(uint16(0)),
	reflect.Uint32:  reflect.TypeOf(uint32(0)),
	reflect.Uint64:  reflect.TypeOf(uint64(0)),
	reflect.Float32: reflect.TypeOf(float32(0)),
	reflect.Float64: reflect.TypeOf(float64(0)),
	reflect.String:  reflect.TypeOf(""),
}

var positiveSignals = []string{"success", "working correctly"}

// Classify reports which shape Serialize will treat value as.
func Classify(value any) Kind {
	if value == nil {
		return KindPrimitive
	}
	if raw, ok := value.(json.RawMessage); ok {
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return KindPrimitive
		}
		return Classify(decoded)
	}
	rv := reflect.ValueOf(value)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return KindPrimitive
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64, reflect.String:
		return KindPrimitive
	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return KindPrimitive
		}
		return KindSequence
	case reflect.Array:
		return KindSequence
	case reflect.Map:
		return KindMapping
	case reflect.Struct:
		if len(exportedFields(rv.Type())) > 0 {
			return KindAttributeObject
		}
		return KindOther
	default:
		return KindOther
	}
}

// Serialize converts value depth-first into primitives, []any and
// map[string]any. Primitives keep their Go type; named primitives become
// their predeclared type of the same width. Structs become mappings keyed by
// their JSON field names; anything without a structured form becomes its
// textual representation.
func Serialize(value any) any {
	s := serializer{visiting: map[visitKey]bool{}}
	return s.serialize(value, 0)
}

type visitKey struct {
	typ reflect.Type
	ptr uintptr
	len int
}

// serializer tracks the maps, slices and pointers on the current path.
type serializer struct {
	visiting map[visitKey]bool
}

func (s serializer) serialize(value any, depth int) any {
	if depth > maxDepth {
		return depthPlaceholder
	}
	if value == nil {
		return nil
	}
	switch typed := value.(type) {
	case string, bool, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, float32, float64:
		return typed
	case json.RawMessage:
		var decoded any
		if err := json.Unmarshal(typed, &decoded); err != nil {
			return string(typed)
		}
		return s.serialize(decoded, depth+1)
	case []byte:
		return string(typed)
	}

	rv := reflect.ValueOf(value)
	var entered []visitKey
	defer func() {
		for _, key := range entered {
			delete(s.visiting, key)
		}
	}()
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil
		}
		if rv.Kind() == reflect.Pointer {
			key := visitKey{typ: rv.Type(), ptr: rv.Pointer()}
			if s.visiting[key] {
				return cyclePlaceholder
			}
			s.visiting[key] = true
			entered = append(entered, key)
		}
		rv = rv.Elem()
	}
	if basic, ok := basicTypes[rv.Kind()]; ok {
		return rv.Convert(basic).Interface()
	}
	switch rv.Kind() {
	case reflect.Slice, reflect.Map:
		if rv.IsNil() {
			if rv.Kind() == reflect.Map {
				return map[string]any{}
			}
			return []any{}
		}
		if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
			return string(rv.Bytes())
		}
		key := visitKey{typ: rv.Type(), ptr: rv.Pointer(), len: rv.Len()}
		if s.visiting[key] {
			return cyclePlaceholder
		}
		s.visiting[key] = true
		entered = append(entered, key)
		if rv.Kind() == reflect.Map {
			return s.serializeMapping(rv, depth)
		}
		return s.serializeSequence(rv, depth)
	case reflect.Array:
		return s.serializeSequence(rv, depth)
	case reflect.Struct:
		fields := exportedFields(rv.Type())
		if len(fields) == 0 {
			return fmt.Sprint(value)
		}
		out := make(map[string]any, len(fields))
		for _, field := range fields {
			out[field.name] = s.serialize(rv.Field(field.index).Interface(), depth+1)
		}
		return out
	default:
		return fmt.Sprint(value)
	}
}

func (s serializer) serializeMapping(rv reflect.Value, depth int) map[string]any {
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[fmt.Sprint(iter.Key().Interface())] = s.serialize(iter.Value().Interface(), depth+1)
	}
	return out
}

func (s serializer) serializeSequence(rv reflect.Value, depth int) []any {
	out := make([]any, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out[i] = s.serialize(rv.Index(i).Interface(), depth+1)
	}
	return out
}

type structField struct {
	name  string
	index int
}

func exportedFields(t reflect.Type) []structField {
	fields := make([]structField, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		name := field.Name
		if tag, ok := field.Tag.Lookup("json"); ok {
			tagName, _, _ := strings.Cut(tag, ",")
			if tagName == "-" {
				continue
			}
			if tagName != "" {
				name = tagName
			}
		}
		fields = append(fields, structField{name: name, index: i})
	}
	return fields
}

// Verdict extracts a boolean from raw agent output. A boolean "approved" key
// on a mapping wins; otherwise the flattened text is searched for a positive
// signal. Anything else is false.
//
// The text fallback is a substring match: an unrelated "success" in the
// agent's narration is reported as approval.
func Verdict(raw any) bool {
	serialized := Serialize(raw)
	if approved, ok := ExplicitVerdict(serialized); ok {
		return approved
	}
	return HeuristicVerdict(Flatten(serialized))
}

// ExplicitVerdict returns the boolean "approved" key of a serialized mapping.
func ExplicitVerdict(serialized any) (bool, bool) {
	mapping, ok := serialized.(map[string]any)
	if !ok {
		return false, false
	}
	approved, ok := mapping["approved"].(bool)
	return approved, ok
}

func HeuristicVerdict(text string) bool {
	lowered := strings.ToLower(text)
	for _, signal := range positiveSignals {
		if strings.Contains(lowered, signal) {
			return true
		}
	}
	return false
}

// Flatten renders a serialized value as one string. Sequence elements are
// joined with spaces; non-string shapes are rendered as JSON.
func Flatten(serialized any) string {
	switch typed := serialized.(type) {
	case nil:
		return ""
	case string:
		return typed
	case []any:
		parts := make([]string, 0, len(typed))
		for _, item := range typed {
			if text, ok := item.(string); ok {
				parts = append(parts, text)
				continue
			}
			parts = append(parts, encode(item))
		}
		return strings.Join(parts, " ")
	default:
		return encode(typed)
	}
}

func encode(value any) string {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(value); err != nil {
		return fmt.Sprint(value)
	}
	return strings.TrimSpace(buf.String())
}
