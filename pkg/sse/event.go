package sse

import (
	"bytes"

	"github.com/tidwall/gjson"
)

type Kind int

const (
	Absent Kind = iota
	String
	Array
	Object
	// Other covers numbers, booleans and null.
	Other
)

// Value is a JSON value reduced to the shapes the classifier cares about.
type Value struct {
	Kind   Kind
	Str    string
	Items  []Value
	Fields map[string]Value
}

func valueOf(r gjson.Result) Value {
	switch {
	case !r.Exists():
		return Value{Kind: Absent}
	case r.Type == gjson.String:
		return Value{Kind: String, Str: r.String()}
	case r.IsArray():
		arr := r.Array()
		items := make([]Value, 0, len(arr))
		for _, it := range arr {
			items = append(items, valueOf(it))
		}
		return Value{Kind: Array, Items: items}
	case r.IsObject():
		fields := map[string]Value{}
		r.ForEach(func(k, v gjson.Result) bool {
			fields[k.String()] = valueOf(v)
			return true
		})
		return Value{Kind: Object, Fields: fields}
	default:
		return Value{Kind: Other, Str: r.Raw}
	}
}

// Has reports whether an object value carries key.
func (v Value) Has(key string) bool {
	if v.Kind != Object {
		return false
	}
	_, ok := v.Fields[key]
	return ok
}

func (v Value) Field(key string) Value {
	if v.Kind != Object {
		return Value{}
	}
	return v.Fields[key]
}

// Text returns the string payload, or "" for any other kind.
func (v Value) Text() string {
	if v.Kind != String {
		return ""
	}
	return v.Str
}

func (v Value) IsString(s string) bool {
	return v.Kind == String && v.Str == s
}

// Event is one decoded data line.
type Event struct {
	Done      bool
	Path      string
	Operation string
	Value     Value
	HasError  bool
	Code      string
}

var dataPrefix = []byte("data:")

// ParseLine decodes a single SSE line. Lines that are not data lines or do
// not hold a JSON object are reported as not ok.
func ParseLine(line []byte) (Event, bool) {
	if !bytes.HasPrefix(line, dataPrefix) {
		return Event{}, false
	}
	data := bytes.TrimSpace(line[len(dataPrefix):])
	if string(data) == "[DONE]" {
		return Event{Done: true}, true
	}
	if !gjson.ValidBytes(data) {
		return Event{}, false
	}
	doc := gjson.ParseBytes(data)
	if !doc.IsObject() {
		return Event{}, false
	}
	return Event{
		Path:      doc.Get("p").String(),
		Operation: doc.Get("o").String(),
		Value:     valueOf(doc.Get("v")),
		HasError:  doc.Get("error").Exists(),
		Code:      doc.Get("code").String(),
	}, true
}
