// Package expression evaluates automation conditions and renders {{path}} templates against event payloads.
package expression

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// Document is a payload prepared for repeated path lookups.
type Document struct {
	raw []byte
}

// NewDocument serializes payload once so several lookups can share it.
// A payload that cannot be serialized resolves every path as missing.
func NewDocument(payload any) Document {
	if payload == nil {
		return Document{}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Document{}
	}

	return Document{raw: raw}
}

// Lookup resolves a dotted path such as "item.owner.email" or "items.0.id".
// The second return value is false when any segment is missing.
func (d Document) Lookup(path string) (any, bool) {
	result, ok := d.result(path)
	if !ok {
		return nil, false
	}

	return result.Value(), true
}

func (d Document) result(path string) (gjson.Result, bool) {
	if len(d.raw) == 0 || path == "" {
		return gjson.Result{}, false
	}

	result := gjson.GetBytes(d.raw, escapePath(path))
	if !result.Exists() {
		return gjson.Result{}, false
	}

	return result, true
}

// escapePath escapes gjson metacharacters inside each dotted segment so field
// names are matched literally.
func escapePath(path string) string {
	segments := strings.Split(path, ".")
	for i, segment := range segments {
		segments[i] = gjson.Escape(segment)
	}

	return strings.Join(segments, ".")
}

// Lookup resolves a single path against payload.
func Lookup(payload any, path string) (any, bool) {
	return NewDocument(payload).Lookup(path)
}
