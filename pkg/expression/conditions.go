package expression

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/dukex/relay/pkg/models"
)

// EvaluateConditions reports whether every condition holds for payload.
// An empty list holds. Groups use AnyOf for disjunction and AllOf for conjunction.
func EvaluateConditions(conditions []models.Condition, payload any) bool {
	if len(conditions) == 0 {
		return true
	}

	return evaluateAll(conditions, NewDocument(payload))
}

func evaluateAll(conditions []models.Condition, doc Document) bool {
	for _, condition := range conditions {
		if !evaluate(condition, doc) {
			return false
		}
	}

	return true
}

func evaluate(condition models.Condition, doc Document) bool {
	if condition.IsGroup() {
		if len(condition.AllOf) > 0 && !evaluateAll(condition.AllOf, doc) {
			return false
		}

		if len(condition.AnyOf) > 0 {
			for _, member := range condition.AnyOf {
				if evaluate(member, doc) {
					return true
				}
			}

			return false
		}

		return true
	}

	value, found := doc.Lookup(condition.Field)

	switch condition.Operator {
	case models.OpExists:
		return found && value != nil
	case models.OpNotExists:
		return !found || value == nil
	}

	if !found {
		return false
	}

	switch condition.Operator {
	case models.OpEquals:
		return equal(value, condition.Value)
	case models.OpNotEquals:
		return !equal(value, condition.Value)
	case models.OpContains:
		return contains(value, condition.Value)
	case models.OpGT, models.OpLT, models.OpGTE, models.OpLTE:
		return compare(condition.Operator, value, condition.Value)
	case models.OpIn:
		return in(value, condition.Value)
	default:
		return false
	}
}

func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		s, ok := needle.(string)
		if !ok {
			s = Stringify(needle)
		}

		return strings.Contains(h, s)
	case []any:
		for _, item := range h {
			if equal(item, needle) {
				return true
			}
		}

		return false
	default:
		return false
	}
}

func in(value, list any) bool {
	items, ok := normalize(list).([]any)
	if !ok {
		return false
	}

	for _, item := range items {
		if equal(value, item) {
			return true
		}
	}

	return false
}

func compare(op models.Operator, left, right any) bool {
	l, ok := toNumber(left)
	if !ok {
		return false
	}

	r, ok := toNumber(right)
	if !ok {
		return false
	}

	switch op {
	case models.OpGT:
		return l > r
	case models.OpLT:
		return l < r
	case models.OpGTE:
		return l >= r
	case models.OpLTE:
		return l <= r
	default:
		return false
	}
}

// equal compares a resolved payload value with a configured value. Numbers
// compare by value whatever their Go type.
func equal(a, b any) bool {
	if an, ok := numeric(a); ok {
		bn, ok := numeric(b)

		return ok && an == bn
	}

	return reflect.DeepEqual(normalize(a), normalize(b))
}

// numeric converts only genuine number types; numeric strings are not numbers here.
func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()

		return f, err == nil
	default:
		return 0, false
	}
}

// toNumber accepts numbers and numeric strings.
func toNumber(v any) (float64, bool) {
	if n, ok := numeric(v); ok {
		return n, true
	}

	if s, ok := v.(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)

		return f, err == nil
	}

	return 0, false
}

// normalize maps Go-constructed values onto their JSON-decoded shape so that
// configuration built in code compares equal to values read from a payload.
func normalize(v any) any {
	switch v.(type) {
	case nil, string, bool, float64, map[string]any, []any:
		return v
	}

	data, err := json.Marshal(v)
	if err != nil {
		return v
	}

	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}

	return out
}

// Stringify renders a value the way templates do: primitives as plain text,
// structures as JSON, nil as the empty string.
func Stringify(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case bool:
		return strconv.FormatBool(value)
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case int, int32, int64, uint, uint64, float32, json.Number:
		return fmt.Sprint(value)
	default:
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Sprint(value)
		}

		return string(data)
	}
}
