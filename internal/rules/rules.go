// Package rules ships the built-in rule evaluators. Each evaluator is a
// pure predicate over one entity; anything stateful or I/O-bound belongs
// in a data source, not here.
package rules

import (
	"encoding/json"

	"github.com/nkropf/datapatrol/internal/investigation"
)

// Built-in evaluator kinds.
const (
	KindThresholdCheck = "threshold-check"
	KindRangeCheck     = "range-check"
)

// numericValue extracts a numeric reading from an entity. Entities are
// evaluator-specific; the built-ins accept bare numbers and records with
// a "value" field.
func numericValue(entity interface{}) (float64, bool) {
	switch v := entity.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case map[string]interface{}:
		if inner, ok := v["value"]; ok {
			return numericValue(inner)
		}
	}
	return 0, false
}

// configNumber reads a numeric config knob.
func configNumber(cfg investigation.RuleConfig, key string) (float64, bool) {
	v, ok := cfg[key]
	if !ok {
		return 0, false
	}
	return numericValue(v)
}
