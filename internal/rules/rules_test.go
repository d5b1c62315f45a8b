package rules

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nkropf/datapatrol/internal/investigation"
)

func TestThresholdEvaluator(t *testing.T) {
	cfg := investigation.RuleConfig{"max": 100.0}

	tests := []struct {
		name      string
		entity    interface{}
		anomalous bool
		reasons   int
	}{
		{"within bounds", 50.0, false, 0},
		{"exactly at max", 100.0, false, 0},
		{"above max", 150.0, true, 1},
		{"negative", -10.0, true, 1},
		{"negative and above max never overlap", 99.0, false, 0},
		{"integer entity", 200, true, 1},
		{"json number entity", json.Number("101.5"), true, 1},
		{"record with value field", map[string]interface{}{"value": 120.0, "host": "db-1"}, true, 1},
		{"non-numeric entity", "not a number", true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict := ThresholdEvaluator{}.Evaluate(tt.entity, cfg)
			assert.Equal(t, tt.anomalous, verdict.Anomalous)
			assert.Len(t, verdict.Reasons, tt.reasons)
			if tt.anomalous {
				assert.Equal(t, investigation.SeverityWarning, verdict.Severity)
			}
		})
	}
}

func TestThresholdEvaluatorWithoutMaxOnlyFlagsNegatives(t *testing.T) {
	cfg := investigation.RuleConfig{}

	assert.False(t, ThresholdEvaluator{}.Evaluate(1e9, cfg).Anomalous)
	assert.True(t, ThresholdEvaluator{}.Evaluate(-1.0, cfg).Anomalous)
}

func TestRangeEvaluator(t *testing.T) {
	cfg := investigation.RuleConfig{"min": 10.0, "max": 90.0}

	tests := []struct {
		name      string
		entity    interface{}
		anomalous bool
	}{
		{"inside band", 50.0, false},
		{"at min", 10.0, false},
		{"at max", 90.0, false},
		{"below min", 5.0, true},
		{"above max", 95.0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict := RangeEvaluator{}.Evaluate(tt.entity, cfg)
			assert.Equal(t, tt.anomalous, verdict.Anomalous)
		})
	}
}

func TestRangeEvaluatorBoundsAreOptional(t *testing.T) {
	minOnly := investigation.RuleConfig{"min": 0.0}
	assert.True(t, RangeEvaluator{}.Evaluate(-1.0, minOnly).Anomalous)
	assert.False(t, RangeEvaluator{}.Evaluate(1e6, minOnly).Anomalous)

	maxOnly := investigation.RuleConfig{"max": 10.0}
	assert.True(t, RangeEvaluator{}.Evaluate(11.0, maxOnly).Anomalous)
	assert.False(t, RangeEvaluator{}.Evaluate(-1e6, maxOnly).Anomalous)
}

func TestRangeEvaluatorNonNumericEntity(t *testing.T) {
	verdict := RangeEvaluator{}.Evaluate(struct{}{}, investigation.RuleConfig{"min": 0.0})
	assert.True(t, verdict.Anomalous)
	assert.Equal(t, investigation.SeverityWarning, verdict.Severity)
}

func TestNumericValueExtraction(t *testing.T) {
	tests := []struct {
		name   string
		entity interface{}
		want   float64
		ok     bool
	}{
		{"float64", 1.5, 1.5, true},
		{"float32", float32(2.5), 2.5, true},
		{"int", 3, 3, true},
		{"int64", int64(4), 4, true},
		{"json number", json.Number("5.5"), 5.5, true},
		{"bad json number", json.Number("nope"), 0, false},
		{"nested value field", map[string]interface{}{"value": json.Number("6")}, 6, true},
		{"map without value field", map[string]interface{}{"metric": 7.0}, 0, false},
		{"string", "8", 0, false},
		{"nil", nil, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := numericValue(tt.entity)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}
