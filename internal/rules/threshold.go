package rules

import (
	"fmt"

	"github.com/nkropf/datapatrol/internal/investigation"
)

// ThresholdEvaluator flags readings above the configured max or below
// zero. Config: {"max": <number>}.
type ThresholdEvaluator struct{}

// Kind returns the evaluator kind.
func (ThresholdEvaluator) Kind() string { return KindThresholdCheck }

// Evaluate applies the threshold rule to one entity.
func (ThresholdEvaluator) Evaluate(entity interface{}, cfg investigation.RuleConfig) investigation.Verdict {
	value, ok := numericValue(entity)
	if !ok {
		return investigation.Verdict{
			Anomalous: true,
			Severity:  investigation.SeverityWarning,
			Reasons:   []string{fmt.Sprintf("entity %v has no numeric value", entity)},
		}
	}

	max, hasMax := configNumber(cfg, "max")

	var reasons []string
	if hasMax && value > max {
		reasons = append(reasons, fmt.Sprintf("value %v above max %v", value, max))
	}
	if value < 0 {
		reasons = append(reasons, fmt.Sprintf("value %v below zero", value))
	}
	if len(reasons) == 0 {
		return investigation.Verdict{}
	}
	return investigation.Verdict{
		Anomalous: true,
		Severity:  investigation.SeverityWarning,
		Reasons:   reasons,
	}
}
