package rules

import (
	"fmt"

	"github.com/nkropf/datapatrol/internal/investigation"
)

// RangeEvaluator flags readings outside the configured [min, max] band.
// Config: {"min": <number>, "max": <number>}; either bound is optional.
type RangeEvaluator struct{}

// Kind returns the evaluator kind.
func (RangeEvaluator) Kind() string { return KindRangeCheck }

// Evaluate applies the range rule to one entity.
func (RangeEvaluator) Evaluate(entity interface{}, cfg investigation.RuleConfig) investigation.Verdict {
	value, ok := numericValue(entity)
	if !ok {
		return investigation.Verdict{
			Anomalous: true,
			Severity:  investigation.SeverityWarning,
			Reasons:   []string{fmt.Sprintf("entity %v has no numeric value", entity)},
		}
	}

	var reasons []string
	if min, hasMin := configNumber(cfg, "min"); hasMin && value < min {
		reasons = append(reasons, fmt.Sprintf("value %v below min %v", value, min))
	}
	if max, hasMax := configNumber(cfg, "max"); hasMax && value > max {
		reasons = append(reasons, fmt.Sprintf("value %v above max %v", value, max))
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
