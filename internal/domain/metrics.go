package domain

import "time"

// MetricSnapshot holds the computed indicators and assigned labels for one
// (symbol, date) pair. Nil indicator pointers mean the value is undefined
// for that date (insufficient history), never zero.
type MetricSnapshot struct {
	Symbol        string
	Date          time.Time
	Rank          int
	RankDelta     *int
	Momentum      *float64
	ChangePercent float64
	Labels        []string
}

// LabelRule is a named threshold predicate over a single computed metric.
// Rules are configuration data: loaded once at startup, validated, and
// never mutated during a run.
type LabelRule struct {
	Name      string  `yaml:"name" validate:"required"`
	Metric    string  `yaml:"metric" validate:"required,oneof=momentum rank_delta rank change_percent"`
	Operator  string  `yaml:"operator" validate:"required,oneof=> >= < <= =="`
	Threshold float64 `yaml:"threshold"`
}

// LabelRuleSet is the ordered collection of label rules for a run.
type LabelRuleSet []LabelRule

// Matches evaluates the rule against a metric value. Undefined metrics
// (nil) never match.
func (r LabelRule) Matches(value *float64) bool {
	if value == nil {
		return false
	}
	v := *value
	switch r.Operator {
	case ">":
		return v > r.Threshold
	case ">=":
		return v >= r.Threshold
	case "<":
		return v < r.Threshold
	case "<=":
		return v <= r.Threshold
	case "==":
		return v == r.Threshold
	default:
		return false
	}
}
