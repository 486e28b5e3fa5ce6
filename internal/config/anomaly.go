package config

import (
	"fmt"
	"iter"
	"slices"
)

// anomaly is an invalid value that was replaced during the validation.
type anomaly struct {
	field       string
	reason      string
	actual      any
	replacement any
}

func (a anomaly) String() string {
	return fmt.Sprintf("%s %s: %v replaced by %v", a.field, a.reason, a.actual, a.replacement)
}

// AnomalyCollector gathers the anomalies found by the Check helpers
// while a configuration is validated.
type AnomalyCollector struct {
	anomalies []anomaly
}

func newAnomalyCollector() *AnomalyCollector {
	return &AnomalyCollector{}
}

func (ac *AnomalyCollector) add(field, reason string, actual, replacement any) {
	ac.anomalies = append(ac.anomalies, anomaly{
		field:       field,
		reason:      reason,
		actual:      actual,
		replacement: replacement,
	})
}

// Len returns the number of anomalies found.
func (ac *AnomalyCollector) Len() int {
	return len(ac.anomalies)
}

func (ac *AnomalyCollector) all() iter.Seq[anomaly] {
	return slices.Values(ac.anomalies)
}
