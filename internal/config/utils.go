package config

import "fmt"

type ordered interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 | ~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~float32 | ~float64
}

// repair replaces the value with the replacement and records the anomaly
// when isInvalid reports it.
func repair[T any](ac *AnomalyCollector, field, reason string, actual *T, replacement T, isInvalid func(T) bool) {
	if !isInvalid(*actual) {
		return
	}

	ac.add(field, reason, *actual, replacement)
	*actual = replacement
}

// CheckNotNegative replaces a negative value with the fallback.
func CheckNotNegative[T ordered](ac *AnomalyCollector, field string, actual *T, fallback T) {
	repair(ac, field, "cannot be negative", actual, fallback, func(val T) bool { return val < 0 })
}

// CheckNotZero replaces a zero value with the fallback.
func CheckNotZero[T ordered](ac *AnomalyCollector, field string, actual *T, fallback T) {
	repair(ac, field, "cannot be zero", actual, fallback, func(val T) bool { return val == 0 })
}

// CheckPositive replaces a negative or zero value with the fallback.
func CheckPositive[T ordered](ac *AnomalyCollector, field string, actual *T, fallback T) {
	repair(ac, field, "must be positive", actual, fallback, func(val T) bool { return val <= 0 })
}

// CheckNotLowerThan clamps the value to the one of targetField.
func CheckNotLowerThan[T ordered](ac *AnomalyCollector, field, targetField string, actual *T, target T) {
	reason := fmt.Sprintf("cannot be lower than %q", targetField)
	repair(ac, field, reason, actual, target, func(val T) bool { return val < target })
}

// CheckNotGreaterThan clamps the value to the one of targetField.
// targetField can also be a literal bound, like "1".
func CheckNotGreaterThan[T ordered](ac *AnomalyCollector, field, targetField string, actual *T, target T) {
	reason := fmt.Sprintf("cannot be greater than %q", targetField)
	repair(ac, field, reason, actual, target, func(val T) bool { return val > target })
}

// CheckInRange replaces a value outside [lo, hi] with the fallback.
func CheckInRange[T ordered](ac *AnomalyCollector, field string, actual *T, lo, hi, fallback T) {
	reason := fmt.Sprintf("must be in [%v, %v]", lo, hi)
	repair(ac, field, reason, actual, fallback, func(val T) bool { return val < lo || val > hi })
}

// CheckNotEmpty replaces an empty string with the fallback.
func CheckNotEmpty(ac *AnomalyCollector, field string, actual *string, fallback string) {
	repair(ac, field, "cannot be empty", actual, fallback, func(val string) bool { return val == "" })
}

// CheckLen replaces an empty slice with the fallback.
func CheckLen[T any](ac *AnomalyCollector, field string, actual *[]T, fallback []T) {
	repair(ac, field, "cannot be empty", actual, fallback, func(val []T) bool { return len(val) == 0 })
}
