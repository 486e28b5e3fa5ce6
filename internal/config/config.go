// Package config contains the configurations of the components
// and the helpers that repair their invalid values.
//
// An invalid optional value never stops a component: it is replaced
// by its default and reported as an anomaly by the [Validator].
package config

// Config is implemented by every configuration that can be repaired.
type Config interface {
	// Validate replaces the invalid values, recording them in ac.
	Validate(ac *AnomalyCollector)
}

// WithStage is implemented by the configurations of handlers
// that can run on a single consumer or on a worker pool.
type WithStage interface {
	Config

	// GetStage returns the running mode of the handler.
	GetStage() *Stage
}

// Base carries the stage configuration of a handler.
// It is embedded by the egress configurations.
type Base struct {
	Stage *Stage `yaml:"stage"`
}

// NewBase returns a base configuration with the given running mode.
func NewBase(runningMode StageRunningMode) *Base {
	return &Base{
		Stage: NewStage(runningMode),
	}
}

// Validate checks the stage configuration.
// A missing one defaults to a single consumer.
func (b *Base) Validate(ac *AnomalyCollector) {
	if b.Stage == nil {
		ac.add("Stage", "cannot be nil", nil, "single running mode")
		b.Stage = NewStage(StageRunningModeSingle)
	}

	b.Stage.Validate(ac)
}

// GetStage returns the stage configuration.
func (b *Base) GetStage() *Stage {
	return b.Stage
}
