package config

import (
	"fmt"

	"github.com/FerroO2000/phaser/internal"
)

// Validator repairs the configurations of a component
// and logs every replaced value as a warning.
type Validator struct {
	tel *internal.Telemetry
}

// NewValidator returns a validator logging through tel.
func NewValidator(tel *internal.Telemetry) *Validator {
	return &Validator{
		tel: tel,
	}
}

// Validate repairs cfg in place and returns the number of replaced values.
// Each call starts from an empty collector, so a validator can be reused.
func (v *Validator) Validate(cfg Config) int {
	ac := newAnomalyCollector()
	cfg.Validate(ac)

	configType := fmt.Sprintf("%T", cfg)
	for an := range ac.all() {
		v.tel.LogWarn("config anomaly",
			"config", configType, "field", an.field, "reason", an.reason,
			"actual", an.actual, "replacement", an.replacement)
	}

	return ac.Len()
}
