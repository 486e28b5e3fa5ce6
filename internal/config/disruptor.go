package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/FerroO2000/phaser/internal/rb"
	"gopkg.in/yaml.v3"
)

// Default configuration values for the disruptor.
const (
	DefaultDisruptorName          = "disruptor"
	DefaultDisruptorCapacity      = 1024
	DefaultDisruptorProducerKind  = rb.ProducerKindMulti
	DefaultDisruptorWaitStrategy  = rb.WaitStrategyKindBlocking
	DefaultDisruptorSpinTries     = rb.DefaultSpinTries
	DefaultDisruptorSleepDuration = rb.DefaultSleepDuration
	DefaultDisruptorFailurePolicy = rb.FailurePolicySkip
	DefaultDisruptorDrainTimeout  = 5 * time.Second
)

// Disruptor is the configuration of the ring buffer engine.
type Disruptor struct {
	// Name identifies the disruptor in logs and metrics.
	Name string `yaml:"name"`

	// Capacity is the number of slots of the ring buffer.
	// It must be a positive power of two, it is never repaired.
	Capacity int `yaml:"capacity"`

	// ProducerKind states whether many goroutines can publish concurrently.
	ProducerKind rb.ProducerKind `yaml:"producer_kind"`

	// WaitStrategy is the strategy used to wait for the sequences.
	WaitStrategy rb.WaitStrategyKind `yaml:"wait_strategy"`
	// SpinTries is the number of busy iterations of the yielding
	// and sleeping strategies before backing off.
	SpinTries int `yaml:"spin_tries"`
	// SleepDuration is the sleep of the sleeping strategy.
	SleepDuration time.Duration `yaml:"sleep_duration"`

	// FailurePolicy is applied when a handler returns an error.
	FailurePolicy rb.FailurePolicy `yaml:"failure_policy"`

	// DrainTimeout bounds the wait for the consumers when closing.
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// NewDisruptor returns the default configuration for the disruptor.
func NewDisruptor() *Disruptor {
	return &Disruptor{
		Name:          DefaultDisruptorName,
		Capacity:      DefaultDisruptorCapacity,
		ProducerKind:  DefaultDisruptorProducerKind,
		WaitStrategy:  DefaultDisruptorWaitStrategy,
		SpinTries:     DefaultDisruptorSpinTries,
		SleepDuration: DefaultDisruptorSleepDuration,
		FailurePolicy: DefaultDisruptorFailurePolicy,
		DrainTimeout:  DefaultDisruptorDrainTimeout,
	}
}

// Validate checks the configuration.
func (d *Disruptor) Validate(ac *AnomalyCollector) {
	CheckNotEmpty(ac, "Name", &d.Name, DefaultDisruptorName)

	CheckNotNegative(ac, "SpinTries", &d.SpinTries, DefaultDisruptorSpinTries)

	CheckPositive(ac, "SleepDuration", &d.SleepDuration, DefaultDisruptorSleepDuration)

	CheckNotNegative(ac, "DrainTimeout", &d.DrainTimeout, DefaultDisruptorDrainTimeout)
}

// NewWaitStrategy builds the configured wait strategy.
func (d *Disruptor) NewWaitStrategy() rb.WaitStrategy {
	return rb.NewWaitStrategy(d.WaitStrategy, d.SpinTries, d.SleepDuration)
}

// LoadDisruptor reads a YAML file on top of the default configuration.
func LoadDisruptor(path string) (*Disruptor, error) {
	cfg := NewDisruptor()
	if err := LoadFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile decodes a YAML file into cfg.
// The fields missing from the file keep their current value,
// unknown fields are rejected.
func LoadFile(path string, cfg any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	return Decode(data, cfg)
}

// Decode decodes a YAML document into cfg.
func Decode(data []byte, cfg any) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	if err := decoder.Decode(cfg); err != nil {
		return fmt.Errorf("config: decode: %w", err)
	}

	return nil
}
