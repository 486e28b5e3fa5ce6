package config

import (
	"runtime"
	"time"
)

// Default configuration values for the pool.
const (
	DefaultPoolAutoScaleEnabled    = true
	DefaultPoolMinWorkers          = 1
	DefaultPoolQueueDepthPerWorker = 64
	DefaultPoolScaleDownFactor     = 0.1
	DefaultPoolScaleDownBackoff    = 1.5
	DefaultPoolAutoScaleInterval   = 3 * time.Second
)

// DefaultPoolMaxWorkers returns the default maximum number of workers
// (number of CPUs).
func DefaultPoolMaxWorkers() int {
	return runtime.NumCPU()
}

// DefaultPoolInitialWorkers returns the default initial number of workers
// (half of CPUs, minimum 1).
func DefaultPoolInitialWorkers() int {
	return max(1, DefaultPoolMaxWorkers()/2)
}

// Pool represents the configuration for a group of competing workers.
type Pool struct {
	// AutoScaleEnabled states whether the worker pool should scale automatically.
	AutoScaleEnabled bool `yaml:"auto_scale_enabled"`

	// MaxWorkers is the maximum number of workers.
	MaxWorkers int `yaml:"max_workers"`

	// MinWorkers is the minimum number of workers.
	MinWorkers int `yaml:"min_workers"`

	// InitialWorkers is the initial number of workers.
	InitialWorkers int `yaml:"initial_workers"`

	// QueueDepthPerWorker is the target number of published
	// but not yet processed messages per worker.
	QueueDepthPerWorker int `yaml:"queue_depth_per_worker"`

	// ScaleDownFactor is the factor by which to scale down the number of workers.
	ScaleDownFactor float64 `yaml:"scale_down_factor"`
	// ScaleDownBackoff is the factor by which to increase the time to scale down.
	ScaleDownBackoff float64 `yaml:"scale_down_backoff"`

	// AutoScaleInterval is the interval at which the auto scaler is triggered.
	AutoScaleInterval time.Duration `yaml:"auto_scale_interval"`
}

// NewPool returns the default configuration for the worker pool.
func NewPool() *Pool {
	return &Pool{
		AutoScaleEnabled: DefaultPoolAutoScaleEnabled,

		MaxWorkers:     DefaultPoolMaxWorkers(),
		MinWorkers:     DefaultPoolMinWorkers,
		InitialWorkers: DefaultPoolInitialWorkers(),

		QueueDepthPerWorker: DefaultPoolQueueDepthPerWorker,

		ScaleDownFactor:  DefaultPoolScaleDownFactor,
		ScaleDownBackoff: DefaultPoolScaleDownBackoff,

		AutoScaleInterval: DefaultPoolAutoScaleInterval,
	}
}

// Validate validates the configuration.
func (p *Pool) Validate(ac *AnomalyCollector) {
	CheckPositive(ac, "MaxWorkers", &p.MaxWorkers, DefaultPoolMaxWorkers())

	CheckPositive(ac, "MinWorkers", &p.MinWorkers, DefaultPoolMinWorkers)
	CheckNotGreaterThan(ac, "MinWorkers", "MaxWorkers", &p.MinWorkers, p.MaxWorkers)

	CheckNotNegative(ac, "InitialWorkers", &p.InitialWorkers, DefaultPoolInitialWorkers())
	CheckNotLowerThan(ac, "InitialWorkers", "MinWorkers", &p.InitialWorkers, p.MinWorkers)
	CheckNotGreaterThan(ac, "InitialWorkers", "MaxWorkers", &p.InitialWorkers, p.MaxWorkers)

	CheckPositive(ac, "QueueDepthPerWorker", &p.QueueDepthPerWorker, DefaultPoolQueueDepthPerWorker)

	CheckInRange(ac, "ScaleDownFactor", &p.ScaleDownFactor, 0, 1, DefaultPoolScaleDownFactor)
	CheckNotNegative(ac, "ScaleDownBackoff", &p.ScaleDownBackoff, DefaultPoolScaleDownBackoff)

	CheckPositive(ac, "AutoScaleInterval", &p.AutoScaleInterval, DefaultPoolAutoScaleInterval)
}
