package config

// StageRunningMode represents the running mode of a stage.
type StageRunningMode = uint8

const (
	// StageRunningModeSingle runs the handler on a single consumer
	// that sees every message in order.
	StageRunningModeSingle StageRunningMode = iota

	// StageRunningModePool runs the handler on a group of competing workers.
	// Every message is handled by one worker, ordering is not kept.
	StageRunningModePool
)

// Stage represents the configuration for a stage.
type Stage struct {
	// RunningMode is the running mode of the stage.
	RunningMode StageRunningMode `yaml:"running_mode"`

	// Pool is the configuration for the worker pool.
	// It is only used when RunningMode is RunningModePool.
	Pool *Pool `yaml:"pool"`
}

// NewStage returns the default configuration for a stage
// based on the running mode.
func NewStage(runningMode StageRunningMode) *Stage {
	cfg := &Stage{
		RunningMode: runningMode,
	}

	if runningMode == StageRunningModePool {
		cfg.Pool = NewPool()
	}

	return cfg
}

// Validate checks the configuration.
func (s *Stage) Validate(ac *AnomalyCollector) {
	if s.RunningMode == StageRunningModePool {
		if s.Pool == nil {
			ac.add("Pool", "cannot be nil in pool running mode", nil, "default pool")
			s.Pool = NewPool()
		}

		s.Pool.Validate(ac)
	}
}
