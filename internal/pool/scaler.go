// Package pool contains the auto-scaler of the worker groups.
package pool

import (
	"context"
	"math"
	"time"

	"github.com/FerroO2000/phaser/internal"
	"github.com/FerroO2000/phaser/internal/config"
)

// Target is a group of workers that can be resized at runtime.
type Target interface {
	// Workers returns the number of running workers.
	Workers() int
	// AddWorker starts a new worker.
	AddWorker() bool
	// RemoveWorker stops a worker.
	RemoveWorker() bool
	// Backlog returns the number of pending messages.
	Backlog() int64
}

type scalerConfig struct {
	enabled             bool
	minWorkers          int
	maxWorkers          int
	queueDepthThreshold float64
	scaleDownFactor     float64
	scaleDownBackoff    float64
	interval            time.Duration
}

func newScalerConfig(poolCfg *config.Pool) *scalerConfig {
	return &scalerConfig{
		enabled:             poolCfg.AutoScaleEnabled,
		maxWorkers:          poolCfg.MaxWorkers,
		minWorkers:          poolCfg.MinWorkers,
		queueDepthThreshold: float64(poolCfg.QueueDepthPerWorker),
		scaleDownFactor:     poolCfg.ScaleDownFactor,
		scaleDownBackoff:    poolCfg.ScaleDownBackoff,
		interval:            poolCfg.AutoScaleInterval,
	}
}

// Scaler resizes a worker group based on its backlog.
type Scaler struct {
	tel *internal.Telemetry

	cfg    *scalerConfig
	target Target

	consecutiveScaleDown int
	scaleDownAt          float64
}

// NewScaler returns a new auto-scaler for the given target.
func NewScaler(tel *internal.Telemetry, poolCfg *config.Pool, target Target) *Scaler {
	return &Scaler{
		tel: tel,

		cfg:    newScalerConfig(poolCfg),
		target: target,

		consecutiveScaleDown: 0,
		scaleDownAt:          1,
	}
}

// Init registers the metrics of the scaler.
func (s *Scaler) Init() {
	s.tel.NewUpDownCounter("worker_pool_pending_messages", s.target.Backlog)

	s.tel.NewUpDownCounter("worker_pool_active_workers", func() int64 {
		return int64(s.target.Workers())
	})
}

// Run evaluates the target periodically until the context is done.
// It returns immediately if auto-scaling is disabled.
func (s *Scaler) Run(ctx context.Context) {
	if !s.cfg.enabled {
		return
	}

	ticker := time.NewTicker(s.cfg.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			s.evaluateAndScale()
		}
	}
}

func (s *Scaler) evaluateAndScale() {
	currWorkers := s.target.Workers()
	if currWorkers == 0 {
		return
	}

	backlog := s.target.Backlog()

	// Calculate queue depth per worker
	queueDepthPerWorker := float64(backlog) / float64(currWorkers)

	s.tel.LogDebug("auto-scaling metrics",
		"current_workers", currWorkers,
		"backlog", backlog,
		"queue_depth_per_worker", queueDepthPerWorker,
	)

	// Scale up if queue depth per worker is higher than target
	if queueDepthPerWorker > s.cfg.queueDepthThreshold {
		workersToAdd := max(int(math.Ceil(float64(backlog)/s.cfg.queueDepthThreshold))-currWorkers, 1)
		targetWorkers := min(currWorkers+workersToAdd, s.cfg.maxWorkers)

		if targetWorkers > currWorkers {
			s.tel.LogInfo("scaling up", "from", currWorkers, "to", targetWorkers)
			s.scaleWorkers(currWorkers, targetWorkers)
		}

		s.resetScaleDownTiming()

		return
	}

	// Scale down if there are more than min workers and fewer pending messages than workers
	if currWorkers > s.cfg.minWorkers && backlog < int64(currWorkers) {
		if !s.checkScaleDownTiming() {
			return
		}

		workersToRemove := max(int(math.Ceil(float64(currWorkers)*s.cfg.scaleDownFactor)), 1)
		targetWorkers := max(currWorkers-workersToRemove, s.cfg.minWorkers)

		if targetWorkers < currWorkers {
			s.tel.LogInfo("scaling down", "from", currWorkers, "to", targetWorkers)
			s.scaleWorkers(currWorkers, targetWorkers)
		}
	}
}

func (s *Scaler) resetScaleDownTiming() {
	s.consecutiveScaleDown = 0
	s.scaleDownAt = 1
}

// checkScaleDownTiming states if it is the right time to scale down
// and updates the necessary parameters
func (s *Scaler) checkScaleDownTiming() bool {
	s.consecutiveScaleDown++

	if float64(s.consecutiveScaleDown) < s.scaleDownAt {
		return false
	}

	// Exponentially increase the time to scale down so
	// it gets harder to scale down when multiple consecutive
	// scales down are triggered (exponential backoff)
	nextTime := s.scaleDownAt * s.cfg.scaleDownBackoff
	s.scaleDownAt = min(nextTime, 15)

	return true
}

func (s *Scaler) scaleWorkers(currCount, targetCount int) {
	for ; currCount < targetCount; currCount++ {
		if !s.target.AddWorker() {
			return
		}
	}

	for ; currCount > targetCount; currCount-- {
		if !s.target.RemoveWorker() {
			return
		}
	}
}
