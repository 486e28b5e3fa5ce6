package pool

import (
	"testing"

	"github.com/FerroO2000/phaser/internal"
	"github.com/FerroO2000/phaser/internal/config"
	"github.com/stretchr/testify/assert"
)

type fakeTarget struct {
	workers int
	backlog int64
}

func (ft *fakeTarget) Workers() int { return ft.workers }

func (ft *fakeTarget) AddWorker() bool {
	ft.workers++
	return true
}

func (ft *fakeTarget) RemoveWorker() bool {
	if ft.workers <= 1 {
		return false
	}
	ft.workers--
	return true
}

func (ft *fakeTarget) Backlog() int64 { return ft.backlog }

func newTestScaler(target *fakeTarget) *Scaler {
	cfg := config.NewPool()
	cfg.MinWorkers = 1
	cfg.MaxWorkers = 8
	cfg.QueueDepthPerWorker = 10
	cfg.ScaleDownFactor = 0.5
	cfg.ScaleDownBackoff = 2

	return NewScaler(internal.NewTelemetry("test", "scaler"), cfg, target)
}

func Test_Scaler(t *testing.T) {
	t.Run("scale up", func(t *testing.T) {
		assert := assert.New(t)

		target := &fakeTarget{workers: 1, backlog: 45}
		scaler := newTestScaler(target)

		scaler.evaluateAndScale()
		assert.Equal(5, target.workers)

		target.backlog = 1000
		scaler.evaluateAndScale()
		assert.Equal(8, target.workers)
	})

	t.Run("scale down with backoff", func(t *testing.T) {
		assert := assert.New(t)

		target := &fakeTarget{workers: 8, backlog: 0}
		scaler := newTestScaler(target)

		scaler.evaluateAndScale()
		assert.Equal(4, target.workers)

		scaler.evaluateAndScale()
		assert.Equal(2, target.workers)

		// the next scale down needs more consecutive evaluations
		scaler.evaluateAndScale()
		assert.Equal(2, target.workers)

		scaler.evaluateAndScale()
		assert.Equal(1, target.workers)

		for range 10 {
			scaler.evaluateAndScale()
		}
		assert.Equal(1, target.workers)
	})

	t.Run("steady", func(t *testing.T) {
		assert := assert.New(t)

		target := &fakeTarget{workers: 2, backlog: 5}
		scaler := newTestScaler(target)

		scaler.evaluateAndScale()
		assert.Equal(2, target.workers)
	})
}
