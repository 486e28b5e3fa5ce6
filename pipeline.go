package phaser

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/FerroO2000/phaser/internal"
)

// Stage defines the interface for a generic stage.
type Stage interface {
	// Init initializes the stage.
	Init(ctx context.Context) error
	// Run runs the stage. It blocks until the stage stops.
	Run(ctx context.Context)
	// Close closes (forever) the stage.
	Close()
}

// Pipeline runs a chain of stages, typically the ingress stages
// and the [Disruptor] they publish into.
type Pipeline struct {
	tel *internal.Telemetry

	stages []Stage

	wg        sync.WaitGroup
	isRunning atomic.Bool
	closeOnce sync.Once
}

// NewPipeline returns a new pipeline.
func NewPipeline() *Pipeline {
	return &Pipeline{
		tel: internal.NewTelemetry("pipeline", "pipeline"),

		stages: []Stage{},
	}
}

// AddStage adds a stage to the pipeline.
// The order of the stages is important: they are closed in the same order,
// so the producing stages must be added before the consuming ones.
// It returns false if the pipeline is already running.
func (p *Pipeline) AddStage(stage Stage) bool {
	if p.isRunning.Load() {
		p.tel.LogWarn("cannot add a stage to a running pipeline")
		return false
	}

	p.stages = append(p.stages, stage)
	return true
}

// Init initializes all the stages.
func (p *Pipeline) Init(ctx context.Context) error {
	p.tel.LogInfo("initializing", "stages", len(p.stages))

	for idx, stage := range p.stages {
		if err := stage.Init(ctx); err != nil {
			return fmt.Errorf("pipeline: init stage %d: %w", idx, err)
		}
	}

	return nil
}

// Run runs all the stages.
// It spawns a goroutine for each stage and returns immediately.
func (p *Pipeline) Run(ctx context.Context) {
	if !p.isRunning.CompareAndSwap(false, true) {
		return
	}

	p.tel.LogInfo("running")

	for _, stage := range p.stages {
		p.wg.Go(func() {
			stage.Run(ctx)
		})
	}
}

// Close closes all the stages in order.
// It blocks until all the stages have stopped.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() {
		p.tel.LogInfo("closing")

		for _, stage := range p.stages {
			stage.Close()
		}

		p.wg.Wait()
		p.tel.Close()
	})
}
