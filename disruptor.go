package phaser

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/FerroO2000/phaser/internal"
	"github.com/FerroO2000/phaser/internal/config"
	"github.com/FerroO2000/phaser/internal/message"
	"github.com/FerroO2000/phaser/internal/pool"
	"github.com/FerroO2000/phaser/internal/rb"
	"github.com/FerroO2000/phaser/internal/stage"
)

var (
	_ Stage              = (*Disruptor[any])(nil)
	_ Publisher[any]     = (*Disruptor[any])(nil)
	_ stage.Handler[any] = (*HandlerFunc[any])(nil)
	_ pool.Target        = (*rb.WorkerGroup[any])(nil)
	_ consumerStage      = (*singleConsumer[any])(nil)
	_ consumerStage      = (*poolConsumer[any])(nil)
)

///////////////
//  HANDLER  //
///////////////

// HandlerFunc adapts a function to a [Handler].
type HandlerFunc[T any] struct {
	HandlerBase

	name   string
	handle func(ctx context.Context, msg *Message[T], endOfBatch bool) error
}

// NewHandlerFunc returns a named handler running the given function.
func NewHandlerFunc[T any](name string, handle func(ctx context.Context, msg *Message[T], endOfBatch bool) error) *HandlerFunc[T] {
	return &HandlerFunc[T]{
		name:   name,
		handle: handle,
	}
}

// Name returns the name of the handler.
func (hf *HandlerFunc[T]) Name() string {
	return hf.name
}

// Handle runs the function.
func (hf *HandlerFunc[T]) Handle(ctx context.Context, msg *Message[T], endOfBatch bool) error {
	return hf.handle(ctx, msg, endOfBatch)
}

/////////////////
//  CONSUMERS  //
/////////////////

type consumerStage interface {
	init(ctx context.Context) error
	run(ctx context.Context) error
	halt()
	close(ctx context.Context)
	telemetry() *internal.Telemetry
}

type singleConsumer[T any] struct {
	runner   *stage.Runner[T]
	ring     *rb.RingBuffer[T]
	consumer *rb.Consumer[T]
}

func (sc *singleConsumer[T]) init(ctx context.Context) error {
	if err := sc.runner.Init(ctx); err != nil {
		return err
	}

	sc.runner.Telemetry().NewGauge("lag", func() int64 {
		return sc.ring.Cursor() - sc.consumer.Load()
	})

	return nil
}

func (sc *singleConsumer[T]) run(ctx context.Context) error {
	return sc.consumer.Run(ctx)
}

func (sc *singleConsumer[T]) halt() {
	sc.consumer.Halt()
}

func (sc *singleConsumer[T]) close(ctx context.Context) {
	sc.runner.Close(ctx)
}

func (sc *singleConsumer[T]) telemetry() *internal.Telemetry {
	return sc.runner.Telemetry()
}

type poolConsumer[T any] struct {
	runner *stage.Runner[T]
	cfg    *config.Pool
	group  *rb.WorkerGroup[T]
	scaler *pool.Scaler
}

func (pc *poolConsumer[T]) init(ctx context.Context) error {
	if err := pc.runner.Init(ctx); err != nil {
		return err
	}

	pc.scaler.Init()
	pc.runner.Telemetry().NewGauge("lag", pc.group.Backlog)

	return nil
}

func (pc *poolConsumer[T]) run(ctx context.Context) error {
	scalerCtx, cancelScaler := context.WithCancel(ctx)
	defer cancelScaler()

	go pc.scaler.Run(scalerCtx)

	return pc.group.Run(ctx, pc.cfg.InitialWorkers)
}

func (pc *poolConsumer[T]) halt() {
	pc.group.Halt()
}

func (pc *poolConsumer[T]) close(ctx context.Context) {
	pc.runner.Close(ctx)
}

func (pc *poolConsumer[T]) telemetry() *internal.Telemetry {
	return pc.runner.Telemetry()
}

/////////////////////
//  HANDLER GROUP  //
/////////////////////

// HandlerGroup is a set of consumers registered together.
// It is used to chain other consumers after them.
type HandlerGroup[T any] struct {
	d     *Disruptor[T]
	gates []rb.Gate
}

// Then registers a consumer for each handler that only sees
// the messages already processed by every consumer of the group.
func (hg *HandlerGroup[T]) Then(handlers ...Handler[T]) *HandlerGroup[T] {
	return hg.d.addConsumers(hg.gates, handlers)
}

// ThenPool registers a group of competing workers running the handler
// after every consumer of the group.
func (hg *HandlerGroup[T]) ThenPool(handler Handler[T], cfg *PoolConfig) *HandlerGroup[T] {
	return hg.d.addPool(hg.gates, handler, cfg)
}

// ThenStage registers the handler after every consumer of the group,
// with the running mode of the stage configuration.
func (hg *HandlerGroup[T]) ThenStage(handler Handler[T], cfg *StageConfig) *HandlerGroup[T] {
	return hg.d.addStage(hg.gates, handler, cfg)
}

// And merges the groups, so the next consumers wait for all of them.
func (hg *HandlerGroup[T]) And(others ...*HandlerGroup[T]) *HandlerGroup[T] {
	gates := append([]rb.Gate{}, hg.gates...)
	for _, other := range others {
		gates = append(gates, other.gates...)
	}

	return &HandlerGroup[T]{
		d:     hg.d,
		gates: gates,
	}
}

/////////////////
//  DISRUPTOR  //
/////////////////

// Disruptor owns a ring buffer and the consumers processing its messages.
// It is a [Stage] and a [Publisher].
type Disruptor[T any] struct {
	tel *internal.Telemetry
	cfg *config.Disruptor

	ring *rb.RingBuffer[T]

	// publishMux serializes the publishers of a single producer ring buffer
	publishMux sync.Mutex
	serialize  bool
	// producerTaken is set when the single producer was handed out
	producerTaken atomic.Bool

	consumers    []consumerStage
	handlerCount int

	lifecycleMux sync.Mutex
	isInit       bool
	isRunning    bool
	isClosed     bool
	cancelRun    context.CancelFunc
	wg           sync.WaitGroup

	errMux sync.Mutex
	err    error

	published     atomic.Int64
	publishErrors atomic.Int64
}

// NewDisruptor returns a new disruptor whose slots are created by the factory.
// Invalid optional settings are repaired and logged,
// an invalid capacity is returned as a [ConfigError].
func NewDisruptor[T any](factory Factory[T], cfg *DisruptorConfig) (*Disruptor[T], error) {
	if cfg == nil {
		cfg = config.NewDisruptor()
	}

	name := cfg.Name
	if name == "" {
		name = config.DefaultDisruptorName
	}

	tel := internal.NewTelemetry("disruptor", name)
	config.NewValidator(tel).Validate(cfg)

	ring, err := rb.NewRingBuffer(cfg.Capacity, factory,
		rb.WithProducerKind(cfg.ProducerKind),
		rb.WithWaitStrategy(cfg.NewWaitStrategy()),
	)
	if err != nil {
		tel.LogError("failed to create ring buffer", err)
		return nil, err
	}

	return &Disruptor[T]{
		tel: tel,
		cfg: cfg,

		ring:      ring,
		serialize: cfg.ProducerKind == rb.ProducerKindSingle,

		consumers: []consumerStage{},
	}, nil
}

// HandleEventsWith registers a broadcast consumer for each handler.
// Every consumer sees every message in publication order.
func (d *Disruptor[T]) HandleEventsWith(handlers ...Handler[T]) *HandlerGroup[T] {
	return d.addConsumers(nil, handlers)
}

// HandleEventsWithPool registers a group of competing workers running the handler.
// Every message is handled by exactly one worker, so the handler
// must be safe for concurrent use.
func (d *Disruptor[T]) HandleEventsWithPool(handler Handler[T], cfg *PoolConfig) *HandlerGroup[T] {
	return d.addPool(nil, handler, cfg)
}

// HandleStage registers the handler with the running mode of the stage
// configuration: a single consumer or a pool of competing workers.
// A nil configuration runs the handler on a single consumer.
func (d *Disruptor[T]) HandleStage(handler Handler[T], cfg *StageConfig) *HandlerGroup[T] {
	return d.addStage(nil, handler, cfg)
}

func (d *Disruptor[T]) canRegister() bool {
	d.lifecycleMux.Lock()
	defer d.lifecycleMux.Unlock()

	if d.isInit {
		d.tel.LogWarn("cannot register handlers after init")
		return false
	}

	return true
}

func (d *Disruptor[T]) nextHandlerName(handler Handler[T]) string {
	name := stage.HandlerName(handler, d.handlerCount)
	d.handlerCount++
	return name
}

func (d *Disruptor[T]) addConsumers(gates []rb.Gate, handlers []Handler[T]) *HandlerGroup[T] {
	group := &HandlerGroup[T]{d: d}

	if !d.canRegister() {
		group.gates = gates
		return group
	}

	for _, handler := range handlers {
		runner := stage.NewRunner("handler", d.nextHandlerName(handler), handler)

		consumer := d.ring.NewConsumer(runner.Handle,
			rb.WithDependencies(gates...),
			rb.WithFailurePolicy(d.cfg.FailurePolicy),
			rb.WithFailureHook(runner.OnFailure),
		)

		d.consumers = append(d.consumers, &singleConsumer[T]{
			runner:   runner,
			ring:     d.ring,
			consumer: consumer,
		})

		group.gates = append(group.gates, consumer)
	}

	return group
}

func (d *Disruptor[T]) addPool(gates []rb.Gate, handler Handler[T], cfg *config.Pool) *HandlerGroup[T] {
	group := &HandlerGroup[T]{d: d}

	if !d.canRegister() {
		group.gates = gates
		return group
	}

	if cfg == nil {
		cfg = config.NewPool()
	}

	runner := stage.NewRunner("handler", d.nextHandlerName(handler), handler)
	config.NewValidator(runner.Telemetry()).Validate(cfg)

	workerGroup := d.ring.NewWorkerGroup(runner.Handle,
		rb.WithDependencies(gates...),
		rb.WithFailurePolicy(d.cfg.FailurePolicy),
		rb.WithFailureHook(runner.OnFailure),
	)

	d.consumers = append(d.consumers, &poolConsumer[T]{
		runner: runner,
		cfg:    cfg,
		group:  workerGroup,
		scaler: pool.NewScaler(runner.Telemetry(), cfg, workerGroup),
	})

	group.gates = append(group.gates, workerGroup)

	return group
}

func (d *Disruptor[T]) addStage(gates []rb.Gate, handler Handler[T], cfg *config.Stage) *HandlerGroup[T] {
	if cfg != nil && cfg.RunningMode == config.StageRunningModePool {
		return d.addPool(gates, handler, cfg.Pool)
	}

	return d.addConsumers(gates, []Handler[T]{handler})
}

func (d *Disruptor[T]) initMetrics() {
	d.tel.NewGauge("cursor", d.ring.Cursor)
	d.tel.NewGauge("remaining_capacity", d.ring.RemainingCapacity)
	d.tel.NewCounter("published_messages", d.published.Load)
	d.tel.NewCounter("publish_errors", d.publishErrors.Load)
}

// Init initializes the handlers.
func (d *Disruptor[T]) Init(ctx context.Context) error {
	d.lifecycleMux.Lock()
	defer d.lifecycleMux.Unlock()

	if d.isInit {
		return nil
	}
	d.isInit = true

	d.tel.LogInfo("initializing",
		"capacity", d.ring.Capacity(),
		"producer_kind", d.cfg.ProducerKind,
		"wait_strategy", d.cfg.WaitStrategy,
		"failure_policy", d.cfg.FailurePolicy,
		"consumers", len(d.consumers),
	)

	d.initMetrics()

	for _, consumer := range d.consumers {
		if err := consumer.init(ctx); err != nil {
			return err
		}
	}

	return nil
}

// Run starts a goroutine for each consumer and blocks until the context
// is done or every consumer has stopped.
// The consumers outlive the context: they keep draining the ring buffer
// until [Disruptor.Close] is called.
func (d *Disruptor[T]) Run(ctx context.Context) {
	d.lifecycleMux.Lock()
	if d.isRunning || d.isClosed {
		d.lifecycleMux.Unlock()
		return
	}
	d.startConsumers(ctx)
	d.lifecycleMux.Unlock()

	d.tel.LogInfo("running")

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
	case <-done:
	}
}

// startConsumers spawns a goroutine for each consumer.
// It must be called with the lifecycle mutex held.
func (d *Disruptor[T]) startConsumers(ctx context.Context) {
	d.isRunning = true

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.cancelRun = cancel

	for _, consumer := range d.consumers {
		d.wg.Go(func() {
			d.runConsumer(runCtx, consumer)
		})
	}
}

func (d *Disruptor[T]) runConsumer(ctx context.Context, consumer consumerStage) {
	err := consumer.run(ctx)
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}

	consumer.telemetry().LogError("consumer stopped", err)
	d.setErr(err)
}

func (d *Disruptor[T]) setErr(err error) {
	d.errMux.Lock()
	defer d.errMux.Unlock()

	if d.err == nil {
		d.err = err
	}
}

// Err returns the first error that stopped a consumer, if any.
// Under [FailurePolicyHalt] it is a [HandlerError].
func (d *Disruptor[T]) Err() error {
	d.errMux.Lock()
	defer d.errMux.Unlock()

	return d.err
}

// Publish claims a slot, fills it with translate and publishes it.
// It blocks while the ring buffer is full.
// If translate fails, the message is published as dropped and skipped
// by the handlers, and the error is returned.
//
// With [ProducerKindSingle] the calls are serialized by a mutex, so Publish
// stays safe for concurrent use. A goroutine that owns the publishing side
// can skip the mutex with the handle of [Disruptor.NewProducer].
func (d *Disruptor[T]) Publish(ctx context.Context, translate Translator[T]) error {
	if d.serialize {
		d.publishMux.Lock()
		defer d.publishMux.Unlock()

		if d.producerTaken.Load() {
			return d.countPublish(ErrProducerLimit)
		}
	}

	_, err := d.ring.Write(ctx, translate)
	return d.countPublish(err)
}

// TryPublish is like [Disruptor.Publish] but it returns
// [ErrInsufficientCapacity] instead of waiting.
func (d *Disruptor[T]) TryPublish(translate Translator[T]) error {
	if d.serialize {
		d.publishMux.Lock()
		defer d.publishMux.Unlock()

		if d.producerTaken.Load() {
			return d.countPublish(ErrProducerLimit)
		}
	}

	_, err := d.ring.TryWrite(translate)
	return d.countPublish(err)
}

// NewProducer returns a producer handle writing into the ring buffer
// without locking. With [ProducerKindSingle] only one handle is given out
// and, once it is, [Disruptor.Publish] and [Disruptor.TryPublish] fail
// with [ErrProducerLimit]: the handle must be used by one goroutine.
func (d *Disruptor[T]) NewProducer() (*Producer[T], error) {
	producer, err := d.ring.NewProducer()
	if err != nil {
		return nil, err
	}

	if d.serialize {
		// Wait for the publisher holding the mutex, if any
		d.publishMux.Lock()
		d.producerTaken.Store(true)
		d.publishMux.Unlock()
	}

	return producer, nil
}

func (d *Disruptor[T]) countPublish(err error) error {
	if err != nil {
		d.publishErrors.Add(1)
		return err
	}

	d.published.Add(1)
	return nil
}

// Write publishes a value by replacing the payload of the slot.
func (d *Disruptor[T]) Write(ctx context.Context, value T) error {
	return d.Publish(ctx, func(msg *message.Message[T]) error {
		msg.SetPayload(value)
		return nil
	})
}

// Drain blocks until every consumer has processed
// the messages published before the call.
func (d *Disruptor[T]) Drain(ctx context.Context) error {
	target := d.ring.Cursor()

	return d.ring.WaitStrategy().Await(ctx, func() bool {
		return d.ring.MinimumGatingSequence() >= target
	}, nil)
}

// Cursor returns the highest published sequence.
func (d *Disruptor[T]) Cursor() int64 {
	return d.ring.Cursor()
}

// RemainingCapacity returns the number of slots
// that can be published without waiting.
func (d *Disruptor[T]) RemainingCapacity() int64 {
	return d.ring.RemainingCapacity()
}

// RingBuffer returns the underlying ring buffer.
func (d *Disruptor[T]) RingBuffer() *RingBuffer[T] {
	return d.ring
}

// Close drains the consumers for at most the configured drain timeout,
// stops them and closes the handlers.
// If the disruptor is initialized but not running yet,
// the consumers are started before draining.
// Publishing after close fails with [ErrAlerted].
func (d *Disruptor[T]) Close() {
	d.lifecycleMux.Lock()
	if d.isClosed {
		d.lifecycleMux.Unlock()
		return
	}
	d.isClosed = true

	// Run may not have started the consumers yet
	if d.isInit && !d.isRunning {
		d.startConsumers(context.Background())
	}
	isRunning := d.isRunning
	d.lifecycleMux.Unlock()

	d.tel.LogInfo("closing")

	if isRunning && d.cfg.DrainTimeout > 0 {
		drainCtx, cancel := context.WithTimeout(context.Background(), d.cfg.DrainTimeout)
		if err := d.Drain(drainCtx); err != nil {
			d.tel.LogWarn("consumers not drained",
				"pending", d.ring.Cursor()-d.ring.MinimumGatingSequence(), "error", err)
		}
		cancel()
	}

	for _, consumer := range d.consumers {
		consumer.halt()
	}
	d.ring.Close()

	if d.cancelRun != nil {
		d.cancelRun()
	}
	d.wg.Wait()

	for _, consumer := range d.consumers {
		consumer.close(context.Background())
	}

	d.tel.Close()
}
