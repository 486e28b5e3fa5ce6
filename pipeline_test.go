package phaser

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingStage struct {
	name    string
	initErr error

	mux    *sync.Mutex
	events *[]string

	running chan struct{}
	stop    chan struct{}
	once    sync.Once
}

func newRecordingStage(name string, mux *sync.Mutex, events *[]string) *recordingStage {
	return &recordingStage{
		name:    name,
		mux:     mux,
		events:  events,
		running: make(chan struct{}),
		stop:    make(chan struct{}),
	}
}

func (rs *recordingStage) record(event string) {
	rs.mux.Lock()
	defer rs.mux.Unlock()

	*rs.events = append(*rs.events, rs.name+":"+event)
}

func (rs *recordingStage) Init(_ context.Context) error {
	rs.record("init")
	return rs.initErr
}

func (rs *recordingStage) Run(ctx context.Context) {
	close(rs.running)

	select {
	case <-ctx.Done():
	case <-rs.stop:
	}
}

func (rs *recordingStage) Close() {
	rs.once.Do(func() {
		rs.record("close")
		close(rs.stop)
	})
}

func Test_Pipeline(t *testing.T) {
	t.Run("lifecycle", func(t *testing.T) {
		assert := assert.New(t)

		mux := &sync.Mutex{}
		events := []string{}

		first := newRecordingStage("first", mux, &events)
		second := newRecordingStage("second", mux, &events)

		p := NewPipeline()
		assert.True(p.AddStage(first))
		assert.True(p.AddStage(second))

		require.NoError(t, p.Init(t.Context()))
		p.Run(t.Context())

		for _, stage := range []*recordingStage{first, second} {
			select {
			case <-stage.running:
			case <-time.After(time.Second):
				assert.Fail("stage not running", stage.name)
			}
		}

		assert.False(p.AddStage(newRecordingStage("late", mux, &events)))

		p.Close()
		p.Close()

		assert.Equal([]string{"first:init", "second:init", "first:close", "second:close"}, events)
	})

	t.Run("init error", func(t *testing.T) {
		assert := assert.New(t)

		mux := &sync.Mutex{}
		events := []string{}

		errInit := errors.New("init")

		first := newRecordingStage("first", mux, &events)
		second := newRecordingStage("second", mux, &events)
		second.initErr = errInit
		third := newRecordingStage("third", mux, &events)

		p := NewPipeline()
		p.AddStage(first)
		p.AddStage(second)
		p.AddStage(third)

		err := p.Init(t.Context())
		assert.ErrorIs(err, errInit)
		assert.ErrorContains(err, "stage 1")
		assert.Equal([]string{"first:init", "second:init"}, events)
	})
}

type counterSource struct {
	publisher Publisher[*testEvent]
	count     int

	done chan struct{}
}

func (cs *counterSource) Init(_ context.Context) error {
	cs.done = make(chan struct{})
	return nil
}

func (cs *counterSource) Run(ctx context.Context) {
	defer close(cs.done)

	for idx := range cs.count {
		if err := cs.publisher.Publish(ctx, writeEvent(idx, "")); err != nil {
			return
		}
	}
}

func (cs *counterSource) Close() {
	<-cs.done
}

func Test_Pipeline_disruptor(t *testing.T) {
	assert := assert.New(t)

	d := newTestDisruptor(t, 16, nil)

	handler := &recordingHandler{name: "sink"}
	d.HandleEventsWith(handler)

	source := &counterSource{publisher: d, count: 100}

	p := NewPipeline()
	p.AddStage(source)
	p.AddStage(d)

	require.NoError(t, p.Init(t.Context()))
	p.Run(t.Context())
	p.Close()

	values := handler.getValues()
	if assert.Len(values, 100) {
		for idx, value := range values {
			assert.Equal(idx, value)
		}
	}
	assert.True(handler.isClosed())
}
