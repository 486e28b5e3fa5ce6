package ingress

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/FerroO2000/phaser/connector"
	"github.com/FerroO2000/phaser/internal"
	"github.com/FerroO2000/phaser/internal/config"
	"github.com/FerroO2000/phaser/internal/message"
	"go.opentelemetry.io/otel/attribute"
)

//////////////
//  CONFIG  //
//////////////

// Default values for the Ticker stage configuration.
const (
	DefaultTickerConfigInterval = 100 * time.Millisecond
)

// TickerConfig structs contains the configuration for the Ticker stage.
type TickerConfig struct {
	// Interval is the duration between ticks.
	Interval time.Duration
}

// NewTickerConfig returns the default configuration for the Ticker stage.
func NewTickerConfig() *TickerConfig {
	return &TickerConfig{
		Interval: DefaultTickerConfigInterval,
	}
}

// Validate checks the configuration.
func (c *TickerConfig) Validate(ac *config.AnomalyCollector) {
	config.CheckPositive(ac, "Interval", &c.Interval, DefaultTickerConfigInterval)
}

///////////////
//  MESSAGE  //
///////////////

// TickerMessage is the message published by the Ticker stage.
type TickerMessage struct {
	TickNumber int
}

// NewTickerMessage returns an empty ticker message.
// It can be used as the factory of a ring buffer.
func NewTickerMessage() *TickerMessage {
	return &TickerMessage{}
}

//////////////
//  SOURCE  //
//////////////

var _ source[*TickerMessage] = (*tickerSource)(nil)

type tickerSource struct {
	tel *internal.Telemetry

	cfg *TickerConfig

	// Metrics
	triggeredMessages atomic.Int64
}

func newTickerSource(cfg *TickerConfig) *tickerSource {
	return &tickerSource{
		cfg: cfg,
	}
}

func (ts *tickerSource) setTelemetry(tel *internal.Telemetry) {
	ts.tel = tel
}

func (ts *tickerSource) init() error {
	ts.tel.NewCounter("triggered_messages", ts.triggeredMessages.Load)
	return nil
}

func (ts *tickerSource) run(ctx context.Context, pub connector.Publisher[*TickerMessage]) {
	ticker := time.NewTicker(ts.cfg.Interval)
	defer ticker.Stop()

	ticks := 0

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			ticks++

			err := pub.Publish(ctx, ts.translator(ctx, ticks))
			if publishOrStop(ctx, ts.tel, err) {
				return
			}
		}
	}
}

func (ts *tickerSource) translator(ctx context.Context, tick int) connector.Translator[*TickerMessage] {
	return func(msg *message.Message[*TickerMessage]) error {
		_, span := ts.tel.NewTrace(ctx, "triggered ticker message")
		defer span.End()

		payloadOf(msg).TickNumber = tick

		span.SetAttributes(attribute.Int("tick_number", tick))
		stamp(msg, time.Now(), span)

		ts.triggeredMessages.Add(1)

		return nil
	}
}

func (ts *tickerSource) close() {}

/////////////
//  STAGE  //
/////////////

// TickerStage is an ingress stage that publishes a message periodically.
type TickerStage struct {
	*stage[*TickerMessage, *TickerConfig]
}

// NewTickerStage returns a new Ticker stage publishing into pub.
func NewTickerStage(pub connector.Publisher[*TickerMessage], cfg *TickerConfig) *TickerStage {
	if cfg == nil {
		cfg = NewTickerConfig()
	}

	return &TickerStage{
		stage: newStage("ticker", newTickerSource(cfg), pub, cfg),
	}
}
