package egress

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/FerroO2000/phaser/internal/config"
	"github.com/FerroO2000/phaser/internal/message"
	"github.com/FerroO2000/phaser/internal/stage"
	"github.com/FerroO2000/phaser/internal/telemetry"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
)

//////////////
//  CONFIG  //
//////////////

// KafkaConfig structs contains the configuration for the Kafka egress handler.
type KafkaConfig struct {
	*config.Base

	// A list of Kafka brokers to connect to.
	//
	// Default: localhost:9092
	Brokers []string

	// The balancer used to distribute messages across partitions.
	//
	// Default: RoundRobin.
	Balancer kafka.Balancer

	// Limit on how many attempts will be made to deliver a message.
	//
	// Default: 10.
	MaxAttempts int

	// WriteBackoffMin optionally sets the smallest amount of time the writer waits before
	// it attempts to write a batch of messages
	//
	// Default: 100ms
	WriteBackoffMin time.Duration

	// WriteBackoffMax optionally sets the maximum amount of time the writer waits before
	// it attempts to write a batch of messages
	//
	// Default: 1s
	WriteBackoffMax time.Duration

	// Limit on how many messages will be buffered before being sent to a
	// partition. The handler also writes its pending messages
	// at the end of each batch of the ring buffer.
	//
	// Default: 100.
	BatchSize int

	// Limit the maximum size of a request in bytes before being sent to
	// a partition.
	//
	// Default: 1048576.
	BatchBytes int64

	// Time limit on how often incomplete message batches will be flushed to
	// kafka.
	//
	// Default: 1s.
	BatchTimeout time.Duration

	// Timeout for read operations performed by the Writer.
	//
	// Default: 10s.
	ReadTimeout time.Duration

	// Timeout for write operation performed by the Writer.
	//
	// Default: 10s.
	WriteTimeout time.Duration

	// Number of acknowledges from partition replicas required before receiving
	// a response to a produce request, the following values are supported:
	//
	//  RequireNone (0)  fire-and-forget, do not wait for acknowledgements from the
	//  RequireOne  (1)  wait for the leader to acknowledge the writes
	//  RequireAll  (-1) wait for the full ISR to acknowledge the writes
	//
	// Default: RequireNone.
	RequiredAcks kafka.RequiredAcks

	// Setting this flag to true causes the WriteMessages method to never block.
	// It also means that errors are ignored since the caller will not receive
	// the returned value.
	//
	// Default: true.
	Async bool

	// Compression set the compression codec to be used to compress messages.
	//
	// Default: Snappy.
	Compression kafka.Compression

	// A transport used to send messages to kafka clusters.
	//
	// If nil, DefaultTransport is used.
	Transport kafka.RoundTripper

	// AllowAutoTopicCreation notifies writer to create topic if missing.
	//
	// Default: true.
	AllowAutoTopicCreation bool
}

// Default values for the Kafka egress handler configuration.
const (
	DefaultKafkaConfigMaxAttempts     = 10
	DefaultKafkaConfigWriteBackoffMin = 100 * time.Millisecond
	DefaultKafkaConfigWriteBackoffMax = time.Second
	DefaultKafkaConfigBatchSize       = 100
	DefaultKafkaConfigBatchBytes      = 1048576
	DefaultKafkaConfigBatchTimeout    = time.Second
	DefaultKafkaConfigReadTimeout     = 10 * time.Second
	DefaultKafkaConfigWriteTimeout    = 10 * time.Second
)

// DefaultKafkaConfigBrokers is the default list of brokers.
var DefaultKafkaConfigBrokers = []string{"localhost:9092"}

// NewKafkaConfig returns the default configuration for the Kafka egress handler.
func NewKafkaConfig(runningMode config.StageRunningMode) *KafkaConfig {
	return &KafkaConfig{
		Base: config.NewBase(runningMode),

		Brokers:                DefaultKafkaConfigBrokers,
		Balancer:               &kafka.RoundRobin{},
		MaxAttempts:            DefaultKafkaConfigMaxAttempts,
		WriteBackoffMin:        DefaultKafkaConfigWriteBackoffMin,
		WriteBackoffMax:        DefaultKafkaConfigWriteBackoffMax,
		BatchSize:              DefaultKafkaConfigBatchSize,
		BatchBytes:             DefaultKafkaConfigBatchBytes,
		BatchTimeout:           DefaultKafkaConfigBatchTimeout,
		ReadTimeout:            DefaultKafkaConfigReadTimeout,
		WriteTimeout:           DefaultKafkaConfigWriteTimeout,
		RequiredAcks:           kafka.RequireNone,
		Async:                  true,
		Compression:            kafka.Snappy,
		AllowAutoTopicCreation: true,
	}
}

// Validate checks the configuration.
func (c *KafkaConfig) Validate(ac *config.AnomalyCollector) {
	c.Base.Validate(ac)

	config.CheckLen(ac, "Brokers", &c.Brokers, DefaultKafkaConfigBrokers)

	config.CheckPositive(ac, "MaxAttempts", &c.MaxAttempts, DefaultKafkaConfigMaxAttempts)

	config.CheckPositive(ac, "BatchSize", &c.BatchSize, DefaultKafkaConfigBatchSize)

	config.CheckPositive(ac, "BatchBytes", &c.BatchBytes, DefaultKafkaConfigBatchBytes)

	config.CheckPositive(ac, "BatchTimeout", &c.BatchTimeout, DefaultKafkaConfigBatchTimeout)

	if c.Balancer == nil {
		c.Balancer = &kafka.RoundRobin{}
	}
}

///////////////
//  MESSAGE  //
///////////////

var _ message.Resettable = (*KafkaMessage)(nil)

// KafkaMessage represents the message used by the Kafka egress handler.
// It is reset when its slot is claimed again, keeping the allocated memory.
type KafkaMessage struct {
	// Topic is the Kafka topic.
	Topic string
	// Key is the key of the Kafka message.
	Key []byte
	// Value is the value associated to the key.
	Value []byte

	headers []kafka.Header
}

// NewKafkaMessage returns a new Kafka message.
// It can be used as the payload factory of a ring buffer.
func NewKafkaMessage() *KafkaMessage {
	return &KafkaMessage{}
}

// Reset clears the message.
func (km *KafkaMessage) Reset() {
	km.Topic = ""
	km.Key = km.Key[:0]
	km.Value = km.Value[:0]
	km.headers = km.headers[:0]
}

// AddHeader adds a new Kafka header to the message.
func (km *KafkaMessage) AddHeader(key string, value []byte) {
	km.headers = append(km.headers, kafka.Header{
		Key:   key,
		Value: value,
	})
}

// GetHeaders returns the headers of the message.
func (km *KafkaMessage) GetHeaders() []kafka.Header {
	return km.headers
}

///////////////
//  HANDLER  //
///////////////

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaHandler is an egress handler that writes the messages to Kafka.
// The messages are collected and written at the end of each batch,
// or when the configured batch size is reached.
// The trace of each message is injected into its headers.
type KafkaHandler struct {
	stage.HandlerBase

	cfg *KafkaConfig

	writer kafkaWriter

	pendingMux sync.Mutex
	pending    []kafka.Message

	// Metrics
	deliveredMessages atomic.Int64
	deliveringErrors  atomic.Int64
}

// NewKafkaHandler returns a new Kafka egress handler.
func NewKafkaHandler(cfg *KafkaConfig) *KafkaHandler {
	return &KafkaHandler{
		cfg: cfg,
	}
}

// Name returns the name of the handler.
func (kh *KafkaHandler) Name() string {
	return "kafka"
}

// Init creates the Kafka writer.
func (kh *KafkaHandler) Init(_ context.Context) error {
	config.NewValidator(kh.Tel).Validate(kh.cfg)

	if kh.writer == nil {
		kh.writer = &kafka.Writer{
			Addr:                   kafka.TCP(kh.cfg.Brokers...),
			Balancer:               kh.cfg.Balancer,
			MaxAttempts:            kh.cfg.MaxAttempts,
			WriteBackoffMin:        kh.cfg.WriteBackoffMin,
			WriteBackoffMax:        kh.cfg.WriteBackoffMax,
			BatchSize:              kh.cfg.BatchSize,
			BatchBytes:             kh.cfg.BatchBytes,
			BatchTimeout:           kh.cfg.BatchTimeout,
			ReadTimeout:            kh.cfg.ReadTimeout,
			WriteTimeout:           kh.cfg.WriteTimeout,
			RequiredAcks:           kh.cfg.RequiredAcks,
			Async:                  kh.cfg.Async,
			Compression:            kh.cfg.Compression,
			Transport:              kh.cfg.Transport,
			AllowAutoTopicCreation: kh.cfg.AllowAutoTopicCreation,
		}
	}

	kh.pending = make([]kafka.Message, 0, kh.cfg.BatchSize)

	kh.Tel.NewCounter("delivered_messages", kh.deliveredMessages.Load)
	kh.Tel.NewCounter("delivering_errors", kh.deliveringErrors.Load)

	return nil
}

// Handle converts the message and adds it to the pending ones.
// The key, the value and the headers are copied, because the slot
// is reused once the handler returns.
func (kh *KafkaHandler) Handle(ctx context.Context, msg *message.Message[*KafkaMessage], endOfBatch bool) error {
	ctx, span := kh.Tel.NewTrace(ctx, "deliver kafka message")
	defer span.End()

	kafkaMsgIn := msg.GetPayload()

	headers := make([]kafka.Header, 0, len(kafkaMsgIn.headers)+2)
	for _, header := range kafkaMsgIn.headers {
		headers = append(headers, kafka.Header{Key: header.Key, Value: bytes.Clone(header.Value)})
	}

	// Create the header that carries the trace and the user defined headers
	headerCarrier := telemetry.NewKafkaHeaderCarrier(headers)
	kh.Tel.InjectTrace(ctx, headerCarrier)

	kafkaMsg := kafka.Message{
		Topic: kafkaMsgIn.Topic,
		Key:   bytes.Clone(kafkaMsgIn.Key),
		Value: bytes.Clone(kafkaMsgIn.Value),

		Headers: headerCarrier.GetHeaders(),
	}

	if timestamp := msg.GetTimestamp(); !timestamp.IsZero() {
		kafkaMsg.Time = timestamp
	}

	span.SetAttributes(attribute.String("topic", kafkaMsg.Topic))

	kh.pendingMux.Lock()
	defer kh.pendingMux.Unlock()

	kh.pending = append(kh.pending, kafkaMsg)

	if endOfBatch || len(kh.pending) >= kh.cfg.BatchSize {
		return kh.flush(ctx)
	}

	return nil
}

// Flush writes the pending messages.
func (kh *KafkaHandler) Flush(ctx context.Context) error {
	kh.pendingMux.Lock()
	defer kh.pendingMux.Unlock()

	return kh.flush(ctx)
}

func (kh *KafkaHandler) flush(ctx context.Context) error {
	count := len(kh.pending)
	if count == 0 {
		return nil
	}

	err := kh.writer.WriteMessages(ctx, kh.pending...)

	clear(kh.pending)
	kh.pending = kh.pending[:0]

	if err != nil {
		kh.deliveringErrors.Add(int64(count))
		return err
	}

	kh.deliveredMessages.Add(int64(count))

	return nil
}

// Close writes the pending messages and closes the writer.
func (kh *KafkaHandler) Close(ctx context.Context) error {
	if kh.writer == nil {
		return nil
	}

	if err := kh.Flush(ctx); err != nil {
		kh.Tel.LogError("failed to write pending messages", err)
	}

	return kh.writer.Close()
}
